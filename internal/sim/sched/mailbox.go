package sched

import "sync"

// Mailbox funnels work onto the owner goroutine. Execute may be called from
// any goroutine; Drain only from the owner.
type Mailbox struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{wake: make(chan struct{}, 1)}
}

func (m *Mailbox) Execute(fn func()) {
	m.mu.Lock()
	m.tasks = append(m.tasks, fn)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Wake fires after Execute; the owner selects on it between ticks.
func (m *Mailbox) Wake() <-chan struct{} { return m.wake }

// Drain runs queued tasks in order, including tasks they enqueue, until the
// mailbox is empty or max tasks ran (max <= 0 means no limit).
func (m *Mailbox) Drain(max int) int {
	ran := 0
	for max <= 0 || ran < max {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return ran
		}
		fn := m.tasks[0]
		m.tasks[0] = nil
		m.tasks = m.tasks[1:]
		m.mu.Unlock()
		fn()
		ran++
	}
	return ran
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
