package sched

import (
	"sync"

	"chunkflow.ai/internal/sim/tilepos"
)

type task struct {
	pos tilepos.Pos
	fn  func()
}

// tileTasks is the FIFO of tasks for one tile inside a level bucket.
type tileTasks struct {
	key   uint64
	level int
	tasks []task
}

// queue orders tasks by the current level of their tile. Levels are re-read
// when a tile reaches the head of its bucket, and Reprioritize moves a tile
// eagerly when the caller knows its level changed.
type queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	prio    PriorityFunc
	buckets [][]*tileTasks
	byKey   map[uint64]*tileTasks
	size    int
	closed  bool
}

func newQueue(levels int, prio PriorityFunc) *queue {
	q := &queue{
		prio:    prio,
		buckets: make([][]*tileTasks, levels),
		byKey:   map[uint64]*tileTasks{},
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) clamp(level int) int {
	if level < 0 {
		return 0
	}
	if level >= len(q.buckets) {
		return len(q.buckets) - 1
	}
	return level
}

func (q *queue) push(t task) bool {
	level := q.clamp(q.prio(t.pos))
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	key := t.pos.Key()
	tt, ok := q.byKey[key]
	if !ok {
		tt = &tileTasks{key: key, level: level}
		q.byKey[key] = tt
		q.buckets[level] = append(q.buckets[level], tt)
	} else if tt.level != level {
		q.moveLocked(tt, level)
	}
	tt.tasks = append(tt.tasks, t)
	q.size++
	q.cond.Signal()
	return true
}

func (q *queue) moveLocked(tt *tileTasks, level int) {
	b := q.buckets[tt.level]
	for i := range b {
		if b[i] == tt {
			q.buckets[tt.level] = append(b[:i], b[i+1:]...)
			break
		}
	}
	tt.level = level
	q.buckets[level] = append(q.buckets[level], tt)
}

func (q *queue) reprioritize(pos tilepos.Pos, level int) {
	level = q.clamp(level)
	q.mu.Lock()
	defer q.mu.Unlock()
	if tt, ok := q.byKey[pos.Key()]; ok && tt.level != level {
		q.moveLocked(tt, level)
	}
}

// pop blocks until a task is available. It returns false once the queue is
// closed and empty.
func (q *queue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if t, ok := q.takeLocked(); ok {
			return t, true
		}
		if q.closed {
			return task{}, false
		}
		q.cond.Wait()
	}
}

func (q *queue) takeLocked() (task, bool) {
	if q.size == 0 {
		return task{}, false
	}
	for level := 0; level < len(q.buckets); level++ {
		for len(q.buckets[level]) > 0 {
			tt := q.buckets[level][0]
			cur := q.clamp(q.prio(tilepos.FromKey(tt.key)))
			if cur > level {
				// Became less urgent while queued.
				q.moveLocked(tt, cur)
				continue
			}
			t := tt.tasks[0]
			tt.tasks = tt.tasks[1:]
			q.size--
			if len(tt.tasks) == 0 {
				q.buckets[level] = q.buckets[level][1:]
				delete(q.byKey, tt.key)
			}
			return t, true
		}
	}
	return task{}, false
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
