package ops

import (
	"sync"
	"sync/atomic"

	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tilepos"
)

// ReadinessEvent is one readiness class change as streamed to clients.
type ReadinessEvent struct {
	X    int32  `json:"x"`
	Z    int32  `json:"z"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Hub fans readiness changes out to stream subscribers. Observe is called on
// the coordinator's owner goroutine, so it never blocks: a subscriber whose
// buffer is full loses the event.
type Hub struct {
	mu   sync.Mutex
	subs map[uint64]chan ReadinessEvent
	next uint64

	published atomic.Int64
	dropped   atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[uint64]chan ReadinessEvent{}}
}

// Observe has the lifecycle.Observer signature.
func (h *Hub) Observe(pos tilepos.Pos, from, to status.Class) {
	ev := ReadinessEvent{X: pos.X, Z: pos.Z, From: from.String(), To: to.String()}
	h.published.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribe(buf int) (uint64, <-chan ReadinessEvent) {
	if buf <= 0 {
		buf = 256
	}
	ch := make(chan ReadinessEvent, buf)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.subs[h.next] = ch
	return h.next, ch
}

func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type HubStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

func (h *Hub) Stats() HubStats {
	return HubStats{Subscribers: h.Subscribers(), Published: h.published.Load(), Dropped: h.dropped.Load()}
}
