package blobstore

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"chunkflow.ai/internal/sim/future"
	"chunkflow.ai/internal/sim/tilepos"
)

// WriteFailure prefixes the failure reason of a rejected async write.
const WriteFailure = "write-failed"

// Gateway serializes tile writes through one writer goroutine, most urgent
// first. At most one write per tile is queued: a newer write replaces the
// queued data and shares its completion. Reads see queued and in-flight data
// before it reaches the backend.
type Gateway struct {
	backend Backend
	log     *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    writeQueue
	queued   map[uint64]*writeJob
	inflight map[uint64][]byte
	seq      uint64
	closed   bool

	wg sync.WaitGroup

	written   atomic.Int64
	coalesced atomic.Int64
	failed    atomic.Int64
}

type writeJob struct {
	pos      tilepos.Pos
	data     []byte
	priority int
	seq      uint64
	waiters  []*future.Future[struct{}]
	index    int
}

// writeQueue orders jobs by priority then submission order.
type writeQueue []*writeJob

func (q writeQueue) Len() int { return len(q) }
func (q writeQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q writeQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *writeQueue) Push(x any) {
	j := x.(*writeJob)
	j.index = len(*q)
	*q = append(*q, j)
}
func (q *writeQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

func NewGateway(b Backend, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		backend:  b,
		log:      log.Named("blobstore"),
		queued:   map[uint64]*writeJob{},
		inflight: map[uint64][]byte{},
	}
	g.cond = sync.NewCond(&g.mu)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.loop()
	}()
	return g
}

// ReadBlob returns the newest blob for pos or ErrNotFound.
func (g *Gateway) ReadBlob(ctx context.Context, pos tilepos.Pos) ([]byte, error) {
	key := pos.Key()
	g.mu.Lock()
	if j, ok := g.queued[key]; ok {
		data := append([]byte(nil), j.data...)
		g.mu.Unlock()
		return data, nil
	}
	if data, ok := g.inflight[key]; ok {
		data = append([]byte(nil), data...)
		g.mu.Unlock()
		return data, nil
	}
	g.mu.Unlock()
	return g.backend.Read(ctx, pos)
}

// WriteBlobAsync queues data for pos. Lower priority values are written
// first. The future fails with a WriteFailure reason when the backend rejects
// the write, and with future.Shutdown after Close.
func (g *Gateway) WriteBlobAsync(pos tilepos.Pos, data []byte, priority int) *future.Future[struct{}] {
	done := future.New[struct{}]()
	key := pos.Key()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		done.Complete(future.Fail[struct{}](future.Shutdown))
		return done
	}
	if j, ok := g.queued[key]; ok {
		j.data = data
		j.waiters = append(j.waiters, done)
		if priority < j.priority {
			j.priority = priority
			heap.Fix(&g.queue, j.index)
		}
		g.coalesced.Add(1)
		return done
	}
	g.seq++
	j := &writeJob{pos: pos, data: data, priority: priority, seq: g.seq, waiters: []*future.Future[struct{}]{done}}
	g.queued[key] = j
	heap.Push(&g.queue, j)
	g.cond.Broadcast()
	return done
}

// WriteBlob writes synchronously. A queued write for pos is absorbed: its
// waiters complete with this write's outcome.
func (g *Gateway) WriteBlob(ctx context.Context, pos tilepos.Pos, data []byte) error {
	key := pos.Key()
	g.mu.Lock()
	for g.inflight[key] != nil {
		g.cond.Wait()
	}
	var absorbed []*future.Future[struct{}]
	if j, ok := g.queued[key]; ok {
		heap.Remove(&g.queue, j.index)
		delete(g.queued, key)
		absorbed = j.waiters
	}
	g.inflight[key] = data
	g.mu.Unlock()

	err := g.backend.Write(ctx, pos, data)
	g.finish(key, absorbed, err)
	return err
}

func (g *Gateway) finish(key uint64, waiters []*future.Future[struct{}], err error) {
	g.mu.Lock()
	delete(g.inflight, key)
	g.cond.Broadcast()
	g.mu.Unlock()

	res := future.Ok(struct{}{})
	if err != nil {
		g.failed.Add(1)
		res = future.Fail[struct{}](&future.Failure{Reason: fmt.Sprintf("%s: %v", WriteFailure, err)})
	} else {
		g.written.Add(1)
	}
	for _, w := range waiters {
		w.Complete(res)
	}
}

// next blocks for the most urgent job whose tile has no write in flight.
func (g *Gateway) next() (*writeJob, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if len(g.queue) > 0 {
			j := g.queue[0]
			if g.inflight[j.pos.Key()] == nil {
				heap.Pop(&g.queue)
				delete(g.queued, j.pos.Key())
				g.inflight[j.pos.Key()] = j.data
				return j, true
			}
		} else if g.closed {
			return nil, false
		}
		g.cond.Wait()
	}
}

func (g *Gateway) loop() {
	ctx := context.Background()
	for {
		j, ok := g.next()
		if !ok {
			return
		}
		err := g.backend.Write(ctx, j.pos, j.data)
		if err != nil {
			g.log.Warn("tile write failed", zap.Stringer("pos", j.pos), zap.Error(err))
		}
		g.finish(j.pos.Key(), j.waiters, err)
	}
}

// Flush waits until every queued and in-flight write has been handled.
func (g *Gateway) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.queue) > 0 || len(g.inflight) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	return nil
}

// Pending is the number of queued writes.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

type GatewayStats struct {
	Pending   int   `json:"pending"`
	Written   int64 `json:"written"`
	Coalesced int64 `json:"coalesced"`
	Failed    int64 `json:"failed"`
}

func (g *Gateway) Stats() GatewayStats {
	return GatewayStats{
		Pending:   g.Pending(),
		Written:   g.written.Load(),
		Coalesced: g.coalesced.Load(),
		Failed:    g.failed.Load(),
	}
}

func (g *Gateway) Backend() Backend { return g.backend }

// Close drains queued writes and closes the backend.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.cond.Broadcast()
	g.mu.Unlock()
	g.wg.Wait()
	return g.backend.Close()
}
