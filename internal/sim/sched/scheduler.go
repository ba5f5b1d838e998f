// Package sched dispatches stage work across worker pools and the owner
// goroutine. Pool tasks run most urgent tile first, where urgency is the
// tile's current level read at dequeue time.
package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chunkflow.ai/internal/sim/future"
	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tilepos"
)

// PriorityFunc returns the current queue level of a tile; lower runs first.
// It is called with queue locks held and must not call back into the scheduler.
type PriorityFunc func(pos tilepos.Pos) int

type Config struct {
	GenerationWorkers int `yaml:"generation_workers" toml:"generation_workers" json:"generation_workers"`
	LightWorkers      int `yaml:"light_workers" toml:"light_workers" json:"light_workers"`
	IOWorkers         int `yaml:"io_workers" toml:"io_workers" json:"io_workers"`
	// Levels is the number of priority buckets; levels at or above it share
	// the last bucket.
	Levels int `yaml:"-" toml:"-" json:"-"`
}

type counters struct {
	submitted atomic.Int64
	executed  atomic.Int64
	elided    atomic.Int64
	panics    atomic.Int64
}

// TargetStats is a snapshot of one target's counters.
type TargetStats struct {
	Target    string `json:"target"`
	Queued    int    `json:"queued"`
	Submitted int64  `json:"submitted"`
	Executed  int64  `json:"executed"`
	Elided    int64  `json:"elided"`
	Panics    int64  `json:"panics"`
}

type Scheduler struct {
	log     *zap.Logger
	mailbox *Mailbox
	queues  [status.TargetCount]*queue
	workers [status.TargetCount]int
	stats   [status.TargetCount]counters

	group  *errgroup.Group
	closed atomic.Bool
}

func New(cfg Config, prio PriorityFunc, mailbox *Mailbox, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Levels <= 0 {
		cfg.Levels = 64
	}
	s := &Scheduler{log: log.Named("sched"), mailbox: mailbox}
	s.workers[status.TargetGeneration] = max(cfg.GenerationWorkers, 1)
	s.workers[status.TargetLight] = max(cfg.LightWorkers, 1)
	s.workers[status.TargetIO] = max(cfg.IOWorkers, 1)
	for _, t := range poolTargets {
		s.queues[t] = newQueue(cfg.Levels, prio)
	}
	return s
}

var poolTargets = []status.Target{status.TargetGeneration, status.TargetLight, status.TargetIO}

// Start launches the worker pools. Workers exit when Close is called and
// their queue is drained.
func (s *Scheduler) Start(ctx context.Context) {
	g, _ := errgroup.WithContext(ctx)
	for _, t := range poolTargets {
		t := t
		for i := 0; i < s.workers[t]; i++ {
			g.Go(func() error {
				s.work(t)
				return nil
			})
		}
	}
	s.group = g
}

func (s *Scheduler) work(t status.Target) {
	q := s.queues[t]
	for {
		tk, ok := q.pop()
		if !ok {
			return
		}
		s.run(t, tk.pos, tk.fn)
	}
}

func (s *Scheduler) run(t status.Target, pos tilepos.Pos, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.stats[t].panics.Add(1)
			s.log.Error("task panicked",
				zap.String("target", t.String()),
				zap.Stringer("pos", pos),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	s.stats[t].executed.Add(1)
	fn()
}

// Submit queues fn on target t for the tile at pos. Owner work goes to the
// mailbox. After Close, pool work runs on the calling goroutine.
func (s *Scheduler) Submit(t status.Target, pos tilepos.Pos, fn func()) {
	s.stats[t].submitted.Add(1)
	if t == status.TargetOwner {
		s.mailbox.Execute(func() {
			s.stats[t].executed.Add(1)
			fn()
		})
		return
	}
	if s.closed.Load() || !s.queues[t].push(task{pos: pos, fn: fn}) {
		s.run(t, pos, fn)
	}
}

// Reprioritize moves queued work for pos after its level changed.
func (s *Scheduler) Reprioritize(pos tilepos.Pos, level int) {
	for _, t := range poolTargets {
		s.queues[t].reprioritize(pos, level)
	}
}

// Executor returns a future executor that submits to target t for pos. Two
// executors for the same target share a lane, so a future completed on that
// target runs their callbacks inline.
func (s *Scheduler) Executor(t status.Target, pos tilepos.Pos) future.Executor {
	return laneExecutor{s: s, target: t, pos: pos}
}

// Owner returns the owner-lane executor.
func (s *Scheduler) Owner() future.Executor {
	return laneExecutor{s: s, target: status.TargetOwner}
}

func (s *Scheduler) Mailbox() *Mailbox { return s.mailbox }

func (s *Scheduler) Stats() []TargetStats {
	out := make([]TargetStats, 0, status.TargetCount)
	for t := status.Target(0); t < status.TargetCount; t++ {
		st := TargetStats{
			Target:    t.String(),
			Submitted: s.stats[t].submitted.Load(),
			Executed:  s.stats[t].executed.Load(),
			Elided:    s.stats[t].elided.Load(),
			Panics:    s.stats[t].panics.Load(),
		}
		if q := s.queues[t]; q != nil {
			st.Queued = q.len()
		} else {
			st.Queued = s.mailbox.Len()
		}
		out = append(out, st)
	}
	return out
}

// Close stops accepting pool work, lets workers drain their queues and waits
// for them.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, t := range poolTargets {
		s.queues[t].close()
	}
	if s.group == nil {
		for _, t := range poolTargets {
			q := s.queues[t]
			for {
				q.mu.Lock()
				tk, ok := q.takeLocked()
				q.mu.Unlock()
				if !ok {
					break
				}
				s.run(t, tk.pos, tk.fn)
			}
		}
		return nil
	}
	if err := s.group.Wait(); err != nil {
		return fmt.Errorf("sched: %w", err)
	}
	return nil
}

type laneExecutor struct {
	s      *Scheduler
	target status.Target
	pos    tilepos.Pos
}

func (e laneExecutor) Execute(fn func()) { e.s.Submit(e.target, e.pos, fn) }

func (e laneExecutor) Lane() int { return int(e.target) }

func (e laneExecutor) RunInline(fn func()) {
	e.s.stats[e.target].elided.Add(1)
	fn()
}
