// Package future implements single-assignment results that carry either a
// value or a load failure. Failures are values, never panics, so they compose
// through every stage of the pipeline.
package future

import (
	"context"
	"sync"
)

// Failure explains why a tile could not be produced.
type Failure struct {
	Reason string
}

func (f *Failure) Error() string { return "tile unavailable: " + f.Reason }

// Shared failures. Compare by identity or by Reason.
var (
	Unloaded         = &Failure{Reason: "unloaded"}
	NotLoaded        = &Failure{Reason: "not-loaded"}
	GenerationFailed = &Failure{Reason: "generation-failed"}
	Shutdown         = &Failure{Reason: "shutdown"}
)

// Result is either Ok(Value) or Failure.
type Result[T any] struct {
	Value T
	Fail  *Failure
}

func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

func Fail[T any](f *Failure) Result[T] {
	if f == nil {
		f = Unloaded
	}
	return Result[T]{Fail: f}
}

func (r Result[T]) IsOk() bool { return r.Fail == nil }

// Executor runs callbacks. Implementations decide on which goroutine.
type Executor interface {
	Execute(fn func())
}

type inline struct{}

func (inline) Execute(fn func()) { fn() }

// Inline runs callbacks on the completing goroutine.
var Inline Executor = inline{}

// Laned executors that report the same lane are interchangeable: a callback
// registered on lane L runs inline when its future is completed from lane L.
type Laned interface {
	Executor
	Lane() int
}

// inliner is implemented by executors that want to observe elided hops.
type inliner interface {
	RunInline(fn func())
}

func sameLane(a, b Executor) bool {
	if a == nil || b == nil {
		return false
	}
	la, ok := a.(Laned)
	if !ok {
		return false
	}
	lb, ok := b.(Laned)
	return ok && la.Lane() == lb.Lane()
}

func dispatch(exec, origin Executor, fn func()) {
	if sameLane(exec, origin) {
		if in, ok := exec.(inliner); ok {
			in.RunInline(fn)
			return
		}
		fn()
		return
	}
	exec.Execute(fn)
}

// Future is a single-assignment Result with completion callbacks.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	res       Result[T]
	origin    Executor
	callbacks []callback[T]
}

type callback[T any] struct {
	exec  Executor
	fn    func(Result[T])
	chain func(Result[T], Executor)
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns an already resolved future.
func Completed[T any](r Result[T]) *Future[T] {
	f := New[T]()
	f.Complete(r)
	return f
}

// Complete resolves the future. It reports false when the future was already
// resolved; the earlier result wins.
func (f *Future[T]) Complete(r Result[T]) bool {
	return f.CompleteFrom(nil, r)
}

// CompleteFrom resolves the future from a goroutine running on origin.
// Callbacks registered on origin's lane run inline instead of being queued.
func (f *Future[T]) CompleteFrom(origin Executor, r Result[T]) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.res = r
	f.origin = origin
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb := cb
		if cb.chain != nil {
			cb.chain(r, origin)
			continue
		}
		dispatch(cb.exec, origin, func() { cb.fn(r) })
	}
	return true
}

// chain runs fn synchronously on completion with the completing lane.
func (f *Future[T]) chain(fn func(Result[T], Executor)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, callback[T]{chain: fn})
		f.mu.Unlock()
		return
	}
	r, origin := f.res, f.origin
	f.mu.Unlock()
	fn(r, origin)
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Peek returns the result if the future is resolved.
func (f *Future[T]) Peek() (Result[T], bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.completed
}

// Failed reports whether the future resolved to a failure.
func (f *Future[T]) Failed() bool {
	r, ok := f.Peek()
	return ok && !r.IsOk()
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (Result[T], error) {
	select {
	case <-f.done:
		r, _ := f.Peek()
		return r, nil
	case <-ctx.Done():
		var zero Result[T]
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run on exec once the future resolves. If it is
// already resolved fn is handed to exec immediately.
func (f *Future[T]) OnComplete(exec Executor, fn func(Result[T])) {
	if exec == nil {
		exec = Inline
	}
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, callback[T]{exec: exec, fn: fn})
		f.mu.Unlock()
		return
	}
	r := f.res
	f.mu.Unlock()
	exec.Execute(func() { fn(r) })
}

// Then chains fn after f. fn runs on exec; a failure short-circuits and is
// carried unchanged without calling fn.
func Then[T, U any](f *Future[T], exec Executor, fn func(T) *Future[U]) *Future[U] {
	out := New[U]()
	f.chain(func(r Result[T], origin Executor) {
		if !r.IsOk() {
			out.CompleteFrom(origin, Fail[U](r.Fail))
			return
		}
		dispatch(exec, origin, func() {
			next := fn(r.Value)
			if next == nil {
				out.CompleteFrom(exec, Fail[U](Unloaded))
				return
			}
			next.chain(func(nr Result[U], o Executor) {
				if o == nil {
					o = exec
				}
				out.CompleteFrom(o, nr)
			})
		})
	})
	return out
}

// Map transforms a successful value on exec.
func Map[T, U any](f *Future[T], exec Executor, fn func(T) U) *Future[U] {
	out := New[U]()
	f.chain(func(r Result[T], origin Executor) {
		if !r.IsOk() {
			out.CompleteFrom(origin, Fail[U](r.Fail))
			return
		}
		dispatch(exec, origin, func() { out.CompleteFrom(exec, Ok(fn(r.Value))) })
	})
	return out
}

// All resolves with every value in input order, or with the first failure
// observed. It waits for every input before resolving so callers never act
// while a dependency is still in flight.
func All[T any](fs []*Future[T]) *Future[[]T] {
	out := New[[]T]()
	if len(fs) == 0 {
		out.Complete(Ok([]T{}))
		return out
	}
	var (
		mu      sync.Mutex
		left    = len(fs)
		values  = make([]T, len(fs))
		failure *Failure
	)
	for i, f := range fs {
		i := i
		f.chain(func(r Result[T], origin Executor) {
			mu.Lock()
			if r.IsOk() {
				values[i] = r.Value
			} else if failure == nil {
				failure = r.Fail
			}
			left--
			finished := left == 0
			fail := failure
			mu.Unlock()
			if !finished {
				return
			}
			if fail != nil {
				out.CompleteFrom(origin, Fail[[]T](fail))
				return
			}
			out.CompleteFrom(origin, Ok(values))
		})
	}
	return out
}

// Join resolves once every input has resolved, ignoring their results.
func Join[T any](fs []*Future[T]) *Future[struct{}] {
	out := New[struct{}]()
	if len(fs) == 0 {
		out.Complete(Ok(struct{}{}))
		return out
	}
	var (
		mu   sync.Mutex
		left = len(fs)
	)
	for _, f := range fs {
		f.chain(func(_ Result[T], origin Executor) {
			mu.Lock()
			left--
			finished := left == 0
			mu.Unlock()
			if finished {
				out.CompleteFrom(origin, Ok(struct{}{}))
			}
		})
	}
	return out
}
