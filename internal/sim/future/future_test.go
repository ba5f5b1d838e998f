package future

import (
	"context"
	"testing"
	"time"
)

type queueExec struct{ tasks []func() }

func (q *queueExec) Execute(fn func()) { q.tasks = append(q.tasks, fn) }

func (q *queueExec) drain() {
	for len(q.tasks) > 0 {
		fn := q.tasks[0]
		q.tasks = q.tasks[1:]
		fn()
	}
}

func TestCompleteOnce(t *testing.T) {
	f := New[int]()
	if !f.Complete(Ok(1)) {
		t.Fatalf("first Complete should win")
	}
	if f.Complete(Ok(2)) {
		t.Fatalf("second Complete should be ignored")
	}
	r, ok := f.Peek()
	if !ok || r.Value != 1 {
		t.Fatalf("Peek=%v,%v", r, ok)
	}
}

func TestCallbacksRunOnExecutor(t *testing.T) {
	q := &queueExec{}
	f := New[int]()
	got := 0
	f.OnComplete(q, func(r Result[int]) { got = r.Value })
	f.Complete(Ok(7))
	if got != 0 {
		t.Fatalf("callback ran before the executor drained")
	}
	q.drain()
	if got != 7 {
		t.Fatalf("got=%d want 7", got)
	}
}

func TestThenPropagatesFailureWithoutCallingFn(t *testing.T) {
	f := New[int]()
	called := false
	out := Then(f, Inline, func(v int) *Future[string] {
		called = true
		return Completed(Ok("x"))
	})
	f.Complete(Fail[int](Unloaded))
	r, ok := out.Peek()
	if !ok || r.IsOk() || r.Fail != Unloaded {
		t.Fatalf("expected unloaded failure, got %+v ok=%v", r, ok)
	}
	if called {
		t.Fatalf("fn must not run on failure")
	}
}

func TestAllWaitsForEveryInput(t *testing.T) {
	a, b, c := New[int](), New[int](), New[int]()
	all := All([]*Future[int]{a, b, c})
	b.Complete(Fail[int](NotLoaded))
	if all.IsDone() {
		t.Fatalf("All resolved before every input resolved")
	}
	a.Complete(Ok(1))
	c.Complete(Ok(3))
	r, ok := all.Peek()
	if !ok || r.Fail != NotLoaded {
		t.Fatalf("expected not-loaded failure, got %+v", r)
	}
}

func TestAllOrdersValues(t *testing.T) {
	a, b := New[int](), New[int]()
	all := All([]*Future[int]{a, b})
	b.Complete(Ok(2))
	a.Complete(Ok(1))
	r, _ := all.Peek()
	if !r.IsOk() || r.Value[0] != 1 || r.Value[1] != 2 {
		t.Fatalf("values=%v", r.Value)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

type laneExec struct {
	lane    int
	queued  []func()
	inlined int
}

func (l *laneExec) Execute(fn func()) { l.queued = append(l.queued, fn) }
func (l *laneExec) Lane() int         { return l.lane }
func (l *laneExec) RunInline(fn func()) {
	l.inlined++
	fn()
}

func TestCompleteFromSameLaneRunsInline(t *testing.T) {
	gen := &laneExec{lane: 1}
	light := &laneExec{lane: 2}
	f := New[int]()
	var order []string
	f.OnComplete(gen, func(Result[int]) { order = append(order, "gen") })
	f.OnComplete(light, func(Result[int]) { order = append(order, "light") })
	f.CompleteFrom(gen, Ok(1))
	if gen.inlined != 1 || len(gen.queued) != 0 {
		t.Fatalf("same-lane callback should be elided: inlined=%d queued=%d", gen.inlined, len(gen.queued))
	}
	if len(light.queued) != 1 {
		t.Fatalf("cross-lane callback should be queued")
	}
	if len(order) != 1 || order[0] != "gen" {
		t.Fatalf("order=%v", order)
	}
}

func TestAllCarriesOriginLane(t *testing.T) {
	gen := &laneExec{lane: 1}
	a, b := New[int](), New[int]()
	ran := false
	out := Then(All([]*Future[int]{a, b}), gen, func(vs []int) *Future[int] {
		ran = true
		return Completed(Ok(vs[0] + vs[1]))
	})
	a.CompleteFrom(gen, Ok(1))
	b.CompleteFrom(gen, Ok(2))
	if !ran || gen.inlined != 1 {
		t.Fatalf("dependent body should run inline on the completing lane (ran=%v inlined=%d)", ran, gen.inlined)
	}
	if r, ok := out.Peek(); !ok || r.Value != 3 {
		t.Fatalf("out=%+v ok=%v", r, ok)
	}
}
