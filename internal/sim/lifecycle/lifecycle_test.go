package lifecycle

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"chunkflow.ai/internal/persistence/blobstore"
	journal "chunkflow.ai/internal/persistence/log"
	"chunkflow.ai/internal/persistence/snapshot"
	"chunkflow.ai/internal/sim/future"
	"chunkflow.ai/internal/sim/sched"
	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/terrain"
	"chunkflow.ai/internal/sim/tickets"
	"chunkflow.ai/internal/sim/tile"
	"chunkflow.ai/internal/sim/tilepos"
)

type memIndex struct {
	mu       sync.Mutex
	sets     map[tilepos.Pos][]tile.POI
	unloadAt map[tilepos.Pos]int64
	flushed  int
}

func newMemIndex() *memIndex {
	return &memIndex{sets: map[tilepos.Pos][]tile.POI{}, unloadAt: map[tilepos.Pos]int64{}}
}

func (m *memIndex) LoadFor(context.Context, tilepos.Pos) error { return nil }

func (m *memIndex) Set(pos tilepos.Pos, pois []tile.POI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[pos] = pois
}

func (m *memIndex) QueueUnload(pos tilepos.Pos, afterTick int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloadAt[pos] = afterTick
}

func (m *memIndex) DequeueUnload(pos tilepos.Pos) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.unloadAt[pos]
	delete(m.unloadAt, pos)
	return ok
}

func (m *memIndex) Flush(context.Context, tilepos.Pos) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed++
	return nil
}

func (m *memIndex) Tick(context.Context, int64) int { return 0 }

func (m *memIndex) Close(context.Context) error { return nil }

func (m *memIndex) queued(pos tilepos.Pos) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.unloadAt[pos]
	return v, ok
}

type memJournal struct {
	mu     sync.Mutex
	events []journal.Event
}

func (j *memJournal) Record(e journal.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) count(kind string, pos tilepos.Pos) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.events {
		if e.Kind == kind && e.X == pos.X && e.Z == pos.Z {
			n++
		}
	}
	return n
}

// gatedBackend holds every write until the gate is closed.
type gatedBackend struct {
	*blobstore.Memory
	gate   chan struct{}
	once   sync.Once
	writes atomic.Int32
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{Memory: blobstore.NewMemory(), gate: make(chan struct{})}
}

func (g *gatedBackend) Write(ctx context.Context, pos tilepos.Pos, data []byte) error {
	g.writes.Add(1)
	<-g.gate
	return g.Memory.Write(ctx, pos, data)
}

func (g *gatedBackend) release() { g.once.Do(func() { close(g.gate) }) }

// flakyBackend rejects the first fail writes.
type flakyBackend struct {
	*blobstore.Memory
	fail atomic.Int32
}

func (f *flakyBackend) Write(ctx context.Context, pos tilepos.Pos, data []byte) error {
	if f.fail.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.Memory.Write(ctx, pos, data)
}

// failingGenerator panics the first time it runs stage at pos.
type failingGenerator struct {
	inner  Generator
	pos    tilepos.Pos
	stage  status.Status
	failed atomic.Bool
}

func (g *failingGenerator) Generate(s status.Status, r tile.Region) error {
	if s == g.stage && r.Center == g.pos && g.failed.CompareAndSwap(false, true) {
		panic("noise table exhausted")
	}
	return g.inner.Generate(s, r)
}

// gatedGenerator blocks every stage until release is called.
type gatedGenerator struct {
	inner Generator
	gate  chan struct{}
	once  sync.Once
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{inner: terrain.New(terrain.DefaultConfig()), gate: make(chan struct{})}
}

func (g *gatedGenerator) Generate(s status.Status, r tile.Region) error {
	<-g.gate
	return g.inner.Generate(s, r)
}

func (g *gatedGenerator) release() { g.once.Do(func() { close(g.gate) }) }

// slowGenerator sleeps before every stage.
type slowGenerator struct {
	inner Generator
	delay time.Duration
}

func (g slowGenerator) Generate(s status.Status, r tile.Region) error {
	time.Sleep(g.delay)
	return g.inner.Generate(s, r)
}

type harness struct {
	c       *Coordinator
	backend blobstore.Backend
	poi     *memIndex
	journal *memJournal
}

type harnessOpts struct {
	backend   blobstore.Backend
	generator Generator
	config    func(*Config)
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TickRateHz = 100
	cfg.DelayUnloadTicks = 0
	cfg.AutosavePeriod = 0
	cfg.DrainPerTick = 1000
	cfg.Scheduler = sched.Config{GenerationWorkers: 2, LightWorkers: 1, IOWorkers: 1}
	if o.config != nil {
		o.config(&cfg)
	}
	if o.backend == nil {
		o.backend = blobstore.NewMemory()
	}
	if o.generator == nil {
		o.generator = terrain.New(terrain.DefaultConfig())
	}
	h := &harness{backend: o.backend, poi: newMemIndex(), journal: &memJournal{}}
	h.c = New(cfg, Deps{
		Store:     blobstore.NewGateway(o.backend, nil),
		POI:       h.poi,
		Generator: o.generator,
		Journal:   h.journal,
	}, zap.NewNop())
	h.c.Start(context.Background())
	t.Cleanup(func() { _ = h.c.Close(context.Background()) })
	return h
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func await[T any](t *testing.T, c *Coordinator, f *future.Future[T]) future.Result[T] {
	t.Helper()
	if err := c.pumpUntil(testCtx(t), f.Done()); err != nil {
		t.Fatalf("future did not resolve: %v", err)
	}
	r, _ := f.Peek()
	return r
}

func getNow(t *testing.T, c *Coordinator, pos tilepos.Pos, s status.Status) *tile.Tile {
	t.Helper()
	tl, err := c.GetTileNow(testCtx(t), pos, s)
	if err != nil {
		t.Fatalf("GetTileNow(%v, %s): %v", pos, s, err)
	}
	return tl
}

// settleUnloads ticks until every pending drop has been saved and retired.
func settleUnloads(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx := testCtx(t)
	for i := 0; i < 400 && len(c.unloading) > 0; i++ {
		c.Tick()
		if err := c.store.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		c.mailbox.Drain(0)
		if len(c.unloading) > 0 {
			select {
			case <-c.mailbox.Wake():
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	if n := len(c.unloading); n > 0 {
		t.Fatalf("%d records still unloading", n)
	}
}

func TestRequestFullChainsThroughPipeline(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.c
	p := tilepos.New(0, 0)

	f := c.RequestStatus(p, status.Full)
	rec := c.updating[p.Key()]
	if rec == nil {
		t.Fatalf("no record after request")
	}
	if rec.Tile() != nil {
		t.Fatalf("tile materialized before the load ran")
	}
	if rec.slots[status.Empty].pub == nil {
		t.Fatalf("empty stage not scheduled")
	}

	r := await(t, c, f)
	if !r.IsOk() {
		t.Fatalf("Full failed: %v", r.Fail)
	}
	if got := r.Value.Status(); got < status.Full {
		t.Fatalf("status=%s want full", got)
	}
	if rec.Tile() != r.Value {
		t.Fatalf("record holds a different tile")
	}
	if c.counters.generated != 1 {
		t.Fatalf("generated=%d want 1", c.counters.generated)
	}
	for _, n := range []tilepos.Pos{tilepos.New(1, 0), tilepos.New(-1, 1)} {
		nr := c.updating[n.Key()]
		if nr == nil || nr.Tile() == nil || nr.Tile().Status() < status.Features {
			t.Fatalf("neighbour %v not generated to features", n)
		}
	}
	if _, ok := c.updating[tilepos.New(3, 0).Key()]; ok {
		t.Fatalf("record created beyond the dependency radius")
	}
	if h.journal.count(journal.KindGenerated, p) != 1 {
		t.Fatalf("generated event not journaled")
	}
}

func TestRequestStatusIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.c
	p := tilepos.New(4, -2)

	f1 := c.RequestStatus(p, status.Full)
	f2 := c.RequestStatus(p, status.Full)
	if f1 != f2 {
		t.Fatalf("second request returned a new future")
	}
	r1 := await(t, c, f1)
	if !r1.IsOk() {
		t.Fatalf("Full failed: %v", r1.Fail)
	}
	f3 := c.RequestStatus(p, status.Full)
	r3, done := f3.Peek()
	if !done || !r3.IsOk() || r3.Value != r1.Value {
		t.Fatalf("resolved re-request: done=%t ok=%t same=%t", done, r3.IsOk(), r3.Value == r1.Value)
	}
	// A lower stage is already satisfied by the tile.
	r4, done := c.RequestStatus(p, status.Noise).Peek()
	if !done || r4.Value != r1.Value {
		t.Fatalf("lower stage not resolved immediately")
	}
}

func TestStatusNeverDecreasesWhileResident(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.c
	if err := c.AddViewer("v", tilepos.New(0, 0), 2); err != nil {
		t.Fatalf("AddViewer: %v", err)
	}
	c.runUpdates()

	seen := map[tilepos.Pos]status.Status{}
	deadline := time.Now().Add(30 * time.Second)
	for {
		for _, rec := range c.updating {
			tl := rec.Tile()
			if tl == nil {
				continue
			}
			st := tl.Status()
			if prev, ok := seen[rec.pos]; ok && st < prev {
				t.Fatalf("%v went from %s to %s", rec.pos, prev, st)
			}
			seen[rec.pos] = st
		}
		if v, ok := c.Visible(tilepos.New(0, 0)); ok && v.Class == status.EntityTicking {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("center never became entity-ticking")
		}
		if !c.Pump() {
			select {
			case <-c.mailbox.Wake():
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	if c.UnloadingCount() != 0 {
		t.Fatalf("unloading=%d with a fixed viewer", c.UnloadingCount())
	}
}

func TestReadinessObserverSeesPromotionAndDemotion(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.c
	center := tilepos.New(10, 10)
	var got []status.Class
	c.Observe(func(pos tilepos.Pos, from, to status.Class) {
		if pos == center {
			got = append(got, to)
		}
	})
	if err := c.AddViewer("v", center, 1); err != nil {
		t.Fatalf("AddViewer: %v", err)
	}
	c.runUpdates()
	ctx := testCtx(t)
	for len(got) == 0 || got[len(got)-1] != status.Ticking {
		if err := ctx.Err(); err != nil {
			t.Fatalf("never announced ticking, got %v", got)
		}
		if !c.Pump() {
			select {
			case <-c.mailbox.Wake():
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("announcements not increasing: %v", got)
		}
	}

	c.RemoveViewer("v")
	c.runUpdates()
	if last := got[len(got)-1]; last != status.Inaccessible {
		t.Fatalf("last announcement=%s want inaccessible", last)
	}
	if v, ok := c.Visible(center); ok {
		t.Fatalf("center still visible after demand went away: %+v", v)
	}
}

func TestUnloadAbortedWhenDemandReturnsMidSave(t *testing.T) {
	backend := newGatedBackend()
	defer backend.release()
	h := newHarness(t, harnessOpts{backend: backend})
	c := h.c
	p := tilepos.New(2, 3)

	c.AddTicket(p, tickets.Player, 31, "alice")
	tl := getNow(t, c, p, status.Full)
	c.RemoveTicket(p, tickets.Request, status.Full.String())
	rec := c.updating[p.Key()]
	digest := tl.Digest()

	c.RemoveTicket(p, tickets.Player, "alice")
	c.runUpdates()
	if c.unloading[p.Key()] != rec || rec.state != PendingDrop {
		t.Fatalf("record not pending drop: state=%s", rec.state)
	}

	c.Tick()
	if rec.state != Saving {
		t.Fatalf("state=%s want saving", rec.state)
	}
	if rec.saveFuture == nil || rec.saveFuture.IsDone() {
		t.Fatalf("save should still be in flight")
	}

	c.AddTicket(p, tickets.Player, 31, "alice")
	c.runUpdates()
	if rec.state != Active {
		t.Fatalf("state=%s want active after resurrect", rec.state)
	}

	backend.release()
	if err := c.store.Flush(testCtx(t)); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	c.mailbox.Drain(0)

	if c.updating[p.Key()] != rec {
		t.Fatalf("record replaced")
	}
	if _, ok := c.unloading[p.Key()]; ok {
		t.Fatalf("record still listed as unloading")
	}
	if rec.state != Active || rec.Tile() != tl {
		t.Fatalf("state=%s tile swapped=%t", rec.state, rec.Tile() != tl)
	}
	if h.journal.count(journal.KindUnload, p) != 0 {
		t.Fatalf("resurrected record was retired")
	}
	if c.counters.resurrected == 0 {
		t.Fatalf("resurrect not counted")
	}
	if tl.Dirty() {
		t.Fatalf("completed save did not clear the dirty mark")
	}
	blob, err := backend.Read(context.Background(), p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	hdr, err := snapshot.ReadHeader(blob)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.Digest != hex.EncodeToString(digest[:]) {
		t.Fatalf("stored digest differs from the resident tile")
	}
}

func TestSaveUnloadReloadRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.c
	p := tilepos.New(-5, 7)

	c.AddTicket(p, tickets.Player, 31, "bob")
	before := getNow(t, c, p, status.Full)
	c.RemoveTicket(p, tickets.Request, status.Full.String())
	digest := before.Digest()
	inhabited := before.Inhabited()
	generated := c.counters.generated

	c.RemoveTicket(p, tickets.Player, "bob")
	c.runUpdates()
	settleUnloads(t, c)
	if len(c.updating) != 0 {
		t.Fatalf("%d records resident after unload", len(c.updating))
	}
	if h.journal.count(journal.KindUnload, p) != 1 {
		t.Fatalf("unload not journaled")
	}
	if at, ok := h.poi.queued(p); !ok || at <= c.cfg.POIUnloadDelay {
		t.Fatalf("poi unload queued=%t at=%d", ok, at)
	}

	after := getNow(t, c, p, status.Full)
	if after == before {
		t.Fatalf("reload returned the retired tile")
	}
	if after.Status() != status.Full || after.Digest() != digest || after.Inhabited() != inhabited {
		t.Fatalf("reloaded tile differs: status=%s", after.Status())
	}
	if after.Dirty() {
		t.Fatalf("restored tile starts dirty")
	}
	if c.counters.restored == 0 {
		t.Fatalf("restore not counted")
	}
	if c.counters.generated != generated {
		t.Fatalf("restored tile regenerated")
	}
	if _, ok := h.poi.queued(p); ok {
		t.Fatalf("poi unload still queued after reload")
	}
}

func TestUpdateLoopRestartsOnMutation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.c
	far := tilepos.New(100, 100)
	injected := false
	c.afterApply = func(tilepos.Pos) {
		if injected {
			return
		}
		injected = true
		c.AddTicket(far, tickets.Plugin, 31, "late")
	}
	c.AddTicket(tilepos.New(0, 0), tickets.Player, 31, "a")
	c.runUpdates()

	if c.counters.restarts == 0 {
		t.Fatalf("mutation during a pass did not restart the loop")
	}
	for _, tc := range []struct {
		pos   tilepos.Pos
		level int
	}{
		{far, 31},
		{tilepos.New(101, 100), 32},
		{tilepos.New(102, 98), 33},
		{tilepos.New(0, 0), 31},
	} {
		rec := c.updating[tc.pos.Key()]
		if rec == nil || rec.level != tc.level {
			t.Fatalf("record at %v: %+v want level %d", tc.pos, rec, tc.level)
		}
	}
	for _, rec := range c.updating {
		if lv := c.prop.Level(rec.pos); lv != rec.level {
			t.Fatalf("%v record level %d propagated %d", rec.pos, rec.level, lv)
		}
	}
	if _, ok := c.updating[tilepos.New(103, 100).Key()]; ok {
		t.Fatalf("record beyond max level")
	}
}

func TestGenerationPanicFailsThenRetries(t *testing.T) {
	p := tilepos.New(1, 1)
	gen := &failingGenerator{inner: terrain.New(terrain.DefaultConfig()), pos: p, stage: status.Noise}
	var reports []GenerationReport
	h := newHarness(t, harnessOpts{generator: gen, config: func(cfg *Config) {
		cfg.OnGenerationFailure = func(r GenerationReport) { reports = append(reports, r) }
	}})
	c := h.c

	r := await(t, c, c.RequestStatus(p, status.Noise))
	if r.IsOk() || r.Fail != future.GenerationFailed {
		t.Fatalf("first attempt: ok=%t fail=%v", r.IsOk(), r.Fail)
	}
	if len(reports) != 1 || reports[0].Panic == nil || reports[0].Status != status.Noise || reports[0].Pos != p {
		t.Fatalf("reports=%+v", reports)
	}
	if c.counters.genFailures != 1 {
		t.Fatalf("genFailures=%d", c.counters.genFailures)
	}
	if h.journal.count(journal.KindGenFailed, p) != 1 {
		t.Fatalf("failure not journaled")
	}

	r = await(t, c, c.RequestStatus(p, status.Noise))
	if !r.IsOk() || r.Value.Status() < status.Noise {
		t.Fatalf("retry failed: %v", r.Fail)
	}
}

func TestAsyncSaveFailureFallsBackToSync(t *testing.T) {
	backend := &flakyBackend{Memory: blobstore.NewMemory()}
	h := newHarness(t, harnessOpts{backend: backend})
	c := h.c
	p := tilepos.New(0, 0)
	c.AddTicket(p, tickets.Forced, 33, "")
	tl := getNow(t, c, p, status.Carvers)

	backend.fail.Store(1)
	if err := c.SaveAll(testCtx(t), true); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if c.counters.syncSaves != 1 || c.counters.saveFailures != 0 {
		t.Fatalf("syncSaves=%d saveFailures=%d", c.counters.syncSaves, c.counters.saveFailures)
	}
	if tl.Dirty() {
		t.Fatalf("tile dirty after the fallback save")
	}
	if _, err := backend.Memory.Read(context.Background(), p); err != nil {
		t.Fatalf("blob missing: %v", err)
	}
	if h.journal.count(journal.KindSaveFailed, p) != 1 {
		t.Fatalf("save failure not journaled")
	}

	tl.Inhabit(5)
	backend.fail.Store(2)
	if err := c.SaveAll(testCtx(t), true); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if c.counters.saveFailures != 1 || !tl.Dirty() {
		t.Fatalf("saveFailures=%d dirty=%t", c.counters.saveFailures, tl.Dirty())
	}
}

func TestAutosaveWritesDirtyResidentTiles(t *testing.T) {
	h := newHarness(t, harnessOpts{config: func(cfg *Config) {
		cfg.AutosavePeriod = 3
		cfg.AutosaveBudget = 50
	}})
	c := h.c
	p := tilepos.New(8, 8)
	c.AddTicket(p, tickets.Player, 31, "carol")
	tl := getNow(t, c, p, status.Full)
	if !tl.Dirty() {
		t.Fatalf("generated tile should be dirty")
	}
	ctx := testCtx(t)
	for i := 0; i < 20 && tl.Dirty(); i++ {
		c.Tick()
		if err := c.store.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		c.mailbox.Drain(0)
	}
	if tl.Dirty() {
		t.Fatalf("autosave never saved the tile")
	}
	if c.counters.saved == 0 || c.counters.syncSaves != 0 {
		t.Fatalf("saved=%d syncSaves=%d", c.counters.saved, c.counters.syncSaves)
	}
	if _, err := h.backend.Read(ctx, p); err != nil {
		t.Fatalf("blob missing: %v", err)
	}
	if c.UnloadingCount() != 0 {
		t.Fatalf("autosave unloaded tiles")
	}
}

func TestDrainIsBoundedPerTick(t *testing.T) {
	h := newHarness(t, harnessOpts{config: func(cfg *Config) {
		cfg.DrainPerTick = 2
		cfg.HighWater = 10
		cfg.Overflow = 3
	}})
	c := h.c
	for i := 0; i < 25; i++ {
		rec := newRecord(tilepos.New(1000+i, 0), c.levels.NotRequired())
		rec.state = PendingDrop
		c.unloading[rec.pos.Key()] = rec
		c.dropQueue = append(c.dropQueue, rec)
	}

	// Above the high-water mark the overflow allowance applies.
	for _, want := range []struct{ started, left int }{
		{5, 20}, {5, 15}, {5, 10}, {2, 8}, {2, 6},
	} {
		if got := c.drainUnloads(); got != want.started {
			t.Fatalf("started=%d want %d (queue was %d)", got, want.started, len(c.dropQueue)+got)
		}
		if len(c.dropQueue) != want.left {
			t.Fatalf("drop queue=%d want %d", len(c.dropQueue), want.left)
		}
	}
	c.mailbox.Drain(0)
	if got := c.UnloadingCount(); got != 6 {
		t.Fatalf("unloading=%d want 6", got)
	}
}

func TestAutosaveDefersBusyTilesKeepingTheirPlace(t *testing.T) {
	h := newHarness(t, harnessOpts{config: func(cfg *Config) {
		cfg.AutosavePeriod = 10
		cfg.AutosaveBudget = 1
	}})
	c := h.c
	resident := func(x int, lastSave int64) *Record {
		rec := newRecord(tilepos.New(x, 900), c.levels.Full)
		tl := tile.New(rec.pos)
		tl.Inhabit(1)
		rec.tile.Store(tl)
		rec.loaded = true
		rec.lastSaveTick = lastSave
		c.pushAutosave(rec, lastSave)
		return rec
	}
	busy := resident(0, 0)
	busy.slots[status.Full].work = future.New[*tile.Tile]()
	early := resident(1, 5)
	late := resident(2, 6)

	c.tick = 20
	if got := c.runAutosave(); got != 1 {
		t.Fatalf("writes=%d want 1", got)
	}
	if !busy.autosaveDeferred || busy.inAutosave || busy.saveFuture != nil {
		t.Fatalf("busy record deferred=%t queued=%t saving=%t", busy.autosaveDeferred, busy.inAutosave, busy.saveFuture != nil)
	}
	if early.saveFuture == nil || late.saveFuture != nil {
		t.Fatalf("budget spent on the wrong record")
	}

	busy.slots[status.Full].work = future.Completed(future.Ok(busy.Tile()))
	c.onStageDone(busy, status.Empty, future.Ok(busy.Tile()))
	if busy.autosaveDeferred || !busy.inAutosave {
		t.Fatalf("idle record not requeued")
	}
	if head := c.autosave.items[0]; head.rec != busy || head.tick != 0 {
		t.Fatalf("queue head=%v@%d want %v@0", head.rec.pos, head.tick, busy.pos)
	}

	c.tick = 21
	if got := c.runAutosave(); got != 1 || busy.saveFuture == nil || late.saveFuture != nil {
		t.Fatalf("writes=%d busy saving=%t late saving=%t", got, busy.saveFuture != nil, late.saveFuture != nil)
	}
}

func TestMissingRecordIsInvariantViolation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.c
	p := tilepos.New(500, 500)
	defer func() {
		v, ok := recover().(*InvariantViolation)
		if !ok {
			t.Fatalf("expected an invariant violation")
		}
		if v.Report.Pos != p || v.Report.Record {
			t.Fatalf("report=%+v", v.Report)
		}
	}()
	c.checkRecord(p)
}

func TestDiagnosticDumps(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.c
	p := tilepos.New(0, 0)
	c.AddTicket(p, tickets.Player, 31, "dave")
	getNow(t, c, p, status.Full)

	found := false
	for _, e := range c.DumpTickets() {
		if e.Pos == p && e.Type == "player" && e.Level == 31 && e.Payload == "dave" {
			found = true
		}
	}
	if !found {
		t.Fatalf("player ticket missing from dump: %+v", c.DumpTickets())
	}

	var buf bytes.Buffer
	if err := c.DumpCSV(&buf); err != nil {
		t.Fatalf("DumpCSV: %v", err)
	}
	recs, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(recs) != len(c.updating)+1 {
		t.Fatalf("rows=%d want %d", len(recs)-1, len(c.updating))
	}
	header := recs[0]
	if header[0] != "x" || header[len(header)-1] != status.Full.String() {
		t.Fatalf("header=%v", header)
	}
	var row []string
	for _, r := range recs[1:] {
		if r[0] == "0" && r[1] == "0" {
			row = r
		}
	}
	if row == nil {
		t.Fatalf("no row for %v", p)
	}
	if row[len(row)-1] != "ok" {
		t.Fatalf("full future state=%q", row[len(row)-1])
	}
	rep := c.Diagnose(p)
	if !rep.Record || rep.Level != 31 || len(rep.Tickets) == 0 {
		t.Fatalf("report=%s", rep)
	}
}

func TestCloseSavesAndRejectsRequests(t *testing.T) {
	backend := blobstore.NewMemory()
	h := newHarness(t, harnessOpts{backend: backend})
	c := h.c
	p := tilepos.New(3, 3)
	c.AddTicket(p, tickets.Forced, 33, "")
	tl := getNow(t, c, p, status.Carvers)
	tl.Inhabit(3)

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tl.Dirty() {
		t.Fatalf("tile not saved on close")
	}
	if _, err := backend.Read(context.Background(), p); err != nil {
		t.Fatalf("blob missing: %v", err)
	}
	r, done := c.RequestStatus(p, status.Full).Peek()
	if !done || r.Fail != future.Shutdown {
		t.Fatalf("request after close: done=%t fail=%v", done, r.Fail)
	}
}

func TestRunServesRequestsFromOtherGoroutines(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.c
	ctx := testCtx(t)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	center := tilepos.New(-3, -3)
	if err := c.SubmitTicketOp(ctx, TicketOp{Kind: OpAddViewer, Viewer: "v", Pos: center, Radius: 1}); err != nil {
		t.Fatalf("add viewer: %v", err)
	}
	if err := c.SubmitTicketOp(ctx, TicketOp{Kind: OpAddViewer, Viewer: "v", Pos: center, Radius: 1}); err == nil {
		t.Fatalf("duplicate viewer accepted")
	}
	tl, err := c.GetTile(ctx, center, status.Full)
	if err != nil || tl.Status() != status.Full {
		t.Fatalf("GetTile: %v", err)
	}
	if err := c.RequestSave(ctx, true); err != nil {
		t.Fatalf("RequestSave: %v", err)
	}
	snap, err := c.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if snap.Tick == 0 || len(snap.Rows) == 0 || len(snap.Tickets) == 0 {
		t.Fatalf("snapshot tick=%d rows=%d tickets=%d", snap.Tick, len(snap.Rows), len(snap.Tickets))
	}
	if st := c.Stats(); st.Records == 0 || st.Saved == 0 {
		t.Fatalf("stats=%+v", st)
	}
	if v, ok := c.Visible(center); !ok || v.Level != 30 {
		t.Fatalf("visible=%+v,%t", v, ok)
	}

	c.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := c.SubmitTicketOp(ctx, TicketOp{Kind: OpRemoveViewer, Viewer: "v"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("op after stop: %v", err)
	}
}

func hasTicket(c *Coordinator, pos tilepos.Pos, typ string) bool {
	for _, e := range c.DumpTickets() {
		if e.Pos == pos && e.Type == typ {
			return true
		}
	}
	return false
}

func TestRequestTicketHeldUntilFutureResolves(t *testing.T) {
	gen := newGatedGenerator()
	h := newHarness(t, harnessOpts{generator: gen})
	defer gen.release()
	c := h.c
	p := tilepos.New(5, 5)

	f := c.RequestStatus(p, status.Full)
	for i := 0; i < 10; i++ {
		c.Tick()
		c.mailbox.Drain(0)
	}
	if r, done := f.Peek(); done {
		t.Fatalf("request resolved while generation was blocked: %v", r.Fail)
	}
	if !hasTicket(c, p, "request") {
		t.Fatalf("request ticket expired before its future resolved: %+v", c.DumpTickets())
	}
	if v := c.Diagnose(p); !v.Record || v.Level != c.levels.LevelFor(status.Full) {
		t.Fatalf("report=%s", v)
	}

	gen.release()
	if r := await(t, c, f); !r.IsOk() || r.Value.Status() != status.Full {
		t.Fatalf("request result=%+v", r)
	}
	for i := 0; i < 3; i++ {
		c.Tick()
	}
	if hasTicket(c, p, "request") {
		t.Fatalf("request ticket outlived its future: %+v", c.DumpTickets())
	}
	if len(c.requests) != 0 {
		t.Fatalf("pending requests=%d", len(c.requests))
	}
}

func TestGetTileWithoutOtherDemandSurvivesSlowGeneration(t *testing.T) {
	h := newHarness(t, harnessOpts{
		generator: slowGenerator{inner: terrain.New(terrain.DefaultConfig()), delay: 15 * time.Millisecond},
		config: func(cfg *Config) {
			cfg.TickRateHz = 20
			cfg.Scheduler.GenerationWorkers = 4
		},
	})
	c := h.c
	ctx := testCtx(t)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	p := tilepos.New(5, 5)
	tl, err := c.GetTile(ctx, p, status.Full)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if tl.Status() != status.Full || tl.Pos() != p {
		t.Fatalf("tile=%v status=%s", tl.Pos(), tl.Status())
	}

	c.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestOpKindNames(t *testing.T) {
	for k := OpAddViewer; k <= OpRemoveTicket; k++ {
		got, ok := ParseOpKind(k.String())
		if !ok || got != k {
			t.Fatalf("ParseOpKind(%q)=%v,%t", k.String(), got, ok)
		}
	}
	if _, ok := ParseOpKind("teleport"); ok {
		t.Fatalf("unknown op parsed")
	}
	if got := fmt.Sprint(OpKind(42)); got != "op(42)" {
		t.Fatalf("String=%q", got)
	}
}
