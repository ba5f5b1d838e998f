// Package lifecycle decides which tiles are resident, drives them through the
// generation pipeline and retires them when demand goes away.
//
// All record and map mutation happens on one owner goroutine: the one that
// calls Run (or, in tests and tools, the one that calls Tick and the other
// owner methods). Workers hand results back through the scheduler mailbox.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	journal "chunkflow.ai/internal/persistence/log"
	"chunkflow.ai/internal/sim/future"
	"chunkflow.ai/internal/sim/propagate"
	"chunkflow.ai/internal/sim/sched"
	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tickets"
	"chunkflow.ai/internal/sim/tile"
	"chunkflow.ai/internal/sim/tilepos"
)

// BlobStore persists encoded tiles. blobstore.Gateway implements it.
type BlobStore interface {
	ReadBlob(ctx context.Context, pos tilepos.Pos) ([]byte, error)
	WriteBlobAsync(pos tilepos.Pos, data []byte, priority int) *future.Future[struct{}]
	WriteBlob(ctx context.Context, pos tilepos.Pos, data []byte) error
	Flush(ctx context.Context) error
	Close() error
}

// AuxIndex is the point-of-interest side index. poi.Store implements it.
type AuxIndex interface {
	LoadFor(ctx context.Context, pos tilepos.Pos) error
	Set(pos tilepos.Pos, pois []tile.POI)
	QueueUnload(pos tilepos.Pos, afterTick int64)
	DequeueUnload(pos tilepos.Pos) bool
	Flush(ctx context.Context, pos tilepos.Pos) error
	Tick(ctx context.Context, tick int64) int
	Close(ctx context.Context) error
}

// Generator runs stage bodies. terrain.Generator implements it.
type Generator interface {
	Generate(s status.Status, r tile.Region) error
}

// Journal records lifecycle events. journal.Journal implements it.
type Journal interface {
	Record(e journal.Event) error
	Close() error
}

type Config struct {
	MaxLevel   int
	TickRateHz int
	Scheduler  sched.Config
	// OwnerTasksPerTick bounds mailbox work run between ticks; 0 drains it.
	OwnerTasksPerTick int

	DrainPerTick     int
	HighWater        int
	Overflow         int
	DelayUnloadTicks int64

	AutosavePeriod int64
	AutosaveBudget int

	POIUnloadDelay int64

	// OnGenerationFailure runs on the owner goroutine after a stage body
	// panicked or returned an error.
	OnGenerationFailure func(GenerationReport)
}

func DefaultConfig() Config {
	return Config{
		MaxLevel:         33,
		TickRateHz:       20,
		Scheduler:        sched.Config{GenerationWorkers: 4, LightWorkers: 1, IOWorkers: 2},
		DrainPerTick:     200,
		HighWater:        2000,
		Overflow:         200,
		DelayUnloadTicks: 300,
		AutosavePeriod:   6000,
		AutosaveBudget:   20,
		POIUnloadDelay:   100,
	}
}

type Deps struct {
	Store     BlobStore
	POI       AuxIndex
	Generator Generator
	// Journal is optional.
	Journal Journal
}

// Observer is told when a tile's announced readiness class changes. It runs
// on the owner goroutine and must not block.
type Observer func(pos tilepos.Pos, from, to status.Class)

type change struct {
	pos   tilepos.Pos
	level int
}

type Coordinator struct {
	cfg    Config
	levels status.Levels
	log    *zap.Logger

	store   BlobStore
	poi     AuxIndex
	gen     Generator
	journal Journal

	reg     *tickets.Registry
	viewers *tickets.Viewers
	prop    *propagate.Propagator
	sched   *sched.Scheduler
	mailbox *sched.Mailbox
	owner   future.Executor

	// updating is the owner's map; visible is the last published copy.
	updating map[uint64]*Record
	visible  atomic.Pointer[map[uint64]*Record]
	mapDirty bool

	unloading map[uint64]*Record
	dropQueue []*Record

	autosave autosaveQueue

	// requests holds unresolved RequestStatus futures whose request tickets
	// are refreshed every tick.
	requests map[requestKey]*future.Future[*tile.Tile]

	changes []change
	epoch   uint64
	// scheduled collects records whose promotion waits for the batch to settle.
	scheduled []*Record

	observers []Observer
	ctx       context.Context
	tick      int64
	closed    bool

	// afterApply is a test hook run after each applied level change.
	afterApply func(tilepos.Pos)

	counters counters
	stats    atomic.Pointer[Stats]
	poiBusy  atomic.Bool

	stop      chan struct{}
	stopOnce  sync.Once
	ticketOps chan ticketOpReq
	inspect   chan inspectReq
	saves     chan saveReq
}

type counters struct {
	created      int64
	loaded       int64
	restored     int64
	generated    int64
	genFailures  int64
	saved        int64
	saveFailures int64
	syncSaves    int64
	unloaded     int64
	resurrected  int64
	restarts     int64
	stepMS       float64
}

func New(cfg Config, deps Deps, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxLevel <= 0 {
		cfg.MaxLevel = 33
	}
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.DrainPerTick <= 0 {
		cfg.DrainPerTick = 1
	}
	c := &Coordinator{
		cfg:       cfg,
		levels:    status.NewLevels(cfg.MaxLevel),
		log:       log.Named("lifecycle"),
		store:     deps.Store,
		poi:       deps.POI,
		gen:       deps.Generator,
		journal:   deps.Journal,
		updating:  map[uint64]*Record{},
		unloading: map[uint64]*Record{},
		requests:  map[requestKey]*future.Future[*tile.Tile]{},
		ctx:       context.Background(),
		stop:      make(chan struct{}),
		ticketOps: make(chan ticketOpReq, 256),
		inspect:   make(chan inspectReq, 16),
		saves:     make(chan saveReq, 4),
	}
	empty := map[uint64]*Record{}
	c.visible.Store(&empty)
	c.stats.Store(&Stats{})

	c.prop = propagate.New(cfg.MaxLevel, c.onLevelChange)
	c.reg = tickets.NewRegistry(levelSink{c}, tickets.Options{
		Levels:      c.levels,
		Expiry:      tickets.DefaultExpiry(cfg.DelayUnloadTicks),
		ReachedFull: c.reachedFull,
	})
	c.viewers = tickets.NewViewers(c.reg)

	schedCfg := cfg.Scheduler
	schedCfg.Levels = cfg.MaxLevel + 2
	c.mailbox = sched.NewMailbox()
	c.sched = sched.New(schedCfg, c.priority, c.mailbox, log)
	c.owner = c.sched.Owner()
	return c
}

// Start launches the worker pools. ctx bounds storage calls made by workers.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx = ctx
	c.sched.Start(ctx)
}

// levelSink forwards registry source changes to the propagator and marks the
// update loop stale.
type levelSink struct{ c *Coordinator }

func (s levelSink) SetSource(pos tilepos.Pos, level int) {
	s.c.epoch++
	s.c.prop.SetSource(pos, level)
}

func (s levelSink) RemoveSource(pos tilepos.Pos) {
	s.c.epoch++
	s.c.prop.RemoveSource(pos)
}

// priority is read by pool workers under queue locks.
func (c *Coordinator) priority(pos tilepos.Pos) int {
	if rec := (*c.visible.Load())[pos.Key()]; rec != nil {
		return rec.Level()
	}
	return c.levels.NotRequired()
}

func (c *Coordinator) reachedFull(pos tilepos.Pos) bool {
	if rec := c.updating[pos.Key()]; rec != nil {
		return rec.reachedFull
	}
	if rec := c.unloading[pos.Key()]; rec != nil {
		return rec.reachedFull
	}
	return false
}

// publishVisible swaps in a copy of the updating map when its key set changed.
func (c *Coordinator) publishVisible() {
	if !c.mapDirty {
		return
	}
	m := make(map[uint64]*Record, len(c.updating))
	for k, rec := range c.updating {
		m[k] = rec
	}
	c.visible.Store(&m)
	c.mapDirty = false
}

// View is a read-only look at a resident tile, safe from any goroutine.
type View struct {
	Pos    tilepos.Pos
	Level  int
	Class  status.Class
	Loaded bool
	Status status.Status
}

// Visible returns the published state of pos.
func (c *Coordinator) Visible(pos tilepos.Pos) (View, bool) {
	rec := (*c.visible.Load())[pos.Key()]
	if rec == nil {
		return View{}, false
	}
	v := View{Pos: pos, Level: rec.Level(), Class: rec.Class()}
	if t := rec.Tile(); t != nil {
		v.Loaded = true
		v.Status = t.Status()
	}
	return v, true
}

// VisibleCount is the number of records in the published map.
func (c *Coordinator) VisibleCount() int { return len(*c.visible.Load()) }

// Observe adds a readiness observer. Call before Run.
func (c *Coordinator) Observe(o Observer) { c.observers = append(c.observers, o) }

func (c *Coordinator) Levels() status.Levels { return c.levels }

func (c *Coordinator) Scheduler() *sched.Scheduler { return c.sched }

func (c *Coordinator) CurrentTick() int64 { return c.tick }

func (c *Coordinator) record(e journal.Event) {
	if c.journal == nil {
		return
	}
	if e.Tick == 0 {
		e.Tick = c.tick
	}
	if err := c.journal.Record(e); err != nil {
		c.log.Debug("journal write failed", zap.Error(err))
	}
}

func event(kind string, pos tilepos.Pos) journal.Event {
	return journal.Event{Kind: kind, X: pos.X, Z: pos.Z}
}

func since(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
