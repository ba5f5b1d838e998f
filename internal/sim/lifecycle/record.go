package lifecycle

import (
	"fmt"
	"sync/atomic"

	"chunkflow.ai/internal/sim/future"
	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tile"
	"chunkflow.ai/internal/sim/tilepos"
)

// State is where a record is in the unload state machine.
type State uint8

const (
	Active State = iota
	PendingDrop
	Saving
	Retired
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case PendingDrop:
		return "pending_drop"
	case Saving:
		return "saving"
	case Retired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// slot holds the future handed out for one stage and the computation
// behind it. Demotion fails pub but never interrupts work, so a re-request
// joins the running computation instead of starting a second one.
type slot struct {
	pub  *future.Future[*tile.Tile]
	work *future.Future[*tile.Tile]
}

// Record is the scheduling state of one tile. Plain fields belong to the
// owner goroutine; the atomics are what other goroutines may read through
// the visible map.
type Record struct {
	pos tilepos.Pos

	level     int
	prevLevel int
	state     State

	queueLevel atomic.Int32
	class      atomic.Uint32
	tile       atomic.Pointer[tile.Tile]

	slots [status.Count]slot
	ready [status.EntityTicking + 1]*future.Future[*tile.Tile]

	highest      status.Status
	loaded       bool
	loadedStatus status.Status
	reachedFull  bool

	lastSaveTick     int64
	saveFuture       *future.Future[struct{}]
	inAutosave       bool
	autosaveDeferred bool
}

func newRecord(pos tilepos.Pos, level int) *Record {
	r := &Record{pos: pos, level: level, prevLevel: level}
	r.queueLevel.Store(int32(level))
	return r
}

func (r *Record) Pos() tilepos.Pos { return r.pos }

// Level is the last level applied to the record.
func (r *Record) Level() int { return int(r.queueLevel.Load()) }

// Class is the last readiness class announced for the record.
func (r *Record) Class() status.Class { return status.Class(r.class.Load()) }

// Tile is nil until the tile has been loaded or created.
func (r *Record) Tile() *tile.Tile { return r.tile.Load() }

func (r *Record) setLevel(level int) {
	r.prevLevel = r.level
	r.level = level
	r.queueLevel.Store(int32(level))
}

// busy reports stage computations still running against the tile.
func (r *Record) busy() bool {
	for i := range r.slots {
		if w := r.slots[i].work; w != nil && !w.IsDone() {
			return true
		}
	}
	return false
}

func (r *Record) futureState(s status.Status) string {
	return describe(r.slots[s].pub)
}

func describe(f *future.Future[*tile.Tile]) string {
	if f == nil {
		return "-"
	}
	res, done := f.Peek()
	switch {
	case !done:
		return "pending"
	case res.IsOk():
		return "ok"
	default:
		return "fail:" + res.Fail.Reason
	}
}
