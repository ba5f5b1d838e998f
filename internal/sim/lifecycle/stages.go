package lifecycle

import (
	"errors"
	"runtime/debug"

	"go.uber.org/zap"

	"chunkflow.ai/internal/persistence/blobstore"
	journal "chunkflow.ai/internal/persistence/log"
	"chunkflow.ai/internal/persistence/snapshot"
	"chunkflow.ai/internal/sim/future"
	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tile"
	"chunkflow.ai/internal/sim/tilepos"
)

var unloadedTile = future.Completed(future.Fail[*tile.Tile](future.Unloaded))

// getOrSchedule returns the future for rec reaching s, issuing it if needed.
// A live future is returned as is; a satisfied status resolves immediately;
// a status the record's level does not allow resolves to the unloaded
// sentinel.
func (c *Coordinator) getOrSchedule(rec *Record, s status.Status) *future.Future[*tile.Tile] {
	sl := &rec.slots[s]
	if sl.pub != nil {
		if !sl.pub.Failed() {
			return sl.pub
		}
		sl.pub = nil
	}
	if t := rec.Tile(); t != nil && t.Status() >= s {
		sl.pub = future.Completed(future.Ok(t))
		return sl.pub
	}
	if rec.state != Active || c.closed {
		return unloadedTile
	}
	if target, ok := c.levels.StatusFor(rec.level); !ok || s > target {
		return unloadedTile
	}

	pub := future.New[*tile.Tile]()
	sl.pub = pub
	work := sl.work
	if work == nil || work.IsDone() {
		work = c.startStage(rec, s)
		sl.work = work
		work.OnComplete(c.owner, func(r future.Result[*tile.Tile]) { c.onStageDone(rec, s, r) })
	}
	work.OnComplete(c.owner, func(r future.Result[*tile.Tile]) { pub.CompleteFrom(c.owner, r) })
	return pub
}

// startStage wires s for rec: every tile within the stage radius must reach
// the parent stage first, then the body runs on the stage's executor.
func (c *Coordinator) startStage(rec *Record, s status.Status) *future.Future[*tile.Tile] {
	if s == status.Empty {
		return c.startLoad(rec.pos)
	}
	radius := s.Radius()
	parent := s.Parent()
	deps := make([]*future.Future[*tile.Tile], 0, (2*radius+1)*(2*radius+1))
	tilepos.Square(rec.pos, radius, func(p tilepos.Pos) {
		n := rec
		if p != rec.pos {
			n = c.updating[p.Key()]
		}
		if n == nil {
			deps = append(deps, unloadedTile)
			return
		}
		deps = append(deps, c.getOrSchedule(n, parent))
	})
	pos := rec.pos
	return future.Then(future.All(deps), c.sched.Executor(s.Target(), pos), func(tiles []*tile.Tile) *future.Future[*tile.Tile] {
		return c.runStage(pos, s, tile.Region{Center: pos, Radius: radius, Tiles: tiles})
	})
}

// runStage runs on the stage's executor. Panics and errors become a
// GenerationReport for the owner and a failed result for dependants.
func (c *Coordinator) runStage(pos tilepos.Pos, s status.Status, region tile.Region) (out *future.Future[*tile.Tile]) {
	self := region.Self()
	if self.Status() >= s {
		return future.Completed(future.Ok(self))
	}
	defer func() {
		if p := recover(); p != nil {
			c.reportFailure(GenerationReport{Pos: pos, Status: s, Panic: p, Stack: debug.Stack()})
			out = future.Completed(future.Fail[*tile.Tile](future.GenerationFailed))
		}
	}()
	if err := c.gen.Generate(s, region); err != nil {
		c.reportFailure(GenerationReport{Pos: pos, Status: s, Err: err})
		return future.Completed(future.Fail[*tile.Tile](future.GenerationFailed))
	}
	return future.Completed(future.Ok(self))
}

func (c *Coordinator) reportFailure(rep GenerationReport) {
	c.owner.Execute(func() { c.onGenerationFailure(rep) })
}

func (c *Coordinator) onGenerationFailure(rep GenerationReport) {
	c.counters.genFailures++
	c.log.Error("generation failed",
		zap.Stringer("pos", rep.Pos),
		zap.Stringer("status", rep.Status),
		zap.Error(rep),
		zap.ByteString("stack", rep.Stack))
	e := event(journal.KindGenFailed, rep.Pos)
	e.Status = rep.Status.String()
	e.Detail = rep.Error()
	c.record(e)
	if c.cfg.OnGenerationFailure != nil {
		c.cfg.OnGenerationFailure(rep)
	}
}

// startLoad reads the tile on the IO pool. Missing or corrupt data yields a
// fresh tile; a storage error fails the load.
func (c *Coordinator) startLoad(pos tilepos.Pos) *future.Future[*tile.Tile] {
	exec := c.sched.Executor(status.TargetIO, pos)
	out := future.New[*tile.Tile]()
	exec.Execute(func() {
		r, detail := c.load(pos)
		c.owner.Execute(func() {
			if r.IsOk() {
				c.counters.loaded++
				if detail == "restored" {
					c.counters.restored++
				}
			}
			e := event(journal.KindLoad, pos)
			e.Detail = detail
			if r.IsOk() {
				e.Status = r.Value.Status().String()
			}
			c.record(e)
		})
		out.CompleteFrom(exec, r)
	})
	return out
}

func (c *Coordinator) load(pos tilepos.Pos) (future.Result[*tile.Tile], string) {
	if err := c.poi.LoadFor(c.ctx, pos); err != nil {
		c.log.Warn("poi load failed", zap.Stringer("pos", pos), zap.Error(err))
	}
	blob, err := c.store.ReadBlob(c.ctx, pos)
	if errors.Is(err, blobstore.ErrNotFound) {
		return future.Ok(tile.New(pos)), "fresh"
	}
	if err != nil {
		c.log.Error("tile read failed", zap.Stringer("pos", pos), zap.Error(err))
		return future.Fail[*tile.Tile](future.NotLoaded), "read-failed"
	}
	d, err := snapshot.Decode(blob)
	if err == nil && (d.X != pos.X || d.Z != pos.Z) {
		err = errors.New("position mismatch")
	}
	var t *tile.Tile
	if err == nil {
		t, err = tile.FromData(d)
	}
	if err != nil {
		c.log.Warn("corrupt tile, regenerating", zap.Stringer("pos", pos), zap.Error(err))
		return future.Ok(tile.New(pos)), "corrupt"
	}
	return future.Ok(t), "restored"
}

// onStageDone commits a finished stage to the record on the owner goroutine.
func (c *Coordinator) onStageDone(rec *Record, s status.Status, r future.Result[*tile.Tile]) {
	if !r.IsOk() {
		return
	}
	t := r.Value
	if s == status.Empty {
		if rec.Tile() == nil {
			rec.tile.Store(t)
			rec.loaded = true
			rec.loadedStatus = t.Status()
			rec.lastSaveTick = c.tick
			if t.Status() == status.Full {
				rec.reachedFull = true
			}
			if rec.state == Active {
				c.pushAutosave(rec, c.tick)
			}
		}
	} else {
		t.SetStatus(s)
	}
	if st := t.Status(); st > rec.highest {
		rec.highest = st
	}
	if s == status.Features && s > rec.loadedStatus {
		c.poi.Set(rec.pos, t.POIs())
	}
	if s == status.Full && !rec.reachedFull {
		rec.reachedFull = true
		c.counters.generated++
		e := event(journal.KindGenerated, rec.pos)
		e.Status = s.String()
		c.record(e)
	}
	if rec.autosaveDeferred && rec.state == Active && !rec.busy() {
		rec.autosaveDeferred = false
		c.pushAutosave(rec, rec.lastSaveTick)
	}
}
