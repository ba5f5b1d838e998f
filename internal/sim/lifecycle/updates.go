package lifecycle

import (
	"go.uber.org/zap"

	journal "chunkflow.ai/internal/persistence/log"
	"chunkflow.ai/internal/sim/future"
	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tile"
	"chunkflow.ai/internal/sim/tilepos"
)

// onLevelChange is the propagator callback. It only queues; records are
// touched in runUpdates.
func (c *Coordinator) onLevelChange(pos tilepos.Pos, _, level int) {
	c.epoch++
	c.changes = append(c.changes, change{pos: pos, level: level})
}

// runUpdates propagates pending ticket changes and applies the resulting
// level changes until nothing moves. Applying a batch may add tickets or
// queue further changes; when that happens the loop starts over from
// propagation instead of continuing with what it had. It reports whether any
// level changed.
func (c *Coordinator) runUpdates() bool {
	changed := false
	for {
		if c.prop.Pending() {
			c.prop.Propagate()
		}
		if len(c.changes) == 0 {
			break
		}
		batch := c.changes
		c.changes = nil
		epoch := c.epoch
		for _, ch := range batch {
			c.applyLevelChange(ch.pos, ch.level)
			if c.afterApply != nil {
				c.afterApply(ch.pos)
			}
		}
		changed = true
		if c.epoch != epoch {
			c.counters.restarts++
		}
	}
	c.publishVisible()
	c.settle()
	return changed
}

// applyLevelChange moves the record at pos to level, creating, resurrecting
// or dropping it as needed.
func (c *Coordinator) applyLevelChange(pos tilepos.Pos, level int) {
	key := pos.Key()
	rec := c.updating[key]
	if rec == nil {
		if !c.levels.Required(level) {
			return
		}
		if old := c.unloading[key]; old != nil {
			rec = old
			delete(c.unloading, key)
			rec.state = Active
			if rec.loaded {
				c.pushAutosave(rec, rec.lastSaveTick)
			}
			c.counters.resurrected++
			c.record(event(journal.KindResurrect, pos))
		} else {
			rec = newRecord(pos, c.levels.NotRequired())
			c.counters.created++
		}
		c.poi.DequeueUnload(pos)
		c.updating[key] = rec
		c.mapDirty = true
	}
	rec.setLevel(level)
	c.logLevel(rec)
	c.sched.Reprioritize(pos, level)
	c.updateRecord(rec)
}

// updateRecord applies demotions right away and defers promotions until the
// batch has settled, when every neighbour has its final level.
func (c *Coordinator) updateRecord(rec *Record) {
	target, required := c.levels.StatusFor(rec.level)
	for s := status.Full; ; s-- {
		if !required || s > target {
			c.dropSlot(rec, s)
		}
		if s == status.Empty {
			break
		}
	}
	class := c.levels.ClassFor(rec.level)
	c.demoteReadiness(rec, class)

	if !required {
		c.beginDrop(rec)
		return
	}
	c.scheduled = append(c.scheduled, rec)
}

// dropSlot substitutes the unloaded sentinel for an unfinished or failed
// stage future. Successful results stay: the tile already holds them.
func (c *Coordinator) dropSlot(rec *Record, s status.Status) {
	pub := rec.slots[s].pub
	if pub == nil {
		return
	}
	r, done := pub.Peek()
	if done && r.IsOk() {
		return
	}
	if !done {
		pub.CompleteFrom(c.owner, future.Fail[*tile.Tile](future.Unloaded))
	}
	rec.slots[s].pub = nil
}

func (c *Coordinator) beginDrop(rec *Record) {
	key := rec.pos.Key()
	delete(c.updating, key)
	c.mapDirty = true
	rec.state = PendingDrop
	c.unloading[key] = rec
	c.dropQueue = append(c.dropQueue, rec)
}

// settle runs the promotions deferred during the last batch.
func (c *Coordinator) settle() {
	for len(c.scheduled) > 0 {
		recs := c.scheduled
		c.scheduled = nil
		for _, rec := range recs {
			if rec.state != Active || c.updating[rec.pos.Key()] != rec {
				continue
			}
			target, ok := c.levels.StatusFor(rec.level)
			if !ok {
				continue
			}
			c.getOrSchedule(rec, target)
			c.promoteReadiness(rec, c.levels.ClassFor(rec.level))
		}
	}
}

// Pump runs queued owner work and pending level updates once. It reports
// whether anything happened.
func (c *Coordinator) Pump() bool {
	ran := c.mailbox.Drain(c.cfg.OwnerTasksPerTick)
	changed := c.runUpdates()
	return ran > 0 || changed
}

func (c *Coordinator) logLevel(rec *Record) {
	if ce := c.log.Check(zap.DebugLevel, "level changed"); ce != nil {
		ce.Write(zap.Stringer("pos", rec.pos), zap.Int("from", rec.prevLevel), zap.Int("to", rec.level))
	}
}
