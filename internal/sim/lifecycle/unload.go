package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	journal "chunkflow.ai/internal/persistence/log"
	"chunkflow.ai/internal/persistence/snapshot"
	"chunkflow.ai/internal/sim/future"
	"chunkflow.ai/internal/sim/tile"
)

// Write priorities handed to the blob store; lower is written first.
const (
	priorityUnload   = 0
	priorityExplicit = 1
	priorityAutosave = 2
)

var saved = future.Completed(future.Ok(struct{}{}))

// drainUnloads starts saves for a bounded number of pending drops. A backlog
// above the high-water mark earns the overflow allowance on top.
func (c *Coordinator) drainUnloads() int {
	budget := c.cfg.DrainPerTick
	if len(c.dropQueue) > c.cfg.HighWater {
		budget += c.cfg.Overflow
	}
	started := 0
	var keep []*Record
	i := 0
	for ; i < len(c.dropQueue) && started < budget; i++ {
		rec := c.dropQueue[i]
		if rec.state != PendingDrop || c.unloading[rec.pos.Key()] != rec {
			continue
		}
		if rec.busy() {
			keep = append(keep, rec)
			continue
		}
		rec.state = Saving
		c.save(rec, priorityUnload)
		started++
	}
	rest := c.dropQueue[i:]
	c.dropQueue = append(append(make([]*Record, 0, len(keep)+len(rest)), rest...), keep...)
	return started
}

// save issues an asynchronous save and makes it the record's current one.
// Clean tiles get an already resolved save so the unload path stays uniform.
func (c *Coordinator) save(rec *Record, priority int) *future.Future[struct{}] {
	t := rec.Tile()
	f := saved
	var version uint64
	wrote := false
	if t != nil && t.Dirty() {
		blob, v, err := encode(t)
		if err != nil {
			f = future.Completed(future.Fail[struct{}](&future.Failure{Reason: err.Error()}))
		} else {
			f = c.store.WriteBlobAsync(rec.pos, blob, priority)
			version = v
			wrote = true
		}
	}
	rec.saveFuture = f
	f.OnComplete(c.owner, func(r future.Result[struct{}]) {
		c.onSaveDone(rec, f, t, version, wrote, r)
	})
	return f
}

func encode(t *tile.Tile) ([]byte, uint64, error) {
	d, version := t.Snapshot()
	digest := t.Digest()
	blob, err := snapshot.Encode(d, digest[:])
	if err != nil {
		return nil, 0, fmt.Errorf("encode %v: %w", t.Pos(), err)
	}
	return blob, version, nil
}

// saveSync writes the tile on the calling goroutine.
func (c *Coordinator) saveSync(ctx context.Context, rec *Record) error {
	t := rec.Tile()
	if t == nil || !t.Dirty() {
		return nil
	}
	blob, version, err := encode(t)
	if err != nil {
		return err
	}
	if err := c.store.WriteBlob(ctx, rec.pos, blob); err != nil {
		return err
	}
	t.MarkSaved(version)
	rec.lastSaveTick = c.tick
	c.counters.syncSaves++
	c.counters.saved++
	return nil
}

// onSaveDone runs on the owner once a save resolves. Only the record's
// current save may finish an unload; an older one just records its outcome.
func (c *Coordinator) onSaveDone(rec *Record, f *future.Future[struct{}], t *tile.Tile, version uint64, wrote bool, r future.Result[struct{}]) {
	failed := false
	if r.IsOk() {
		if wrote {
			t.MarkSaved(version)
			rec.lastSaveTick = c.tick
			c.counters.saved++
			c.record(event(journal.KindSave, rec.pos))
		}
	} else {
		c.log.Warn("async save failed, saving synchronously", zap.Stringer("pos", rec.pos), zap.String("reason", r.Fail.Reason))
		e := event(journal.KindSaveFailed, rec.pos)
		e.Detail = r.Fail.Reason
		c.record(e)
		if err := c.saveSync(c.ctx, rec); err != nil {
			c.counters.saveFailures++
			c.log.Error("synchronous save failed", zap.Stringer("pos", rec.pos), zap.Error(err))
			failed = true
		}
	}
	if rec.saveFuture != f {
		return
	}
	rec.saveFuture = nil
	switch rec.state {
	case Saving:
		if failed {
			rec.state = PendingDrop
			c.dropQueue = append(c.dropQueue, rec)
			return
		}
		c.finalizeUnload(rec)
	case Active:
		if !rec.inAutosave && !rec.autosaveDeferred && rec.loaded {
			c.pushAutosave(rec, c.tick)
		}
	}
}

// finalizeUnload retires a saved record unless demand came back.
func (c *Coordinator) finalizeUnload(rec *Record) {
	key := rec.pos.Key()
	if c.unloading[key] != rec {
		return
	}
	delete(c.unloading, key)
	rec.state = Retired
	for s := range rec.slots {
		if pub := rec.slots[s].pub; pub != nil && !pub.IsDone() {
			pub.CompleteFrom(c.owner, future.Fail[*tile.Tile](future.Unloaded))
		}
	}
	c.poi.QueueUnload(rec.pos, c.tick+c.cfg.POIUnloadDelay)
	c.counters.unloaded++
	c.record(event(journal.KindUnload, rec.pos))
}

// UnloadingCount is the number of records between demotion and retirement.
func (c *Coordinator) UnloadingCount() int { return len(c.unloading) }
