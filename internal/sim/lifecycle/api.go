package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chunkflow.ai/internal/sim/future"
	"chunkflow.ai/internal/sim/sched"
	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tickets"
	"chunkflow.ai/internal/sim/tile"
	"chunkflow.ai/internal/sim/tilepos"
)

// The methods in this file without a note run on the owner goroutine.

func (c *Coordinator) AddTicket(pos tilepos.Pos, typ tickets.Type, level int, payload string) bool {
	return c.reg.AddTicket(pos, tickets.Ticket{Type: typ, Level: level, Payload: payload})
}

func (c *Coordinator) RemoveTicket(pos tilepos.Pos, typ tickets.Type, payload string) bool {
	return c.reg.RemoveTicket(pos, typ, payload)
}

// AddRegionTicket adds a ticket at the full level minus radius.
func (c *Coordinator) AddRegionTicket(typ tickets.Type, pos tilepos.Pos, radius int, payload string) bool {
	return c.reg.AddRegionTicket(typ, pos, radius, payload)
}

func (c *Coordinator) AddViewer(id string, pos tilepos.Pos, radius int) error {
	return c.viewers.Add(id, pos, radius)
}

func (c *Coordinator) MoveViewer(id string, pos tilepos.Pos) error {
	return c.viewers.Move(id, pos)
}

func (c *Coordinator) RemoveViewer(id string) bool { return c.viewers.Remove(id) }

func (c *Coordinator) SetForced(pos tilepos.Pos, forced bool) bool {
	return c.reg.SetForced(pos, forced)
}

type requestKey struct {
	pos tilepos.Pos
	s   status.Status
}

// RequestStatus asks for pos at stage s. It holds a request ticket at the
// level s needs until the returned future resolves, settles levels and
// returns the stage future. The ticket expires one tick after resolution.
// Repeated calls return the same future until it fails.
func (c *Coordinator) RequestStatus(pos tilepos.Pos, s status.Status) *future.Future[*tile.Tile] {
	if c.closed {
		return future.Completed(future.Fail[*tile.Tile](future.Shutdown))
	}
	c.reg.AddTicket(pos, c.requestTicket(s))
	c.runUpdates()
	f := c.getOrSchedule(c.checkRecord(pos), s)
	if !f.IsDone() {
		c.requests[requestKey{pos: pos, s: s}] = f
	}
	return f
}

func (c *Coordinator) requestTicket(s status.Status) tickets.Ticket {
	return tickets.Ticket{Type: tickets.Request, Level: c.levels.LevelFor(s), Payload: s.String()}
}

// holdRequests refreshes the ticket of every unresolved request so the purge
// at tick keeps it.
func (c *Coordinator) holdRequests(tick int64) {
	if len(c.requests) == 0 {
		return
	}
	c.reg.SetTick(tick)
	for k, f := range c.requests {
		if f.IsDone() {
			delete(c.requests, k)
			continue
		}
		c.reg.AddTicket(k.pos, c.requestTicket(k.s))
	}
}

// GetTileNow requests pos at s and pumps owner work until it resolves. It
// must only be called on the owner goroutine.
func (c *Coordinator) GetTileNow(ctx context.Context, pos tilepos.Pos, s status.Status) (*tile.Tile, error) {
	f := c.RequestStatus(pos, s)
	if err := c.pumpUntil(ctx, f.Done()); err != nil {
		return nil, err
	}
	r, _ := f.Peek()
	if !r.IsOk() {
		return nil, r.Fail
	}
	return r.Value, nil
}

// pumpUntil runs owner work until done is closed.
func (c *Coordinator) pumpUntil(ctx context.Context, done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}
		if c.Pump() {
			continue
		}
		select {
		case <-done:
			return nil
		case <-c.mailbox.Wake():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RequestStatusAsync is RequestStatus for any goroutine. The request is
// handed to the owner through the mailbox.
func (c *Coordinator) RequestStatusAsync(pos tilepos.Pos, s status.Status) *future.Future[*tile.Tile] {
	out := future.New[*tile.Tile]()
	c.owner.Execute(func() {
		c.RequestStatus(pos, s).OnComplete(future.Inline, func(r future.Result[*tile.Tile]) {
			out.Complete(r)
		})
	})
	return out
}

// GetTile blocks until pos reaches s. Safe from any goroutine while Run is
// active.
func (c *Coordinator) GetTile(ctx context.Context, pos tilepos.Pos, s status.Status) (*tile.Tile, error) {
	r, err := c.RequestStatusAsync(pos, s).Wait(ctx)
	if err != nil {
		return nil, err
	}
	if !r.IsOk() {
		return nil, r.Fail
	}
	return r.Value, nil
}

// Tick advances the coordinator by one tick.
func (c *Coordinator) Tick() {
	start := time.Now()
	c.tick++
	c.holdRequests(c.tick)
	c.reg.PurgeExpired(c.tick)
	c.mailbox.Drain(c.cfg.OwnerTasksPerTick)
	c.runUpdates()
	c.inhabit()
	c.drainUnloads()
	c.runAutosave()
	c.tickPOI()
	c.publishVisible()
	c.counters.stepMS = since(start)
	c.publishStats()
}

// inhabit ages every entity-ticking tile by one tick.
func (c *Coordinator) inhabit() {
	for _, rec := range c.updating {
		if rec.Class() == status.EntityTicking {
			if t := rec.Tile(); t != nil {
				t.Inhabit(1)
			}
		}
	}
}

// tickPOI evicts expired POI sections on the IO pool, one pass at a time.
func (c *Coordinator) tickPOI() {
	if !c.poiBusy.CompareAndSwap(false, true) {
		return
	}
	tick := c.tick
	c.sched.Submit(status.TargetIO, tilepos.Pos{}, func() {
		defer c.poiBusy.Store(false)
		c.poi.Tick(c.ctx, tick)
	})
}

// SaveAll saves every dirty record. With flush it also waits for the writes,
// flushes the POI index and the blob store.
func (c *Coordinator) SaveAll(ctx context.Context, flush bool) error {
	var pending []*future.Future[struct{}]
	recs := c.allRecords()
	for _, rec := range recs {
		if t := rec.Tile(); t != nil && t.Dirty() {
			pending = append(pending, c.save(rec, priorityExplicit))
		}
	}
	if !flush {
		return nil
	}
	if err := c.pumpUntil(ctx, future.Join(pending).Done()); err != nil {
		return err
	}
	c.mailbox.Drain(0)
	for _, rec := range recs {
		if err := c.poi.Flush(ctx, rec.pos); err != nil {
			return fmt.Errorf("poi flush %v: %w", rec.pos, err)
		}
	}
	return c.store.Flush(ctx)
}

func (c *Coordinator) allRecords() []*Record {
	out := make([]*Record, 0, len(c.updating)+len(c.unloading))
	for _, rec := range c.updating {
		out = append(out, rec)
	}
	for _, rec := range c.unloading {
		out = append(out, rec)
	}
	return out
}

// Close stops the workers, saves every record synchronously and closes the
// POI index, the blob store and the journal, in that order.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if err := c.sched.Close(); err != nil {
		errs = append(errs, err)
	}
	for c.mailbox.Drain(0) > 0 {
	}
	for _, rec := range c.allRecords() {
		if err := c.saveSync(ctx, rec); err != nil {
			c.log.Error("save on close failed", zap.Stringer("pos", rec.pos), zap.Error(err))
			errs = append(errs, fmt.Errorf("save %v: %w", rec.pos, err))
		}
	}
	for c.mailbox.Drain(0) > 0 {
	}
	for _, rec := range c.allRecords() {
		for s := range rec.slots {
			if pub := rec.slots[s].pub; pub != nil && !pub.IsDone() {
				pub.Complete(future.Fail[*tile.Tile](future.Shutdown))
			}
		}
	}
	clear(c.requests)
	if err := c.poi.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("poi: %w", err))
	}
	if err := c.store.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("store flush: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	c.publishStats()
	return errors.Join(errs...)
}

// Stats is published at the end of every tick.
type Stats struct {
	Tick                   int64               `json:"tick"`
	Records                int                 `json:"records"`
	Visible                int                 `json:"visible"`
	Unloading              int                 `json:"unloading"`
	DropQueue              int                 `json:"drop_queue"`
	TicketTiles            int                 `json:"ticket_tiles"`
	Sources                int                 `json:"sources"`
	LevelTiles             int                 `json:"level_tiles"`
	AutosaveQueue          int                 `json:"autosave_queue"`
	Created                int64               `json:"created"`
	Loaded                 int64               `json:"loaded"`
	Restored               int64               `json:"restored"`
	Generated              int64               `json:"generated"`
	GenerationFailures     int64               `json:"generation_failures"`
	Saved                  int64               `json:"saved"`
	SyncSaves              int64               `json:"sync_saves"`
	SaveFailures           int64               `json:"save_failures"`
	Unloaded               int64               `json:"unloaded"`
	Resurrected            int64               `json:"resurrected"`
	Restarts               int64               `json:"restarts"`
	DelayUnloadSynthesized int                 `json:"delay_unload_synthesized"`
	StepMS                 float64             `json:"step_ms"`
	Scheduler              []sched.TargetStats `json:"scheduler"`
}

func (c *Coordinator) publishStats() {
	c.stats.Store(&Stats{
		Tick:                   c.tick,
		Records:                len(c.updating),
		Visible:                c.VisibleCount(),
		Unloading:              len(c.unloading),
		DropQueue:              len(c.dropQueue),
		TicketTiles:            c.reg.Len(),
		Sources:                c.prop.Sources(),
		LevelTiles:             c.prop.Len(),
		AutosaveQueue:          c.autosave.Len(),
		Created:                c.counters.created,
		Loaded:                 c.counters.loaded,
		Restored:               c.counters.restored,
		Generated:              c.counters.generated,
		GenerationFailures:     c.counters.genFailures,
		Saved:                  c.counters.saved,
		SyncSaves:              c.counters.syncSaves,
		SaveFailures:           c.counters.saveFailures,
		Unloaded:               c.counters.unloaded,
		Resurrected:            c.counters.resurrected,
		Restarts:               c.counters.restarts,
		DelayUnloadSynthesized: c.reg.Synthesized(),
		StepMS:                 c.counters.stepMS,
		Scheduler:              c.sched.Stats(),
	})
}

// Stats returns the last published stats. Safe from any goroutine.
func (c *Coordinator) Stats() Stats { return *c.stats.Load() }
