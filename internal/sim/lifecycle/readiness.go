package lifecycle

import (
	journal "chunkflow.ai/internal/persistence/log"
	"chunkflow.ai/internal/sim/future"
	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tile"
	"chunkflow.ai/internal/sim/tilepos"
)

// readinessRadius is how far around a tile every neighbour must be Full
// before the tile is announced at class c.
func readinessRadius(c status.Class) int {
	switch c {
	case status.Ticking:
		return 1
	case status.EntityTicking:
		return 2
	default:
		return 0
	}
}

// promoteReadiness issues readiness futures up to class. The class is
// announced once its future resolves.
func (c *Coordinator) promoteReadiness(rec *Record, class status.Class) {
	for cl := status.Border; cl <= class; cl++ {
		if f := rec.ready[cl]; f != nil && !f.Failed() {
			continue
		}
		f := c.readinessFuture(rec, cl)
		rec.ready[cl] = f
		cl := cl
		f.OnComplete(c.owner, func(r future.Result[*tile.Tile]) {
			if !r.IsOk() || rec.ready[cl] != f || rec.state != Active {
				return
			}
			if cl > rec.Class() {
				c.announce(rec, cl)
			}
		})
	}
}

// demoteReadiness drops readiness futures above class and announces the
// demotion immediately.
func (c *Coordinator) demoteReadiness(rec *Record, class status.Class) {
	for cl := status.EntityTicking; cl > class; cl-- {
		if f := rec.ready[cl]; f != nil {
			f.CompleteFrom(c.owner, future.Fail[*tile.Tile](future.Unloaded))
			rec.ready[cl] = nil
		}
	}
	if rec.Class() > class {
		c.announce(rec, class)
	}
}

func (c *Coordinator) readinessFuture(rec *Record, cl status.Class) *future.Future[*tile.Tile] {
	radius := readinessRadius(cl)
	if radius == 0 {
		return c.getOrSchedule(rec, status.Full)
	}
	deps := make([]*future.Future[*tile.Tile], 0, (2*radius+1)*(2*radius+1))
	tilepos.Square(rec.pos, radius, func(p tilepos.Pos) {
		n := c.updating[p.Key()]
		if n == nil {
			deps = append(deps, unloadedTile)
			return
		}
		deps = append(deps, c.getOrSchedule(n, status.Full))
	})
	center := tilepos.SquareIndex(rec.pos, radius, rec.pos)
	return future.Map(future.All(deps), future.Inline, func(ts []*tile.Tile) *tile.Tile { return ts[center] })
}

func (c *Coordinator) announce(rec *Record, to status.Class) {
	from := rec.Class()
	rec.class.Store(uint32(to))
	e := event(journal.KindReadiness, rec.pos)
	e.Level = rec.level
	e.Detail = from.String() + "->" + to.String()
	c.record(e)
	for _, o := range c.observers {
		o(rec.pos, from, to)
	}
}
