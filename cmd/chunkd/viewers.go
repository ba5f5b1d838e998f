package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"chunkflow.ai/internal/sim/lifecycle"
	"chunkflow.ai/internal/sim/tilepos"
	"chunkflow.ai/internal/sim/tuning"
)

type ticketSubmitter interface {
	SubmitTicketOp(ctx context.Context, op lifecycle.TicketOp) error
}

// walker moves simulated viewers one tile at a time inside a square of
// half-width spread around the origin.
type walker struct {
	rng    *rand.Rand
	spread int
	radius int
	pos    []tilepos.Pos
}

func newWalker(seed int64, cfg tuning.Sim) *walker {
	spread := cfg.Spread
	if spread < 0 {
		spread = 0
	}
	return &walker{
		rng:    rand.New(rand.NewSource(seed)),
		spread: spread,
		radius: cfg.ViewerRadius,
		pos:    make([]tilepos.Pos, cfg.Viewers),
	}
}

func viewerID(i int) string { return fmt.Sprintf("sim-%d", i) }

func (w *walker) coord() int32 {
	return int32(w.rng.Intn(2*w.spread+1) - w.spread)
}

func (w *walker) clamp(v int32) int32 {
	s := int32(w.spread)
	if v < -s {
		return -s
	}
	if v > s {
		return s
	}
	return v
}

// spawn places every viewer and returns the ops that register them.
func (w *walker) spawn() []lifecycle.TicketOp {
	out := make([]lifecycle.TicketOp, 0, len(w.pos))
	for i := range w.pos {
		w.pos[i] = tilepos.Pos{X: w.coord(), Z: w.coord()}
		out = append(out, lifecycle.TicketOp{
			Kind:   lifecycle.OpAddViewer,
			Viewer: viewerID(i),
			Pos:    w.pos[i],
			Radius: w.radius,
		})
	}
	return out
}

// step moves each viewer to a neighbouring tile. Viewers that stay put
// produce no op.
func (w *walker) step() []lifecycle.TicketOp {
	var out []lifecycle.TicketOp
	for i, p := range w.pos {
		next := tilepos.Pos{
			X: w.clamp(p.X + int32(w.rng.Intn(3)-1)),
			Z: w.clamp(p.Z + int32(w.rng.Intn(3)-1)),
		}
		if next == p {
			continue
		}
		w.pos[i] = next
		out = append(out, lifecycle.TicketOp{
			Kind:   lifecycle.OpMoveViewer,
			Viewer: viewerID(i),
			Pos:    next,
		})
	}
	return out
}

func walkInterval(tickRateHz, everyTicks int) time.Duration {
	if tickRateHz <= 0 {
		tickRateHz = 20
	}
	if everyTicks <= 0 {
		everyTicks = 1
	}
	return time.Second * time.Duration(everyTicks) / time.Duration(tickRateHz)
}

// runViewers registers the walker's viewers and moves them every interval
// until ctx ends.
func runViewers(ctx context.Context, sink ticketSubmitter, w *walker, interval time.Duration, log *zap.Logger) error {
	submit := func(ops []lifecycle.TicketOp) error {
		for _, op := range ops {
			if err := sink.SubmitTicketOp(ctx, op); err != nil {
				if ctx.Err() != nil || errors.Is(err, lifecycle.ErrStopped) {
					return err
				}
				log.Warn("viewer op rejected", zap.Stringer("op", op.Kind), zap.String("viewer", op.Viewer), zap.Error(err))
			}
		}
		return nil
	}

	if err := submit(w.spawn()); err != nil {
		return nil
	}
	log.Info("simulated viewers", zap.Int("count", len(w.pos)), zap.Int("radius", w.radius), zap.Duration("walk_every", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := submit(w.step()); err != nil {
				return nil
			}
		}
	}
}
