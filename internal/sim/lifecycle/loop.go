package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chunkflow.ai/internal/sim/tickets"
	"chunkflow.ai/internal/sim/tilepos"
)

// ErrStopped is returned by requests made after the loop exited.
var ErrStopped = errors.New("lifecycle: loop stopped")

type OpKind uint8

const (
	OpAddViewer OpKind = iota
	OpMoveViewer
	OpRemoveViewer
	OpForce
	OpUnforce
	OpAddTicket
	OpRemoveTicket
)

var opNames = [...]string{
	OpAddViewer:    "add_viewer",
	OpMoveViewer:   "move_viewer",
	OpRemoveViewer: "remove_viewer",
	OpForce:        "force",
	OpUnforce:      "unforce",
	OpAddTicket:    "add_ticket",
	OpRemoveTicket: "remove_ticket",
}

func (k OpKind) String() string {
	if int(k) < len(opNames) {
		return opNames[k]
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

func ParseOpKind(s string) (OpKind, bool) {
	for i, n := range opNames {
		if n == s {
			return OpKind(i), true
		}
	}
	return 0, false
}

// TicketOp is a demand change submitted from outside the owner goroutine.
// Ops are applied at the next tick boundary in submission order.
type TicketOp struct {
	Kind    OpKind
	Viewer  string
	Pos     tilepos.Pos
	Radius  int
	Type    tickets.Type
	Level   int
	Payload string
}

type ticketOpReq struct {
	Op   TicketOp
	Resp chan error
}

type inspectReq struct {
	Resp chan Snapshot
}

type saveReq struct {
	Flush bool
	Resp  chan error
}

// Snapshot is a consistent view of the owner state taken between ticks.
type Snapshot struct {
	Tick    int64           `json:"tick"`
	Tickets []tickets.Entry `json:"tickets"`
	Rows    []Row           `json:"rows"`
	Stats   Stats           `json:"stats"`
}

// Run drives the coordinator until ctx is done or Stop is called. Run owns
// the coordinator: no other goroutine may call owner methods while it runs.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(c.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingOps []ticketOpReq
	var pendingSaves []saveReq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case req := <-c.inspect:
			c.handleInspect(req)
		case req := <-c.ticketOps:
			pendingOps = append(pendingOps, req)
		case req := <-c.saves:
			pendingSaves = append(pendingSaves, req)
		case <-c.mailbox.Wake():
			c.Pump()
		case <-ticker.C:
			c.handleTicketOps(pendingOps)
			c.Tick()
			c.handleSaves(ctx, pendingSaves)
			pendingOps = pendingOps[:0]
			pendingSaves = pendingSaves[:0]
		}
	}
}

// Stop makes Run return. It does not close the coordinator.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// SubmitTicketOp hands op to the loop and waits until it has been applied.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (c *Coordinator) SubmitTicketOp(ctx context.Context, op TicketOp) error {
	resp := make(chan error, 1)
	select {
	case c.ticketOps <- ticketOpReq{Op: op, Resp: resp}:
	case <-c.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-c.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) handleTicketOps(reqs []ticketOpReq) {
	for _, req := range reqs {
		err := c.ApplyTicketOp(req.Op)
		if err != nil {
			c.log.Debug("ticket op rejected", zap.Stringer("op", req.Op.Kind), zap.Error(err))
		}
		req.Resp <- err
	}
}

// ApplyTicketOp applies op directly. Owner goroutine only.
func (c *Coordinator) ApplyTicketOp(op TicketOp) error {
	switch op.Kind {
	case OpAddViewer:
		return c.AddViewer(op.Viewer, op.Pos, op.Radius)
	case OpMoveViewer:
		return c.MoveViewer(op.Viewer, op.Pos)
	case OpRemoveViewer:
		if !c.RemoveViewer(op.Viewer) {
			return fmt.Errorf("unknown viewer %q", op.Viewer)
		}
	case OpForce:
		c.SetForced(op.Pos, true)
	case OpUnforce:
		c.SetForced(op.Pos, false)
	case OpAddTicket:
		c.AddTicket(op.Pos, op.Type, op.Level, op.Payload)
	case OpRemoveTicket:
		if !c.RemoveTicket(op.Pos, op.Type, op.Payload) {
			return fmt.Errorf("no %s ticket %q at %v", op.Type, op.Payload, op.Pos)
		}
	default:
		return fmt.Errorf("unknown op %v", op.Kind)
	}
	return nil
}

// Inspect returns the owner state as of the last tick boundary. It is safe
// to call from other goroutines.
func (c *Coordinator) Inspect(ctx context.Context) (Snapshot, error) {
	resp := make(chan Snapshot, 1)
	select {
	case c.inspect <- inspectReq{Resp: resp}:
	case <-c.stop:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-resp:
		return s, nil
	case <-c.stop:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Coordinator) handleInspect(req inspectReq) {
	req.Resp <- Snapshot{
		Tick:    c.tick,
		Tickets: c.reg.Dump(),
		Rows:    c.Rows(),
		Stats:   c.Stats(),
	}
}

// RequestSave asks the loop to run SaveAll after the next tick.
func (c *Coordinator) RequestSave(ctx context.Context, flush bool) error {
	resp := make(chan error, 1)
	select {
	case c.saves <- saveReq{Flush: flush, Resp: resp}:
	case <-c.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-c.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) handleSaves(ctx context.Context, reqs []saveReq) {
	if len(reqs) == 0 {
		return
	}
	flush := false
	for _, r := range reqs {
		flush = flush || r.Flush
	}
	err := c.SaveAll(ctx, flush)
	if err != nil {
		c.log.Warn("save all failed", zap.Error(err))
	}
	c.publishStats()
	for _, r := range reqs {
		r.Resp <- err
	}
}
