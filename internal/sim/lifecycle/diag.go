package lifecycle

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tickets"
	"chunkflow.ai/internal/sim/tilepos"
)

// GenerationReport describes a stage body that panicked or failed.
type GenerationReport struct {
	Pos    tilepos.Pos
	Status status.Status
	Panic  any
	Err    error
	Stack  []byte
}

func (r GenerationReport) Error() string {
	if r.Panic != nil {
		return fmt.Sprintf("stage %s at %v panicked: %v", r.Status, r.Pos, r.Panic)
	}
	return fmt.Sprintf("stage %s at %v: %v", r.Status, r.Pos, r.Err)
}

func (r GenerationReport) Unwrap() error { return r.Err }

// DiagnosticReport is everything the coordinator knows about one coordinate.
type DiagnosticReport struct {
	Pos       tilepos.Pos
	Level     int
	Record    bool
	State     string
	Unloading bool
	Tickets   []tickets.Entry
	Futures   [status.Count]string
}

func (d DiagnosticReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pos=%v level=%d record=%t state=%s unloading=%t\n", d.Pos, d.Level, d.Record, d.State, d.Unloading)
	for _, t := range d.Tickets {
		fmt.Fprintf(&b, "  ticket %s level=%d payload=%q created=%d\n", t.Type, t.Level, t.Payload, t.Created)
	}
	for s, f := range d.Futures {
		fmt.Fprintf(&b, "  %s=%s\n", status.Status(s), f)
	}
	return b.String()
}

// InvariantViolation is raised with panic when the ticket, level and record
// views of a coordinate disagree.
type InvariantViolation struct {
	Msg    string
	Report DiagnosticReport
}

func (v *InvariantViolation) Error() string {
	return "lifecycle invariant violated: " + v.Msg + "\n" + v.Report.String()
}

// Diagnose assembles the report for pos.
func (c *Coordinator) Diagnose(pos tilepos.Pos) DiagnosticReport {
	d := DiagnosticReport{Pos: pos, Level: c.prop.Level(pos)}
	for _, t := range c.reg.TicketsAt(pos) {
		d.Tickets = append(d.Tickets, tickets.Entry{Pos: pos, Type: t.Type.String(), Level: t.Level, Payload: t.Payload, Created: t.Created})
	}
	rec := c.updating[pos.Key()]
	if rec == nil {
		rec = c.unloading[pos.Key()]
		d.Unloading = rec != nil
	}
	for s := range d.Futures {
		d.Futures[s] = "-"
	}
	if rec != nil {
		d.Record = true
		d.State = rec.state.String()
		for s := range d.Futures {
			d.Futures[s] = rec.futureState(status.Status(s))
		}
	}
	return d
}

func (c *Coordinator) violation(pos tilepos.Pos, format string, args ...any) {
	panic(&InvariantViolation{Msg: fmt.Sprintf(format, args...), Report: c.Diagnose(pos)})
}

// DumpTickets lists every ticket by coordinate.
func (c *Coordinator) DumpTickets() []tickets.Entry { return c.reg.Dump() }

// Row is one line of the tile dump.
type Row struct {
	Pos         tilepos.Pos `json:"pos"`
	Level       int         `json:"level"`
	TicketLevel int         `json:"ticket_level"`
	State       string      `json:"state"`
	Status      string      `json:"status"`
	Class       string      `json:"class"`
	Dirty       bool        `json:"dirty"`
	LastSave    int64       `json:"last_save"`
	Futures     []string    `json:"futures"`
}

// Rows describes every record, resident or unloading, ordered by position.
func (c *Coordinator) Rows() []Row {
	recs := make([]*Record, 0, len(c.updating)+len(c.unloading))
	for _, rec := range c.updating {
		recs = append(recs, rec)
	}
	for _, rec := range c.unloading {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].pos.Less(recs[j].pos) })
	rows := make([]Row, 0, len(recs))
	for _, rec := range recs {
		row := Row{
			Pos:         rec.pos,
			Level:       rec.level,
			TicketLevel: c.levels.NotRequired(),
			State:       rec.state.String(),
			Status:      "-",
			Class:       rec.Class().String(),
			LastSave:    rec.lastSaveTick,
			Futures:     make([]string, status.Count),
		}
		if lvl, ok := c.reg.MinLevel(rec.pos); ok {
			row.TicketLevel = lvl
		}
		if t := rec.Tile(); t != nil {
			row.Status = t.Status().String()
			row.Dirty = t.Dirty()
		}
		for s := range row.Futures {
			row.Futures[s] = rec.futureState(status.Status(s))
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteCSV renders rows with one future column per stage.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	header := []string{"x", "z", "level", "ticket_level", "state", "status", "class", "dirty", "last_save"}
	for _, s := range status.All() {
		header = append(header, s.String())
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		line := []string{
			strconv.Itoa(int(r.Pos.X)),
			strconv.Itoa(int(r.Pos.Z)),
			strconv.Itoa(r.Level),
			strconv.Itoa(r.TicketLevel),
			r.State,
			r.Status,
			r.Class,
			strconv.FormatBool(r.Dirty),
			strconv.FormatInt(r.LastSave, 10),
		}
		line = append(line, r.Futures...)
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// DumpCSV writes the tile dump of the current records.
func (c *Coordinator) DumpCSV(w io.Writer) error { return WriteCSV(w, c.Rows()) }

// checkRecord panics unless a record exists for a required level at pos.
func (c *Coordinator) checkRecord(pos tilepos.Pos) *Record {
	rec := c.updating[pos.Key()]
	if rec == nil {
		c.violation(pos, "no record at %v after ticket added (level %d)", pos, c.prop.Level(pos))
	}
	return rec
}
