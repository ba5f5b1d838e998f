package tickets

import (
	"fmt"
	"sort"

	"chunkflow.ai/internal/sim/tilepos"
)

type viewer struct {
	pos    tilepos.Pos
	radius int
}

// Viewers maps moving observers onto Player tickets, one per viewer, keyed by
// the viewer id.
type Viewers struct {
	reg  *Registry
	byID map[string]viewer
}

func NewViewers(reg *Registry) *Viewers {
	return &Viewers{reg: reg, byID: map[string]viewer{}}
}

func (v *Viewers) Add(id string, pos tilepos.Pos, radius int) error {
	if id == "" {
		return fmt.Errorf("viewer id is empty")
	}
	if _, ok := v.byID[id]; ok {
		return fmt.Errorf("viewer %q already tracked", id)
	}
	if radius < 0 {
		return fmt.Errorf("viewer %q: negative radius %d", id, radius)
	}
	v.byID[id] = viewer{pos: pos, radius: radius}
	v.reg.AddRegionTicket(Player, pos, radius, id)
	return nil
}

// Move re-anchors the viewer's ticket. Moving within the same tile is a no-op.
func (v *Viewers) Move(id string, pos tilepos.Pos) error {
	cur, ok := v.byID[id]
	if !ok {
		return fmt.Errorf("viewer %q not tracked", id)
	}
	if cur.pos == pos {
		return nil
	}
	// Add first so tiles covered by both squares never lose their source.
	v.reg.AddRegionTicket(Player, pos, cur.radius, id)
	v.reg.RemoveTicket(cur.pos, Player, id)
	cur.pos = pos
	v.byID[id] = cur
	return nil
}

func (v *Viewers) Remove(id string) bool {
	cur, ok := v.byID[id]
	if !ok {
		return false
	}
	delete(v.byID, id)
	v.reg.RemoveTicket(cur.pos, Player, id)
	return true
}

func (v *Viewers) Position(id string) (tilepos.Pos, bool) {
	cur, ok := v.byID[id]
	return cur.pos, ok
}

func (v *Viewers) IDs() []string {
	out := make([]string, 0, len(v.byID))
	for id := range v.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (v *Viewers) Len() int { return len(v.byID) }
