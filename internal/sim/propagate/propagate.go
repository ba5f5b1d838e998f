// Package propagate turns per-coordinate source levels into an effective
// level for every tile within the horizon. A tile's level is the minimum over
// all sources of source level plus Chebyshev distance, capped at max+1.
//
// Internally levels are held as strength = max+1-level so that zero means
// "not required" and the flood only ever decays downward. Raising or removing
// a source retracts the region it fed before relaxing again from the
// surviving boundary.
package propagate

import (
	"sort"

	"chunkflow.ai/internal/sim/tilepos"
)

// ChangeFunc receives every tile whose level changed during one Propagate call.
type ChangeFunc func(pos tilepos.Pos, oldLevel, newLevel int)

type Propagator struct {
	max      int
	onChange ChangeFunc

	source map[uint64]int // strength injected by tickets
	value  map[uint64]int // effective strength, only entries > 0

	dirty map[uint64]int // source key -> strength before this batch

	// scratch reused across calls
	buckets [][]uint64
	touched map[uint64]int
}

// New builds a propagator for levels 0..max. Levels above max are not stored.
func New(max int, onChange ChangeFunc) *Propagator {
	return &Propagator{
		max:      max,
		onChange: onChange,
		source:   map[uint64]int{},
		value:    map[uint64]int{},
		dirty:    map[uint64]int{},
		buckets:  make([][]uint64, max+2),
		touched:  map[uint64]int{},
	}
}

func (p *Propagator) strength(level int) int {
	s := p.max + 1 - level
	if s < 0 {
		return 0
	}
	if s > p.max+1 {
		return p.max + 1
	}
	return s
}

func (p *Propagator) level(strength int) int { return p.max + 1 - strength }

// SetSource injects level at pos. Effective levels update on Propagate.
func (p *Propagator) SetSource(pos tilepos.Pos, level int) {
	k := pos.Key()
	s := p.strength(level)
	old := p.source[k]
	if old == s {
		return
	}
	if _, ok := p.dirty[k]; !ok {
		p.dirty[k] = old
	}
	if s == 0 {
		delete(p.source, k)
		return
	}
	p.source[k] = s
}

func (p *Propagator) RemoveSource(pos tilepos.Pos) {
	p.SetSource(pos, p.max+1)
}

// Level returns the effective level at pos, max+1 when not required.
func (p *Propagator) Level(pos tilepos.Pos) int {
	return p.level(p.value[pos.Key()])
}

// SourceLevel returns the injected level at pos, if pos is a source.
func (p *Propagator) SourceLevel(pos tilepos.Pos) (int, bool) {
	s, ok := p.source[pos.Key()]
	if !ok {
		return p.max + 1, false
	}
	return p.level(s), true
}

// Pending reports whether sources changed since the last Propagate.
func (p *Propagator) Pending() bool { return len(p.dirty) > 0 }

// Len is the number of tiles with a level at or below max.
func (p *Propagator) Len() int { return len(p.value) }

func (p *Propagator) Sources() int { return len(p.source) }

// Propagate drains pending source changes to a fixed point and reports
// whether any tile level changed. Changes are reported most urgent first.
func (p *Propagator) Propagate() bool {
	if len(p.dirty) == 0 {
		return false
	}
	dirty := make([]uint64, 0, len(p.dirty))
	for k := range p.dirty {
		dirty = append(dirty, k)
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i] < dirty[j] })

	var boundary []uint64
	for _, k := range dirty {
		prev := p.dirty[k]
		cur := p.source[k]
		if cur < prev {
			boundary = p.retract(k, boundary)
		}
	}
	for _, k := range dirty {
		if s := p.source[k]; s > 0 {
			p.seed(k, s)
		}
	}
	for _, k := range boundary {
		if v := p.value[k]; v > 0 {
			p.buckets[v] = append(p.buckets[v], k)
		}
	}
	for k := range p.dirty {
		delete(p.dirty, k)
	}
	p.relax()
	return p.emit()
}

func (p *Propagator) note(k uint64, old int) {
	if _, ok := p.touched[k]; !ok {
		p.touched[k] = old
	}
}

func (p *Propagator) setValue(k uint64, v int) {
	p.note(k, p.value[k])
	if v <= 0 {
		delete(p.value, k)
		return
	}
	p.value[k] = v
}

func (p *Propagator) seed(k uint64, s int) {
	if s > p.value[k] {
		p.setValue(k, s)
		p.buckets[s] = append(p.buckets[s], k)
	}
}

// retract clears start and every tile whose strength may have been derived
// from it, collecting the tiles that border the cleared region. Sources found
// inside the region are re-seeded.
func (p *Propagator) retract(start uint64, boundary []uint64) []uint64 {
	v := p.value[start]
	if v == 0 {
		return boundary
	}
	type item struct {
		k uint64
		v int
	}
	queue := []item{{start, v}}
	p.setValue(start, 0)
	var reseed []uint64
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if s := p.source[it.k]; s > 0 {
			reseed = append(reseed, it.k)
		}
		pos := tilepos.FromKey(it.k)
		for _, d := range tilepos.Neighbors8 {
			nk := pos.Offset(d[0], d[1]).Key()
			nv := p.value[nk]
			if nv == 0 {
				continue
			}
			if nv < it.v {
				p.setValue(nk, 0)
				queue = append(queue, item{nk, nv})
				continue
			}
			boundary = append(boundary, nk)
		}
	}
	for _, k := range reseed {
		p.seed(k, p.source[k])
	}
	return boundary
}

func (p *Propagator) relax() {
	for s := len(p.buckets) - 1; s > 0; s-- {
		for i := 0; i < len(p.buckets[s]); i++ {
			k := p.buckets[s][i]
			if p.value[k] != s {
				continue
			}
			next := s - 1
			if next == 0 {
				continue
			}
			pos := tilepos.FromKey(k)
			for _, d := range tilepos.Neighbors8 {
				nk := pos.Offset(d[0], d[1]).Key()
				if p.value[nk] < next {
					p.setValue(nk, next)
					p.buckets[next] = append(p.buckets[next], nk)
				}
			}
		}
		p.buckets[s] = p.buckets[s][:0]
	}
}

type change struct {
	pos      tilepos.Pos
	old, new int
}

func (p *Propagator) emit() bool {
	var changes []change
	for k, old := range p.touched {
		cur := p.value[k]
		if cur != old {
			changes = append(changes, change{pos: tilepos.FromKey(k), old: p.level(old), new: p.level(cur)})
		}
		delete(p.touched, k)
	}
	if len(changes) == 0 {
		return false
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].new != changes[j].new {
			return changes[i].new < changes[j].new
		}
		return changes[i].pos.Less(changes[j].pos)
	})
	if p.onChange != nil {
		for _, c := range changes {
			p.onChange(c.pos, c.old, c.new)
		}
	}
	return true
}
