// Package tickets stores demand for tiles and reduces it to one source level
// per coordinate for the level propagator.
package tickets

import (
	"sort"

	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tilepos"
)

// LevelSink receives the minimum ticket level of every coordinate that has
// tickets. The level propagator implements it.
type LevelSink interface {
	SetSource(pos tilepos.Pos, level int)
	RemoveSource(pos tilepos.Pos)
}

type Options struct {
	Levels status.Levels
	// Expiry in ticks per ticket type. Zero means the type never expires.
	Expiry map[Type]int64
	// ReachedFull reports whether the tile at pos has ever been Full. When
	// set, removing the last ticket at or below the full level from such a
	// tile leaves a DelayUnload ticket behind.
	ReachedFull func(pos tilepos.Pos) bool
}

// DefaultExpiry returns the per-type expiry table used when none is configured.
func DefaultExpiry(delayUnloadTicks int64) map[Type]int64 {
	return map[Type]int64{
		Request:     1,
		DelayUnload: delayUnloadTicks,
	}
}

// Registry is owned by the lifecycle goroutine; it is not safe for concurrent use.
type Registry struct {
	levels      status.Levels
	expiry      map[Type]int64
	reachedFull func(tilepos.Pos) bool
	sink        LevelSink

	tick  int64
	byPos map[uint64][]Ticket
	// synthesized counts delay-unload tickets created since construction.
	synthesized int
}

func NewRegistry(sink LevelSink, opts Options) *Registry {
	exp := opts.Expiry
	if exp == nil {
		exp = DefaultExpiry(0)
	}
	return &Registry{
		levels:      opts.Levels,
		expiry:      exp,
		reachedFull: opts.ReachedFull,
		sink:        sink,
		byPos:       map[uint64][]Ticket{},
	}
}

func (r *Registry) Tick() int64 { return r.tick }

// SetTick advances the registry clock used for ticket creation times.
func (r *Registry) SetTick(tick int64) { r.tick = tick }

func (r *Registry) clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > r.levels.NotRequired() {
		return r.levels.NotRequired()
	}
	return level
}

// AddTicket inserts t at pos. A ticket with the same type and payload is
// replaced when its level differs; when the level is unchanged only the
// creation tick is refreshed and AddTicket reports false.
func (r *Registry) AddTicket(pos tilepos.Pos, t Ticket) bool {
	t.Level = r.clampLevel(t.Level)
	t.Created = r.tick
	key := pos.Key()
	set := r.byPos[key]
	before, had := minLevel(set)

	for i := range set {
		if !set[i].sameIdentity(t) {
			continue
		}
		if set[i].Level == t.Level {
			set[i].Created = t.Created
			return false
		}
		set = append(set[:i], set[i+1:]...)
		break
	}
	set = insertSorted(set, t)
	r.byPos[key] = set
	r.publish(pos, before, had, set)
	return true
}

// RemoveTicket removes the ticket at pos with the given type and payload.
func (r *Registry) RemoveTicket(pos tilepos.Pos, typ Type, payload string) bool {
	key := pos.Key()
	set, ok := r.byPos[key]
	if !ok {
		return false
	}
	before, _ := minLevel(set)
	idx := -1
	for i := range set {
		if set[i].Type == typ && set[i].Payload == payload {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	removed := set[idx]
	set = append(set[:idx], set[idx+1:]...)
	set = r.maybeDelayUnload(pos, removed, set)
	if len(set) == 0 {
		delete(r.byPos, key)
		r.sink.RemoveSource(pos)
		return true
	}
	r.byPos[key] = set
	r.publish(pos, before, true, set)
	return true
}

// maybeDelayUnload keeps a grace-period ticket on a tile that has been Full
// when its last ticket at or below the full level goes away. An existing
// delay ticket is removed and re-added so its creation tick restarts.
func (r *Registry) maybeDelayUnload(pos tilepos.Pos, removed Ticket, set []Ticket) []Ticket {
	if removed.Type == DelayUnload || removed.Level > r.levels.Full || r.reachedFull == nil {
		return set
	}
	if r.expiry[DelayUnload] <= 0 {
		return set
	}
	for _, t := range set {
		if t.Level <= r.levels.Full && t.Type != DelayUnload {
			return set
		}
	}
	if !r.reachedFull(pos) {
		return set
	}
	out := set[:0]
	for _, t := range set {
		if t.Type != DelayUnload {
			out = append(out, t)
		}
	}
	r.synthesized++
	return insertSorted(out, Ticket{Type: DelayUnload, Level: r.levels.Full, Created: r.tick})
}

// PurgeExpired drops tickets whose creation tick plus expiry is before tick.
func (r *Registry) PurgeExpired(tick int64) int {
	r.tick = tick
	keys := make([]uint64, 0, len(r.byPos))
	for k := range r.byPos {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	purged := 0
	for _, key := range keys {
		set := r.byPos[key]
		var expired []Ticket
		for _, t := range set {
			exp := r.expiry[t.Type]
			if exp > 0 && t.Created+exp < tick {
				expired = append(expired, t)
			}
		}
		pos := tilepos.FromKey(key)
		for _, t := range expired {
			if r.RemoveTicket(pos, t.Type, t.Payload) {
				purged++
			}
		}
	}
	return purged
}

func (r *Registry) publish(pos tilepos.Pos, before int, had bool, set []Ticket) {
	after, ok := minLevel(set)
	if !ok {
		return
	}
	if had && after == before {
		return
	}
	r.sink.SetSource(pos, after)
}

// MinLevel is the level injected at pos, if any ticket exists there.
func (r *Registry) MinLevel(pos tilepos.Pos) (int, bool) {
	return minLevel(r.byPos[pos.Key()])
}

// TicketsAt returns a copy of the ordered ticket set at pos.
func (r *Registry) TicketsAt(pos tilepos.Pos) []Ticket {
	set := r.byPos[pos.Key()]
	out := make([]Ticket, len(set))
	copy(out, set)
	return out
}

// Has reports whether pos holds a ticket of the given type and payload.
func (r *Registry) Has(pos tilepos.Pos, typ Type, payload string) bool {
	for _, t := range r.byPos[pos.Key()] {
		if t.Type == typ && t.Payload == payload {
			return true
		}
	}
	return false
}

// Len is the number of coordinates holding tickets.
func (r *Registry) Len() int { return len(r.byPos) }

func (r *Registry) Synthesized() int { return r.synthesized }

// Dump lists every ticket ordered by coordinate and then ticket order.
func (r *Registry) Dump() []Entry {
	keys := make([]uint64, 0, len(r.byPos))
	for k := range r.byPos {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return tilepos.FromKey(keys[i]).Less(tilepos.FromKey(keys[j]))
	})
	var out []Entry
	for _, k := range keys {
		pos := tilepos.FromKey(k)
		for _, t := range r.byPos[k] {
			out = append(out, Entry{Pos: pos, Type: t.Type.String(), Level: t.Level, Payload: t.Payload, Created: t.Created})
		}
	}
	return out
}

// AddRegionTicket adds a ticket whose level is expressed as a radius around
// the full level: larger radii produce more urgent levels.
func (r *Registry) AddRegionTicket(typ Type, pos tilepos.Pos, radius int, payload string) bool {
	return r.AddTicket(pos, Ticket{Type: typ, Level: r.levels.RegionLevel(radius), Payload: payload})
}

func (r *Registry) RemoveRegionTicket(typ Type, pos tilepos.Pos, payload string) bool {
	return r.RemoveTicket(pos, typ, payload)
}

// SetForced pins pos at the full level until cleared.
func (r *Registry) SetForced(pos tilepos.Pos, forced bool) bool {
	if forced {
		return r.AddTicket(pos, Ticket{Type: Forced, Level: r.levels.Full})
	}
	return r.RemoveTicket(pos, Forced, "")
}

func minLevel(set []Ticket) (int, bool) {
	if len(set) == 0 {
		return 0, false
	}
	return set[0].Level, true
}

func insertSorted(set []Ticket, t Ticket) []Ticket {
	i := sort.Search(len(set), func(i int) bool { return less(t, set[i]) })
	set = append(set, Ticket{})
	copy(set[i+1:], set[i:])
	set[i] = t
	return set
}
