package status

import "fmt"

// Class is the externally visible readiness of a tile.
type Class uint8

const (
	Inaccessible Class = iota
	Border
	Ticking
	EntityTicking
)

func (c Class) String() string {
	switch c {
	case Inaccessible:
		return "inaccessible"
	case Border:
		return "border"
	case Ticking:
		return "ticking"
	case EntityTicking:
		return "entity_ticking"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Levels maps ticket levels to stages and classes for a given horizon.
type Levels struct {
	Max  int // levels above Max are not required
	Full int // Max - MaxDistance()
}

// NewLevels derives the full-readiness level from the horizon.
func NewLevels(max int) Levels {
	return Levels{Max: max, Full: max - MaxDistance()}
}

// NotRequired is the sentinel level of an absent coordinate.
func (l Levels) NotRequired() int { return l.Max + 1 }

// Required reports whether a tile at level must have a record.
func (l Levels) Required(level int) bool { return level <= l.Max }

// StatusFor is the highest stage a tile at level may be generated to.
func (l Levels) StatusFor(level int) (Status, bool) {
	if level > l.Max {
		return Empty, false
	}
	return AroundFull(level - l.Full)
}

// ClassFor is the readiness class implied by level alone.
func (l Levels) ClassFor(level int) Class {
	switch {
	case level <= l.Full-2:
		return EntityTicking
	case level == l.Full-1:
		return Ticking
	case level == l.Full:
		return Border
	default:
		return Inaccessible
	}
}

// LevelFor is the level a request for stage s needs at its own coordinate.
func (l Levels) LevelFor(s Status) int { return l.Full + s.Distance() }

// RegionLevel is the ticket level for a square region of the given radius.
func (l Levels) RegionLevel(radius int) int { return l.Full - radius }
