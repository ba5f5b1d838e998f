package tickets

import (
	"fmt"

	"chunkflow.ai/internal/sim/tilepos"
)

// Type is the kind of demand a ticket expresses. The declaration order is the
// tie-break order inside a tile's ticket set.
type Type uint8

const (
	Player Type = iota
	Forced
	Light
	Plugin
	Request
	DelayUnload
	typeCount
)

func (t Type) String() string {
	switch t {
	case Player:
		return "player"
	case Forced:
		return "forced"
	case Light:
		return "light"
	case Plugin:
		return "plugin"
	case Request:
		return "request"
	case DelayUnload:
		return "delay_unload"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, bool) {
	for t := Type(0); t < typeCount; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

// Ticket is one leveled demand on a tile. Payload is the identity used to
// de-duplicate tickets of the same type at the same coordinate.
type Ticket struct {
	Type    Type
	Level   int
	Payload string
	Created int64
}

func (t Ticket) String() string {
	if t.Payload == "" {
		return fmt.Sprintf("%s@%d", t.Type, t.Level)
	}
	return fmt.Sprintf("%s(%s)@%d", t.Type, t.Payload, t.Level)
}

func (t Ticket) sameIdentity(o Ticket) bool {
	return t.Type == o.Type && t.Payload == o.Payload
}

func less(a, b Ticket) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.Payload < b.Payload
}

// Entry is one row of a ticket dump.
type Entry struct {
	Pos     tilepos.Pos `json:"pos"`
	Type    string      `json:"type"`
	Level   int         `json:"level"`
	Payload string      `json:"payload,omitempty"`
	Created int64       `json:"created"`
}
