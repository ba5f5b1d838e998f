// Package status defines the generation pipeline ladder and the mapping
// between ticket levels, pipeline stages and externally visible readiness.
package status

import "fmt"

// Status is a pipeline stage. Values are strictly ordered.
type Status uint8

const (
	Empty Status = iota
	StructureStarts
	Biomes
	Noise
	Surface
	Carvers
	Features
	Light
	Full
)

// Count is the number of pipeline stages.
const Count = int(Full) + 1

// Target names the executor a stage body runs on.
type Target uint8

const (
	TargetOwner Target = iota
	TargetGeneration
	TargetLight
	TargetIO
	TargetCount
)

func (t Target) String() string {
	switch t {
	case TargetOwner:
		return "owner"
	case TargetGeneration:
		return "generation"
	case TargetLight:
		return "light"
	case TargetIO:
		return "io"
	default:
		return fmt.Sprintf("target(%d)", uint8(t))
	}
}

type stageDef struct {
	name   string
	radius int
	target Target
}

var stages = [Count]stageDef{
	Empty:           {"empty", 0, TargetIO},
	StructureStarts: {"structure_starts", 0, TargetGeneration},
	Biomes:          {"biomes", 0, TargetGeneration},
	Noise:           {"noise", 0, TargetGeneration},
	Surface:         {"surface", 0, TargetGeneration},
	Carvers:         {"carvers", 0, TargetGeneration},
	Features:        {"features", 1, TargetGeneration},
	Light:           {"light", 1, TargetLight},
	Full:            {"full", 0, TargetOwner},
}

// distance[s] is how far from a Full tile stage s is still required.
var distance [Count]int

// aroundFull[d] is the stage needed at distance d from a Full tile.
var aroundFull []Status

func init() {
	distance[Full] = 0
	for s := Full; s > Empty; s-- {
		distance[s-1] = distance[s] + stages[s].radius
	}
	maxD := distance[Empty]
	aroundFull = make([]Status, maxD+1)
	for d := 0; d <= maxD; d++ {
		st := Empty
		for s := Full; ; s-- {
			if distance[s] >= d {
				st = s
				break
			}
			if s == Empty {
				break
			}
		}
		aroundFull[d] = st
	}
}

func (s Status) String() string {
	if int(s) < Count {
		return stages[s].name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Parse returns the status named n.
func Parse(n string) (Status, error) {
	for i, d := range stages {
		if d.name == n {
			return Status(i), nil
		}
	}
	return Empty, fmt.Errorf("unknown status %q", n)
}

// Radius is the neighbour radius stage s reads while it runs.
func (s Status) Radius() int { return stages[s].radius }

// Target is the executor the stage body is dispatched to.
func (s Status) Target() Target { return stages[s].target }

// Parent is the stage every tile in the radius must have reached before s runs.
func (s Status) Parent() Status {
	if s == Empty {
		return Empty
	}
	return s - 1
}

// Distance is how many tiles away from a Full tile stage s is still needed.
func (s Status) Distance() int { return distance[s] }

// MaxDistance is the pipeline's dependency depth.
func MaxDistance() int { return distance[Empty] }

// AroundFull returns the stage needed at distance d from a Full tile.
// The boolean is false when nothing is needed that far out.
func AroundFull(d int) (Status, bool) {
	if d < 0 {
		return Full, true
	}
	if d >= len(aroundFull) {
		return Empty, false
	}
	return aroundFull[d], true
}

// All returns every stage in pipeline order.
func All() []Status {
	out := make([]Status, Count)
	for i := range out {
		out[i] = Status(i)
	}
	return out
}
