package tile

import (
	"fmt"

	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tilepos"
)

// Data is the plain, lock-free copy of a tile used for persistence.
type Data struct {
	X          int32
	Z          int32
	Status     string
	Biome      string
	Blocks     []uint16
	Heights    []uint8
	Light      []uint8
	Structures []Structure
	POIs       []POI
	Inhabited  int64
}

// Snapshot copies the tile. The returned version is passed to MarkSaved once
// the copy is durable.
func (t *Tile) Snapshot() (Data, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d := Data{
		X:          t.pos.X,
		Z:          t.pos.Z,
		Status:     t.status.String(),
		Biome:      t.biome,
		Blocks:     append([]uint16(nil), t.blocks...),
		Heights:    append([]uint8(nil), t.heights...),
		Light:      append([]uint8(nil), t.light...),
		Structures: append([]Structure(nil), t.structures...),
		POIs:       append([]POI(nil), t.pois...),
		Inhabited:  t.inhabited,
	}
	return d, t.mod
}

// FromData rebuilds a tile. A restored tile starts clean.
func FromData(d Data) (*Tile, error) {
	st, err := status.Parse(d.Status)
	if err != nil {
		return nil, err
	}
	if len(d.Blocks) != Cells {
		return nil, fmt.Errorf("tile [%d, %d]: blocks len=%d want %d", d.X, d.Z, len(d.Blocks), Cells)
	}
	t := New(tilepos.Pos{X: d.X, Z: d.Z})
	t.status = st
	t.biome = d.Biome
	copy(t.blocks, d.Blocks)
	if len(d.Heights) == Cells {
		copy(t.heights, d.Heights)
	}
	if len(d.Light) == Cells {
		copy(t.light, d.Light)
	}
	t.structures = append([]Structure(nil), d.Structures...)
	t.pois = append([]POI(nil), d.POIs...)
	t.inhabited = d.Inhabited
	t.saved = t.mod
	return t, nil
}

// Region is a square of tiles handed to a stage body, ordered row by row from
// the north-west corner. Center is always present.
type Region struct {
	Center tilepos.Pos
	Radius int
	Tiles  []*Tile
}

// Self returns the tile being generated.
func (r Region) Self() *Tile {
	return r.Tiles[tilepos.SquareIndex(r.Center, r.Radius, r.Center)]
}

// At returns the tile at pos, or nil when pos is outside the region.
func (r Region) At(pos tilepos.Pos) *Tile {
	if pos.Chebyshev(r.Center) > r.Radius {
		return nil
	}
	return r.Tiles[tilepos.SquareIndex(r.Center, r.Radius, pos)]
}

// Block reads a block by world block coordinate, zero outside the region.
func (r Region) Block(wx, wz int) uint16 {
	t := r.At(tilepos.FromBlock(wx, wz))
	if t == nil {
		return Air
	}
	return t.Get(tilepos.Mod(wx, Size), tilepos.Mod(wz, Size))
}
