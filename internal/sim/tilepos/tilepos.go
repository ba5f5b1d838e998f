package tilepos

import "fmt"

// Size is the edge length of a tile in blocks.
const Size = 16

// Pos is a tile coordinate. It is the only coordinate type exposed at package
// boundaries; Key is an internal packing used for map keys.
type Pos struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

func New(x, z int) Pos { return Pos{X: int32(x), Z: int32(z)} }

// FromBlock returns the tile that contains block (x, z).
func FromBlock(x, z int) Pos {
	return New(FloorDiv(x, Size), FloorDiv(z, Size))
}

// Key packs the coordinate into 64 bits: low word X, high word Z.
func (p Pos) Key() uint64 {
	return uint64(uint32(p.X)) | uint64(uint32(p.Z))<<32
}

func FromKey(k uint64) Pos {
	return Pos{X: int32(uint32(k)), Z: int32(uint32(k >> 32))}
}

func (p Pos) Offset(dx, dz int) Pos {
	return Pos{X: p.X + int32(dx), Z: p.Z + int32(dz)}
}

// Chebyshev is the 8-directional step distance between two tiles.
func (p Pos) Chebyshev(o Pos) int {
	dx := AbsInt(int(p.X) - int(o.X))
	dz := AbsInt(int(p.Z) - int(o.Z))
	if dx > dz {
		return dx
	}
	return dz
}

// BlockOrigin is the world block coordinate of the tile's (0,0) corner.
func (p Pos) BlockOrigin() (x, z int) {
	return int(p.X) * Size, int(p.Z) * Size
}

func (p Pos) String() string { return fmt.Sprintf("[%d, %d]", p.X, p.Z) }

// Less orders positions by X then Z. Used for stable dumps.
func (p Pos) Less(o Pos) bool {
	if p.X != o.X {
		return p.X < o.X
	}
	return p.Z < o.Z
}

// Neighbors8 is the fixed offset table of the eight adjacent tiles.
var Neighbors8 = [8][2]int{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// Square calls fn for every tile within Chebyshev radius r of center, row by
// row starting at the north-west corner. The order is stable and is the order
// neighbour lists are handed to stage functions.
func Square(center Pos, r int, fn func(Pos)) {
	for dz := -r; dz <= r; dz++ {
		for dx := -r; dx <= r; dx++ {
			fn(center.Offset(dx, dz))
		}
	}
}

// SquareIndex returns the index of p in the order produced by Square, or -1.
func SquareIndex(center Pos, r int, p Pos) int {
	dx := int(p.X) - int(center.X)
	dz := int(p.Z) - int(center.Z)
	if AbsInt(dx) > r || AbsInt(dz) > r {
		return -1
	}
	w := 2*r + 1
	return (dz+r)*w + (dx + r)
}
