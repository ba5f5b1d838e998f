// Package tile holds the materialized contents of one tile. A Tile is shared
// between the lifecycle goroutine and generation workers, so every accessor
// takes the tile lock.
package tile

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tilepos"
)

const (
	Size  = tilepos.Size
	Cells = Size * Size
)

// Block ids.
const (
	Air uint16 = iota
	Dirt
	Grass
	Sand
	Stone
	Gravel
	Log
	CoalOre
	IronOre
	CopperOre
	CrystalOre
)

// Structure is a generated structure anchored at a block inside its tile.
type Structure struct {
	Kind string `json:"kind"`
	X    int    `json:"x"`
	Z    int    `json:"z"`
	Size int    `json:"size"`
}

// POI is a point of interest recorded while generating features.
type POI struct {
	Kind string `json:"kind"`
	X    int    `json:"x"`
	Z    int    `json:"z"`
}

type Tile struct {
	mu sync.RWMutex

	pos        tilepos.Pos
	status     status.Status
	biome      string
	blocks     []uint16
	heights    []uint8
	light      []uint8
	structures []Structure
	pois       []POI
	inhabited  int64

	// mod counts content changes; saved is the mod value last persisted.
	mod   uint64
	saved uint64
	hash  [32]byte
	hmod  uint64
}

// New returns an empty tile at pos. A fresh tile is unsaved.
func New(pos tilepos.Pos) *Tile {
	return &Tile{
		pos:     pos,
		status:  status.Empty,
		blocks:  make([]uint16, Cells),
		heights: make([]uint8, Cells),
		light:   make([]uint8, Cells),
		mod:     1,
	}
}

func index(x, z int) int { return x + z*Size }

func (t *Tile) Pos() tilepos.Pos { return t.pos }

func (t *Tile) Status() status.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// SetStatus raises the tile status. Lower values are ignored so the status
// never moves backwards.
func (t *Tile) SetStatus(s status.Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s <= t.status {
		return false
	}
	t.status = s
	t.mod++
	return true
}

func (t *Tile) Get(x, z int) uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.blocks[index(x, z)]
}

func (t *Tile) Set(x, z int, b uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := index(x, z)
	if t.blocks[i] == b {
		return
	}
	t.blocks[i] = b
	t.mod++
}

// Fill replaces every cell using fn(x, z).
func (t *Tile) Fill(fn func(x, z int) uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for z := 0; z < Size; z++ {
		for x := 0; x < Size; x++ {
			t.blocks[index(x, z)] = fn(x, z)
		}
	}
	t.mod++
}

func (t *Tile) Biome() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.biome
}

func (t *Tile) SetBiome(b string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.biome != b {
		t.biome = b
		t.mod++
	}
}

func (t *Tile) Height(x, z int) uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.heights[index(x, z)]
}

func (t *Tile) SetHeights(fn func(x, z int) uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for z := 0; z < Size; z++ {
		for x := 0; x < Size; x++ {
			t.heights[index(x, z)] = fn(x, z)
		}
	}
	t.mod++
}

func (t *Tile) Light(x, z int) uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.light[index(x, z)]
}

func (t *Tile) SetLight(values []uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(t.light, values)
	t.mod++
}

func (t *Tile) Structures() []Structure {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Structure(nil), t.structures...)
}

func (t *Tile) AddStructure(s Structure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.structures = append(t.structures, s)
	t.mod++
}

func (t *Tile) POIs() []POI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]POI(nil), t.pois...)
}

func (t *Tile) AddPOI(p POI) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pois = append(t.pois, p)
	t.mod++
}

// Inhabit adds ticks spent ticking near a viewer.
func (t *Tile) Inhabit(ticks int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inhabited += ticks
	t.mod++
}

func (t *Tile) Inhabited() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inhabited
}

// Dirty reports unsaved changes.
func (t *Tile) Dirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mod != t.saved
}

// MarkSaved records that the state captured at version has been persisted.
// Changes made after the snapshot keep the tile dirty.
func (t *Tile) MarkSaved(version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version > t.saved {
		t.saved = version
	}
}

// Digest hashes the tile contents. Two tiles with equal digests hold the same
// blocks, biome, heights, light, structures and POIs.
func (t *Tile) Digest() [32]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hmod == t.mod && t.hash != ([32]byte{}) {
		return t.hash
	}
	h := sha256.New()
	var tmp [8]byte
	h.Write([]byte{byte(t.status)})
	h.Write([]byte(t.biome))
	for _, v := range t.blocks {
		binary.LittleEndian.PutUint16(tmp[:2], v)
		h.Write(tmp[:2])
	}
	h.Write(t.heights)
	h.Write(t.light)
	for _, s := range t.structures {
		h.Write([]byte(s.Kind))
		binary.LittleEndian.PutUint64(tmp[:], uint64(s.X)<<32|uint64(uint32(s.Z)))
		h.Write(tmp[:])
		h.Write([]byte{byte(s.Size)})
	}
	for _, p := range t.pois {
		h.Write([]byte(p.Kind))
		binary.LittleEndian.PutUint64(tmp[:], uint64(p.X)<<32|uint64(uint32(p.Z)))
		h.Write(tmp[:])
	}
	binary.LittleEndian.PutUint64(tmp[:], uint64(t.inhabited))
	h.Write(tmp[:])
	copy(t.hash[:], h.Sum(nil))
	t.hmod = t.mod
	return t.hash
}
