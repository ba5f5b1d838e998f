// Package terrain holds the deterministic stage bodies of the generation
// pipeline. Every stage writes only the tile being generated; neighbours in
// the region are read-only.
package terrain

import (
	"fmt"

	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tile"
	"chunkflow.ai/internal/sim/tilepos"
)

type Config struct {
	Seed int64 `yaml:"seed" toml:"seed" json:"seed"`

	BiomeRegionSize                 int `yaml:"biome_region_size" toml:"biome_region_size" json:"biome_region_size"`
	SpawnClearRadius                int `yaml:"spawn_clear_radius" toml:"spawn_clear_radius" json:"spawn_clear_radius"`
	OreClusterProbScalePermille     int `yaml:"ore_cluster_prob_scale_permille" toml:"ore_cluster_prob_scale_permille" json:"ore_cluster_prob_scale_permille"`
	TerrainClusterProbScalePermille int `yaml:"terrain_cluster_prob_scale_permille" toml:"terrain_cluster_prob_scale_permille" json:"terrain_cluster_prob_scale_permille"`
	SprinkleStonePermille           int `yaml:"sprinkle_stone_permille" toml:"sprinkle_stone_permille" json:"sprinkle_stone_permille"`
	SprinkleDirtPermille            int `yaml:"sprinkle_dirt_permille" toml:"sprinkle_dirt_permille" json:"sprinkle_dirt_permille"`
	SprinkleLogPermille             int `yaml:"sprinkle_log_permille" toml:"sprinkle_log_permille" json:"sprinkle_log_permille"`
	StructurePermille               int `yaml:"structure_permille" toml:"structure_permille" json:"structure_permille"`
}

func DefaultConfig() Config {
	return Config{
		Seed:                            1337,
		BiomeRegionSize:                 64,
		SpawnClearRadius:                6,
		OreClusterProbScalePermille:     1000,
		TerrainClusterProbScalePermille: 1000,
		SprinkleStonePermille:           18,
		SprinkleDirtPermille:            12,
		SprinkleLogPermille:             6,
		StructurePermille:               80,
	}
}

type Generator struct {
	cfg Config
}

func New(cfg Config) *Generator { return &Generator{cfg: cfg} }

func (g *Generator) Config() Config { return g.cfg }

// Generate runs the body of stage s against region. Empty and Full have no
// body: Empty is a load and Full only publishes the tile.
func (g *Generator) Generate(s status.Status, r tile.Region) error {
	if len(r.Tiles) != (2*r.Radius+1)*(2*r.Radius+1) {
		return fmt.Errorf("terrain: %s at %v: region has %d tiles for radius %d", s, r.Center, len(r.Tiles), r.Radius)
	}
	self := r.Self()
	switch s {
	case status.Empty, status.Full:
		return nil
	case status.StructureStarts:
		g.structureStarts(self)
	case status.Biomes:
		g.biomes(self)
	case status.Noise:
		g.noise(self)
	case status.Surface:
		g.surface(self)
	case status.Carvers:
		g.carvers(self)
	case status.Features:
		g.features(r, self)
	case status.Light:
		g.light(r, self)
	default:
		return fmt.Errorf("terrain: unknown status %d", s)
	}
	return nil
}

var structureKinds = []string{"well", "ruin", "camp"}

func (g *Generator) structureStarts(t *tile.Tile) {
	p := t.Pos()
	h := tilepos.Hash2(g.cfg.Seed+11, int(p.X), int(p.Z))
	if h%1000 >= uint64(clampPermille(g.cfg.StructurePermille)) {
		return
	}
	ox, oz := p.BlockOrigin()
	t.AddStructure(tile.Structure{
		Kind: structureKinds[(h>>12)%uint64(len(structureKinds))],
		X:    ox + int((h>>20)%tile.Size),
		Z:    oz + int((h>>28)%tile.Size),
		Size: 2 + int((h>>36)%3),
	})
}

func (g *Generator) biomes(t *tile.Tile) {
	ox, oz := t.Pos().BlockOrigin()
	t.SetBiome(BiomeAt(g.cfg.Seed, ox+tile.Size/2, oz+tile.Size/2, g.cfg.BiomeRegionSize))
}

func (g *Generator) noise(t *tile.Tile) {
	ox, oz := t.Pos().BlockOrigin()
	t.SetHeights(func(x, z int) uint8 {
		return uint8(48 + tilepos.Hash2(g.cfg.Seed+7, ox+x, oz+z)%16)
	})
}

func (g *Generator) surface(t *tile.Tile) {
	ox, oz := t.Pos().BlockOrigin()
	biome := t.Biome()
	seed := g.cfg.Seed
	terrain := g.cfg.TerrainClusterProbScalePermille
	t.Fill(func(x, z int) uint16 {
		wx, wz := ox+x, oz+z
		if withinSpawnClear(wx, wz, g.cfg.SpawnClearRadius) {
			return tile.Air
		}
		b := tile.Air
		switch biome {
		case "FOREST":
			switch {
			case inCluster(seed+201, wx, wz, 48, 4, scalePermille(450, terrain)):
				b = tile.Log
			case inCluster(seed+202, wx, wz, 32, 4, scalePermille(500, terrain)):
				b = tile.Stone
			case inCluster(seed+203, wx, wz, 48, 3, scalePermille(350, terrain)):
				b = tile.Dirt
			case inCluster(seed+204, wx, wz, 96, 2, scalePermille(180, terrain)):
				b = tile.Gravel
			}
		case "DESERT":
			switch {
			case inCluster(seed+301, wx, wz, 48, 3, scalePermille(550, terrain)):
				b = tile.Sand
			case inCluster(seed+302, wx, wz, 32, 4, scalePermille(450, terrain)):
				b = tile.Stone
			case inCluster(seed+303, wx, wz, 96, 2, scalePermille(200, terrain)):
				b = tile.Gravel
			}
		default:
			switch {
			case inCluster(seed+401, wx, wz, 48, 3, scalePermille(400, terrain)):
				b = tile.Dirt
			case inCluster(seed+402, wx, wz, 32, 4, scalePermille(500, terrain)):
				b = tile.Stone
			case inCluster(seed+403, wx, wz, 96, 2, scalePermille(180, terrain)):
				b = tile.Gravel
			}
		}
		if b != tile.Air {
			return b
		}
		stone := uint64(clampPermille(g.cfg.SprinkleStonePermille))
		dirt := stone + uint64(clampPermille(g.cfg.SprinkleDirtPermille))
		logs := dirt + uint64(clampPermille(g.cfg.SprinkleLogPermille))
		roll := tilepos.Hash2(seed+999, wx, wz) % 1000
		switch {
		case roll < stone:
			return tile.Stone
		case roll < dirt:
			if biome == "DESERT" {
				return tile.Sand
			}
			return tile.Dirt
		case roll < logs && biome == "FOREST":
			return tile.Log
		}
		return tile.Air
	})
}

// carvers cut caves through the surface layer.
func (g *Generator) carvers(t *tile.Tile) {
	ox, oz := t.Pos().BlockOrigin()
	for z := 0; z < tile.Size; z++ {
		for x := 0; x < tile.Size; x++ {
			if inCluster(g.cfg.Seed+501, ox+x, oz+z, 80, 3, 300) {
				t.Set(x, z, tile.Air)
			}
		}
	}
}

// features places ore and stamps structures anchored in this tile or any
// neighbour whose footprint reaches into it.
func (g *Generator) features(r tile.Region, t *tile.Tile) {
	ox, oz := t.Pos().BlockOrigin()
	seed := g.cfg.Seed
	ore := g.cfg.OreClusterProbScalePermille
	crystal := false
	for z := 0; z < tile.Size; z++ {
		for x := 0; x < tile.Size; x++ {
			wx, wz := ox+x, oz+z
			if withinSpawnClear(wx, wz, g.cfg.SpawnClearRadius) {
				continue
			}
			switch {
			case inCluster(seed+101, wx, wz, 192, 2, scalePermille(200, ore)):
				t.Set(x, z, tile.CrystalOre)
				if !crystal {
					crystal = true
					t.AddPOI(tile.POI{Kind: "crystal", X: wx, Z: wz})
				}
			case inCluster(seed+102, wx, wz, 128, 3, scalePermille(450, ore)):
				t.Set(x, z, tile.IronOre)
			case inCluster(seed+103, wx, wz, 128, 3, scalePermille(450, ore)):
				t.Set(x, z, tile.CopperOre)
			case inCluster(seed+104, wx, wz, 64, 4, scalePermille(650, ore)):
				t.Set(x, z, tile.CoalOre)
			}
		}
	}

	for _, n := range r.Tiles {
		for _, s := range n.Structures() {
			g.stamp(t, s)
			if n == t {
				t.AddPOI(tile.POI{Kind: s.Kind, X: s.X, Z: s.Z})
			}
		}
	}
}

func (g *Generator) stamp(t *tile.Tile, s tile.Structure) {
	ox, oz := t.Pos().BlockOrigin()
	for wz := s.Z - s.Size; wz <= s.Z+s.Size; wz++ {
		for wx := s.X - s.Size; wx <= s.X+s.Size; wx++ {
			x, z := wx-ox, wz-oz
			if x < 0 || z < 0 || x >= tile.Size || z >= tile.Size {
				continue
			}
			edge := wx == s.X-s.Size || wx == s.X+s.Size || wz == s.Z-s.Size || wz == s.Z+s.Size
			switch {
			case s.Kind == "well" && wx == s.X && wz == s.Z:
				t.Set(x, z, tile.Gravel)
			case edge && s.Kind != "camp":
				t.Set(x, z, tile.Stone)
			default:
				t.Set(x, z, tile.Air)
			}
		}
	}
}

// light floods sky light from open cells, one step across tile borders.
func (g *Generator) light(r tile.Region, t *tile.Tile) {
	ox, oz := t.Pos().BlockOrigin()
	values := make([]uint8, tile.Cells)
	for z := 0; z < tile.Size; z++ {
		for x := 0; x < tile.Size; x++ {
			wx, wz := ox+x, oz+z
			if r.Block(wx, wz) == tile.Air {
				values[x+z*tile.Size] = 15
				continue
			}
			best := uint8(0)
			for _, d := range tilepos.Neighbors8 {
				if r.Block(wx+d[0], wz+d[1]) == tile.Air {
					best = 14
					break
				}
			}
			values[x+z*tile.Size] = best
		}
	}
	t.SetLight(values)
}
