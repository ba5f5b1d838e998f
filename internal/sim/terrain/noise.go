package terrain

import "chunkflow.ai/internal/sim/tilepos"

func biomeFrom(noise uint64) string {
	switch noise % 3 {
	case 0:
		return "PLAINS"
	case 1:
		return "FOREST"
	default:
		return "DESERT"
	}
}

// BiomeAt picks a biome per square region of regionSize blocks.
func BiomeAt(seed int64, x, z, regionSize int) string {
	if regionSize <= 0 {
		regionSize = 1
	}
	rx := tilepos.FloorDiv(x, regionSize)
	rz := tilepos.FloorDiv(z, regionSize)
	return biomeFrom(tilepos.Hash2(seed, rx, rz))
}

func withinSpawnClear(x, z, radius int) bool {
	if radius <= 0 {
		return false
	}
	r := int64(radius)
	dx := int64(x)
	dz := int64(z)
	return dx*dx+dz*dz <= r*r
}

func clampPermille(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}

func scalePermille(base uint64, scalePermille int) uint64 {
	if scalePermille <= 0 {
		scalePermille = 1000
	}
	scaled := (base*uint64(scalePermille) + 500) / 1000
	if scaled > 1000 {
		return 1000
	}
	return scaled
}

// inCluster reports whether (x, z) falls inside a disc anchored in one of the
// nine grid cells around it. Each cell holds at most one disc.
func inCluster(seed int64, x, z, grid, radius int, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := tilepos.FloorDiv(x, grid)
	gz := tilepos.FloorDiv(z, grid)
	r2 := radius * radius

	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			cgx := gx + dx
			cgz := gz + dz
			h := tilepos.Hash2(seed, cgx, cgz)
			if h%1000 >= probPermille {
				continue
			}
			ox := int((h >> 10) % uint64(grid))
			oz := int((h >> 20) % uint64(grid))
			ddx := x - (cgx*grid + ox)
			ddz := z - (cgz*grid + oz)
			if ddx*ddx+ddz*ddz <= r2 {
				return true
			}
		}
	}
	return false
}
