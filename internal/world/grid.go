package world

import (
	"fmt"
	"math"
)

// Vec3 is a position or velocity in world units.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Scale(f float64) Vec3 { return Vec3{v.X * f, v.Y * f, v.Z * f} }
func (v Vec3) IsZero() bool         { return v == Vec3{} }
func (v Vec3) String() string       { return fmt.Sprintf("(%.2f,%.2f,%.2f)", v.X, v.Y, v.Z) }

// RegionKey addresses a cubic region of the world grid.
type RegionKey struct {
	X, Y, Z int32
}

func (k RegionKey) String() string { return fmt.Sprintf("%d,%d,%d", k.X, k.Y, k.Z) }

func toCell(v, size float64) int32 {
	return int32(math.Floor(v / size))
}

// KeyFor returns the region containing p for regions of the given edge size.
func KeyFor(p Vec3, size float64) RegionKey {
	return RegionKey{X: toCell(p.X, size), Y: toCell(p.Y, size), Z: toCell(p.Z, size)}
}

func mod3(v int32) int {
	m := int(v % 3)
	if m < 0 {
		m += 3
	}
	return m
}

// Sequence is the region's colour in a 3x3x3 tiling. Two regions that touch,
// including diagonally, never share a colour, so global stages run them in
// different barriers.
func (k RegionKey) Sequence() int {
	return mod3(k.X) + 3*mod3(k.Y) + 9*mod3(k.Z)
}

// Neighbours returns the 26 regions around k.
func (k RegionKey) Neighbours() []RegionKey {
	out := make([]RegionKey, 0, 26)
	for dx := int32(-1); dx <= 1; dx++ {
		for dy := int32(-1); dy <= 1; dy++ {
			for dz := int32(-1); dz <= 1; dz++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				out = append(out, RegionKey{k.X + dx, k.Y + dy, k.Z + dz})
			}
		}
	}
	return out
}

// Bounds is a half-open axis aligned box.
type Bounds struct {
	Min, Max Vec3
}

// BoundsOf returns the extent of region k.
func BoundsOf(k RegionKey, size float64) Bounds {
	min := Vec3{float64(k.X) * size, float64(k.Y) * size, float64(k.Z) * size}
	return Bounds{Min: min, Max: min.Add(Vec3{size, size, size})}
}

func (b Bounds) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X < b.Max.X &&
		p.Y >= b.Min.Y && p.Y < b.Max.Y &&
		p.Z >= b.Min.Z && p.Z < b.Max.Z
}

// Clamp pulls p inside b.
func (b Bounds) Clamp(p Vec3) Vec3 {
	const eps = 1e-9
	c := func(v, lo, hi float64) float64 {
		if v < lo {
			return lo
		}
		if v >= hi {
			return hi - eps
		}
		return v
	}
	return Vec3{c(p.X, b.Min.X, b.Max.X), c(p.Y, b.Min.Y, b.Max.Y), c(p.Z, b.Min.Z, b.Max.Z)}
}

// Cube returns every key within radius of center, Chebyshev distance.
func Cube(center RegionKey, radius int32) []RegionKey {
	if radius < 0 {
		return nil
	}
	var out []RegionKey
	for x := center.X - radius; x <= center.X+radius; x++ {
		for y := center.Y - radius; y <= center.Y+radius; y++ {
			for z := center.Z - radius; z <= center.Z+radius; z++ {
				out = append(out, RegionKey{x, y, z})
			}
		}
	}
	return out
}
