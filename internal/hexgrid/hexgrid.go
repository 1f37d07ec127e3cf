// Package hexgrid implements axial hex-coordinate math for the agent grid.
//
// Coordinates use the axial system (q, r). Distance is computed through the
// derived cube representation (x=q, z=r, y=-q-r), which makes hex distance
// the Chebyshev distance of the cube deltas.
package hexgrid

import "fmt"

// Hex is an axial hex-grid coordinate.
type Hex struct {
	Q int `json:"q"`
	R int `json:"r"`
}

// Origin is the (0,0) coordinate.
var Origin = Hex{}

// directions lists the six axial neighbor offsets in counter-clockwise order
// starting east. Ring walks below depend on this ordering.
var directions = [6]Hex{
	{1, 0}, {1, -1}, {0, -1}, {-1, 0}, {-1, 1}, {0, 1},
}

// Direction returns the axial offset for direction d (0..5). Values outside
// the range wrap.
func Direction(d int) Hex {
	d %= 6
	if d < 0 {
		d += 6
	}
	return directions[d]
}

// Add returns h translated by o.
func (h Hex) Add(o Hex) Hex {
	return Hex{h.Q + o.Q, h.R + o.R}
}

// Neighbor returns the adjacent coordinate in direction d (0..5).
func (h Hex) Neighbor(d int) Hex {
	return h.Add(Direction(d))
}

// String formats the coordinate as "q,r".
func (h Hex) String() string {
	return fmt.Sprintf("%d,%d", h.Q, h.R)
}

// Parse parses a "q,r" string produced by String.
func Parse(s string) (Hex, error) {
	var h Hex
	if _, err := fmt.Sscanf(s, "%d,%d", &h.Q, &h.R); err != nil {
		return Hex{}, fmt.Errorf("invalid hex coordinate %q: %w", s, err)
	}
	return h, nil
}

// Distance returns the hex distance between a and b.
func Distance(a, b Hex) int {
	dq := a.Q - b.Q
	dr := a.R - b.R
	ds := -dq - dr
	return (abs(dq) + abs(dr) + abs(ds)) / 2
}

// Ring returns the radius-sized ring of coordinates around center, walked
// counter-clockwise. radius 0 yields just the center; negative radii yield nil.
func Ring(center Hex, radius int) []Hex {
	if radius < 0 {
		return nil
	}
	if radius == 0 {
		return []Hex{center}
	}
	out := make([]Hex, 0, 6*radius)
	// Start at the cell radius steps out in direction 4, then walk each of
	// the six edges.
	h := center
	for i := 0; i < radius; i++ {
		h = h.Neighbor(4)
	}
	for d := 0; d < 6; d++ {
		for i := 0; i < radius; i++ {
			out = append(out, h)
			h = h.Neighbor(d)
		}
	}
	return out
}

// Spiral returns all coordinates within maxRadius of center, nearest ring
// first, center included.
func Spiral(center Hex, maxRadius int) []Hex {
	out := []Hex{center}
	for r := 1; r <= maxRadius; r++ {
		out = append(out, Ring(center, r)...)
	}
	return out
}

// NearestFree walks rings outward from center and returns the first
// coordinate for which occupied reports false. The center itself is
// considered first. ok is false when every cell within maxRadius is taken.
func NearestFree(center Hex, maxRadius int, occupied func(Hex) bool) (Hex, bool) {
	for r := 0; r <= maxRadius; r++ {
		for _, h := range Ring(center, r) {
			if !occupied(h) {
				return h, true
			}
		}
	}
	return Hex{}, false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
