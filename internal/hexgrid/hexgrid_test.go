package hexgrid

import "testing"

func TestDistanceSymmetry(t *testing.T) {
	cases := []struct {
		a, b Hex
		want int
	}{
		{Hex{0, 0}, Hex{0, 0}, 0},
		{Hex{0, 0}, Hex{1, 0}, 1},
		{Hex{0, 0}, Hex{1, -1}, 1},
		{Hex{0, 0}, Hex{2, -1}, 2},
		{Hex{0, 0}, Hex{3, 0}, 3},
		{Hex{-2, 1}, Hex{1, 1}, 3},
		{Hex{0, 0}, Hex{-3, 3}, 3},
	}
	for _, tc := range cases {
		if got := Distance(tc.a, tc.b); got != tc.want {
			t.Errorf("Distance(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
		if got := Distance(tc.b, tc.a); got != tc.want {
			t.Errorf("Distance(%v, %v) = %d, want %d (symmetry)", tc.b, tc.a, got, tc.want)
		}
	}
}

func TestDistanceSelfIsZero(t *testing.T) {
	for q := -3; q <= 3; q++ {
		for r := -3; r <= 3; r++ {
			h := Hex{q, r}
			if d := Distance(h, h); d != 0 {
				t.Fatalf("Distance(%v, %v) = %d, want 0", h, h, d)
			}
		}
	}
}

func TestNeighborInverseReturnsToOrigin(t *testing.T) {
	// Opposite directions are d and d+3.
	for d := 0; d < 6; d++ {
		h := Origin.Neighbor(d).Neighbor(d + 3)
		if h != Origin {
			t.Errorf("direction %d then %d: got %v, want origin", d, d+3, h)
		}
	}
}

func TestNeighborsAreDistanceOne(t *testing.T) {
	center := Hex{2, -1}
	for d := 0; d < 6; d++ {
		n := center.Neighbor(d)
		if Distance(center, n) != 1 {
			t.Errorf("neighbor %d of %v is %v, distance != 1", d, center, n)
		}
	}
}

func TestRingSizeAndDistance(t *testing.T) {
	center := Hex{-1, 2}
	for radius := 1; radius <= 4; radius++ {
		ring := Ring(center, radius)
		if len(ring) != 6*radius {
			t.Fatalf("ring radius %d has %d cells, want %d", radius, len(ring), 6*radius)
		}
		seen := make(map[Hex]struct{}, len(ring))
		for _, h := range ring {
			if Distance(center, h) != radius {
				t.Errorf("ring %d cell %v has distance %d", radius, h, Distance(center, h))
			}
			if _, dup := seen[h]; dup {
				t.Errorf("ring %d repeats cell %v", radius, h)
			}
			seen[h] = struct{}{}
		}
	}
}

func TestRingZeroIsCenter(t *testing.T) {
	ring := Ring(Hex{3, 3}, 0)
	if len(ring) != 1 || ring[0] != (Hex{3, 3}) {
		t.Fatalf("Ring(_, 0) = %v, want just the center", ring)
	}
}

func TestSpiralCountsHexArea(t *testing.T) {
	// Cells within radius N of a center: 1 + 3N(N+1).
	for n := 0; n <= 3; n++ {
		got := len(Spiral(Origin, n))
		want := 1 + 3*n*(n+1)
		if got != want {
			t.Errorf("Spiral radius %d has %d cells, want %d", n, got, want)
		}
	}
}

func TestNearestFreeSkipsOccupied(t *testing.T) {
	occupied := map[Hex]bool{
		{0, 0}: true,
		{1, 0}: true,
	}
	h, ok := NearestFree(Origin, 5, func(h Hex) bool { return occupied[h] })
	if !ok {
		t.Fatal("expected a free cell")
	}
	if occupied[h] {
		t.Fatalf("NearestFree returned occupied cell %v", h)
	}
	if Distance(Origin, h) != 1 {
		t.Fatalf("NearestFree returned %v at distance %d, want a ring-1 cell", h, Distance(Origin, h))
	}
}

func TestNearestFreeExhausted(t *testing.T) {
	if _, ok := NearestFree(Origin, 1, func(Hex) bool { return true }); ok {
		t.Fatal("expected no free cell when everything is occupied")
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, h := range []Hex{{0, 0}, {1, -2}, {-4, 3}} {
		got, err := Parse(h.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", h.String(), err)
		}
		if got != h {
			t.Fatalf("Parse(%q) = %v, want %v", h.String(), got, h)
		}
	}
	if _, err := Parse("not-a-hex"); err == nil {
		t.Fatal("expected error for malformed coordinate")
	}
}
