package tilepos

import "testing"

func TestKeyRoundTrip(t *testing.T) {
	cases := []Pos{{0, 0}, {1, -1}, {-30000000, 30000000}, {2147483647, -2147483648}}
	for _, p := range cases {
		if got := FromKey(p.Key()); got != p {
			t.Fatalf("FromKey(Key(%v)) = %v", p, got)
		}
	}
	if New(1, 2).Key() == New(2, 1).Key() {
		t.Fatalf("swapped coordinates must not collide")
	}
}

func TestFromBlockNegative(t *testing.T) {
	if p := FromBlock(-1, 15); p != New(-1, 0) {
		t.Fatalf("FromBlock(-1,15)=%v", p)
	}
	if p := FromBlock(16, -17); p != New(1, -2) {
		t.Fatalf("FromBlock(16,-17)=%v", p)
	}
}

func TestSquareOrderMatchesIndex(t *testing.T) {
	c := New(5, -3)
	i := 0
	Square(c, 2, func(p Pos) {
		if got := SquareIndex(c, 2, p); got != i {
			t.Fatalf("SquareIndex(%v)=%d want %d", p, got, i)
		}
		i++
	})
	if i != 25 {
		t.Fatalf("visited %d tiles, want 25", i)
	}
	if SquareIndex(c, 1, c.Offset(2, 0)) != -1 {
		t.Fatalf("out of range position must return -1")
	}
}

func TestChebyshev(t *testing.T) {
	if d := New(0, 0).Chebyshev(New(3, -7)); d != 7 {
		t.Fatalf("distance=%d want 7", d)
	}
}
