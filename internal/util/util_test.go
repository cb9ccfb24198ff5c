package util

import "testing"

func TestRounding(t *testing.T) {
	cases := []struct {
		v, b, down, up uint64
	}{
		{0, 4096, 0, 0},
		{1, 4096, 0, 4096},
		{4095, 4096, 0, 4096},
		{4096, 4096, 4096, 4096},
		{4097, 4096, 4096, 8192},
	}
	for _, c := range cases {
		if got := Rounddown(c.v, c.b); got != c.down {
			t.Fatalf("Rounddown(%d, %d) = %d, want %d", c.v, c.b, got, c.down)
		}
		if got := Roundup(c.v, c.b); got != c.up {
			t.Fatalf("Roundup(%d, %d) = %d, want %d", c.v, c.b, got, c.up)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, v := range []uint64{1, 2, 4096, 1 << 30} {
		if !IsPowerOfTwo(v) {
			t.Fatalf("IsPowerOfTwo(%d) = false, want true", v)
		}
	}
	for _, v := range []uint64{0, 3, 4097} {
		if IsPowerOfTwo(v) {
			t.Fatalf("IsPowerOfTwo(%d) = true, want false", v)
		}
	}
}

func TestIsAligned(t *testing.T) {
	if !IsAligned(uint64(8192), uint64(4096)) {
		t.Fatalf("IsAligned(8192, 4096) = false, want true")
	}
	if IsAligned(uint64(8193), uint64(4096)) {
		t.Fatalf("IsAligned(8193, 4096) = true, want false")
	}
}

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 || Max(3, 5) != 5 {
		t.Fatalf("Min/Max(3, 5) = (%d, %d), want (3, 5)", Min(3, 5), Max(3, 5))
	}
}
