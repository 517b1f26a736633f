package seqnum

import (
	"testing"
)

func TestLessThanWrapAround(t *testing.T) {
	tests := []struct {
		v, w Value
		want bool
	}{
		{10, 20, true},
		{20, 10, false},
		{10, 10, false},
		{0xFFFFFFF0, 0x10, true},
		{0x10, 0xFFFFFFF0, false},
		{0x7FFFFFFF, 0x80000000, true},
	}
	for _, tc := range tests {
		if got := tc.v.LessThan(tc.w); got != tc.want {
			t.Errorf("%d.LessThan(%d) = %v, want %v", tc.v, tc.w, got, tc.want)
		}
	}
}

func TestAddAndSizeWrapAround(t *testing.T) {
	v := Value(0xFFFFFFFE)
	w := v.Add(4)
	if w != 2 {
		t.Fatalf("Add across wrap = %d, want 2", w)
	}
	if s := v.Size(w); s != 4 {
		t.Fatalf("Size across wrap = %d, want 4", s)
	}
}

func TestInRange(t *testing.T) {
	if !Value(15).InRange(10, 20) {
		t.Error("15 not in [10, 20)")
	}
	if Value(20).InRange(10, 20) {
		t.Error("20 in [10, 20)")
	}
	// Range spanning the wrap point
	if !Value(2).InRange(0xFFFFFFF0, 0x10) {
		t.Error("2 not in wrapped range")
	}
}

func TestGreaterThanEq(t *testing.T) {
	if !Value(20).GreaterThanEq(10) || !Value(10).GreaterThanEq(10) {
		t.Error("GreaterThanEq failed on plain values")
	}
	if Value(0xFFFFFFF0).GreaterThanEq(0x10) {
		t.Error("wrapped comparison inverted")
	}
}

func TestUpdateForward(t *testing.T) {
	v := Value(100)
	v.UpdateForward(50)
	if v != 150 {
		t.Fatalf("UpdateForward = %d, want 150", v)
	}
}
