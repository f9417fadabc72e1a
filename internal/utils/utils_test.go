package utils

import (
	"math"
	"testing"
)

func TestAlignTo(t *testing.T) {
	tests := []struct {
		name  string
		val   uint64
		align uint64
		want  uint64
	}{
		{"zero align", 7, 0, 7},
		{"already aligned", 0x1000, 0x1000, 0x1000},
		{"round up", 1, 0x1000, 0x1000},
		{"round up page", 0x1001, 0x1000, 0x2000},
		{"align one", 13, 1, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AlignTo(tt.val, tt.align); got != tt.want {
				t.Errorf("AlignTo(%#x, %#x) = %#x, want %#x", tt.val, tt.align, got, tt.want)
			}
		})
	}
}

func TestAlignDown(t *testing.T) {
	tests := []struct {
		val   uint64
		align uint64
		want  uint64
	}{
		{0x1fff, 0x1000, 0x1000},
		{0x1000, 0x1000, 0x1000},
		{13, 1, 13},
		{13, 0, 13},
	}
	for _, tt := range tests {
		if got := AlignDown(tt.val, tt.align); got != tt.want {
			t.Errorf("AlignDown(%#x, %#x) = %#x, want %#x", tt.val, tt.align, got, tt.want)
		}
	}
}

func TestSatMul(t *testing.T) {
	if got := SatMul(3, 4); got != 12 {
		t.Errorf("SatMul(3, 4) = %d, want 12", got)
	}
	if got := SatMul(math.MaxUint64, 4); got != math.MaxUint64 {
		t.Errorf("SatMul must saturate, got %d", got)
	}
	if got := SatMul(math.MaxUint64/2, 2); got != math.MaxUint64-1 {
		t.Errorf("SatMul(max/2, 2) = %d", got)
	}
}

func TestSatAdd(t *testing.T) {
	if got := SatAdd(math.MaxUint64, 1); got != math.MaxUint64 {
		t.Errorf("SatAdd must saturate, got %d", got)
	}
	if got := SatAdd(1, 2); got != 3 {
		t.Errorf("SatAdd(1, 2) = %d", got)
	}
}

func TestSignExtend(t *testing.T) {
	if got := SignExtend(0x1fffff, 21); got != math.MaxUint64 {
		t.Errorf("SignExtend(-1, 21) = %#x", got)
	}
	if got := SignExtend(0x0fffff, 21); got != 0x0fffff {
		t.Errorf("SignExtend(+max, 21) = %#x", got)
	}
}
