package utils

import (
	"math"
	"math/bits"
)

// AlignTo rounds val up to the next multiple of align. align must be a
// power of two; align == 0 returns val unchanged.
func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}

// AlignDown rounds val down to a multiple of align.
func AlignDown(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return val &^ (align - 1)
}

// SatMul multiplies a by b, saturating at math.MaxUint64 instead of
// wrapping. Offset arithmetic near the top of the address space relies on
// this.
func SatMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// SatAdd adds a and b, saturating at math.MaxUint64.
func SatAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// SignExtend sign-extends the low size bits of val.
func SignExtend(val uint64, size int) uint64 {
	return uint64(int64(val<<(64-size)) >> (64 - size))
}
