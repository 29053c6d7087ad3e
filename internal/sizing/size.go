// Package sizing provides safe size arithmetic to prevent overflow.
package sizing

import (
	"math"
	"math/bits"
)

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// AddInt adds two non-negative ints, returning (result, false) on overflow.
func AddInt(a, b int) (int, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// MulInt multiplies two non-negative ints, returning (result, false) on
// overflow.
func MulInt(a, b int) (int, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > uint64(math.MaxInt) {
		return 0, false
	}
	return int(lo), true
}

// AlignUp rounds n up to the next multiple of align, returning (result,
// false) on overflow. align must be a positive power of two.
func AlignUp(n, align int) (int, bool) {
	sum, ok := AddInt(n, align-1)
	if !ok {
		return 0, false
	}
	return sum &^ (align - 1), true
}
