// Package sizing provides safe size arithmetic and conversions to prevent overflow.
package sizing

import (
	"errors"
	"math"
)

// ErrOverflow is returned when a size computation does not fit its type.
var ErrOverflow = errors.New("size overflow")

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// MulInt64 multiplies two non-negative int64 values, returning (result, false)
// on overflow or when either operand is negative.
func MulInt64(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt64/b {
		return 0, false
	}
	return a * b, true
}

// CeilToMultiple rounds n up to the next multiple of m.
// m must be positive and n non-negative.
func CeilToMultiple(n, m int64) int64 {
	if r := n % m; r != 0 {
		return n + m - r
	}
	return n
}

// FloorToMultiple rounds n down to a multiple of m.
// m must be positive and n non-negative.
func FloorToMultiple(n, m int64) int64 {
	return n - n%m
}

// ISqrt returns floor(sqrt(n)) for non-negative n without floating point drift.
func ISqrt(n int64) int64 {
	if n < 2 {
		return max(n, 0)
	}
	x := int64(math.Sqrt(float64(n)))
	// Compare via division so the checks cannot overflow near MaxInt64.
	for x > n/x {
		x--
	}
	for x+1 <= n/(x+1) {
		x++
	}
	return x
}
