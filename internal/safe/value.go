// Package safe holds checked conversions and guarded file reads.
package safe

import (
	"math"
)

// Uint64ToInt64 converts val to int64, clamping to math.MaxInt64.
// The boolean reports whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// Int64ToUint64 converts val to uint64, clamping negatives to zero.
func Int64ToUint64(val int64) (uint64, bool) {
	if val < 0 {
		return 0, true
	}
	return uint64(val), false
}

// AddrOffset converts a target address to a file offset usable with
// ReadAt/WriteAt on /proc/<pid>/mem. Addresses in the upper half are
// rejected rather than clamped.
func AddrOffset(addr uint64) (int64, bool) {
	off, clamped := Uint64ToInt64(addr)
	return off, !clamped
}

// AddRange returns addr+size and whether the sum stayed in range.
func AddRange(addr, size uint64) (uint64, bool) {
	end := addr + size
	return end, end >= addr
}

// Int32Displacement narrows a signed displacement to int32.
// The boolean is false when d does not fit.
func Int32Displacement(d int64) (int32, bool) {
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, false
	}
	return int32(d), true
}
