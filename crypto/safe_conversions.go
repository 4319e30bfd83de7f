package crypto

import (
	"fmt"
	"math"
)

// safeUint64ToInt64 converts uint64 to int64, rejecting values that overflow.
//
// CWE-190: Integer Overflow or Wraparound
func safeUint64ToInt64(val uint64) (int64, error) {
	if val > math.MaxInt64 {
		return 0, fmt.Errorf("uint64 value exceeds int64 max: %d (max: %d)", val, math.MaxInt64)
	}
	return int64(val), nil
}

// safeInt64ToUint64 converts int64 to uint64, rejecting negative values.
func safeInt64ToUint64(val int64) (uint64, error) {
	if val < 0 {
		return 0, fmt.Errorf("cannot convert negative int64 to uint64: %d", val)
	}
	return uint64(val), nil
}
