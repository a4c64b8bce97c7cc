package device

import (
	"math"
)

// RoundUpDiv4 returns ceil(v/4), the number of 4-lane pixels needed for v channels.
func RoundUpDiv4(v int) int {
	return (v + 3) >> 2
}

// RoundUpDiv returns ceil(v/factor).
func RoundUpDiv(v, factor int) int {
	return (v + factor - 1) / factor
}

func getBucket(size int) int {
	if size <= 0 {
		return 0
	}
	// log2 bucket: 1-2 bytes -> 1, 3-4 bytes -> 2, 5-8 bytes -> 3, ...
	return int(math.Ceil(math.Log2(float64(size))))
}
