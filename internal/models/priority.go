package models

import "math/rand/v2"

// PriorityMax is the highest priority a job can be deferred with.
const PriorityMax = 100

// Priority buckets. Each call picks a random value inside the bucket so that
// jobs of the same bucket interleave instead of starving each other.

func PriorityAny() int    { return between(1, 100) }
func PriorityLow() int    { return between(1, 50) }
func PriorityMedium() int { return between(50, 70) }
func PriorityHigh() int   { return between(70, 90) }
func PriorityUser() int   { return between(90, 99) }

func between(lo, hi int) int {
	return lo + rand.IntN(hi-lo+1)
}
