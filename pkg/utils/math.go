package utils

import "math"

// NormalizeL2 normalizes the slice in place to unit L2 norm. A zero vector is left
// unchanged.
func NormalizeL2(x []float32) {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(float64(sum)))
	for i := range x {
		x[i] *= norm
	}
}

// L2DistanceSquared returns the squared Euclidean distance between a and b.
// Slices must have equal length.
func L2DistanceSquared(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return sum
}
