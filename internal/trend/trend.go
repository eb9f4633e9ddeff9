// Package trend provides the small statistics used to read a series of
// controller samples: least-squares slope fitting, direction classification
// against a noise threshold, and percentile extraction.
package trend

import (
	"math"
	"sort"
)

// Direction describes where a metric series is heading.
type Direction int

const (
	// Plateauing means the fitted slope is within the noise threshold.
	Plateauing Direction = iota
	// Increasing means the fitted slope exceeds the noise threshold.
	Increasing
	// Decreasing means the fitted slope is below the negative noise threshold.
	Decreasing
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case Increasing:
		return "increasing"
	case Decreasing:
		return "decreasing"
	default:
		return "plateauing"
	}
}

// Slope fits values against their indices 0..n-1 by ordinary least squares
// and returns the per-step slope. Series shorter than 2 points have no
// direction and report 0.
func Slope(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}

	// Index mean is (n-1)/2; computing sums directly avoids allocating an
	// x slice.
	meanX := float64(n-1) / 2.0
	var meanY float64
	for _, v := range values {
		meanY += v
	}
	meanY /= float64(n)

	var num, den float64
	for i, v := range values {
		dx := float64(i) - meanX
		num += dx * (v - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Classify maps a series to a Direction using the given noise threshold.
// Slopes whose magnitude does not exceed the threshold count as plateau,
// which keeps jittery-but-flat series from triggering scaling decisions.
func Classify(values []float64, noise float64) Direction {
	slope := Slope(values)
	if noise < 0 {
		noise = 0
	}
	switch {
	case slope > noise:
		return Increasing
	case slope < -noise:
		return Decreasing
	default:
		return Plateauing
	}
}

// Percentile returns the p-th percentile (0 < p <= 100) of values using
// nearest-rank on a sorted copy. An empty series reports 0.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		p = 0.1
	}
	if p > 100 {
		p = 100
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p / 100.0 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Tail returns the last k elements of values without copying. Series
// shorter than k are returned whole.
func Tail(values []float64, k int) []float64 {
	if k <= 0 || len(values) <= k {
		return values
	}
	return values[len(values)-k:]
}
