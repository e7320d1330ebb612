// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Clamp limits a value to the range [low, high]
func Clamp(input, low, high float64) float64 {
	return math.Max(low, math.Min(input, high))
}

// Limiter imposes software limits on a position
type Limiter struct {
	Min float64 `json:"min" yaml:"min" koanf:"min"`
	Max float64 `json:"max" yaml:"max" koanf:"max"`
}

// Check returns true if the value is within the limits, inclusive
func (l Limiter) Check(f float64) bool {
	return f >= l.Min && f <= l.Max
}

// Clamp limits f to [l.Min, l.Max]
func (l Limiter) Clamp(f float64) float64 {
	return Clamp(f, l.Min, l.Max)
}

// Linspace returns n evenly spaced values from start to stop, inclusive.
// n == 1 returns start alone; n < 1 returns nil.
func Linspace(start, stop float64, n int) []float64 {
	if n < 1 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := 0; i < n; i++ {
		out[i] = start + float64(i)*step
	}
	// land exactly on stop regardless of accumulated rounding
	out[n-1] = stop
	return out
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}
