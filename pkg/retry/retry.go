// Package retry computes jittered exponential backoff delays. The queue
// engine's redelivery schedule and the provider client share it so both
// follow the same curve.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns base · 2^(attempt−1) scaled by a uniform factor in
// [1−jitter, 1+jitter], rounded to milliseconds and clamped at zero.
// attempt is 1-based; values below 1 are treated as 1.
func Delay(attempt int, base time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if jitter < 0 {
		jitter = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	factor := 1 + jitter*(2*rand.Float64()-1)
	d *= factor
	ms := math.Round(d / float64(time.Millisecond))
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
