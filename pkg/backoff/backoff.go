// Package backoff computes retry delays for the agent's network loops.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Random returns a random delay in [min, max]. When previous lies inside
// the window it becomes the new lower bound, so a sequence of calls that
// threads the previous result through never shrinks.
func Random(min, max, previous time.Duration) time.Duration {
	if max <= min {
		return min
	}
	lower := min
	if previous > lower && previous < max {
		lower = previous
	}
	return lower + rand.N(max-lower+1)
}

// Exponential returns base*2^attempt capped at max, with up to ±jitter
// (a fraction such as 0.2) applied and the result clamped to [0, max].
func Exponential(base, max time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if jitter > 0 {
		delta := (rand.Float64()*2 - 1) * jitter * float64(d)
		d += time.Duration(delta)
	}
	if d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}
