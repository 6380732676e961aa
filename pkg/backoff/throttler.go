package backoff

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/clock"
)

const (
	DefaultThrottleBase = time.Second
	DefaultThrottleMax  = time.Minute
	throttleJitter      = 0.2
)

// Throttler slows down repeated failures of the same kind. The first
// IncrementAndWait after a Reset returns immediately; each following call
// sleeps an exponentially growing, jittered delay capped at Max.
type Throttler struct {
	Base  time.Duration
	Max   time.Duration
	Clock clock.Clock

	mu    sync.Mutex
	count int
}

// NewThrottler returns a Throttler with the default bounds.
func NewThrottler(c clock.Clock) *Throttler {
	return &Throttler{Base: DefaultThrottleBase, Max: DefaultThrottleMax, Clock: c}
}

// IncrementAndWait records one more failure and sleeps accordingly.
func (t *Throttler) IncrementAndWait(ctx context.Context) error {
	t.mu.Lock()
	t.count++
	n := t.count
	t.mu.Unlock()

	if n <= 1 {
		return nil
	}
	return t.Clock.Sleep(ctx, Exponential(t.Base, t.Max, n-2, throttleJitter))
}

// Reset clears the failure count after a success.
func (t *Throttler) Reset() {
	t.mu.Lock()
	t.count = 0
	t.mu.Unlock()
}

// Count returns the number of failures since the last Reset.
func (t *Throttler) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
