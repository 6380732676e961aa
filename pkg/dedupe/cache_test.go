package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/clock"
	"github.com/stretchr/testify/assert"
)

func newTestCache(ttl time.Duration, size int) (*Cache[int64], *clock.FakeClock) {
	fc := clock.Fake(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	return New[int64](ttl, size, fc), fc
}

func TestMarkAndCheck(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.Check(1))
	c.Mark(1)
	assert.True(t, c.Check(1))
	assert.False(t, c.Check(2))
}

func TestExpiry(t *testing.T) {
	c, fc := newTestCache(time.Minute, 10)

	c.Mark(1)
	fc.Advance(30 * time.Second)
	c.Mark(2)
	fc.Advance(31 * time.Second)

	assert.False(t, c.Check(1))
	assert.True(t, c.Check(2))

	// Marking prunes the expired front entry.
	c.Mark(3)
	assert.Equal(t, 2, c.Len())
}

func TestMarkRefreshesTTL(t *testing.T) {
	c, fc := newTestCache(time.Minute, 10)

	c.Mark(1)
	fc.Advance(50 * time.Second)
	c.Mark(1)
	fc.Advance(50 * time.Second)
	assert.True(t, c.Check(1))
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)

	for i := int64(1); i <= 4; i++ {
		c.Mark(i)
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Check(1))
	assert.True(t, c.Check(4))
}

func TestConcurrentMark(t *testing.T) {
	c := New[int64](time.Hour, 100, nil)

	var wg sync.WaitGroup
	for i := int64(0); i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c.Mark(id)
			assert.True(t, c.Check(id))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, c.Len())
}
