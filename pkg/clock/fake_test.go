package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeSleepRecordsAndAdvances(t *testing.T) {
	c := Fake(epoch)

	require.NoError(t, c.Sleep(context.Background(), 30*time.Second))
	require.NoError(t, c.Sleep(context.Background(), 15*time.Second))

	assert.Equal(t, []time.Duration{30 * time.Second, 15 * time.Second}, c.Sleeps())
	assert.Equal(t, epoch.Add(45*time.Second), c.Now())
}

func TestFakeSleepHonoursCancelledContext(t *testing.T) {
	c := Fake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Minute)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.Sleeps())
	assert.Equal(t, epoch, c.Now())
}

func TestFakeAfterFunc(t *testing.T) {
	t.Run("fires once deadline passes", func(t *testing.T) {
		c := Fake(epoch)
		fired := make(chan struct{})
		c.AfterFunc(45*time.Second, func() { close(fired) })

		assert.Equal(t, []time.Duration{45 * time.Second}, c.PendingTimers())
		c.Advance(44 * time.Second)
		select {
		case <-fired:
			t.Fatal("timer fired early")
		default:
		}

		c.Advance(time.Second)
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
		assert.Empty(t, c.PendingTimers())
	})

	t.Run("stop prevents firing", func(t *testing.T) {
		c := Fake(epoch)
		stop := c.AfterFunc(time.Second, func() { t.Error("stopped timer fired") })

		assert.True(t, stop())
		assert.False(t, stop())
		c.Advance(time.Minute)
	})
}

func TestRealSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Real().Sleep(ctx, time.Hour)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
