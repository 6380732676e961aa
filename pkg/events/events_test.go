package events

import (
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{Type: EventJobStarted, Job: &types.JobRecord{JobID: "j1"}})

	ev := receive(t, sub)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	require.NotNil(t, ev.Job)
	assert.Equal(t, "j1", ev.Job.JobID)
}

func TestBroadcastToAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1, s2 := b.Subscribe(), b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventSessionCreated})
	assert.Equal(t, EventSessionCreated, receive(t, s1).Type)
	assert.Equal(t, EventSessionCreated, receive(t, s2).Type)

	b.Unsubscribe(s1)
	b.Unsubscribe(s1)
	assert.Equal(t, 1, b.SubscriberCount())
	_, open := <-s1
	assert.False(t, open)
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	// Queue before the loop runs, then stop: the drain must still deliver.
	b.Publish(&Event{Type: EventJobCompleted})
	b.Start()
	b.Stop()
	b.Stop()

	select {
	case ev := <-sub:
		assert.Equal(t, EventJobCompleted, ev.Type)
	default:
		t.Fatal("queued event was not delivered")
	}
}

func TestPublishOnNilBroker(t *testing.T) {
	var b *Broker
	assert.NotPanics(t, func() { b.Publish(&Event{Type: EventJobStarted}) })
}
