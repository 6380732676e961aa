package metrics

import (
	"github.com/cuemby/burrow/pkg/events"
)

// Collector turns lifecycle events into metric updates
type Collector struct {
	broker *events.Broker
	sub    events.Subscriber
	done   chan struct{}

	// running holds jobs counted in JobsRunning.
	running map[string]struct{}
}

// NewCollector creates a collector fed by broker
func NewCollector(broker *events.Broker) *Collector {
	return &Collector{
		broker:  broker,
		done:    make(chan struct{}),
		running: make(map[string]struct{}),
	}
}

// Start subscribes to the broker and begins collecting
func (c *Collector) Start() {
	c.sub = c.broker.Subscribe()
	go func() {
		defer close(c.done)
		for ev := range c.sub {
			c.observe(ev)
		}
	}()
}

// Stop unsubscribes and waits for the collector to finish
func (c *Collector) Stop() {
	c.broker.Unsubscribe(c.sub)
	<-c.done
}

func (c *Collector) observe(ev *events.Event) {
	switch ev.Type {
	case events.EventSessionCreated:
		SessionActive.Set(1)
	case events.EventSessionDeleted:
		SessionActive.Set(0)
	case events.EventJobStarted:
		if ev.Job == nil {
			return
		}
		if _, ok := c.running[ev.Job.JobID]; !ok {
			c.running[ev.Job.JobID] = struct{}{}
			JobsRunning.Inc()
		}
	case events.EventJobCompleted:
		if ev.Job == nil {
			return
		}
		if _, ok := c.running[ev.Job.JobID]; ok {
			delete(c.running, ev.Job.JobID)
			JobsRunning.Dec()
		}
		JobsCompleted.WithLabelValues(ev.Job.Result.String()).Inc()
		if !ev.Job.StartedAt.IsZero() && ev.Job.FinishedAt.After(ev.Job.StartedAt) {
			JobDuration.Observe(ev.Job.FinishedAt.Sub(ev.Job.StartedAt).Seconds())
		}
	case events.EventAgentUpdating:
		UpdatesStarted.Inc()
	}
}
