package runner

import (
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// JobRecorder persists job outcomes.
type JobRecorder interface {
	RecordJob(record *types.JobRecord) error
}

// History writes every completed job to a JobRecorder
type History struct {
	broker *events.Broker
	store  JobRecorder
	sub    events.Subscriber
	done   chan struct{}
	logger zerolog.Logger
}

// NewHistory creates a recorder fed by broker
func NewHistory(broker *events.Broker, store JobRecorder) *History {
	return &History{
		broker: broker,
		store:  store,
		done:   make(chan struct{}),
		logger: log.WithComponent("history"),
	}
}

// Start subscribes to the broker and begins recording
func (h *History) Start() {
	h.sub = h.broker.Subscribe()
	go func() {
		defer close(h.done)
		for ev := range h.sub {
			if ev.Type != events.EventJobCompleted || ev.Job == nil {
				continue
			}
			if err := h.store.RecordJob(ev.Job); err != nil {
				h.logger.Warn().Err(err).Str("job_id", ev.Job.JobID).Msg("Failed to record job")
			}
		}
	}()
}

// Stop unsubscribes and waits for pending records to be written
func (h *History) Stop() {
	h.broker.Unsubscribe(h.sub)
	<-h.done
}
