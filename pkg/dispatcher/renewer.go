package dispatcher

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/backoff"
	"github.com/cuemby/burrow/pkg/controlplane"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// renewal is the renewer's view to the job: firstRenewed closes after the
// first successful renewal, done closes when renewing stops for any reason.
type renewal struct {
	firstRenewed chan struct{}
	done         chan struct{}
}

func newRenewal() *renewal {
	return &renewal{
		firstRenewed: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// renew keeps the job lease alive until ctx is cancelled, the control plane
// drops the job, or the lease can no longer be renewed.
func (d *Dispatcher) renew(ctx context.Context, msg *types.JobRequestMessage, r *renewal) {
	defer close(r.done)
	logger := log.WithJob("dispatcher", msg.JobID, msg.RequestID)

	var (
		renewed     bool
		lockedUntil time.Time
		errCount    int
		delay       time.Duration
	)

	for ctx.Err() == nil {
		callCtx, cancel := context.WithTimeout(ctx, d.t.queryTimeout)
		req, err := d.api.RenewJobRequest(callCtx, msg.PoolID, msg.RequestID, msg.LockToken)
		cancel()

		if err == nil {
			metrics.LeaseRenewals.WithLabelValues("success").Inc()
			errCount = 0
			// Without an expiry from the control plane the lease is assumed
			// to end at this renewal.
			lockedUntil = d.clock.Now()
			if req != nil && !req.LockedUntil.IsZero() {
				lockedUntil = req.LockedUntil
			}
			if !renewed {
				renewed = true
				close(r.firstRenewed)
				logger.Debug().Time("locked_until", lockedUntil).Msg("Lease acquired")
			}
			if d.clock.Sleep(ctx, d.t.renewInterval) != nil {
				return
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}
		metrics.LeaseRenewals.WithLabelValues("failure").Inc()
		errCount++

		if controlplane.IsJobGone(err) {
			logger.Info().Err(err).Msg("Job no longer leased to this agent, stopping renewal")
			return
		}

		if !renewed {
			if errCount > d.t.firstRenewRetries {
				logger.Error().Err(err).Int("attempts", errCount).Msg("First lease renewal failed")
				return
			}
			delay = backoff.Random(d.t.firstRenewMin, d.t.firstRenewMax, delay)
		} else {
			if d.clock.Now().After(lockedUntil.Add(d.t.leaseMargin)) {
				logger.Error().Err(err).Time("locked_until", lockedUntil).Msg("Lease expired, giving up renewal")
				return
			}
			if errCount > d.t.renewSlowAfter {
				delay = backoff.Random(d.t.renewSlowMin, d.t.renewSlowMax, delay)
			} else {
				delay = backoff.Random(d.t.renewMin, d.t.renewMax, delay)
			}
		}

		logger.Warn().Err(err).Int("errors", errCount).Dur("retry_in", delay).Msg("Lease renewal failed")
		if rerr := d.api.Refresh(ctx); rerr != nil && ctx.Err() == nil {
			logger.Warn().Err(rerr).Msg("Failed to refresh connection")
		}
		if d.clock.Sleep(ctx, delay) != nil {
			return
		}
	}
}
