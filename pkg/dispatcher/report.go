package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/controlplane"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/ipc"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/worker"
	"github.com/rs/zerolog"
)

// report attaches issue to the job timeline, completes the request and
// publishes job.completed.
func (d *Dispatcher) report(jd *jobDispatch, started time.Time, result types.TaskResult, code int, issue *types.Issue) {
	msg := jd.msg
	logger := log.WithJob("dispatcher", msg.JobID, msg.RequestID)

	if issue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.t.queryTimeout)
		if err := d.api.AppendTimelineIssue(ctx, msg.PlanID, msg.JobID, *issue); err != nil {
			logger.Warn().Err(err).Msg("Failed to attach issue to job timeline")
		}
		cancel()
	}

	finished := d.clock.Now()
	if err := d.completeJob(msg, finished, result); err != nil {
		logger.Error().Err(err).Str("result", result.String()).Msg("Failed to complete job")
		jd.err = err
	} else {
		logger.Info().Str("result", result.String()).Msg("Job completed")
	}

	d.opts.Events.Publish(&events.Event{
		Type:    events.EventJobCompleted,
		Message: result.String(),
		Job: &types.JobRecord{
			JobID:      msg.JobID,
			RequestID:  msg.RequestID,
			Name:       msg.JobDisplayName,
			Result:     result,
			ExitCode:   code,
			StartedAt:  started,
			FinishedAt: finished,
		},
	})
}

// completeJob finishes the job request, retrying transient failures. A job
// the control plane no longer knows about counts as completed.
func (d *Dispatcher) completeJob(msg *types.JobRequestMessage, finished time.Time, result types.TaskResult) error {
	var errs []error
	for attempt := 1; attempt <= d.t.completeAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.t.queryTimeout)
		err := d.api.FinishJobRequest(ctx, msg.PoolID, msg.RequestID, msg.LockToken, finished, result)
		cancel()

		if err == nil {
			return nil
		}
		if controlplane.IsJobGone(err) {
			logger := log.WithJob("dispatcher", msg.JobID, msg.RequestID)
			logger.Info().Err(err).Msg("Job already gone, treating as completed")
			return nil
		}
		errs = append(errs, fmt.Errorf("attempt %d: %w", attempt, err))

		if attempt < d.t.completeAttempts {
			_ = d.clock.Sleep(context.Background(), d.t.completeDelay)
		}
	}
	return errors.Join(errs...)
}

// forwardLogs uploads each step log page the worker reports. The returned
// channel closes once the worker's side of the channel is gone.
func (d *Dispatcher) forwardLogs(proc *worker.Process, msg *types.JobRequestMessage) <-chan struct{} {
	done := make(chan struct{})
	logger := log.WithJob("dispatcher", msg.JobID, msg.RequestID)

	go func() {
		defer close(done)
		for {
			frame, err := proc.Channel().Receive()
			if err != nil {
				return
			}
			if frame.Type != ipc.StepLog {
				logger.Debug().Str("type", string(frame.Type)).Msg("Ignoring worker frame")
				continue
			}
			var body ipc.StepLogBody
			if err := frame.Decode(&body); err != nil {
				logger.Warn().Err(err).Msg("Invalid step log frame")
				continue
			}
			d.uploadPage(msg, body.Step, body.Path, logger)
		}
	}()
	return done
}

// uploadStaleLogs uploads pages a killed worker left behind.
func (d *Dispatcher) uploadStaleLogs(msg *types.JobRequestMessage, logger zerolog.Logger) {
	pattern := filepath.Join(d.opts.DiagDir, worker.PagesDir, msg.JobID+"_*.log")
	pages, err := filepath.Glob(pattern)
	if err != nil || len(pages) == 0 {
		return
	}
	sort.Strings(pages)
	logger.Info().Int("pages", len(pages)).Msg("Uploading stale step logs")
	for _, page := range pages {
		name := strings.TrimSuffix(filepath.Base(page), ".log")
		d.uploadPage(msg, name, page, logger)
	}
}

func (d *Dispatcher) uploadPage(msg *types.JobRequestMessage, name, path string, logger zerolog.Logger) {
	content, err := os.ReadFile(path)
	if err != nil {
		logger.Warn().Err(err).Str("page", path).Msg("Failed to read step log")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.t.queryTimeout)
	defer cancel()
	if err := d.api.UploadStepLog(ctx, msg.PlanID, msg.JobID, name, content); err != nil {
		logger.Warn().Err(err).Str("step", name).Msg("Failed to upload step log")
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Debug().Err(err).Str("page", path).Msg("Failed to remove uploaded page")
	}
}
