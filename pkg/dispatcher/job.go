package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/ipc"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/worker"
	"github.com/rs/zerolog"
)

// jobDispatch is one job from receipt to report.
type jobDispatch struct {
	msg *types.JobRequestMessage

	// ctx is cancelled by Cancel and by agent shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	// kill closes when a cancelled worker has used up its grace.
	kill     chan struct{}
	killOnce sync.Once
	mu       sync.Mutex
	stopKill func() bool

	done chan struct{}
	err  error
}

func newJobDispatch(parent context.Context, msg *types.JobRequestMessage) *jobDispatch {
	ctx, cancel := context.WithCancel(parent)
	return &jobDispatch{
		msg:      msg,
		ctx:      ctx,
		cancel:   cancel,
		kill:     make(chan struct{}),
		stopKill: func() bool { return false },
		done:     make(chan struct{}),
	}
}

// requestCancel cancels the job and starts the kill countdown.
func (jd *jobDispatch) requestCancel(d *Dispatcher, timeout time.Duration) {
	jd.cancel()
	jd.armKill(d, timeout)
}

// armKill (re)starts the kill countdown. A later request replaces a
// pending countdown.
func (jd *jobDispatch) armKill(d *Dispatcher, timeout time.Duration) {
	jd.mu.Lock()
	defer jd.mu.Unlock()
	select {
	case <-jd.kill:
		return
	default:
	}
	jd.stopKill()
	countdown := killCountdown(timeout, d.t.minCancelTimeout, d.t.killMargin)
	jd.stopKill = d.clock.AfterFunc(countdown, func() {
		jd.killOnce.Do(func() { close(jd.kill) })
	})
}

// execute runs the job through to its report.
func (d *Dispatcher) execute(jd *jobDispatch) {
	msg := jd.msg
	logger := log.WithJob("dispatcher", msg.JobID, msg.RequestID)
	started := d.clock.Now()

	renewCtx, stopRenew := context.WithCancel(context.Background())
	r := newRenewal()
	go d.renew(renewCtx, msg, r)
	defer func() {
		stopRenew()
		<-r.done
	}()

	select {
	case <-r.firstRenewed:
	case <-r.done:
		select {
		case <-r.firstRenewed:
		default:
			logger.Warn().Msg("Lease renewal ended before the first renewal, dropping job")
			return
		}
	case <-jd.ctx.Done():
		stopRenew()
		<-r.done
		logger.Info().Msg("Job cancelled before the worker started")
		d.report(jd, started, types.ResultCanceled, -1, nil)
		return
	}

	d.setStatus(types.AgentStatusBusy)
	defer d.setStatus(types.AgentStatusOnline)

	proc, err := worker.Start(d.workerOptions())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start worker")
		stopRenew()
		<-r.done
		issue := &types.Issue{Type: types.IssueError, Message: err.Error()}
		d.report(jd, started, types.ResultFailed, -1, issue)
		return
	}
	defer proc.Close()
	logsDone := d.forwardLogs(proc, msg)

	envelope := ipc.JobEnvelope{
		Job:     *msg,
		WorkDir: filepath.Join(d.opts.WorkDir, msg.JobID),
		DiagDir: d.opts.DiagDir,
	}
	sendCtx, cancelSend := context.WithTimeout(context.Background(), d.opts.ChannelTimeout)
	err = proc.Channel().Send(sendCtx, ipc.NewJobRequest, envelope)
	cancelSend()
	if err != nil {
		logger.Error().Err(err).Msg("Worker did not accept the job, killing it")
		_ = proc.Kill()
		<-proc.Done()
		return
	}

	record := &types.JobRecord{JobID: msg.JobID, RequestID: msg.RequestID, Name: msg.JobDisplayName, StartedAt: started}
	d.opts.Events.Publish(&events.Event{Type: events.EventJobStarted, Job: record, Message: msg.JobDisplayName})
	logger.Info().Int("pid", proc.Pid()).Msg("Job started")

	var (
		result types.TaskResult
		issue  *types.Issue
		code   = -1
	)

	select {
	case <-proc.Done():
		stopRenew()
		code = proc.ExitCode()
		result = types.TranslateExitCode(code)
		if !types.IsValidReturnCode(code) {
			logger.Error().Int("exit_code", code).Msg("Worker crashed")
			issue = &types.Issue{
				Type:    types.IssueError,
				Message: fmt.Sprintf("Worker exited with code %d\n%s", code, proc.Output()),
			}
		}

	case <-r.done:
		logger.Warn().Msg("Lease lost, abandoning job")
		result = types.ResultAbandoned
		jd.armKill(d, 0)
		code = d.stopWorker(jd, proc, logger)

	case <-jd.ctx.Done():
		result = types.ResultCanceled
		code = d.stopWorker(jd, proc, logger)
	}

	stopRenew()
	<-r.done
	select {
	case <-logsDone:
	case <-time.After(d.t.logDrainTimeout):
	}
	if code == forcedKill {
		d.uploadStaleLogs(msg, logger)
	}

	d.report(jd, started, result, code, issue)
}

// forcedKill is the exit code recorded for a worker the agent killed.
const forcedKill = -2

// stopWorker asks the worker to stop, then kills it if the grace runs out.
func (d *Dispatcher) stopWorker(jd *jobDispatch, proc *worker.Process, logger zerolog.Logger) int {
	frame := ipc.CancelRequest
	if d.shutdownCtx.Err() != nil {
		frame = ipc.AgentShutdown
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), d.opts.ChannelTimeout)
	err := proc.Channel().Send(sendCtx, frame, nil)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to signal worker, killing it")
		_ = proc.Kill()
		<-proc.Done()
		return forcedKill
	}

	select {
	case <-proc.Done():
		return proc.ExitCode()
	case <-jd.kill:
		logger.Warn().Msg("Worker did not stop in time, killing it")
		_ = proc.Kill()
		<-proc.Done()
		return forcedKill
	}
}

func (d *Dispatcher) workerOptions() worker.Options {
	opts := d.opts.Worker
	if opts.Dir == "" {
		opts.Dir = d.opts.WorkDir
	}
	return opts
}
