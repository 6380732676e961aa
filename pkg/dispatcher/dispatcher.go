// Package dispatcher runs one job at a time in a worker process, keeps its
// lease alive and reports the result.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/clock"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/worker"
	"github.com/rs/zerolog"
)

var (
	// ErrDuplicateDispatch means the control plane sent a new job while
	// the previous one, still unfinished on its side, was running here.
	ErrDuplicateDispatch = errors.New("job dispatched while the previous job is still running")
	// ErrStaleJobNotCancelled means a job the control plane had already
	// finished did not stop after being cancelled.
	ErrStaleJobNotCancelled = errors.New("previous job did not stop after cancellation")
)

// API is the subset of the control-plane client the dispatcher uses.
type API interface {
	RenewJobRequest(ctx context.Context, poolID, requestID int64, lockToken string) (*types.JobRequest, error)
	FinishJobRequest(ctx context.Context, poolID, requestID int64, lockToken string, finishTime time.Time, result types.TaskResult) error
	GetJobRequest(ctx context.Context, poolID, requestID int64) (*types.JobRequest, error)
	AppendTimelineIssue(ctx context.Context, planID, jobID string, issue types.Issue) error
	UploadStepLog(ctx context.Context, planID, jobID, name string, content []byte) error
	Refresh(ctx context.Context) error
}

// Options configures a Dispatcher.
type Options struct {
	// WorkDir is the parent of per-job working directories.
	WorkDir string
	// DiagDir holds worker log pages.
	DiagDir string
	// Worker selects the worker executable; the zero value re-executes
	// the running binary.
	Worker worker.Options
	// ChannelTimeout bounds every send to the worker.
	ChannelTimeout time.Duration
	// RenewInterval overrides the lease renewal cadence.
	RenewInterval time.Duration

	// OnStatus is told when the agent becomes busy or online again.
	OnStatus func(types.AgentStatus)
	Events   *events.Broker
	Clock    clock.Clock
}

// timing holds the dispatcher's intervals. Tests shrink them.
type timing struct {
	renewInterval     time.Duration
	firstRenewRetries int
	firstRenewMin     time.Duration
	firstRenewMax     time.Duration
	renewMin          time.Duration
	renewMax          time.Duration
	renewSlowMin      time.Duration
	renewSlowMax      time.Duration
	renewSlowAfter    int
	leaseMargin       time.Duration

	staleWait        time.Duration
	minCancelTimeout time.Duration
	killMargin       time.Duration

	completeAttempts int
	completeDelay    time.Duration
	queryTimeout     time.Duration
	logDrainTimeout  time.Duration
}

func defaultTiming() timing {
	return timing{
		renewInterval:     60 * time.Second,
		firstRenewRetries: 5,
		firstRenewMin:     1 * time.Second,
		firstRenewMax:     10 * time.Second,
		renewMin:          5 * time.Second,
		renewMax:          15 * time.Second,
		renewSlowMin:      15 * time.Second,
		renewSlowMax:      30 * time.Second,
		renewSlowAfter:    5,
		leaseMargin:       5 * time.Minute,

		staleWait:        45 * time.Second,
		minCancelTimeout: 60 * time.Second,
		killMargin:       15 * time.Second,

		completeAttempts: 5,
		completeDelay:    5 * time.Second,
		queryTimeout:     time.Minute,
		logDrainTimeout:  5 * time.Second,
	}
}

// killCountdown is how long a cancelled worker gets before it is killed.
func killCountdown(timeout, minTimeout, margin time.Duration) time.Duration {
	return max(timeout, minTimeout) - margin
}

// Dispatcher runs job requests. Run returns immediately; a new job waits
// for its predecessor to be finished before a worker is started.
type Dispatcher struct {
	api    API
	opts   Options
	t      timing
	clock  clock.Clock
	logger zerolog.Logger

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	mu   sync.Mutex
	last *jobDispatch
	jobs map[string]*jobDispatch
	wg   sync.WaitGroup

	runOnceDone chan bool
	failures    chan error
}

// New creates a dispatcher.
func New(api API, opts Options) *Dispatcher {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	if opts.ChannelTimeout <= 0 {
		opts.ChannelTimeout = 30 * time.Second
	}
	t := defaultTiming()
	if opts.RenewInterval > 0 {
		t.renewInterval = opts.RenewInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		api:            api,
		opts:           opts,
		t:              t,
		clock:          c,
		logger:         log.WithComponent("dispatcher"),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
		jobs:           make(map[string]*jobDispatch),
		runOnceDone:    make(chan bool, 1),
		failures:       make(chan error, 1),
	}
}

// Run dispatches msg. With runOnce set, RunOnceDone fires once the job has
// been reported.
func (d *Dispatcher) Run(msg *types.JobRequestMessage, runOnce bool) {
	d.mu.Lock()
	prev := d.last
	jd := newJobDispatch(d.shutdownCtx, msg)
	d.last = jd
	d.jobs[msg.JobID] = jd
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Info().Str("job_id", msg.JobID).Int64("request_id", msg.RequestID).Msg("Job request received")

	go func() {
		defer d.wg.Done()
		defer d.finish(jd)

		if prev != nil {
			if err := d.ensureDispatchFinished(prev); err != nil {
				d.logger.Error().Err(err).Str("job_id", prev.msg.JobID).Msg("Previous job did not finish cleanly")
				jd.err = err
				d.fail(err)
				if runOnce {
					d.runOnceDone <- false
				}
				return
			}
		}

		d.execute(jd)
		if runOnce {
			d.runOnceDone <- jd.err == nil
		}
	}()
}

func (d *Dispatcher) finish(jd *jobDispatch) {
	d.mu.Lock()
	if d.jobs[jd.msg.JobID] == jd {
		delete(d.jobs, jd.msg.JobID)
	}
	d.mu.Unlock()
	jd.stopKill()
	close(jd.done)
}

func (d *Dispatcher) fail(err error) {
	select {
	case d.failures <- err:
	default:
	}
}

// ensureDispatchFinished makes sure prev is no longer running before a
// new worker starts.
func (d *Dispatcher) ensureDispatchFinished(prev *jobDispatch) error {
	select {
	case <-prev.done:
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.t.queryTimeout)
	defer cancel()
	req, err := d.api.GetJobRequest(ctx, prev.msg.PoolID, prev.msg.RequestID)
	if err != nil {
		d.logger.Warn().Err(err).Str("job_id", prev.msg.JobID).Msg("Failed to query previous job, cancelling it")
		prev.requestCancel(d, 0)
		<-prev.done
		return fmt.Errorf("querying previous job %s: %w", prev.msg.JobID, err)
	}

	if req.Result == nil {
		return fmt.Errorf("%w: job %s", ErrDuplicateDispatch, prev.msg.JobID)
	}

	// The control plane considers the previous job finished but its worker
	// is still here.
	d.logger.Warn().Str("job_id", prev.msg.JobID).Str("result", req.Result.String()).Msg("Cancelling previous job already finished by the server")
	prev.requestCancel(d, 0)
	expired, stop := d.after(d.t.staleWait)
	defer stop()
	select {
	case <-prev.done:
		return nil
	case <-expired:
		return fmt.Errorf("%w: job %s", ErrStaleJobNotCancelled, prev.msg.JobID)
	}
}

// after returns a channel closed once dur elapses on the dispatcher clock.
func (d *Dispatcher) after(dur time.Duration) (<-chan struct{}, func() bool) {
	ch := make(chan struct{})
	stop := d.clock.AfterFunc(dur, func() { close(ch) })
	return ch, stop
}

// Cancel cancels the job named in msg. It reports whether a running job
// was found.
func (d *Dispatcher) Cancel(msg *types.JobCancelMessage) bool {
	d.mu.Lock()
	jd, ok := d.jobs[msg.JobID]
	d.mu.Unlock()
	if !ok {
		d.logger.Info().Str("job_id", msg.JobID).Msg("Cancel for unknown job ignored")
		return false
	}

	d.logger.Info().Str("job_id", msg.JobID).Dur("timeout", msg.Timeout).Msg("Cancelling job")
	jd.requestCancel(d, msg.Timeout)
	d.opts.Events.Publish(&events.Event{
		Type:     events.EventJobCanceled,
		Metadata: map[string]string{"job_id": msg.JobID},
	})
	return true
}

// Busy reports whether a job is queued or running.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs) > 0
}

// RunOnceDone delivers true once a run-once job has been reported.
func (d *Dispatcher) RunOnceDone() <-chan bool {
	return d.runOnceDone
}

// Failures delivers errors that leave the agent unable to take more work.
func (d *Dispatcher) Failures() <-chan error {
	return d.failures
}

// WaitForDrain waits for the current job to finish. If ctx ends first the
// job is cancelled with the minimum grace and awaited.
func (d *Dispatcher) WaitForDrain(ctx context.Context) error {
	d.mu.Lock()
	jd := d.last
	d.mu.Unlock()
	if jd == nil {
		return nil
	}

	select {
	case <-jd.done:
	case <-ctx.Done():
		d.logger.Info().Str("job_id", jd.msg.JobID).Msg("Drain timed out, cancelling job")
		jd.requestCancel(d, d.t.minCancelTimeout)
		<-jd.done
	}
	return jd.err
}

// Shutdown cancels all jobs with the agent-shutdown signal and waits for
// them to be reported.
func (d *Dispatcher) Shutdown() error {
	d.shutdownCancel()

	d.mu.Lock()
	var running []*jobDispatch
	for _, jd := range d.jobs {
		running = append(running, jd)
	}
	last := d.last
	d.mu.Unlock()

	for _, jd := range running {
		jd.armKill(d, 0)
	}
	d.wg.Wait()

	if last != nil {
		return last.err
	}
	return nil
}

func (d *Dispatcher) setStatus(s types.AgentStatus) {
	if d.opts.OnStatus != nil {
		d.opts.OnStatus(s)
	}
}
