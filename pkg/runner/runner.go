// Package runner is the agent's control loop: it opens a session, polls
// for messages and routes each one to the dispatcher, the updater or the
// session until the agent is told to stop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/backoff"
	"github.com/cuemby/burrow/pkg/clock"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/controlplane"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/updater"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Session is the session manager as seen by the control loop.
type Session interface {
	CreateSession(ctx context.Context) (session.CreateResult, error)
	GetNextMessage(ctx context.Context) (*types.Message, error)
	DeleteMessage(ctx context.Context, msg *types.Message) error
	DeleteSession(ctx context.Context) error
	RefreshConnection(ctx context.Context) error
	Migrate(ctx context.Context, msg *types.SessionMigrationMessage) error
}

// Dispatcher runs jobs.
type Dispatcher interface {
	updater.Drainer
	Run(msg *types.JobRequestMessage, runOnce bool)
	Cancel(msg *types.JobCancelMessage) bool
	Shutdown() error
	Busy() bool
	RunOnceDone() <-chan bool
	Failures() <-chan error
}

// Updater performs self-updates.
type Updater interface {
	SelfUpdate(ctx context.Context, msg *types.AgentRefreshMessage, drainer updater.Drainer, restartInteractive bool) (bool, error)
}

// API is the subset of the control-plane client the loop calls directly.
type API interface {
	updater.StateReporter
	GetJobRequest(ctx context.Context, poolID, requestID int64) (*types.JobRequest, error)
}

// Options configures a Runner.
type Options struct {
	Settings   *config.Settings
	ConfigPath string
	Version    string
	RunOnce    bool

	Throttler *backoff.Throttler
	Events    *events.Broker

	// SetCredentials installs credentials pushed by the control plane.
	// Without it the connection is only refreshed.
	SetCredentials func(config.Credentials) error
}

const (
	cleanupTimeout        = 30 * time.Second
	configTypeCredentials = "credentials"
)

// Runner is the control loop.
type Runner struct {
	session    Session
	dispatcher Dispatcher
	updater    Updater
	api        API
	opts       Options
	logger     zerolog.Logger

	updating        bool
	updateDone      chan updateResult
	runOnceReceived bool
	shutdownReason  string
}

type updateResult struct {
	started bool
	err     error
}

type pollResult struct {
	msg *types.Message
	err error
}

// New creates a control loop.
func New(s Session, d Dispatcher, u Updater, api API, opts Options) *Runner {
	if opts.Throttler == nil {
		opts.Throttler = backoff.NewThrottler(clock.Real())
	}
	return &Runner{
		session:    s,
		dispatcher: d,
		updater:    u,
		api:        api,
		opts:       opts,
		logger:     log.WithComponent("runner"),
	}
}

// Run drives the agent until ctx is cancelled, a shutdown is requested or
// an update takes over, and returns the process exit code.
func (r *Runner) Run(ctx context.Context) int {
	r.reportPreviousUpdate(ctx)

	result, err := r.session.CreateSession(ctx)
	switch {
	case errors.Is(err, controlplane.ErrTokenRevoked):
		r.logger.Info().Msg("Access token revoked, shutting down")
		return types.ExitSuccess
	case ctx.Err() != nil:
		return types.ExitSuccess
	case err != nil || result != session.Created:
		r.logger.Error().Err(err).Str("result", result.String()).Msg("Failed to create session")
		return types.ExitTerminatedError
	}
	r.logger.Info().Msg("Listening for jobs")

	defer r.cleanup()

	code, err := r.loop(ctx)
	switch {
	case errors.Is(err, controlplane.ErrTokenRevoked):
		r.logger.Info().Msg("Access token revoked, shutting down")
		return types.ExitSuccess
	case err != nil:
		r.logger.Error().Err(err).Msg("Control loop stopped")
	}
	return code
}

func (r *Runner) loop(ctx context.Context) (int, error) {
	for {
		if ctx.Err() != nil {
			return types.ExitSuccess, nil
		}
		if r.shutdownReason != "" {
			r.logger.Info().Str("reason", r.shutdownReason).Msg("Shutdown requested")
			return types.ExitSuccess, nil
		}

		pollCtx, cancelPoll := context.WithCancel(ctx)
		results := make(chan pollResult, 1)
		go func() {
			msg, err := r.session.GetNextMessage(pollCtx)
			results <- pollResult{msg: msg, err: err}
		}()

		// stop abandons the poll; a message it still returns is redelivered.
		stop := func() {
			cancelPoll()
			<-results
		}

		var res pollResult
	wait:
		for {
			var runOnceDone <-chan bool
			if r.runOnceReceived {
				runOnceDone = r.dispatcher.RunOnceDone()
			}

			select {
			case res = <-results:
				break wait

			case u := <-r.updateDone:
				r.updating = false
				r.updateDone = nil
				if u.err != nil {
					r.logger.Error().Err(u.err).Msg("Self-update failed")
				}
				if u.started {
					r.logger.Info().Msg("Update ready, exiting for restart")
					stop()
					if r.opts.RunOnce {
						return types.ExitRunOnceRunnerUpdating, nil
					}
					return types.ExitRunnerUpdating, nil
				}

			case <-runOnceDone:
				r.logger.Info().Msg("Run-once job finished, exiting")
				stop()
				return types.ExitSuccess, nil

			case err := <-r.dispatcher.Failures():
				stop()
				return types.ExitRetryableError, err
			}
		}
		cancelPoll()

		if res.err != nil {
			if ctx.Err() != nil {
				return types.ExitSuccess, nil
			}
			if controlplane.IsFatal(res.err) {
				return types.ExitTerminatedError, res.err
			}
			return types.ExitRetryableError, res.err
		}
		if res.msg == nil {
			continue
		}

		if r.route(ctx, res.msg) {
			if err := r.session.DeleteMessage(ctx, res.msg); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Int64("message_id", res.msg.MessageID).Msg("Failed to delete message")
			}
		} else {
			r.logger.Info().Int64("message_id", res.msg.MessageID).Str("type", string(res.msg.MessageType)).Msg("Leaving message for redelivery")
		}
	}
}

// route handles one message and reports whether it should be deleted.
func (r *Runner) route(ctx context.Context, msg *types.Message) bool {
	logger := r.logger.With().Int64("message_id", msg.MessageID).Str("type", string(msg.MessageType)).Logger()

	switch msg.MessageType {
	case types.MessageJobRequest:
		if r.updating || r.runOnceReceived {
			return false
		}
		var job types.JobRequestMessage
		if err := msg.DecodeBody(&job); err != nil {
			logger.Error().Err(err).Msg("Invalid job request")
			return true
		}
		if !r.claimable(ctx, &job, logger) {
			return true
		}
		r.dispatcher.Run(&job, r.opts.RunOnce)
		if r.opts.RunOnce {
			r.runOnceReceived = true
		}

	case types.MessageJobCancel:
		var cancel types.JobCancelMessage
		if err := msg.DecodeBody(&cancel); err != nil {
			logger.Error().Err(err).Msg("Invalid cancel request")
			return true
		}
		if r.dispatcher.Cancel(&cancel) {
			return true
		}
		return !(r.updating || r.runOnceReceived || r.dispatcher.Busy())

	case types.MessageAgentUpdate:
		r.startUpdate(ctx, msg, logger)

	case types.MessageCredentialRefresh:
		if err := r.session.RefreshConnection(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to refresh credentials")
		}

	case types.MessageConfigRefresh:
		r.refreshConfig(ctx, msg, logger)

	case types.MessageSessionMigrate:
		var migrate types.SessionMigrationMessage
		if err := msg.DecodeBody(&migrate); err != nil {
			logger.Error().Err(err).Msg("Invalid migration message")
			return true
		}
		if err := r.session.Migrate(ctx, &migrate); err != nil {
			logger.Error().Err(err).Msg("Session migration failed")
		}

	case types.MessageShutdownRequest:
		var req types.ShutdownRequestMessage
		if err := msg.DecodeBody(&req); err != nil {
			logger.Warn().Err(err).Msg("Unreadable shutdown request, shutting down anyway")
		}
		r.shutdownReason = req.Reason
		if r.shutdownReason == "" {
			r.shutdownReason = "AgentShutdown"
		}

	default:
		logger.Error().Msg("Unsupported message type")
	}
	return true
}

// claimable checks that the job is still waiting for this agent. Lookup
// failures other than a lost job leave the decision to lease renewal.
func (r *Runner) claimable(ctx context.Context, job *types.JobRequestMessage, logger zerolog.Logger) bool {
	req, err := r.api.GetJobRequest(ctx, job.PoolID, job.RequestID)
	switch {
	case controlplane.IsJobGone(err), errors.Is(err, controlplane.ErrJobAlreadyClaimed):
		logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Job request no longer available")
		if werr := r.opts.Throttler.IncrementAndWait(ctx); werr != nil {
			logger.Debug().Err(werr).Msg("Throttle interrupted")
		}
		return false
	case err != nil:
		logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Could not look up job request, dispatching anyway")
	case req != nil && req.Result != nil:
		logger.Warn().Str("job_id", job.JobID).Str("result", req.Result.String()).Msg("Job already finished, skipping")
		return false
	}
	r.opts.Throttler.Reset()
	return true
}

func (r *Runner) startUpdate(ctx context.Context, msg *types.Message, logger zerolog.Logger) {
	if r.opts.Settings != nil && r.opts.Settings.DisableUpdate {
		logger.Info().Msg("Self-update disabled, ignoring update request")
		return
	}
	if r.updating {
		logger.Info().Msg("Update already in progress")
		return
	}
	var refresh types.AgentRefreshMessage
	if err := msg.DecodeBody(&refresh); err != nil {
		logger.Error().Err(err).Msg("Invalid update request")
		return
	}

	r.updating = true
	done := make(chan updateResult, 1)
	r.updateDone = done
	restart := !r.opts.RunOnce
	go func() {
		started, err := r.updater.SelfUpdate(ctx, &refresh, r.dispatcher, restart)
		done <- updateResult{started: started, err: err}
	}()
	logger.Info().Str("target", refresh.TargetVersion).Msg("Self-update started")
}

// refreshConfig replaces the settings file with the pushed content after
// checking it describes this same agent.
func (r *Runner) refreshConfig(ctx context.Context, msg *types.Message, logger zerolog.Logger) {
	err := r.applyConfig(ctx, msg)
	state, trace := updater.StateRefreshConfig, "Settings refreshed"
	if err != nil {
		logger.Error().Err(err).Msg("Config refresh failed")
		trace = fmt.Sprintf("Settings refresh failed: %v", err)
	} else {
		logger.Info().Msg("Settings refreshed")
		r.opts.Events.Publish(&events.Event{Type: events.EventConfigRefresh, Message: r.opts.ConfigPath})
	}
	if r.opts.Settings == nil {
		return
	}
	if rerr := r.api.UpdateAgentUpdateState(ctx, r.opts.Settings.PoolID, r.opts.Settings.AgentID, state, trace); rerr != nil {
		logger.Warn().Err(rerr).Msg("Failed to report config refresh")
	}
}

func (r *Runner) applyConfig(ctx context.Context, msg *types.Message) error {
	var refresh types.ConfigRefreshMessage
	if err := msg.DecodeBody(&refresh); err != nil {
		return err
	}
	if r.opts.Settings == nil || r.opts.ConfigPath == "" {
		return errors.New("no settings file to refresh")
	}
	if refresh.ConfigType == configTypeCredentials {
		return r.applyCredentials(ctx, refresh.Content)
	}
	next, err := config.Parse([]byte(refresh.Content))
	if err != nil {
		return err
	}

	cur := r.opts.Settings
	switch {
	case next.AgentID != cur.AgentID:
		return fmt.Errorf("agent id %d does not match %d", next.AgentID, cur.AgentID)
	case next.AgentName != cur.AgentName:
		return fmt.Errorf("agent name %q does not match %q", next.AgentName, cur.AgentName)
	case next.ServerURL != cur.ServerURL:
		return fmt.Errorf("server url %q does not match %q", next.ServerURL, cur.ServerURL)
	}
	if next.RootFolder == "" {
		next.RootFolder = cur.RootFolder
	}
	if err := next.Save(r.opts.ConfigPath); err != nil {
		return err
	}
	*r.opts.Settings = *next
	return nil
}

// reportPreviousUpdate reports the outcome of an update that restarted
// the agent.
func (r *Runner) reportPreviousUpdate(ctx context.Context) {
	s := r.opts.Settings
	if s == nil || s.RootFolder == "" {
		return
	}
	found, err := updater.ReportWatchdog(ctx, r.api, s.PoolID, s.AgentID, s.RootFolder, r.opts.Version)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to report previous update")
		return
	}
	if found {
		r.logger.Info().Str("version", r.opts.Version).Msg("Reported previous update outcome")
	}
}

// cleanup stops all jobs and deletes the session.
func (r *Runner) cleanup() {
	if err := r.dispatcher.Shutdown(); err != nil {
		r.logger.Warn().Err(err).Msg("Dispatcher shut down with error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.session.DeleteSession(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to delete session")
	}
}

// applyCredentials swaps the credentials block of the settings file and
// reconnects with it.
func (r *Runner) applyCredentials(ctx context.Context, content string) error {
	var creds config.Credentials
	if err := yaml.Unmarshal([]byte(content), &creds); err != nil {
		return fmt.Errorf("parsing credentials: %w", err)
	}
	next := *r.opts.Settings
	next.Credentials = creds
	if err := next.Validate(); err != nil {
		return err
	}
	if err := next.Save(r.opts.ConfigPath); err != nil {
		return err
	}
	r.opts.Settings.Credentials = creds
	if r.opts.SetCredentials != nil {
		return r.opts.SetCredentials(creds)
	}
	return r.session.RefreshConnection(ctx)
}
