// Package session owns the agent's polling session with the control plane:
// creating it, long-polling it for messages, acknowledging them and
// deleting it on the way out.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/backoff"
	"github.com/cuemby/burrow/pkg/clock"
	"github.com/cuemby/burrow/pkg/controlplane"
	"github.com/cuemby/burrow/pkg/credentials"
	"github.com/cuemby/burrow/pkg/dedupe"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

const (
	createRetryInterval = 30 * time.Second
	conflictBudget      = 4 * time.Minute
	clockSkewBudget     = 30 * time.Minute

	pollBackoffThreshold = 5
	heartbeatInterval    = 30 * time.Minute

	seenTTL  = time.Hour
	seenSize = 1024
)

// CreateResult is the outcome of CreateSession.
type CreateResult int

const (
	Created CreateResult = iota
	Failed
	Conflict
)

func (r CreateResult) String() string {
	switch r {
	case Created:
		return "created"
	case Conflict:
		return "conflict"
	default:
		return "failed"
	}
}

// API is the subset of the control-plane client the manager uses.
type API interface {
	CreateSession(ctx context.Context, poolID int64, s *types.Session) (*types.Session, error)
	DeleteSession(ctx context.Context, poolID int64, sessionID string) error
	GetMessage(ctx context.Context, req *controlplane.GetMessageRequest) (*types.Message, error)
	DeleteMessage(ctx context.Context, poolID, messageID int64, sessionID string) error
	Refresh(ctx context.Context) error
	Retarget(serverURL string) error
}

// Options configures a Manager.
type Options struct {
	PoolID        int64
	Agent         types.AgentIdentity
	OwnerName     string
	DisableUpdate bool

	Credentials credentials.Provider
	// Store persists the session and message cursor. Optional.
	Store storage.Store
	// Events receives session lifecycle events. Optional.
	Events *events.Broker
	Clock  clock.Clock
}

// Manager holds at most one session at a time.
type Manager struct {
	api    API
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger

	// deleted tracks ids acknowledged to the control plane. Ids handed
	// out but left unacknowledged are delivered again.
	deleted *dedupe.Cache[int64]

	mu            sync.Mutex
	session       *types.Session
	status        types.AgentStatus
	pollCancel    context.CancelFunc
	statusChanged bool
	lastMessageID int64
}

// NewManager creates a session manager.
func NewManager(api API, opts Options) *Manager {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	m := &Manager{
		api:     api,
		opts:    opts,
		clock:   c,
		logger:  log.WithComponent("session"),
		deleted: dedupe.New[int64](seenTTL, seenSize, c),
		status:  types.AgentStatusOnline,
	}
	if opts.Store != nil {
		if id, err := opts.Store.LastMessageID(); err == nil {
			m.lastMessageID = id
		}
	}
	return m
}

// Session returns the current session, or nil.
func (m *Manager) Session() *types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// CreateSession opens a session, retrying transient failures. Fatal
// configuration errors return Failed without sleeping; a session held by
// another agent with the same identity returns Conflict once the conflict
// budget is spent.
func (m *Manager) CreateSession(ctx context.Context) (CreateResult, error) {
	m.cleanupStaleSession(ctx)

	request := &types.Session{
		OwnerName: m.opts.OwnerName,
		Agent:     m.opts.Agent,
	}

	// Attempts per error kind since the last success.
	attempts := map[string]int{}

	for {
		session, err := m.tryCreate(ctx, request)
		if err == nil {
			clear(attempts)
			m.setSession(session)
			metrics.SessionCreateAttempts.WithLabelValues("created").Inc()
			metrics.UpdateComponent(metrics.ComponentSession, true, "")
			m.opts.Events.Publish(&events.Event{
				Type:     events.EventSessionCreated,
				Message:  "session created",
				Metadata: map[string]string{"session_id": session.SessionID},
			})
			m.logger.Info().Str("session_id", session.SessionID).Msg("Session created")

			if session.UseBrokerFlow && session.BrokerMigrationURL != "" {
				if err := m.api.Retarget(session.BrokerMigrationURL); err != nil {
					return Failed, fmt.Errorf("switching to broker %s: %w", session.BrokerMigrationURL, err)
				}
			}
			return Created, nil
		}

		if ctx.Err() != nil {
			return Failed, ctx.Err()
		}

		switch {
		case errors.Is(err, controlplane.ErrTokenRevoked):
			metrics.SessionCreateAttempts.WithLabelValues("revoked").Inc()
			return Failed, err

		case controlplane.IsFatal(err):
			metrics.SessionCreateAttempts.WithLabelValues("fatal").Inc()
			metrics.UpdateComponent(metrics.ComponentSession, false, err.Error())
			m.logger.Error().Err(err).Msg("Failed to create session")
			return Failed, err

		case errors.Is(err, controlplane.ErrSessionConflict):
			attempts["conflict"]++
			metrics.SessionCreateAttempts.WithLabelValues("conflict").Inc()
			if time.Duration(attempts["conflict"])*createRetryInterval >= conflictBudget {
				metrics.UpdateComponent(metrics.ComponentSession, false, "session conflict")
				m.logger.Error().Msg("A session for this agent already exists")
				return Conflict, err
			}
			m.logger.Warn().Int("attempt", attempts["conflict"]).Msg("A session for this agent already exists, retrying")

		case controlplane.IsClockSkew(err):
			attempts["clock_skew"]++
			metrics.SessionCreateAttempts.WithLabelValues("clock_skew").Inc()
			if time.Duration(attempts["clock_skew"])*createRetryInterval >= clockSkewBudget {
				m.logger.Error().Err(err).Msg("Local clock is out of sync with the server")
				return Failed, err
			}
			m.logger.Warn().Err(err).Msg("Local clock might be skewed, retrying")

		default:
			metrics.SessionCreateAttempts.WithLabelValues("error").Inc()
			m.logger.Warn().Err(err).Dur("retry_in", createRetryInterval).Msg("Failed to create session, retrying")
		}

		if err := m.clock.Sleep(ctx, createRetryInterval); err != nil {
			return Failed, err
		}
	}
}

// tryCreate acquires a fresh token before each attempt so a rotated
// credential is picked up without a restart.
func (m *Manager) tryCreate(ctx context.Context, request *types.Session) (*types.Session, error) {
	if m.opts.Credentials != nil {
		if _, err := m.opts.Credentials.Token(ctx); err != nil {
			return nil, fmt.Errorf("acquiring credentials: %w", err)
		}
	}
	return m.api.CreateSession(ctx, m.opts.PoolID, request)
}

// cleanupStaleSession deletes a session left behind by a process that
// exited without calling DeleteSession.
func (m *Manager) cleanupStaleSession(ctx context.Context) {
	if m.opts.Store == nil || m.Session() != nil {
		return
	}
	stale, err := m.opts.Store.GetSession()
	if err != nil {
		return
	}
	if err := m.api.DeleteSession(ctx, m.opts.PoolID, stale.SessionID); err != nil {
		m.logger.Debug().Err(err).Str("session_id", stale.SessionID).Msg("Failed to delete stale session")
	}
	_ = m.opts.Store.ClearSession()
}

func (m *Manager) setSession(s *types.Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	if m.opts.Store != nil {
		if err := m.opts.Store.SaveSession(s); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to persist session")
		}
	}
}

// GetNextMessage long-polls until a message arrives, ctx is done or an
// error that retrying cannot fix occurs.
func (m *Manager) GetNextMessage(ctx context.Context) (*types.Message, error) {
	var (
		consecutiveErrors int
		previousBackoff   time.Duration
		lastActivity      = m.clock.Now()
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		session := m.Session()
		if session == nil {
			return nil, errors.New("no session")
		}

		pollCtx, cancel := context.WithCancel(ctx)
		req := m.pollRequest(session)
		m.mu.Lock()
		m.pollCancel = cancel
		m.mu.Unlock()

		timer := metrics.NewTimer()
		msg, err := m.api.GetMessage(pollCtx, req)
		timer.ObserveDurationVec(metrics.RPCDuration, controlplane.MethodGetMessage)

		m.mu.Lock()
		m.pollCancel = nil
		restarted := m.statusChanged
		m.statusChanged = false
		m.mu.Unlock()
		cancel()

		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()

			case restarted:
				m.logger.Debug().Msg("Agent status changed, restarting poll")
				continue

			case errors.Is(err, controlplane.ErrSessionExpired):
				m.logger.Info().Msg("Session expired, creating a new one")
				result, cerr := m.CreateSession(ctx)
				if result == Created {
					continue
				}
				return nil, errors.Join(controlplane.ErrSessionExpired, cerr)

			case !controlplane.IsRetriable(err):
				m.logger.Error().Err(err).Msg("Failed to get next message")
				return nil, err
			}

			consecutiveErrors++
			metrics.PollErrors.Inc()
			if rerr := m.RefreshConnection(ctx); rerr != nil {
				m.logger.Warn().Err(rerr).Msg("Failed to refresh connection")
			}

			if consecutiveErrors <= pollBackoffThreshold {
				previousBackoff = backoff.Random(15*time.Second, 30*time.Second, previousBackoff)
			} else {
				previousBackoff = backoff.Random(30*time.Second, 60*time.Second, previousBackoff)
			}
			m.logger.Warn().Err(err).
				Int("consecutive_errors", consecutiveErrors).
				Dur("retry_in", previousBackoff).
				Msg("Failed to get next message, backing off")
			if err := m.clock.Sleep(ctx, previousBackoff); err != nil {
				return nil, err
			}
			continue
		}

		consecutiveErrors = 0
		previousBackoff = 0

		if msg == nil {
			if now := m.clock.Now(); now.Sub(lastActivity) >= heartbeatInterval {
				m.logger.Info().Msg("No message retrieved in the last 30 minutes")
				lastActivity = now
			}
			continue
		}
		lastActivity = m.clock.Now()

		if err := decryptMessage(session, msg); err != nil {
			return nil, err
		}

		if m.deleted.Check(msg.MessageID) {
			m.logger.Info().Int64("message_id", msg.MessageID).Msg("Skipping already acknowledged message")
			continue
		}

		metrics.MessagesReceived.WithLabelValues(string(msg.MessageType)).Inc()
		return msg, nil
	}
}

func (m *Manager) pollRequest(session *types.Session) *controlplane.GetMessageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &controlplane.GetMessageRequest{
		PoolID:          m.opts.PoolID,
		SessionID:       session.SessionID,
		LastMessageID:   m.lastMessageID,
		Status:          m.status,
		AgentVersion:    m.opts.Agent.Version,
		OS:              runtime.GOOS,
		OSArch:          runtime.GOARCH,
		UpdatesDisabled: m.opts.DisableUpdate,
	}
}

// OnJobStatus records the agent's new status and cancels the in-flight
// poll so the next one reports it. Only the poll is cancelled.
func (m *Manager) OnJobStatus(status types.AgentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == status {
		return
	}
	m.status = status
	if m.pollCancel != nil {
		m.statusChanged = true
		m.pollCancel()
	}
}

// DeleteMessage acknowledges msg. Acknowledging the same message twice
// makes a single remote call.
func (m *Manager) DeleteMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil || m.deleted.Check(msg.MessageID) {
		return nil
	}
	session := m.Session()
	if session == nil {
		return errors.New("no session")
	}

	if err := m.api.DeleteMessage(ctx, m.opts.PoolID, msg.MessageID, session.SessionID); err != nil {
		return err
	}
	m.deleted.Mark(msg.MessageID)

	m.mu.Lock()
	if msg.MessageID > m.lastMessageID {
		m.lastMessageID = msg.MessageID
	}
	m.mu.Unlock()
	if m.opts.Store != nil {
		if err := m.opts.Store.SetLastMessageID(msg.MessageID); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to persist message cursor")
		}
	}
	return nil
}

// DeleteSession removes the session on the control plane. It is a no-op
// without a session.
func (m *Manager) DeleteSession(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.mu.Unlock()
	if session == nil {
		return nil
	}

	err := m.api.DeleteSession(ctx, m.opts.PoolID, session.SessionID)
	if err != nil {
		m.logger.Warn().Err(err).Str("session_id", session.SessionID).Msg("Failed to delete session")
	} else {
		m.logger.Info().Str("session_id", session.SessionID).Msg("Session deleted")
	}
	if m.opts.Store != nil {
		_ = m.opts.Store.ClearSession()
	}
	m.opts.Events.Publish(&events.Event{
		Type:     events.EventSessionDeleted,
		Metadata: map[string]string{"session_id": session.SessionID},
	})
	return err
}

// RefreshConnection re-acquires credentials and reconnects.
func (m *Manager) RefreshConnection(ctx context.Context) error {
	return m.api.Refresh(ctx)
}

// Migrate moves polling to the broker endpoint named in msg.
func (m *Manager) Migrate(ctx context.Context, msg *types.SessionMigrationMessage) error {
	if msg.BrokerURL == "" {
		return errors.New("session migration without a broker URL")
	}
	if err := m.api.Retarget(msg.BrokerURL); err != nil {
		return fmt.Errorf("switching to broker %s: %w", msg.BrokerURL, err)
	}

	m.mu.Lock()
	if m.session != nil {
		updated := *m.session
		updated.BrokerMigrationURL = msg.BrokerURL
		updated.UseBrokerFlow = true
		if msg.SessionID != "" {
			updated.SessionID = msg.SessionID
		}
		m.session = &updated
	}
	m.mu.Unlock()

	m.logger.Info().Str("broker", msg.BrokerURL).Msg("Session migrated")
	return nil
}
