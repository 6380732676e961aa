package updater

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Update states reported to the control plane
const (
	StateInProgress    = "Update in progress"
	StateFailed        = "Update failed"
	StateSucceeded     = "Update succeeded"
	StateRefreshConfig = "RefreshConfig"
)

// StateReporter is the control-plane call that records update progress.
type StateReporter interface {
	UpdateAgentUpdateState(ctx context.Context, poolID, agentID int64, state, trace string) error
}

// trace collects update progress lines and ships them at checkpoints.
// Lines are removed only once the control plane has accepted them.
type trace struct {
	api     StateReporter
	poolID  int64
	agentID int64
	logger  zerolog.Logger
	limiter *rate.Limiter

	// flushMu holds one report in flight at a time so each trims only
	// the lines it sent.
	flushMu sync.Mutex

	mu    sync.Mutex
	lines []string
}

func newTrace(api StateReporter, poolID, agentID int64, every time.Duration, logger zerolog.Logger) *trace {
	return &trace{
		api:     api,
		poolID:  poolID,
		agentID: agentID,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (t *trace) add(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	t.logger.Info().Msg(line)

	t.mu.Lock()
	t.lines = append(t.lines, line)
	t.mu.Unlock()
}

func (t *trace) pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// flush reports state with the queued lines. Unless force is set, a flush
// inside the rate limit is skipped and the lines stay queued.
func (t *trace) flush(ctx context.Context, state string, force bool) {
	if !force && !t.limiter.Allow() {
		return
	}

	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	n := len(t.lines)
	body := strings.Join(t.lines, "\n")
	t.mu.Unlock()

	if err := t.api.UpdateAgentUpdateState(ctx, t.poolID, t.agentID, state, body); err != nil {
		t.logger.Warn().Err(err).Str("state", state).Msg("Failed to report update state")
		return
	}

	t.mu.Lock()
	t.lines = t.lines[n:]
	t.mu.Unlock()
}

// run flushes periodically until ctx ends.
func (t *trace) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.flush(ctx, StateInProgress, false)
		}
	}
}
