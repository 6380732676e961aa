package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadiness(t *testing.T) {
	tests := []struct {
		name       string
		register   map[string]bool
		wantStatus string
		wantCode   int
	}{
		{
			name:       "all critical healthy",
			register:   map[string]bool{ComponentStore: true, ComponentSession: true, ComponentDispatcher: true},
			wantStatus: "ready",
			wantCode:   http.StatusOK,
		},
		{
			name:       "session missing",
			register:   map[string]bool{ComponentStore: true},
			wantStatus: "not_ready",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "session unhealthy",
			register:   map[string]bool{ComponentStore: true, ComponentSession: false},
			wantStatus: "not_ready",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "non critical unhealthy",
			register:   map[string]bool{ComponentStore: true, ComponentSession: true, ComponentUpdater: false},
			wantStatus: "ready",
			wantCode:   http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetHealth()
			for name, healthy := range tt.register {
				RegisterComponent(name, healthy, "")
			}
			assert.Equal(t, tt.wantStatus, GetReadiness().Status)

			rec := httptest.NewRecorder()
			ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestHealthHandler(t *testing.T) {
	ResetHealth()
	SetVersion("1.2.3")
	RegisterComponent(ComponentStore, true, "")
	UpdateComponent(ComponentSession, false, "conflict")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, "unhealthy: conflict", body.Components[ComponentSession])
	assert.Equal(t, "healthy", body.Components[ComponentStore])
}

func TestHealthDegraded(t *testing.T) {
	ResetHealth()
	RegisterComponent(ComponentStore, true, "")
	RegisterComponent(ComponentSession, true, "")
	RegisterComponent(ComponentUpdater, false, "checksum mismatch")

	assert.Equal(t, StatusDegraded, GetHealth().Status)

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_timer_seconds", Help: "test"}, []string{"method"})
	timer.ObserveDurationVec(vec, "GetMessage")
	assert.Equal(t, 1, testutil.CollectAndCount(vec))
}

func TestCollectorObservesJobEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	c := NewCollector(broker)
	c.Start()

	before := testutil.ToFloat64(JobsCompleted.WithLabelValues(types.ResultFailed.String()))
	start := time.Now()

	broker.Publish(&events.Event{Type: events.EventSessionCreated})
	broker.Publish(&events.Event{Type: events.EventJobStarted, Job: &types.JobRecord{JobID: "job-1"}})
	// A job cancelled before its worker started completes without starting.
	broker.Publish(&events.Event{Type: events.EventJobCompleted, Job: &types.JobRecord{JobID: "job-0"}})
	broker.Publish(&events.Event{Type: events.EventJobCompleted, Job: &types.JobRecord{
		JobID:      "job-1",
		Result:     types.ResultFailed,
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
	}})

	broker.Stop()
	c.Stop()

	assert.Equal(t, float64(1), testutil.ToFloat64(SessionActive))
	assert.Equal(t, float64(0), testutil.ToFloat64(JobsRunning))
	assert.Equal(t, before+1, testutil.ToFloat64(JobsCompleted.WithLabelValues(types.ResultFailed.String())))
}
