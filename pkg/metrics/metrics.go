package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_session_active",
			Help: "Whether the agent currently holds a session (1 = yes)",
		},
	)

	SessionCreateAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_session_create_attempts_total",
			Help: "Session creation attempts by outcome",
		},
		[]string{"outcome"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_messages_received_total",
			Help: "Messages received from the control plane by type",
		},
		[]string{"type"},
	)

	PollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_poll_errors_total",
			Help: "Failed long-poll requests",
		},
	)

	// Job metrics
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_jobs_running",
			Help: "Number of jobs currently dispatched to a worker",
		},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jobs_completed_total",
			Help: "Completed jobs by result",
		},
		[]string{"result"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_job_duration_seconds",
			Help:    "Wall time from job start to completion",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	LeaseRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_lease_renewals_total",
			Help: "Job lease renewal attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Control plane metrics
	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_rpc_duration_seconds",
			Help:    "Control plane call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Update metrics
	UpdatesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_updates_started_total",
			Help: "Self-updates started",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionActive)
	prometheus.MustRegister(SessionCreateAttempts)
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(PollErrors)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(LeaseRenewals)
	prometheus.MustRegister(RPCDuration)
	prometheus.MustRegister(UpdatesStarted)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in the labelled series of h
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
