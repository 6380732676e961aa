package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Component names reported by the agent
const (
	ComponentStore      = "store"
	ComponentSession    = "session"
	ComponentDispatcher = "dispatcher"
	ComponentUpdater    = "updater"
)

// criticalComponents must be healthy before the agent reports ready. The
// others only degrade health.
var criticalComponents = []string{ComponentStore, ComponentSession}

// Overall states reported by GetHealth and GetReadiness
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the body of the /health and /ready endpoints
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type componentState struct {
	healthy bool
	message string
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentState
	started    time.Time
	version    string
}

var registry = &healthRegistry{
	components: make(map[string]componentState),
	started:    time.Now(),
}

// SetVersion sets the agent version reported by the health endpoints.
func SetVersion(version string) {
	registry.mu.Lock()
	registry.version = version
	registry.mu.Unlock()
}

// RegisterComponent records the current state of a component.
func RegisterComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	registry.components[name] = componentState{healthy: healthy, message: message}
	registry.mu.Unlock()
}

// UpdateComponent is RegisterComponent for components already known.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// ResetHealth forgets every component and restarts the uptime clock.
func ResetHealth() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components = make(map[string]componentState)
	registry.started = time.Now()
}

func isCritical(name string) bool {
	for _, c := range criticalComponents {
		if c == name {
			return true
		}
	}
	return false
}

// status fills the fields shared by health and readiness. The caller
// holds the read lock.
func (h *healthRegistry) status(state, message string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     state,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
	}
}

// GetHealth is unhealthy when a critical component is, degraded when any
// other component is, and healthy otherwise.
func GetHealth() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	state := StatusHealthy
	components := make(map[string]string, len(registry.components))
	for name, c := range registry.components {
		if c.healthy {
			components[name] = StatusHealthy
			continue
		}
		components[name] = StatusUnhealthy + ": " + c.message
		if isCritical(name) {
			state = StatusUnhealthy
		} else if state == StatusHealthy {
			state = StatusDegraded
		}
	}
	return registry.status(state, "", components)
}

// GetReadiness reports ready once every critical component is registered
// and healthy.
func GetReadiness() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	state, message := StatusReady, ""
	components := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		c, ok := registry.components[name]
		switch {
		case !ok:
			state, message = StatusNotReady, "waiting for "+name+" initialization"
			components[name] = "not registered"
		case !c.healthy:
			state, message = StatusNotReady, "waiting for "+name
			components[name] = "not ready: " + c.message
		default:
			components[name] = StatusReady
		}
	}
	return registry.status(state, message, components)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GetHealth; only an unhealthy agent gets a 503.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// ReadyHandler serves GetReadiness.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

// LivenessHandler answers 200 while the process is serving requests.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry.mu.RLock()
		body := map[string]string{
			"status":  "alive",
			"version": registry.version,
			"uptime":  time.Since(registry.started).Round(time.Second).String(),
		}
		registry.mu.RUnlock()
		writeJSON(w, http.StatusOK, body)
	}
}
