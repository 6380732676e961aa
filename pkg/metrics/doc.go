/*
Package metrics exposes the agent's Prometheus metrics and its health and
readiness endpoints.

All metrics use the burrow_ prefix and are registered with the default
registry at init. Most are updated by the Collector from lifecycle events
on the broker; the session and dispatcher packages update poll and lease
counters directly since those are not worth an event each.

The health registry is a process-wide map of component name to state. The
agent is ready once the store and the session are healthy; the updater and
dispatcher are reported on /health but do not gate readiness.

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
*/
package metrics
