// Package metrics collects and exposes runtime observability data for the
// Collector, Local Manager, and Global Manager daemons.
//
// Two metric stores coexist, as in the upstream pattern this package is
// built from: a lightweight in-process Metrics struct for the JSON
// /status endpoint, and a Prometheus registry (prometheus.go) for
// scraping by external monitoring. The atomic counters here are safe for
// concurrent use without locking.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects in-process counters, independent of whether Prometheus
// is enabled for this daemon.
type Metrics struct {
	startTime time.Time

	VMSamplesCollected   atomic.Int64
	HostSamplesCollected atomic.Int64

	UnderloadDetections atomic.Int64
	OverloadDetections  atomic.Int64
	ReallocationsSent   atomic.Int64
	ReallocationsFailed atomic.Int64

	MigrationsAttempted atomic.Int64
	MigrationsSucceeded atomic.Int64
	MigrationsFailed    atomic.Int64
	HostsSwitchedOff    atomic.Int64
	HostsSwitchedOn     atomic.Int64
	PlacementFailures   atomic.Int64

	mu         sync.Mutex
	lastTickMs map[string]int64
}

var global = &Metrics{startTime: time.Now(), lastTickMs: map[string]int64{}}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordTick records the wall-clock duration of a named control-loop tick
// (e.g. "collector", "local_manager") for the JSON snapshot endpoint.
func (m *Metrics) RecordTick(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTickMs[name] = d.Milliseconds()
}

// Snapshot returns a JSON-serializable view of current counters.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	ticks := make(map[string]int64, len(m.lastTickMs))
	for k, v := range m.lastTickMs {
		ticks[k] = v
	}
	m.mu.Unlock()

	return map[string]any{
		"uptime_seconds":        time.Since(m.startTime).Seconds(),
		"vm_samples_collected":  m.VMSamplesCollected.Load(),
		"host_samples_collected": m.HostSamplesCollected.Load(),
		"underload_detections":  m.UnderloadDetections.Load(),
		"overload_detections":   m.OverloadDetections.Load(),
		"reallocations_sent":    m.ReallocationsSent.Load(),
		"reallocations_failed":  m.ReallocationsFailed.Load(),
		"migrations_attempted":  m.MigrationsAttempted.Load(),
		"migrations_succeeded":  m.MigrationsSucceeded.Load(),
		"migrations_failed":     m.MigrationsFailed.Load(),
		"hosts_switched_off":    m.HostsSwitchedOff.Load(),
		"hosts_switched_on":     m.HostsSwitchedOn.Load(),
		"placement_failures":    m.PlacementFailures.Load(),
		"last_tick_ms":          ticks,
	}
}

// JSONHandler serves the Snapshot as JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
}
