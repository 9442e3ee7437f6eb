// Package clusterreg tracks which hosts' Local Manager is still reporting
// in, as seen through the reallocation requests that reach the Global
// Manager. It is purely in-memory observability: the
// authoritative power state of a host lives in store.Store's HostState
// table, and nothing here influences a placement or power-transition
// decision. Its only job is to let an operator (via the Global Manager's
// /cluster/status endpoint) tell "this host is asleep by design" apart
// from "this host's Local Manager stopped reporting and nobody noticed."
//
// Adapted from the teacher's internal/cluster.Registry/Node, stripped of
// its Postgres-backed node table (Neat's store already persists host
// capacity and power state; duplicating a second node table here would
// just be a second source of truth) and narrowed from a full
// multi-cluster node directory down to the one signal this domain needs:
// last-seen-at per host.
package clusterreg

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/nova/internal/logging"
)

// Heartbeat is the last time a host's Local Manager reported in, via a
// reallocation request reaching the Global Manager.
type Heartbeat struct {
	Host     string    `json:"host"`
	LastSeen time.Time `json:"last_seen"`
	Live     bool      `json:"live"`
}

// Registry is a concurrency-safe last-seen map, one entry per compute
// host. A host is considered live if it has reported within Timeout of
// the last check.
type Registry struct {
	mu      sync.RWMutex
	seen    map[string]time.Time
	timeout time.Duration
}

// NewRegistry creates a registry that considers a host stale once it has
// gone silent for longer than timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Registry{
		seen:    make(map[string]time.Time),
		timeout: timeout,
	}
}

// Touch records that host just reported in.
func (r *Registry) Touch(host string) {
	if host == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[host] = time.Now()
}

// IsLive reports whether host has reported within the registry's
// timeout. An unknown host is never live.
func (r *Registry) IsLive(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	last, ok := r.seen[host]
	if !ok {
		return false
	}
	return time.Since(last) < r.timeout
}

// Snapshot returns the last-seen state of every host the registry has
// ever heard from, for the Global Manager's /cluster/status endpoint.
func (r *Registry) Snapshot() map[string]Heartbeat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Heartbeat, len(r.seen))
	for host, last := range r.seen {
		out[host] = Heartbeat{
			Host:     host,
			LastSeen: last,
			Live:     time.Since(last) < r.timeout,
		}
	}
	return out
}

// RunStaleLogger periodically warns about hosts that have gone silent
// since the last check, mirroring the teacher's checkNodeHealth loop.
// It runs until ctx is cancelled.
func (r *Registry) RunStaleLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	wasLive := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for host, hb := range r.Snapshot() {
				if wasLive[host] && !hb.Live {
					logging.Op().Warn("clusterreg: host went stale", "host", host, "last_seen", hb.LastSeen)
				}
				wasLive[host] = hb.Live
			}
		}
	}
}
