// Package globalmanager implements the Global Manager: the single HTTP
// endpoint that serializes cluster-wide placement decisions and drives
// live migrations and host power transitions in response to Local Manager
// reallocation requests.
package globalmanager

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/nova/internal/algorithms"
	"github.com/oriys/nova/internal/cache"
	"github.com/oriys/nova/internal/cloudcontroller"
	"github.com/oriys/nova/internal/clusterreg"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/migration"
	"github.com/oriys/nova/internal/power"
	"github.com/oriys/nova/internal/store"
)

// Config holds the Global Manager's tunables.
type Config struct {
	AdminUserHash     string        // sha1(os_admin_user)
	AdminPasswordHash string        // sha1(os_admin_password)
	StaleAfter        time.Duration // default 5s

	ComputeHosts []string
	TimeStep     time.Duration
	DataLength   int

	PlacementFactory    string
	PlacementParameters algorithms.Params
	MigrationTime       time.Duration

	Migration migration.Config

	// SnapshotCacheTTL bounds how long an assembled cluster snapshot is
	// reused across back-to-back reallocation requests before being
	// rebuilt from the store and cloud controller. Zero disables caching.
	SnapshotCacheTTL time.Duration
}

// Handler is the Global Manager's HTTP handler and cluster-state machine.
type Handler struct {
	cfg    Config
	store  store.Store
	cc     cloudcontroller.CloudController
	runner power.CommandRunner

	suspender Suspender
	waker     Waker

	placement   algorithms.VMPlacement
	snapshots   cache.Cache // optional L2 cache for assembled cluster snapshots
	invalidator Invalidator // optional: publishes snapshot eviction to other replicas' L1
	liveness    *clusterreg.Registry

	mu sync.Mutex // serializes all request handling, one at a time
}

const snapshotCacheKey = "cluster:snapshot"

// Invalidator is the subset of cache.CacheInvalidator the handler needs:
// broadcasting that a cache key is stale so every replica's L1 drops it
// immediately instead of waiting out its TTL.
type Invalidator interface {
	PublishInvalidation(ctx context.Context, key string) error
}

// Suspender is the subset of power.Suspender the handler needs.
type Suspender interface {
	SuspendHost(ctx context.Context, host string) error
}

// Waker is the subset of power.WakeOnLAN the handler needs.
type Waker interface {
	Wake(ctx context.Context, host string) error
}

func New(cfg Config, st store.Store, cc cloudcontroller.CloudController, runner power.CommandRunner, suspender Suspender, waker Waker) (*Handler, error) {
	return NewWithCache(cfg, st, cc, runner, suspender, waker, nil)
}

// NewWithCache is New, additionally wiring an L2 cache (e.g. Redis) that
// assembled cluster snapshots are read through, letting several Global
// Manager replicas share capacity reads without hammering Postgres.
func NewWithCache(cfg Config, st store.Store, cc cloudcontroller.CloudController, runner power.CommandRunner, suspender Suspender, waker Waker, snapshots cache.Cache) (*Handler, error) {
	return NewWithCacheAndInvalidator(cfg, st, cc, runner, suspender, waker, snapshots, nil)
}

// NewWithCacheAndInvalidator is NewWithCache, additionally wiring an
// Invalidator so a reallocation that actually moved VMs or power state
// broadcasts eviction of the cached snapshot to every Global Manager
// replica's L1, rather than each one serving a stale view until its TTL
// expires.
func NewWithCacheAndInvalidator(cfg Config, st store.Store, cc cloudcontroller.CloudController, runner power.CommandRunner, suspender Suspender, waker Waker, snapshots cache.Cache, invalidator Invalidator) (*Handler, error) {
	return NewWithLiveness(cfg, st, cc, runner, suspender, waker, snapshots, invalidator, nil)
}

// NewWithLiveness is NewWithCacheAndInvalidator, additionally wiring a
// clusterreg.Registry that is touched for a host on every reallocation
// request reaching this handler, so /cluster/status can tell a
// host whose Local Manager stopped reporting apart from one that's
// merely suspended.
func NewWithLiveness(cfg Config, st store.Store, cc cloudcontroller.CloudController, runner power.CommandRunner, suspender Suspender, waker Waker, snapshots cache.Cache, invalidator Invalidator, liveness *clusterreg.Registry) (*Handler, error) {
	placement, err := algorithms.NewPlacement(cfg.PlacementFactory, cfg.TimeStep, cfg.MigrationTime, cfg.PlacementParameters)
	if err != nil {
		return nil, err
	}
	return &Handler{
		cfg:         cfg,
		store:       st,
		cc:          cc,
		runner:      runner,
		suspender:   suspender,
		waker:       waker,
		placement:   placement,
		snapshots:   snapshots,
		invalidator: invalidator,
		liveness:    liveness,
	}, nil
}

// invalidateSnapshot broadcasts that the cached cluster snapshot is stale
// after a reallocation actually changed cluster state (a migration ran or
// a host's power state changed). Called best-effort; a failed publish just
// means other replicas fall back to the TTL.
func (h *Handler) invalidateSnapshot(ctx context.Context) {
	if h.invalidator == nil {
		return
	}
	if err := h.invalidator.PublishInvalidation(ctx, snapshotCacheKey); err != nil {
		logging.Op().Warn("global manager: publish snapshot invalidation", "error", err)
	}
}

// RegisterRoutes wires the single PUT / endpoint onto mux. Any other
// method on / is rejected with 405 by ServeMux's own routing.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /{$}", h.handleReallocate)
	mux.HandleFunc("GET /cluster/status", h.handleClusterStatus)
}

// handleClusterStatus reports, per host ever heard from, whether its
// Local Manager is still reporting in. It is pure observability: nothing
// here feeds back into placement or power-transition decisions.
func (h *Handler) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if h.liveness == nil {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.liveness.Snapshot()); err != nil {
		logging.Op().Error("global manager: encode cluster status", "error", err)
	}
}

func (h *Handler) handleReallocate(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()[:8]

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	username := r.FormValue("username")
	password := r.FormValue("password")
	timeStr := r.FormValue("time")
	reasonStr := r.FormValue("reason")
	host := r.FormValue("host")
	vmUUIDsStr := r.FormValue("vm_uuids")

	if username == "" || password == "" || timeStr == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	if username != h.cfg.AdminUserHash || password != h.cfg.AdminPasswordHash {
		http.Error(w, "credentials mismatch", http.StatusForbidden)
		return
	}

	reason, err := strconv.Atoi(reasonStr)
	if err != nil || (reason != 0 && reason != 1) {
		http.Error(w, "invalid reason", http.StatusBadRequest)
		return
	}
	if host == "" {
		http.Error(w, "missing host", http.StatusBadRequest)
		return
	}
	var vmUUIDs []string
	if reason == 1 {
		if vmUUIDsStr == "" {
			http.Error(w, "reason=1 requires vm_uuids", http.StatusBadRequest)
			return
		}
		vmUUIDs = strings.Split(vmUUIDsStr, ",")
	}

	reqTime, err := strconv.ParseFloat(timeStr, 64)
	if err != nil {
		http.Error(w, "invalid time", http.StatusBadRequest)
		return
	}
	staleAfter := h.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Second
	}
	now := float64(time.Now().UnixNano()) / 1e9
	if now-reqTime > staleAfter.Seconds() {
		http.Error(w, "stale request", http.StatusPreconditionFailed)
		return
	}

	h.mu.Lock()
	metrics.SetReallocationInFlight(true)
	defer func() {
		metrics.SetReallocationInFlight(false)
		h.mu.Unlock()
	}()

	logging.Op().Info("global manager: reallocation accepted", "request_id", reqID, "reason", reason, "host", host)
	if h.liveness != nil {
		h.liveness.Touch(host)
	}

	ctx := r.Context()
	if reason == 0 {
		h.handleUnderload(ctx, reqID, host)
	} else {
		h.handleOverload(ctx, reqID, host, vmUUIDs)
	}
	w.WriteHeader(http.StatusOK)
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// clusterSnapshot is the per-host/per-VM data the handler assembles from
// the store and the cloud controller before invoking the placement
// algorithm.
type clusterSnapshot struct {
	Hosts       map[string]domain.Host
	HostUsedCPU map[string]int64
	HostUsedRAM map[string]int64
	HostHasVM   map[string]bool
	VmsByHost   map[string][]cloudcontroller.Server
}

func (h *Handler) assemble(ctx context.Context) (*clusterSnapshot, error) {
	if h.snapshots != nil {
		if raw, err := h.snapshots.Get(ctx, snapshotCacheKey); err == nil {
			var cached clusterSnapshot
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return &cached, nil
			}
		}
	}

	snap, err := h.assembleUncached(ctx)
	if err != nil {
		return nil, err
	}

	if h.snapshots != nil && h.cfg.SnapshotCacheTTL > 0 {
		if raw, err := json.Marshal(snap); err == nil {
			if err := h.snapshots.Set(ctx, snapshotCacheKey, raw, h.cfg.SnapshotCacheTTL); err != nil {
				logging.Op().Warn("global manager: cache snapshot", "error", err)
			}
		}
	}
	return snap, nil
}

func (h *Handler) assembleUncached(ctx context.Context) (*clusterSnapshot, error) {
	snap := &clusterSnapshot{
		Hosts:       map[string]domain.Host{},
		HostUsedCPU: map[string]int64{},
		HostUsedRAM: map[string]int64{},
		HostHasVM:   map[string]bool{},
		VmsByHost:   map[string][]cloudcontroller.Server{},
	}

	hosts, err := h.store.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	for _, hh := range hosts {
		snap.Hosts[hh.Hostname] = hh
	}

	servers, err := h.cc.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	for _, srv := range servers {
		snap.VmsByHost[srv.Hostname] = append(snap.VmsByHost[srv.Hostname], srv)
		snap.HostHasVM[srv.Hostname] = true
	}

	for _, hh := range hosts {
		hostID := hh.ID
		hyperMhz, _, err := h.store.LastHostCpuMhz(ctx, hostID)
		if err != nil {
			logging.Op().Error("global manager: last host cpu", "host", hh.Hostname, "error", err)
		}
		var vmTotal int64
		for _, srv := range snap.VmsByHost[hh.Hostname] {
			vmID, err := h.store.EnsureVM(ctx, srv.UUID)
			if err != nil {
				continue
			}
			last, err := h.store.LastVmCpuSamples(ctx, vmID, 1)
			if err == nil && len(last) > 0 {
				vmTotal += last[0]
			}
		}
		snap.HostUsedCPU[hh.Hostname] = hyperMhz + vmTotal

		usedRAM, err := h.cc.HostUsedRAMMB(ctx, hh.Hostname)
		if err != nil {
			logging.Op().Error("global manager: host used ram", "host", hh.Hostname, "error", err)
		}
		snap.HostUsedRAM[hh.Hostname] = usedRAM
	}

	return snap, nil
}

func (h *Handler) vmCPUHistory(ctx context.Context, uuid string) ([]int64, bool) {
	vmID, err := h.store.EnsureVM(ctx, uuid)
	if err != nil {
		return nil, false
	}
	hist, err := h.store.LastVmCpuSamples(ctx, vmID, h.cfg.DataLength)
	if err != nil || len(hist) == 0 {
		return nil, false
	}
	return hist, true
}

func (h *Handler) vmFlavorRAM(ctx context.Context, server cloudcontroller.Server) (int64, error) {
	return h.cc.FlavorRAMMB(ctx, server.FlavorID)
}
