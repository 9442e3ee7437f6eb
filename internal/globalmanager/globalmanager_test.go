package globalmanager

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/oriys/nova/internal/cache"
	"github.com/oriys/nova/internal/cloudcontroller"
	"github.com/oriys/nova/internal/clusterreg"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/power"
	"github.com/oriys/nova/internal/store"
)

func newTestHandler(t *testing.T, cfg Config, st store.Store, cc cloudcontroller.CloudController) *Handler {
	t.Helper()
	if cfg.PlacementFactory == "" {
		cfg.PlacementFactory = "best_fit_decreasing"
	}
	if cfg.AdminUserHash == "" {
		cfg.AdminUserHash = sha1Hex("admin")
	}
	if cfg.AdminPasswordHash == "" {
		cfg.AdminPasswordHash = sha1Hex("secret")
	}
	h, err := New(cfg, st, cc, &power.FakeRunner{}, power.Suspender{Runner: &power.FakeRunner{}}, fakeWaker{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

type fakeWaker struct{}

func (fakeWaker) Wake(context.Context, string) error { return nil }

func putRequest(h *Handler, form url.Values) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func baseForm(reason int) url.Values {
	v := url.Values{}
	v.Set("username", sha1Hex("admin"))
	v.Set("password", sha1Hex("secret"))
	v.Set("time", fmt.Sprintf("%f", float64(time.Now().UnixNano())/1e9))
	v.Set("reason", fmt.Sprintf("%d", reason))
	v.Set("host", "host-a")
	return v
}

func TestHandleReallocateMissingCredentials(t *testing.T) {
	h := newTestHandler(t, Config{}, store.NewFake(), cloudcontroller.NewFake())
	form := baseForm(0)
	form.Del("username")
	rec := putRequest(h, form)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleReallocateBadCredentials(t *testing.T) {
	h := newTestHandler(t, Config{}, store.NewFake(), cloudcontroller.NewFake())
	form := baseForm(0)
	form.Set("password", "wrong")
	rec := putRequest(h, form)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleReallocateInvalidReason(t *testing.T) {
	h := newTestHandler(t, Config{}, store.NewFake(), cloudcontroller.NewFake())
	form := baseForm(0)
	form.Set("reason", "2")
	rec := putRequest(h, form)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid reason, got %d", rec.Code)
	}
}

func TestHandleReallocateOverloadRequiresVMUUIDs(t *testing.T) {
	h := newTestHandler(t, Config{}, store.NewFake(), cloudcontroller.NewFake())
	form := baseForm(1)
	rec := putRequest(h, form)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when reason=1 omits vm_uuids, got %d", rec.Code)
	}
}

func TestHandleReallocateStaleRequestRejected(t *testing.T) {
	h := newTestHandler(t, Config{StaleAfter: time.Second}, store.NewFake(), cloudcontroller.NewFake())
	form := baseForm(0)
	form.Set("time", fmt.Sprintf("%f", float64(time.Now().Add(-time.Hour).UnixNano())/1e9))
	rec := putRequest(h, form)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for a stale request, got %d", rec.Code)
	}
}

func TestHandleReallocateValidUnderloadReturnsOK(t *testing.T) {
	st := store.NewFake()
	cc := cloudcontroller.NewFake()
	h := newTestHandler(t, Config{DataLength: 5}, st, cc)

	form := baseForm(0)
	rec := putRequest(h, form)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleReallocateTouchesLiveness(t *testing.T) {
	liveness := clusterreg.NewRegistry(time.Minute)
	h, err := NewWithLiveness(Config{PlacementFactory: "best_fit_decreasing", AdminUserHash: sha1Hex("admin"), AdminPasswordHash: sha1Hex("secret")},
		store.NewFake(), cloudcontroller.NewFake(), &power.FakeRunner{}, power.Suspender{}, fakeWaker{}, nil, nil, liveness)
	if err != nil {
		t.Fatalf("NewWithLiveness: %v", err)
	}

	if liveness.IsLive("host-a") {
		t.Fatal("expected host-a to not be live before any request")
	}

	rec := putRequest(h, baseForm(0))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !liveness.IsLive("host-a") {
		t.Fatal("expected host-a to be live after a reallocation request")
	}
}

func TestClusterStatusReportsLivenessSnapshot(t *testing.T) {
	liveness := clusterreg.NewRegistry(time.Minute)
	h, err := NewWithLiveness(Config{PlacementFactory: "best_fit_decreasing", AdminUserHash: sha1Hex("admin"), AdminPasswordHash: sha1Hex("secret")},
		store.NewFake(), cloudcontroller.NewFake(), &power.FakeRunner{}, power.Suspender{}, fakeWaker{}, nil, nil, liveness)
	if err != nil {
		t.Fatalf("NewWithLiveness: %v", err)
	}
	putRequest(h, baseForm(0))

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	req := httptest.NewRequest(http.MethodGet, "/cluster/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "host-a") {
		t.Fatalf("expected host-a in cluster status body, got %s", rec.Body.String())
	}
}

func TestAssembleUsesCacheOnSecondCall(t *testing.T) {
	st := store.NewFake()
	cc := cloudcontroller.NewFake()
	if _, err := st.UpsertHost(context.Background(), domain.Host{Hostname: "host-a", CPUMhzTotal: 4000, CPUCores: 4, RAMTotalMB: 8192}); err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}
	mem := cache.NewInMemoryCache()
	defer mem.Close()

	h, err := NewWithCache(Config{PlacementFactory: "best_fit_decreasing", SnapshotCacheTTL: time.Minute}, st, cc, &power.FakeRunner{}, power.Suspender{}, fakeWaker{}, mem)
	if err != nil {
		t.Fatalf("NewWithCache: %v", err)
	}

	ctx := context.Background()
	first, err := h.assemble(ctx)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	// Mutate the store directly; if the second assemble() call still hits
	// the store instead of the cache, it would observe the new host.
	if _, err := st.UpsertHost(ctx, domain.Host{Hostname: "host-b", CPUMhzTotal: 2000, CPUCores: 2, RAMTotalMB: 4096}); err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}

	second, err := h.assemble(ctx)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(second.Hosts) != len(first.Hosts) {
		t.Fatalf("expected cached snapshot to be reused (len %d), got len %d", len(first.Hosts), len(second.Hosts))
	}
	if _, ok := second.Hosts["host-b"]; ok {
		t.Fatal("expected cached snapshot to not reflect the post-cache store mutation")
	}
}
