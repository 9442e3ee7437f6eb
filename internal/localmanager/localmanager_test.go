package localmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/nova/internal/hypervisor"
	"github.com/oriys/nova/internal/localstore"
)

func newTestConfig(globalMgrURL string) Config {
	return Config{
		Interval:              time.Second,
		TimeStep:              time.Second,
		TotalCPUMhz:           4000,
		UnderloadFactory:      "threshold",
		UnderloadParameters:   []byte(`{"threshold":0.1}`),
		OverloadFactory:       "threshold",
		OverloadParameters:    []byte(`{"threshold":0.9}`),
		VMSelectionFactory:    "random",
		VMSelectionParameters: nil,
		MigrationTime:         time.Minute,
		GlobalManagerURL:      globalMgrURL,
		AdminUser:             "admin",
		AdminPassword:         "secret",
		Hostname:              "host-a",
	}
}

func TestTickSendsUnderloadRequestWhenUtilizationLow(t *testing.T) {
	var gotReason string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		gotReason = r.FormValue("reason")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hv := hypervisor.NewFake("host-a")
	hv.AddDomain(hypervisor.FakeDomain{UUID: "vm-1", Name: "vm-1", State: hypervisor.StateRunning, MaxMemKB: 1024 * 1024})
	local := localstore.New(t.TempDir())
	if err := local.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	if err := local.WriteVMHistory("vm-1", []int64{10, 10, 10}, 10); err != nil {
		t.Fatalf("WriteVMHistory: %v", err)
	}
	if err := local.AppendHostSample(10, 10); err != nil {
		t.Fatalf("AppendHostSample: %v", err)
	}

	lm, err := New(newTestConfig(srv.URL), hv, local)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lm.Tick(context.Background())

	if gotReason != "0" {
		t.Fatalf("expected an underload (reason=0) request, got reason=%q", gotReason)
	}
}

func TestTickSendsOverloadRequestWhenUtilizationHigh(t *testing.T) {
	var gotReason, gotVMs string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		gotReason = r.FormValue("reason")
		gotVMs = r.FormValue("vm_uuids")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hv := hypervisor.NewFake("host-a")
	hv.AddDomain(hypervisor.FakeDomain{UUID: "vm-1", Name: "vm-1", State: hypervisor.StateRunning, MaxMemKB: 1024 * 1024})
	local := localstore.New(t.TempDir())
	if err := local.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	if err := local.WriteVMHistory("vm-1", []int64{3900, 3900, 3900}, 10); err != nil {
		t.Fatalf("WriteVMHistory: %v", err)
	}
	if err := local.AppendHostSample(0, 10); err != nil {
		t.Fatalf("AppendHostSample: %v", err)
	}

	cfg := newTestConfig(srv.URL)
	cfg.UnderloadParameters = []byte(`{"threshold":0.0}`)
	lm, err := New(cfg, hv, local)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lm.Tick(context.Background())

	if gotReason != "1" {
		t.Fatalf("expected an overload (reason=1) request, got reason=%q", gotReason)
	}
	if gotVMs != "vm-1" {
		t.Fatalf("expected vm-1 to be selected for eviction, got %q", gotVMs)
	}
}

func TestTickSkipsWhenNoVMsTracked(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hv := hypervisor.NewFake("host-a")
	local := localstore.New(t.TempDir())
	if err := local.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	lm, err := New(newTestConfig(srv.URL), hv, local)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lm.Tick(context.Background())

	if called {
		t.Fatal("expected no reallocation request when there are no tracked vms")
	}
}

func TestSendHashesCredentials(t *testing.T) {
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		gotUser = r.FormValue("username")
		gotPass = r.FormValue("password")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hv := hypervisor.NewFake("host-a")
	local := localstore.New(t.TempDir())
	lm, err := New(newTestConfig(srv.URL), hv, local)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lm.send(context.Background(), reallocRequest{reason: 0, host: "host-a"})

	if gotUser != sha1Hex("admin") || gotPass != sha1Hex("secret") {
		t.Fatal("expected send to transmit sha1-hashed credentials, not plaintext")
	}
}
