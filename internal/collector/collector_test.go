package collector

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/hypervisor"
	"github.com/oriys/nova/internal/localstore"
	"github.com/oriys/nova/internal/store"
)

func newTestCollector(t *testing.T) (*Collector, *hypervisor.Fake, *store.Fake) {
	t.Helper()
	hv := hypervisor.NewFake("host-1")
	st := store.NewFake()
	local := localstore.New(t.TempDir())
	if err := local.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	host := domain.Host{ID: 1, Hostname: "host-1", CPUMhzTotal: 4000, CPUCores: 4, RAMTotalMB: 8192}
	cfg := Config{Interval: time.Second, DataLength: 10, OverloadThreshold: 0.8, UsableByVMs: 1.0}
	c := New(cfg, hv, st, local, host)
	return c, hv, st
}

func TestTickAddsNewVMToLocalHistory(t *testing.T) {
	c, hv, _ := newTestCollector(t)
	hv.AddDomain(hypervisor.FakeDomain{UUID: "vm-1", Name: "vm-1", State: hypervisor.StateRunning})

	c.Tick(context.Background())

	known, err := c.local.KnownVMs()
	if err != nil {
		t.Fatalf("KnownVMs: %v", err)
	}
	if len(known) != 1 || known[0] != "vm-1" {
		t.Fatalf("expected vm-1 to be tracked locally, got %v", known)
	}
}

func TestTickRemovesGoneVM(t *testing.T) {
	c, hv, _ := newTestCollector(t)
	hv.AddDomain(hypervisor.FakeDomain{UUID: "vm-1", Name: "vm-1", State: hypervisor.StateRunning})
	c.Tick(context.Background())

	hv.RemoveDomain("vm-1")
	c.Tick(context.Background())

	known, err := c.local.KnownVMs()
	if err != nil {
		t.Fatalf("KnownVMs: %v", err)
	}
	if len(known) != 0 {
		t.Fatalf("expected vm-1 to be removed locally, got %v", known)
	}
}

func TestTickPersistsVmAndHostSamplesAfterSecondTick(t *testing.T) {
	c, hv, st := newTestCollector(t)
	hv.AddDomain(hypervisor.FakeDomain{UUID: "vm-1", Name: "vm-1", State: hypervisor.StateRunning, CPUTimeNs: 0})
	hv.SetHostCPUJiffies(1000, 200)

	// First tick only establishes a baseline; no sample is persisted yet.
	c.Tick(context.Background())

	hv.SetCPUTime("vm-1", 2_000_000_000) // 2s of CPU time consumed
	hv.SetHostCPUJiffies(2000, 700)
	c.previousTime = time.Now().Add(-time.Second)

	c.Tick(context.Background())

	vmID, err := st.EnsureVM(context.Background(), "vm-1")
	if err != nil {
		t.Fatalf("EnsureVM: %v", err)
	}
	samples, err := st.LastVmCpuSamples(context.Background(), vmID, 10)
	if err != nil {
		t.Fatalf("LastVmCpuSamples: %v", err)
	}
	if len(samples) == 0 {
		t.Fatal("expected at least one persisted vm cpu sample")
	}

	hostSample, ok, err := st.LastHostCpuMhz(context.Background(), 1)
	if err != nil {
		t.Fatalf("LastHostCpuMhz: %v", err)
	}
	if !ok {
		t.Fatal("expected a host cpu sample to have been recorded")
	}
	_ = hostSample
}

func TestOverloadIsEdgeTriggered(t *testing.T) {
	c, hv, st := newTestCollector(t)
	c.cfg.OverloadThreshold = 0.1 // trivially exceeded once any VM uses CPU
	hv.AddDomain(hypervisor.FakeDomain{UUID: "vm-1", Name: "vm-1", State: hypervisor.StateRunning})
	hv.SetHostCPUJiffies(1000, 100)
	c.Tick(context.Background())

	for i := 0; i < 3; i++ {
		hv.SetCPUTime("vm-1", uint64((i+1)*2_000_000_000))
		hv.SetHostCPUJiffies(uint64(1000+(i+1)*1000), uint64(100+(i+1)*900))
		c.previousTime = time.Now().Add(-time.Second)
		c.Tick(context.Background())
	}

	if n := st.OverloadRecordCount(1); n > 1 {
		t.Fatalf("overload should only be recorded on state change, got %d writes", n)
	}
}
