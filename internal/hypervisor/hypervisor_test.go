package hypervisor

import (
	"context"
	"testing"
	"time"
)

func TestMhzFromCPUTime(t *testing.T) {
	// 1 full core-second of CPU time consumed over a 1s interval on a
	// 2000MHz core should read back as ~2000MHz.
	got := MhzFromCPUTime(1_000_000_000, time.Second, 2000)
	if got != 2000 {
		t.Fatalf("expected 2000, got %d", got)
	}
}

func TestMhzFromCPUTimeHalfUtilized(t *testing.T) {
	got := MhzFromCPUTime(500_000_000, time.Second, 2000)
	if got != 1000 {
		t.Fatalf("expected 1000, got %d", got)
	}
}

func TestMhzFromCPUTimeZeroInterval(t *testing.T) {
	got := MhzFromCPUTime(1_000_000_000, 0, 2000)
	if got != 0 {
		t.Fatalf("expected 0 for a zero interval, got %d", got)
	}
}

func TestFakeListRunningDomainsFiltersNonRunning(t *testing.T) {
	f := NewFake("host-1")
	f.AddDomain(FakeDomain{UUID: "running", State: StateRunning})
	f.AddDomain(FakeDomain{UUID: "paused", State: StatePaused})

	domains, err := f.ListRunningDomains(context.Background())
	if err != nil {
		t.Fatalf("ListRunningDomains: %v", err)
	}
	if len(domains) != 1 || domains[0].UUID != "running" {
		t.Fatalf("expected only the running domain, got %v", domains)
	}
}

func TestFakeRemoveDomain(t *testing.T) {
	f := NewFake("host-1")
	f.AddDomain(FakeDomain{UUID: "vm-1", State: StateRunning})
	f.RemoveDomain("vm-1")

	domains, err := f.ListRunningDomains(context.Background())
	if err != nil {
		t.Fatalf("ListRunningDomains: %v", err)
	}
	if len(domains) != 0 {
		t.Fatalf("expected no domains after removal, got %v", domains)
	}
}

func TestFakeHostCPUJiffies(t *testing.T) {
	f := NewFake("host-1")
	f.SetHostCPUJiffies(1000, 250)

	total, busy, err := f.HostCPUJiffies(context.Background())
	if err != nil {
		t.Fatalf("HostCPUJiffies: %v", err)
	}
	if total != 1000 || busy != 250 {
		t.Fatalf("expected (1000, 250), got (%d, %d)", total, busy)
	}
}

func TestFakeHostname(t *testing.T) {
	f := NewFake("host-1")
	name, err := f.Hostname(context.Background())
	if err != nil {
		t.Fatalf("Hostname: %v", err)
	}
	if name != "host-1" {
		t.Fatalf("expected host-1, got %s", name)
	}
}
