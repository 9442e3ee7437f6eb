package hypervisor

import (
	"context"
	"fmt"
	"sync"
)

// FakeDomain is one VM tracked by the Fake hypervisor.
type FakeDomain struct {
	UUID      string
	Name      string
	State     DomainState
	CPUTimeNs uint64
	MaxMemKB  uint64
}

// Fake is an in-memory Hypervisor used by Collector tests. Callers change
// its domains through AddDomain/SetCPUTime to simulate the passage of time
// between collection ticks.
type Fake struct {
	mu             sync.Mutex
	hostname       string
	domains        map[string]*FakeDomain
	totalJiffies   uint64
	busyJiffies    uint64
}

func NewFake(hostname string) *Fake {
	return &Fake{hostname: hostname, domains: map[string]*FakeDomain{}}
}

// SetHostCPUJiffies sets the values HostCPUJiffies returns, letting tests
// simulate the host's own (non-VM) CPU load over time.
func (f *Fake) SetHostCPUJiffies(total, busy uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totalJiffies, f.busyJiffies = total, busy
}

func (f *Fake) HostCPUJiffies(_ context.Context) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalJiffies, f.busyJiffies, nil
}

func (f *Fake) Hostname(_ context.Context) (string, error) {
	return f.hostname, nil
}

func (f *Fake) AddDomain(d FakeDomain) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := d
	f.domains[d.UUID] = &cp
}

func (f *Fake) RemoveDomain(uuid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.domains, uuid)
}

func (f *Fake) SetCPUTime(uuid string, ns uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.domains[uuid]; ok {
		d.CPUTimeNs = ns
	}
}

func (f *Fake) ListRunningDomains(_ context.Context) ([]DomainInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DomainInfo, 0, len(f.domains))
	for _, d := range f.domains {
		if d.State != StateRunning {
			continue
		}
		out = append(out, DomainInfo{UUID: d.UUID, Name: d.Name, State: d.State, CPUTimeNs: d.CPUTimeNs, MaxMemKB: d.MaxMemKB})
	}
	return out, nil
}

func (f *Fake) CPUTimeNs(_ context.Context, uuid string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[uuid]
	if !ok {
		return 0, fmt.Errorf("hypervisor: unknown domain %s", uuid)
	}
	return d.CPUTimeNs, nil
}

func (f *Fake) Close() error { return nil }

var _ Hypervisor = (*Fake)(nil)
