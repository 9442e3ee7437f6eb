package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/nova/internal/domain"
)

// vmSample is one recorded CPU reading with its timestamp, used only by
// the in-memory fake to preserve ordering.
type vmSample struct {
	ts  time.Time
	mhz int64
}

// Fake is an in-memory Store used by tests for the Collector, Local
// Manager, and Global Manager without a real Postgres instance.
type Fake struct {
	mu sync.Mutex

	hosts    map[string]domain.Host
	nextHost int64

	vmIDs  map[string]int64
	nextVM int64

	vmSamples   map[int64][]vmSample
	hostSamples map[int64][]vmSample
	overload    map[int64][]bool
	hostState   map[int64][]domain.HostState
	migrations  []domain.VmMigrationRecord
}

func NewFake() *Fake {
	return &Fake{
		hosts:       map[string]domain.Host{},
		vmIDs:       map[string]int64{},
		vmSamples:   map[int64][]vmSample{},
		hostSamples: map[int64][]vmSample{},
		overload:    map[int64][]bool{},
		hostState:   map[int64][]domain.HostState{},
	}
}

func (f *Fake) Close() error                      { return nil }
func (f *Fake) Ping(_ context.Context) error       { return nil }

func (f *Fake) UpsertHost(_ context.Context, h domain.Host) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.hosts[h.Hostname]
	if ok {
		h.ID = existing.ID
	} else {
		f.nextHost++
		h.ID = f.nextHost
	}
	f.hosts[h.Hostname] = h
	return h.ID, nil
}

func (f *Fake) GetHostByName(_ context.Context, hostname string) (*domain.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[hostname]
	if !ok {
		return nil, fmt.Errorf("host not found: %s", hostname)
	}
	return &h, nil
}

func (f *Fake) ListHosts(_ context.Context) ([]domain.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Host, 0, len(f.hosts))
	for _, h := range f.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (f *Fake) EnsureVM(_ context.Context, uuid string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.vmIDs[uuid]; ok {
		return id, nil
	}
	f.nextVM++
	f.vmIDs[uuid] = f.nextVM
	return f.nextVM, nil
}

func (f *Fake) InsertVmCpuSample(_ context.Context, vmID int64, ts time.Time, mhz int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vmSamples[vmID] = append(f.vmSamples[vmID], vmSample{ts: ts, mhz: mhz})
	return nil
}

func (f *Fake) LastVmCpuSamples(_ context.Context, vmID int64, n int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	samples := f.vmSamples[vmID]
	if n > len(samples) {
		n = len(samples)
	}
	tail := samples[len(samples)-n:]
	out := make([]int64, len(tail))
	for i, s := range tail {
		out[i] = s.mhz
	}
	return out, nil
}

func (f *Fake) InsertHostCpuSample(_ context.Context, hostID int64, ts time.Time, mhz int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostSamples[hostID] = append(f.hostSamples[hostID], vmSample{ts: ts, mhz: mhz})
	return nil
}

func (f *Fake) LastHostCpuMhz(_ context.Context, hostID int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	samples := f.hostSamples[hostID]
	if len(samples) == 0 {
		return 0, false, nil
	}
	return samples[len(samples)-1].mhz, true, nil
}

func (f *Fake) InsertHostOverload(_ context.Context, hostID int64, _ time.Time, overload bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overload[hostID] = append(f.overload[hostID], overload)
	return nil
}

func (f *Fake) LastHostOverload(_ context.Context, hostID int64) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hist := f.overload[hostID]
	if len(hist) == 0 {
		return false, false, nil
	}
	return hist[len(hist)-1], true, nil
}

// OverloadRecordCount exposes the number of edge-triggered writes for
// testing property 4 (host overload is edge-triggered).
func (f *Fake) OverloadRecordCount(hostID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.overload[hostID])
}

func (f *Fake) InsertHostState(_ context.Context, hostID int64, _ time.Time, state domain.HostState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostState[hostID] = append(f.hostState[hostID], state)
	return nil
}

func (f *Fake) LastHostState(_ context.Context, hostID int64) (domain.HostState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hist := f.hostState[hostID]
	if len(hist) == 0 {
		return domain.HostOn, nil
	}
	return hist[len(hist)-1], nil
}

func (f *Fake) InsertVmMigration(_ context.Context, vmID, hostID int64, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.migrations = append(f.migrations, domain.VmMigrationRecord{VMID: vmID, HostID: hostID, Timestamp: ts})
	return nil
}

func (f *Fake) CleanupOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for id, samples := range f.vmSamples {
		kept := samples[:0:0]
		for _, s := range samples {
			if s.ts.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		f.vmSamples[id] = kept
	}
	return removed, nil
}

var _ Store = (*Fake)(nil)
