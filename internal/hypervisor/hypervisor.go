// Package hypervisor defines the interface the Data Collector uses to read
// per-VM CPU usage from a compute host. The production implementation talks
// to libvirt; tests use an in-memory fake.
package hypervisor

import (
	"context"
	"time"
)

// DomainState mirrors libvirt's virDomainState enum, trimmed to the values
// the Collector cares about.
type DomainState int

const (
	StateNoState DomainState = iota
	StateRunning
	StateBlocked
	StatePaused
	StateShutdown
	StateShutoff
	StateCrashed
)

// DomainInfo is one VM as reported by the hypervisor at a point in time.
type DomainInfo struct {
	UUID       string
	Name       string
	State      DomainState
	CPUTimeNs  uint64 // cumulative CPU time in nanoseconds, from CPUStats
	MaxMemKB   uint64
}

// Hypervisor is the contract the Collector uses to enumerate running VMs
// and read their cumulative CPU time. Cumulative time, not instantaneous
// usage, is intentional: the Collector derives a MHz rate by differencing
// two samples over the known time step.
type Hypervisor interface {
	// Hostname returns the hostname of the compute node this hypervisor
	// connection is attached to.
	Hostname(ctx context.Context) (string, error)

	// ListRunningDomains returns every VM currently in the running state.
	ListRunningDomains(ctx context.Context) ([]DomainInfo, error)

	// CPUTimeNs returns the cumulative CPU time consumed by the domain
	// since it started, in nanoseconds.
	CPUTimeNs(ctx context.Context, uuid string) (uint64, error)

	// HostCPUJiffies returns the host's cumulative total and busy CPU time
	// (in whatever unit /proc/stat reports, i.e. USER_HZ jiffies), used to
	// derive the fraction of the host's own CPU capacity that is busy
	// independent of the VMs running on it.
	HostCPUJiffies(ctx context.Context) (total, busy uint64, err error)

	// Close releases the hypervisor connection.
	Close() error
}

// MhzFromCPUTime converts a delta in cumulative CPU time (nanoseconds) over
// a wall-clock interval into an average MHz rate, given the nominal
// per-core frequency of the host.
func MhzFromCPUTime(deltaNs uint64, interval time.Duration, coreMhz int64) int64 {
	if interval <= 0 {
		return 0
	}
	seconds := interval.Seconds()
	usedCoreSeconds := float64(deltaNs) / 1e9
	fraction := usedCoreSeconds / seconds
	return int64(fraction * float64(coreMhz))
}
