// Package cloudcontroller defines the contract the Global Manager uses to
// query VM placement and flavor sizing and to drive live migrations. The
// production implementation talks to a Nova-compatible compute API; tests
// use an in-memory fake.
package cloudcontroller

import (
	"context"
)

// Server is a VM as reported by the cloud controller.
type Server struct {
	UUID       string
	Hostname   string
	FlavorID   string
	FlavorRAMMB int64
}

// Host is a compute host entry as reported by the cloud controller's host
// aggregate API (used for the "used RAM" sanity check before placement).
type Host struct {
	Name      string
	UsedRAMMB int64
}

// CloudController is the contract the Global Manager uses to enumerate VMs,
// resolve flavor RAM, and issue live migrations.
type CloudController interface {
	// ListServers returns every VM known to the cloud controller.
	ListServers(ctx context.Context) ([]Server, error)

	// ServersByHost returns the VMs currently hosted on the given compute
	// node.
	ServersByHost(ctx context.Context, hostname string) ([]Server, error)

	// FlavorRAMMB returns the RAM size in MB for a flavor ID, used to
	// build the vms_ram input to the placement algorithm.
	FlavorRAMMB(ctx context.Context, flavorID string) (int64, error)

	// HostUsedRAMMB returns the RAM in MB currently allocated on a host,
	// per the compute API's host usage report.
	HostUsedRAMMB(ctx context.Context, hostname string) (int64, error)

	// LiveMigrate starts a live migration of a VM to the destination
	// host. It returns once the migration has been accepted by the
	// compute API; the caller polls VM status separately to detect
	// completion.
	LiveMigrate(ctx context.Context, vmUUID, destHost string) error

	// ServerStatus returns the current status string for a VM (e.g.
	// "ACTIVE", "MIGRATING", "ERROR"), used by the migration sequencer's
	// poll loop.
	ServerStatus(ctx context.Context, vmUUID string) (string, error)
}
