package store

import (
	"context"
	"time"

	"github.com/oriys/nova/internal/domain"
)

// Store is the persistence contract consumed by the Collector, Local
// Manager (reads only), and Global Manager. PostgresStore is the
// production implementation; tests use an in-memory fake.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	UpsertHost(ctx context.Context, h domain.Host) (int64, error)
	GetHostByName(ctx context.Context, hostname string) (*domain.Host, error)
	ListHosts(ctx context.Context) ([]domain.Host, error)

	EnsureVM(ctx context.Context, uuid string) (int64, error)
	InsertVmCpuSample(ctx context.Context, vmID int64, ts time.Time, mhz int64) error
	LastVmCpuSamples(ctx context.Context, vmID int64, n int) ([]int64, error)

	InsertHostCpuSample(ctx context.Context, hostID int64, ts time.Time, mhz int64) error
	LastHostCpuMhz(ctx context.Context, hostID int64) (int64, bool, error)

	InsertHostOverload(ctx context.Context, hostID int64, ts time.Time, overload bool) error
	LastHostOverload(ctx context.Context, hostID int64) (bool, bool, error)

	InsertHostState(ctx context.Context, hostID int64, ts time.Time, state domain.HostState) error
	LastHostState(ctx context.Context, hostID int64) (domain.HostState, error)

	InsertVmMigration(ctx context.Context, vmID, hostID int64, ts time.Time) error

	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ Store = (*PostgresStore)(nil)
