// Package store is the central relational store shared by the Collector,
// Local Manager, and Global Manager. Each component owns a disjoint set
// of tables or rows: the Collector writes Host rows (upsert),
// VmCpuSample, HostCpuSample, HostOverload; the Global Manager writes
// HostState and VmMigration; the Local Manager writes nothing.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/nova/internal/domain"
)

// PostgresStore is the concrete pgx-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) DriverName() string { return "postgres" }

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			id SERIAL PRIMARY KEY,
			hostname TEXT NOT NULL UNIQUE,
			cpu_mhz BIGINT NOT NULL,
			cpu_cores INTEGER NOT NULL,
			ram BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS host_resource_usage (
			id BIGSERIAL PRIMARY KEY,
			host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			cpu_mhz BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_host_resource_usage_host_time ON host_resource_usage(host_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS vms (
			id SERIAL PRIMARY KEY,
			uuid TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS vm_resource_usage (
			id BIGSERIAL PRIMARY KEY,
			vm_id INTEGER NOT NULL REFERENCES vms(id) ON DELETE CASCADE,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			cpu_mhz BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vm_resource_usage_vm_time ON vm_resource_usage(vm_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS vm_migrations (
			id BIGSERIAL PRIMARY KEY,
			vm_id INTEGER NOT NULL REFERENCES vms(id) ON DELETE CASCADE,
			host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS host_states (
			id BIGSERIAL PRIMARY KEY,
			host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			state SMALLINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_host_states_host_time ON host_states(host_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS host_overload (
			id BIGSERIAL PRIMARY KEY,
			host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			overload SMALLINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_host_overload_host_time ON host_overload(host_id, timestamp DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertHost creates or updates a host's capacity row, returning its ID.
func (s *PostgresStore) UpsertHost(ctx context.Context, h domain.Host) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hosts (hostname, cpu_mhz, cpu_cores, ram)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hostname) DO UPDATE SET
			cpu_mhz = EXCLUDED.cpu_mhz,
			cpu_cores = EXCLUDED.cpu_cores,
			ram = EXCLUDED.ram
		RETURNING id
	`, h.Hostname, h.CPUMhzTotal, h.CPUCores, h.RAMTotalMB).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert host: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetHostByName(ctx context.Context, hostname string) (*domain.Host, error) {
	var h domain.Host
	err := s.pool.QueryRow(ctx, `SELECT id, hostname, cpu_mhz, cpu_cores, ram FROM hosts WHERE hostname = $1`, hostname).
		Scan(&h.ID, &h.Hostname, &h.CPUMhzTotal, &h.CPUCores, &h.RAMTotalMB)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("host not found: %s", hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("get host: %w", err)
	}
	return &h, nil
}

func (s *PostgresStore) ListHosts(ctx context.Context) ([]domain.Host, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, hostname, cpu_mhz, cpu_cores, ram FROM hosts ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []domain.Host
	for rows.Next() {
		var h domain.Host
		if err := rows.Scan(&h.ID, &h.Hostname, &h.CPUMhzTotal, &h.CPUCores, &h.RAMTotalMB); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// EnsureVM returns the VM row ID for uuid, inserting it if absent.
func (s *PostgresStore) EnsureVM(ctx context.Context, uuid string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO vms (uuid) VALUES ($1)
		ON CONFLICT (uuid) DO UPDATE SET uuid = EXCLUDED.uuid
		RETURNING id
	`, uuid).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure vm: %w", err)
	}
	return id, nil
}

// InsertVmCpuSample appends one VM MHz sample.
func (s *PostgresStore) InsertVmCpuSample(ctx context.Context, vmID int64, ts time.Time, mhz int64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO vm_resource_usage (vm_id, timestamp, cpu_mhz) VALUES ($1, $2, $3)`, vmID, ts, mhz)
	if err != nil {
		return fmt.Errorf("insert vm cpu sample: %w", err)
	}
	return nil
}

// LastVmCpuSamples fetches the most recent n samples for a VM, returned
// oldest-first to match the local file store's ordering.
func (s *PostgresStore) LastVmCpuSamples(ctx context.Context, vmID int64, n int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cpu_mhz FROM vm_resource_usage WHERE vm_id = $1
		ORDER BY timestamp DESC LIMIT $2
	`, vmID, n)
	if err != nil {
		return nil, fmt.Errorf("last vm cpu samples: %w", err)
	}
	defer rows.Close()

	var samples []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		samples = append(samples, v)
	}
	// reverse to oldest-first
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, rows.Err()
}

func (s *PostgresStore) InsertHostCpuSample(ctx context.Context, hostID int64, ts time.Time, mhz int64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO host_resource_usage (host_id, timestamp, cpu_mhz) VALUES ($1, $2, $3)`, hostID, ts, mhz)
	if err != nil {
		return fmt.Errorf("insert host cpu sample: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastHostCpuMhz(ctx context.Context, hostID int64) (int64, bool, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		SELECT cpu_mhz FROM host_resource_usage WHERE host_id = $1 ORDER BY timestamp DESC LIMIT 1
	`, hostID).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("last host cpu mhz: %w", err)
	}
	return v, true, nil
}

// InsertHostOverload writes an edge-triggered overload record.
func (s *PostgresStore) InsertHostOverload(ctx context.Context, hostID int64, ts time.Time, overload bool) error {
	v := 0
	if overload {
		v = 1
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO host_overload (host_id, timestamp, overload) VALUES ($1, $2, $3)`, hostID, ts, v)
	if err != nil {
		return fmt.Errorf("insert host overload: %w", err)
	}
	return nil
}

// LastHostOverload returns the most recently recorded overload bit, or
// (false, false) if no record exists (the sentinel "-1" case).
func (s *PostgresStore) LastHostOverload(ctx context.Context, hostID int64) (bool, bool, error) {
	var v int
	err := s.pool.QueryRow(ctx, `
		SELECT overload FROM host_overload WHERE host_id = $1 ORDER BY timestamp DESC LIMIT 1
	`, hostID).Scan(&v)
	if err == pgx.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("last host overload: %w", err)
	}
	return v == 1, true, nil
}

// InsertHostState records a power transition.
func (s *PostgresStore) InsertHostState(ctx context.Context, hostID int64, ts time.Time, state domain.HostState) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO host_states (host_id, timestamp, state) VALUES ($1, $2, $3)`, hostID, ts, int(state))
	if err != nil {
		return fmt.Errorf("insert host state: %w", err)
	}
	return nil
}

// LastHostState returns the most recent power state, defaulting to on
// when no record exists.
func (s *PostgresStore) LastHostState(ctx context.Context, hostID int64) (domain.HostState, error) {
	var v int
	err := s.pool.QueryRow(ctx, `
		SELECT state FROM host_states WHERE host_id = $1 ORDER BY timestamp DESC LIMIT 1
	`, hostID).Scan(&v)
	if err == pgx.ErrNoRows {
		return domain.HostOn, nil
	}
	if err != nil {
		return domain.HostOn, fmt.Errorf("last host state: %w", err)
	}
	return domain.HostState(v), nil
}

// InsertVmMigration records a confirmed-complete migration.
func (s *PostgresStore) InsertVmMigration(ctx context.Context, vmID, hostID int64, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO vm_migrations (vm_id, host_id, timestamp) VALUES ($1, $2, $3)`, vmID, hostID, ts)
	if err != nil {
		return fmt.Errorf("insert vm migration: %w", err)
	}
	return nil
}

// CleanupOlderThan deletes sample, migration, host-state and overload rows
// older than cutoff,
// satisfying the periodic cleaner's contract (§3's "a periodic cleaner
// deletes rows older than a configured cutoff").
func (s *PostgresStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	tables := []string{"host_resource_usage", "vm_resource_usage", "vm_migrations", "host_states", "host_overload"}
	for _, t := range tables {
		ct, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE timestamp < $1`, t), cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", t, err)
		}
		total += ct.RowsAffected()
	}
	return total, nil
}
