// Package migration implements the Global Manager's migration sequencer:
// chunked live migrations with a chown-before-migrate workaround, a poll
// loop waiting for convergence, a per-VM time budget, and retry-set
// recursion for VMs that don't converge in time.
package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/nova/internal/cloudcontroller"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/power"
	"github.com/oriys/nova/internal/store"
)

// Config holds the sequencer's tuning, mirroring the migration_* keys.
type Config struct {
	ChunkSize           int
	InitialSleep        time.Duration
	PollInterval        time.Duration
	PerVMBudget         time.Duration
	VMInstanceDirectory string
	HypervisorUser      string // service identity VM instance directories are chowned to
}

// Sequencer drives one Placement's worth of migrations to completion.
type Sequencer struct {
	cfg   Config
	cc    cloudcontroller.CloudController
	st    store.Store
	chown power.CommandRunner
	sleep func(time.Duration)
}

func New(cfg Config, cc cloudcontroller.CloudController, st store.Store, chown power.CommandRunner) *Sequencer {
	return &Sequencer{cfg: cfg, cc: cc, st: st, chown: chown, sleep: time.Sleep}
}

// Move is one VM's migration instruction: the VM to migrate, its
// destination host, and the source host the chown command targets.
type Move struct {
	VMID       int64
	VMUUID     string
	SourceHost string
	DestHost   string
	DestHostID int64
}

// Run migrates every move in placement order, chunked per ChunkSize,
// recursing on the retry set until it's empty; moves still unconverged
// after maxRetryDepth retries are abandoned.
func (s *Sequencer) Run(ctx context.Context, moves []Move) {
	s.runDepth(ctx, moves, 0)
}

const maxRetryDepth = 5

func (s *Sequencer) runDepth(ctx context.Context, moves []Move, depth int) {
	if len(moves) == 0 {
		return
	}
	if depth > maxRetryDepth {
		logging.Op().Error("migration: giving up after max retry depth", "remaining", len(moves))
		for range moves {
			metrics.RecordMigration("abandoned", 0)
		}
		return
	}

	chunkSize := s.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1
	}

	var retry []Move
	for i := 0; i < len(moves); i += chunkSize {
		end := i + chunkSize
		if end > len(moves) {
			end = len(moves)
		}
		chunk := moves[i:end]
		retry = append(retry, s.runChunk(ctx, chunk)...)
	}

	if len(retry) > 0 {
		s.runDepth(ctx, retry, depth+1)
	}
}

func (s *Sequencer) runChunk(ctx context.Context, chunk []Move) []Move {
	start := time.Now()
	deadline := make(map[string]time.Time, len(chunk))
	for _, m := range chunk {
		if s.cfg.VMInstanceDirectory != "" && s.chown != nil {
			dir := fmt.Sprintf("%s/%s", s.cfg.VMInstanceDirectory, m.VMUUID)
			cmd := fmt.Sprintf("chown -R %s %s", s.cfg.HypervisorUser, dir)
			if err := s.chown.Run(ctx, m.SourceHost, cmd); err != nil {
				logging.Op().Warn("migration: chown failed", "vm", m.VMUUID, "error", err)
			}
		}
		if err := s.cc.LiveMigrate(ctx, m.VMUUID, m.DestHost); err != nil {
			logging.Op().Error("migration: live migrate", "vm", m.VMUUID, "dest", m.DestHost, "error", err)
		}
		deadline[m.VMUUID] = start.Add(s.cfg.PerVMBudget)
	}

	s.sleep(s.cfg.InitialSleep)

	pending := make(map[string]Move, len(chunk))
	for _, m := range chunk {
		pending[m.VMUUID] = m
	}

	var retry []Move
	for len(pending) > 0 {
		for uuid, m := range pending {
			status, err := s.cc.ServerStatus(ctx, uuid)
			if err != nil {
				logging.Op().Warn("migration: server status", "vm", uuid, "error", err)
			} else {
				hostname, _ := s.currentHost(ctx, uuid)
				if hostname == m.DestHost && status == domainActiveStatus {
					if err := s.st.InsertVmMigration(ctx, m.VMID, m.DestHostID, time.Now()); err != nil {
						logging.Op().Error("migration: record migration", "vm", uuid, "error", err)
					}
					metrics.RecordMigration("success", time.Since(start))
					delete(pending, uuid)
					continue
				}
			}
			if time.Now().After(deadline[uuid]) {
				logging.Op().Warn("migration: budget exceeded, retrying", "vm", uuid)
				metrics.RecordMigration("timeout", time.Since(start))
				retry = append(retry, m)
				delete(pending, uuid)
			}
		}
		if len(pending) == 0 {
			break
		}
		s.sleep(s.cfg.PollInterval)
	}

	return retry
}

const domainActiveStatus = "ACTIVE"

func (s *Sequencer) currentHost(ctx context.Context, vmUUID string) (string, error) {
	servers, err := s.cc.ListServers(ctx)
	if err != nil {
		return "", err
	}
	for _, srv := range servers {
		if srv.UUID == vmUUID {
			return srv.Hostname, nil
		}
	}
	return "", fmt.Errorf("migration: vm %s not found", vmUUID)
}
