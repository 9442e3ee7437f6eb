package migration

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/nova/internal/cloudcontroller"
	"github.com/oriys/nova/internal/power"
	"github.com/oriys/nova/internal/store"
)

func newTestSequencer(t *testing.T) (*Sequencer, *cloudcontroller.Fake, *power.FakeRunner) {
	t.Helper()
	cc := cloudcontroller.NewFake()
	runner := &power.FakeRunner{}
	st := store.NewFake()
	cfg := Config{
		ChunkSize:           2,
		InitialSleep:        0,
		PollInterval:        0,
		PerVMBudget:         time.Minute,
		VMInstanceDirectory: "/var/lib/libvirt/instances",
		HypervisorUser:      "libvirt-qemu",
	}
	s := New(cfg, cc, st, runner)
	s.sleep = func(time.Duration) {} // no real waiting in tests
	return s, cc, runner
}

// waitForConvergence flips a migrated VM's status to ACTIVE as soon as the
// fake cloud controller records the migration call, simulating the
// hypervisor reporting a completed live migration.
func waitForConvergence(cc *cloudcontroller.Fake, vmUUID string) {
	go func() {
		for i := 0; i < 1000; i++ {
			for _, m := range cc.Migrations() {
				if m.VMUUID == vmUUID {
					cc.SetStatus(vmUUID, "ACTIVE")
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestRunMigratesAndRecordsOnConvergence(t *testing.T) {
	s, cc, runner := newTestSequencer(t)
	cc.AddServer(cloudcontroller.Server{UUID: "vm-1", Hostname: "host-a", FlavorID: "f1"})
	waitForConvergence(cc, "vm-1")

	s.Run(context.Background(), []Move{
		{VMID: 1, VMUUID: "vm-1", SourceHost: "host-a", DestHost: "host-b", DestHostID: 2},
	})

	migrations := cc.Migrations()
	if len(migrations) != 1 || migrations[0].DestHost != "host-b" {
		t.Fatalf("expected one migration to host-b, got %v", migrations)
	}
	if len(runner.Calls) != 1 {
		t.Fatalf("expected one chown call, got %v", runner.Calls)
	}
}

func TestRunSkipsChownWhenInstanceDirectoryUnset(t *testing.T) {
	s, cc, runner := newTestSequencer(t)
	s.cfg.VMInstanceDirectory = ""
	cc.AddServer(cloudcontroller.Server{UUID: "vm-1", Hostname: "host-a", FlavorID: "f1"})
	waitForConvergence(cc, "vm-1")

	s.Run(context.Background(), []Move{
		{VMID: 1, VMUUID: "vm-1", SourceHost: "host-a", DestHost: "host-b", DestHostID: 2},
	})

	if len(runner.Calls) != 0 {
		t.Fatalf("expected no chown calls, got %v", runner.Calls)
	}
}

func TestRunAbandonsAfterMaxRetryDepth(t *testing.T) {
	s, cc, _ := newTestSequencer(t)
	s.cfg.PerVMBudget = 0 // every chunk immediately exceeds its budget
	cc.AddServer(cloudcontroller.Server{UUID: "vm-1", Hostname: "host-a", FlavorID: "f1"})
	// Status never becomes ACTIVE on host-b, so every attempt times out and
	// is retried until the depth bound kicks in.

	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), []Move{
			{VMID: 1, VMUUID: "vm-1", SourceHost: "host-a", DestHost: "host-b", DestHostID: 2},
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return; retry depth bound did not terminate recursion")
	}
}

// TestRunChunkDeadlineAppliesDespiteStatusErrors reproduces a VM whose
// cloud-controller status calls keep erroring (e.g. a dead connection, or
// the VM having been destroyed mid-batch): runChunk must still apply the
// per-VM deadline and drop it into the retry set rather than polling it
// forever.
func TestRunChunkDeadlineAppliesDespiteStatusErrors(t *testing.T) {
	s, _, _ := newTestSequencer(t)
	s.cfg.PerVMBudget = 0 // every chunk immediately exceeds its budget
	// Deliberately never add "vm-1" to the fake cloud controller, so every
	// ServerStatus call returns an "unknown server" error.

	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), []Move{
			{VMID: 1, VMUUID: "vm-1", SourceHost: "host-a", DestHost: "host-b", DestHostID: 2},
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return; a permanently erroring status check bypassed the deadline")
	}
}

func TestRunEmptyMovesIsNoop(t *testing.T) {
	s, cc, runner := newTestSequencer(t)
	s.Run(context.Background(), nil)
	if len(cc.Migrations()) != 0 || len(runner.Calls) != 0 {
		t.Fatal("expected no side effects for an empty move set")
	}
}
