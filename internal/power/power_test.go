package power

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/nova/internal/circuitbreaker"
)

func TestSuspenderTestModeSkipsRunner(t *testing.T) {
	runner := &FakeRunner{}
	s := Suspender{Runner: runner, SleepCommand: ""}

	if err := s.SuspendHost(context.Background(), "host-a"); err != nil {
		t.Fatalf("SuspendHost: %v", err)
	}
	if len(runner.Calls) != 0 {
		t.Fatalf("expected no ssh calls in test mode, got %v", runner.Calls)
	}
}

func TestSuspenderRunsConfiguredSleepCommand(t *testing.T) {
	runner := &FakeRunner{}
	s := Suspender{Runner: runner, SleepCommand: "pm-suspend"}

	if err := s.SuspendHost(context.Background(), "host-a"); err != nil {
		t.Fatalf("SuspendHost: %v", err)
	}
	if len(runner.Calls) != 1 || runner.Calls[0].Host != "host-a" || runner.Calls[0].Command != "pm-suspend" {
		t.Fatalf("expected one pm-suspend call to host-a, got %v", runner.Calls)
	}
}

func TestSuspenderPropagatesRunnerError(t *testing.T) {
	wantErr := errors.New("ssh unreachable")
	runner := &FakeRunner{Err: wantErr}
	s := Suspender{Runner: runner, SleepCommand: "pm-suspend"}

	if err := s.SuspendHost(context.Background(), "host-a"); !errors.Is(err, wantErr) {
		t.Fatalf("expected runner error to propagate, got %v", err)
	}
}

func TestSSHRunnerOpensBreakerAfterRepeatedDialFailures(t *testing.T) {
	r := SSHRunner{
		User:     "nova",
		Password: "nova",
		Port:     1, // nothing listens on a privileged port locally
		Timeout:  200 * time.Millisecond,
		Breakers: circuitbreaker.NewRegistry(),
	}

	var lastErr error
	for i := 0; i < 5; i++ {
		lastErr = r.Run(context.Background(), "127.0.0.1", "true")
	}
	if lastErr == nil {
		t.Fatal("expected dial failures against an unreachable port")
	}

	b := r.Breakers.Get("127.0.0.1", sshBreakerConfig)
	if b.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected breaker to be open after repeated failures, got %s", b.State())
	}

	if err := r.Run(context.Background(), "127.0.0.1", "true"); err == nil {
		t.Fatal("expected circuit-open error once breaker trips")
	}
}

func TestMacResolverCachesAcrossCalls(t *testing.T) {
	r := NewMacResolver()
	r.cache["host-a"] = "aa:bb:cc:dd:ee:ff"

	mac, err := r.Resolve("host-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mac != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("expected cached mac, got %q", mac)
	}
}
