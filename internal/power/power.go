// Package power implements host power transitions: suspending a drained
// compute host over SSH, and waking it back up with a Wake-on-LAN magic
// packet sent via the ether-wake program, with MAC addresses discovered
// lazily through an ARP probe.
package power

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oriys/nova/internal/circuitbreaker"
	"golang.org/x/crypto/ssh"
)

// CommandRunner executes a single command on a remote host. SSHRunner is
// the production implementation; tests use a fake that records calls.
type CommandRunner interface {
	Run(ctx context.Context, host, command string) error
}

// SSHRunner runs commands over SSH using the configured compute-host
// credentials, one connection per call (hosts are suspended rarely enough
// that connection reuse isn't worth the complexity).
type SSHRunner struct {
	User     string
	Password string
	Port     int
	Timeout  time.Duration

	// Breakers tracks one circuit breaker per compute host, so a single
	// unreachable host doesn't block suspend attempts against the rest
	// of the cluster. Nil disables breaking.
	Breakers *circuitbreaker.Registry
}

var sshBreakerConfig = circuitbreaker.Config{
	ErrorPct:       50,
	WindowDuration: time.Minute,
	OpenDuration:   30 * time.Second,
	HalfOpenProbes: 1,
}

func (r SSHRunner) Run(ctx context.Context, host, command string) error {
	if r.Breakers != nil {
		b := r.Breakers.Get(host, sshBreakerConfig)
		if !b.Allow() {
			return fmt.Errorf("power: ssh %s: circuit open", host)
		}
		err := r.run(ctx, host, command)
		if err != nil {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
		return err
	}
	return r.run(ctx, host, command)
}

func (r SSHRunner) run(ctx context.Context, host, command string) error {
	port := r.Port
	if port == 0 {
		port = 22
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.Password(r.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("power: ssh dial %s: %w", host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("power: ssh session %s: %w", host, err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("power: run %q on %s: %w", command, host, err)
		}
		return nil
	}
}

// Suspender powers a drained host down via SSH and records the transition.
type Suspender struct {
	Runner       CommandRunner
	SleepCommand string // e.g. "pm-suspend"; empty means DB-only test mode
}

// SuspendHost issues the configured sleep command. An empty SleepCommand
// is treated as test mode: no SSH call is made and the caller is
// responsible for recording the HostState transition regardless.
func (s Suspender) SuspendHost(ctx context.Context, host string) error {
	if s.SleepCommand == "" {
		return nil
	}
	return s.Runner.Run(ctx, host, s.SleepCommand)
}

// MacResolver discovers the MAC address needed to wake a host, caching
// results across calls.
type MacResolver struct {
	mu    sync.Mutex
	cache map[string]string
}

func NewMacResolver() *MacResolver {
	return &MacResolver{cache: map[string]string{}}
}

// Resolve returns host's MAC address, consulting the cache first and
// falling back to an ARP probe (ping then read /proc/net/arp) on miss.
func (m *MacResolver) Resolve(host string) (string, error) {
	m.mu.Lock()
	if mac, ok := m.cache[host]; ok {
		m.mu.Unlock()
		return mac, nil
	}
	m.mu.Unlock()

	mac, err := arpProbe(host)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[host] = mac
	m.mu.Unlock()
	return mac, nil
}

func arpProbe(host string) (string, error) {
	ips, err := net.LookupHost(host)
	if err != nil || len(ips) == 0 {
		return "", fmt.Errorf("power: resolve %s: %w", host, err)
	}
	ip := ips[0]

	// Prime the kernel's ARP table; the probe itself doesn't need to
	// succeed, only to provoke an ARP request/reply pair.
	_ = exec.Command("ping", "-c", "1", "-W", "1", ip).Run()

	f, err := os.Open("/proc/net/arp")
	if err != nil {
		return "", fmt.Errorf("power: open arp table: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		if fields[0] == ip {
			return fields[3], nil
		}
	}
	return "", fmt.Errorf("power: no arp entry for %s", host)
}

// WakeOnLAN wakes a host by sending a magic packet via the ether-wake
// program on the given interface.
type WakeOnLAN struct {
	Interface string
	MACs      *MacResolver
}

func (w WakeOnLAN) Wake(ctx context.Context, host string) error {
	mac, err := w.MACs.Resolve(host)
	if err != nil {
		return err
	}
	args := []string{}
	if w.Interface != "" {
		args = append(args, "-i", w.Interface)
	}
	args = append(args, mac)
	cmd := exec.CommandContext(ctx, "ether-wake", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("power: ether-wake %s (%s): %w: %s", host, mac, err, out)
	}
	return nil
}
