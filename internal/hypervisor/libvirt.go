package hypervisor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/digitalocean/go-libvirt"
)

// LibvirtHypervisor is the production Hypervisor, talking to a local
// libvirtd over its native RPC protocol (no cgo, unlike libvirt-go).
type LibvirtHypervisor struct {
	conn *libvirt.Libvirt
}

// DialLibvirt connects to libvirtd over the given Unix socket path (the
// conventional /var/run/libvirt/libvirt-sock) and opens qemu:///system.
func DialLibvirt(socketPath string) (*LibvirtHypervisor, error) {
	c, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: dial libvirt socket: %w", err)
	}
	l := libvirt.NewWithDialer(staticDialer{c})
	if err := l.ConnectToURI(libvirt.QEMUSystem); err != nil {
		return nil, fmt.Errorf("hypervisor: connect: %w", err)
	}
	return &LibvirtHypervisor{conn: l}, nil
}

type staticDialer struct{ c net.Conn }

func (d staticDialer) Dial() (net.Conn, error) { return d.c, nil }

func (h *LibvirtHypervisor) Hostname(_ context.Context) (string, error) {
	name, err := h.conn.ConnectGetHostname()
	if err != nil {
		return "", fmt.Errorf("hypervisor: hostname: %w", err)
	}
	return name, nil
}

func (h *LibvirtHypervisor) ListRunningDomains(_ context.Context) ([]DomainInfo, error) {
	domains, _, err := h.conn.ConnectListAllDomains(1, libvirt.ConnectListDomainsActive)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: list domains: %w", err)
	}
	out := make([]DomainInfo, 0, len(domains))
	for _, d := range domains {
		state, maxMem, _, _, _, err := h.conn.DomainGetInfo(d)
		if err != nil {
			continue
		}
		if DomainState(state) != StateRunning {
			continue
		}
		uuid := formatUUID(d.UUID)
		cpuTime, _ := h.cpuTimeNs(d)
		out = append(out, DomainInfo{UUID: uuid, Name: d.Name, State: StateRunning, CPUTimeNs: cpuTime, MaxMemKB: maxMem})
	}
	return out, nil
}

func (h *LibvirtHypervisor) CPUTimeNs(_ context.Context, uuid string) (uint64, error) {
	d, err := h.conn.DomainLookupByUUID(parseUUID(uuid))
	if err != nil {
		return 0, fmt.Errorf("hypervisor: lookup %s: %w", uuid, err)
	}
	return h.cpuTimeNs(d)
}

func (h *LibvirtHypervisor) cpuTimeNs(d libvirt.Domain) (uint64, error) {
	params, _, err := h.conn.DomainGetCPUStats(d, 2, 0, 1, 0)
	if err != nil {
		return 0, err
	}
	for _, p := range params {
		if p.Field == "cpu_time" {
			return paramUint64(p), nil
		}
	}
	return 0, nil
}

// HostCPUJiffies reads /proc/stat on the local hypervisor host. Libvirt
// has no RPC for whole-host CPU accounting, so this mirrors the original
// collector's direct read of the kernel's aggregate "cpu" line.
func (h *LibvirtHypervisor) HostCPUJiffies(_ context.Context) (total, busy uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, fmt.Errorf("hypervisor: empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 8 || fields[0] != "cpu" {
		return 0, 0, fmt.Errorf("hypervisor: unexpected /proc/stat format")
	}
	var values []uint64
	for _, f := range fields[1:8] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, err
		}
		values = append(values, v)
	}
	for _, v := range values {
		total += v
	}
	busy = values[0] + values[1] + values[2]
	return total, busy, nil
}

func (h *LibvirtHypervisor) Close() error {
	_, err := h.conn.Disconnect()
	return err
}

func formatUUID(raw libvirt.UUID) string {
	b := raw[:]
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

func parseUUID(s string) libvirt.UUID {
	var out libvirt.UUID
	clean := strings.ReplaceAll(s, "-", "")
	for i := 0; i < len(out) && i*2+1 < len(clean); i++ {
		var b byte
		fmt.Sscanf(clean[i*2:i*2+2], "%02x", &b)
		out[i] = b
	}
	return out
}

// paramUint64 extracts an unsigned 64-bit value from a libvirt typed
// parameter, used for CPUGetStats' cpu_time field (reported as ullong).
func paramUint64(p libvirt.TypedParam) uint64 {
	v := p.Value.I
	switch x := v.(type) {
	case uint64:
		return x
	case int64:
		return uint64(x)
	default:
		return 0
	}
}

var _ Hypervisor = (*LibvirtHypervisor)(nil)
