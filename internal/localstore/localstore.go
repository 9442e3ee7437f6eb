// Package localstore implements the Data Collector's local file-based
// history: a newline-separated list of integer CPU MHz samples per VM
// under <local_data_directory>/vms/<uuid>, and a single such file for the
// host's own (non-VM) CPU usage at <local_data_directory>/host.
package localstore

import (
	"bufio"
	"container/list"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Store manages the local_data_directory tree for one compute host.
type Store struct {
	root string
}

func New(localDataDirectory string) *Store {
	return &Store{root: localDataDirectory}
}

func (s *Store) vmDir() string {
	return filepath.Join(s.root, "vms")
}

func (s *Store) vmPath(uuid string) string {
	return filepath.Join(s.vmDir(), uuid)
}

func (s *Store) hostPath() string {
	return filepath.Join(s.root, "host")
}

// EnsureDirs creates the vms/ subdirectory if it does not already exist.
func (s *Store) EnsureDirs() error {
	return os.MkdirAll(s.vmDir(), 0o755)
}

// KnownVMs lists the UUIDs of VMs with a local history file, used to
// compute the added/removed VM sets against the hypervisor's current list.
func (s *Store) KnownVMs() ([]string, error) {
	entries, err := os.ReadDir(s.vmDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// RemoveVM deletes the local history file for a VM that is no longer
// present on the host.
func (s *Store) RemoveVM(uuid string) error {
	err := os.Remove(s.vmPath(uuid))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// WriteVMHistory overwrites a VM's local history file with values,
// truncated to the last dataLength entries (or unbounded if dataLength<=0).
// Used to seed newly-added VMs with history fetched from the central DB.
func (s *Store) WriteVMHistory(uuid string, values []int64, dataLength int) error {
	if dataLength > 0 && len(values) > dataLength {
		values = values[len(values)-dataLength:]
	}
	return writeIntLines(s.vmPath(uuid), values)
}

// ReadVMHistory returns a VM's locally stored CPU MHz samples, oldest first.
func (s *Store) ReadVMHistory(uuid string) ([]int64, error) {
	return readIntLines(s.vmPath(uuid))
}

// AppendVMSample appends one CPU MHz value to a VM's local history file,
// creating it if absent and capping it at dataLength lines (FIFO).
func (s *Store) AppendVMSample(uuid string, value int64, dataLength int) error {
	return appendIntLine(s.vmPath(uuid), value, dataLength)
}

// AppendHostSample appends one CPU MHz value to the host's own local
// history file, capping it at dataLength lines.
func (s *Store) AppendHostSample(value int64, dataLength int) error {
	return appendIntLine(s.hostPath(), value, dataLength)
}

// ReadHostHistory returns the host's locally stored non-VM CPU MHz
// samples, oldest first.
func (s *Store) ReadHostHistory() ([]int64, error) {
	return readIntLines(s.hostPath())
}

// CleanupAll deletes every VM history file and the host history file, used
// on daemon startup per the original collector's "directory already
// existed" branch.
func (s *Store) CleanupAll() error {
	known, err := s.KnownVMs()
	if err != nil {
		return err
	}
	for _, uuid := range known {
		if err := s.RemoveVM(uuid); err != nil {
			return err
		}
	}
	if err := os.Remove(s.hostPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readIntLines(path string) ([]int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}

func writeIntLines(path string, values []int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	for _, v := range values {
		b.WriteString(strconv.FormatInt(v, 10))
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// appendIntLine implements the same bounded-deque append the original
// collector uses: read the existing lines, push the new value, keep only
// the last dataLength, and rewrite the file.
func appendIntLine(path string, value int64, dataLength int) error {
	existing, err := readIntLines(path)
	if err != nil {
		return err
	}

	dq := list.New()
	for _, v := range existing {
		dq.PushBack(v)
	}
	dq.PushBack(value)
	if dataLength > 0 {
		for dq.Len() > dataLength {
			dq.Remove(dq.Front())
		}
	}

	values := make([]int64, 0, dq.Len())
	for e := dq.Front(); e != nil; e = e.Next() {
		values = append(values, e.Value.(int64))
	}
	return writeIntLines(path, values)
}
