package algorithms

import (
	"encoding/json"
	"math/rand"
	"sort"
	"time"
)

func init() {
	RegisterVMSelector("random", newRandomSelector)
	RegisterVMSelector("minimum_utilization", newMinimumUtilizationSelector)
	RegisterVMSelector("minimum_migration_time", newMinimumMigrationTimeSelector)
	RegisterVMSelector("minimum_migration_time_max_cpu", newMinimumMigrationTimeMaxCPUSelector)
}

// sortedUUIDs returns the map's keys sorted, giving deterministic
// iteration order over otherwise unordered Go maps.
func sortedUUIDs(vmsCPU map[string][]int64) []string {
	uuids := make([]string, 0, len(vmsCPU))
	for u := range vmsCPU {
		uuids = append(uuids, u)
	}
	sort.Strings(uuids)
	return uuids
}

type randomSelector struct{ rng *rand.Rand }

func newRandomSelector(time.Duration, time.Duration, Params) (VMSelector, error) {
	return &randomSelector{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
}

func (s *randomSelector) Select(vmsCPU map[string][]int64, _ map[string]int64) []string {
	uuids := sortedUUIDs(vmsCPU)
	if len(uuids) == 0 {
		return nil
	}
	return []string{uuids[s.rng.Intn(len(uuids))]}
}

type minimumUtilizationSelector struct{}

func newMinimumUtilizationSelector(time.Duration, time.Duration, Params) (VMSelector, error) {
	return minimumUtilizationSelector{}, nil
}

func (minimumUtilizationSelector) Select(vmsCPU map[string][]int64, _ map[string]int64) []string {
	uuids := sortedUUIDs(vmsCPU)
	if len(uuids) == 0 {
		return nil
	}
	best := uuids[0]
	var bestVal int64
	if h := vmsCPU[best]; len(h) > 0 {
		bestVal = h[len(h)-1]
	}
	for _, u := range uuids[1:] {
		h := vmsCPU[u]
		if len(h) == 0 {
			continue
		}
		v := h[len(h)-1]
		if v < bestVal {
			bestVal = v
			best = u
		}
	}
	return []string{best}
}

type minimumMigrationTimeSelector struct{}

func newMinimumMigrationTimeSelector(time.Duration, time.Duration, Params) (VMSelector, error) {
	return minimumMigrationTimeSelector{}, nil
}

func (minimumMigrationTimeSelector) Select(vmsCPU map[string][]int64, vmsRAM map[string]int64) []string {
	uuids := sortedUUIDs(vmsCPU)
	if len(uuids) == 0 {
		return nil
	}
	best := uuids[0]
	bestRAM := vmsRAM[best]
	for _, u := range uuids[1:] {
		if vmsRAM[u] < bestRAM {
			bestRAM = vmsRAM[u]
			best = u
		}
	}
	return []string{best}
}

type minimumMigrationTimeMaxCPUSelector struct {
	lastN int
}

func newMinimumMigrationTimeMaxCPUSelector(_ time.Duration, _ time.Duration, params Params) (VMSelector, error) {
	var p struct {
		LastN int `json:"last_n"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	if p.LastN <= 0 {
		p.LastN = 1
	}
	return &minimumMigrationTimeMaxCPUSelector{lastN: p.LastN}, nil
}

func (s *minimumMigrationTimeMaxCPUSelector) Select(vmsCPU map[string][]int64, vmsRAM map[string]int64) []string {
	uuids := sortedUUIDs(vmsCPU)
	if len(uuids) == 0 {
		return nil
	}
	minRAM := vmsRAM[uuids[0]]
	for _, u := range uuids[1:] {
		if vmsRAM[u] < minRAM {
			minRAM = vmsRAM[u]
		}
	}
	var selected string
	maxCPU := 0.0
	for _, u := range uuids {
		if vmsRAM[u] > minRAM {
			continue
		}
		hist := vmsCPU[u]
		n := s.lastN
		if n > len(hist) {
			n = len(hist)
		}
		if n == 0 {
			continue
		}
		tail := hist[len(hist)-n:]
		var sum int64
		for _, v := range tail {
			sum += v
		}
		avg := float64(sum) / float64(len(tail))
		if selected == "" || maxCPU < avg {
			maxCPU = avg
			selected = u
		}
	}
	if selected == "" {
		return nil
	}
	return []string{selected}
}
