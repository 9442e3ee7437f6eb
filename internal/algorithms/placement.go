package algorithms

import (
	"encoding/json"
	"sort"
	"time"
)

func init() {
	RegisterPlacement("best_fit_decreasing", newBestFitDecreasing)
}

type bestFitDecreasing struct {
	lastN int
}

func newBestFitDecreasing(_ time.Duration, _ time.Duration, params Params) (VMPlacement, error) {
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
	return &bestFitDecreasing{lastN: p.LastN}, nil
}

type hostAvail struct {
	name string
	cpu  int64
	ram  int64
}

type vmDemand struct {
	uuid    string
	meanCPU float64
	ram     int64
}

// Place implements Best-Fit Decreasing bin packing: VMs are sorted
// descending by mean recent CPU demand, hosts ascending by available
// capacity; each VM goes to the first active host that fits, activating
// the smallest inactive host on exhaustion. Returns an empty map unless
// every VM received an assignment.
func (b *bestFitDecreasing) Place(activeCPU, activeRAM, inactiveCPU, inactiveRAM map[string]int64, vmsCPU map[string][]int64, vmsRAM map[string]int64) map[string]string {
	vms := make([]vmDemand, 0, len(vmsCPU))
	for uuid, hist := range vmsCPU {
		n := b.lastN
		if n > len(hist) {
			n = len(hist)
		}
		var sum int64
		if n > 0 {
			for _, v := range hist[len(hist)-n:] {
				sum += v
			}
		}
		mean := 0.0
		if n > 0 {
			mean = float64(sum) / float64(n)
		}
		vms = append(vms, vmDemand{uuid: uuid, meanCPU: mean, ram: vmsRAM[uuid]})
	}
	// Descending by mean CPU, tie-broken by UUID for determinism.
	sort.Slice(vms, func(i, j int) bool {
		if vms[i].meanCPU != vms[j].meanCPU {
			return vms[i].meanCPU > vms[j].meanCPU
		}
		return vms[i].uuid < vms[j].uuid
	})

	active := toHostAvailSlice(activeCPU, activeRAM)
	sortHostsAscending(active)
	inactive := toHostAvailSlice(inactiveCPU, inactiveRAM)
	sortHostsAscending(inactive)

	placement := map[string]string{}

	for _, vm := range vms {
		vmCPU := int64(vm.meanCPU)
		mapped := false
		for {
			for i := range active {
				if active[i].cpu >= vmCPU && active[i].ram >= vm.ram {
					active[i].cpu -= vmCPU
					active[i].ram -= vm.ram
					placement[vm.uuid] = active[i].name
					mapped = true
					break
				}
			}
			if mapped {
				break
			}
			if len(inactive) == 0 {
				break
			}
			activated := inactive[0]
			inactive = inactive[1:]
			active = append(active, activated)
			sortHostsAscending(active)
		}
		if !mapped {
			break
		}
	}

	if len(placement) != len(vms) {
		return map[string]string{}
	}
	return placement
}

func toHostAvailSlice(cpu, ram map[string]int64) []hostAvail {
	out := make([]hostAvail, 0, len(cpu))
	for name, c := range cpu {
		out = append(out, hostAvail{name: name, cpu: c, ram: ram[name]})
	}
	return out
}

func sortHostsAscending(hosts []hostAvail) {
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].cpu != hosts[j].cpu {
			return hosts[i].cpu < hosts[j].cpu
		}
		if hosts[i].ram != hosts[j].ram {
			return hosts[i].ram < hosts[j].ram
		}
		return hosts[i].name < hosts[j].name
	})
}
