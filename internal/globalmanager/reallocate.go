package globalmanager

import (
	"context"
	"time"

	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/migration"
)

// handleUnderload implements §4.3's underload path: migrate every VM off
// the underloaded host, then power down every active host that received
// none of the migrated VMs and was not kept active.
func (h *Handler) handleUnderload(ctx context.Context, reqID, underloadedHost string) {
	snap, err := h.assemble(ctx)
	if err != nil {
		logging.Op().Error("global manager: assemble snapshot", "request_id", reqID, "error", err)
		return
	}

	activeCPU := map[string]int64{}
	activeRAM := map[string]int64{}
	keepActive := map[string]bool{}

	for hostname, hh := range snap.Hosts {
		if hostname == underloadedHost {
			continue
		}
		if !snap.HostHasVM[hostname] {
			continue // inactive hosts aren't part of the active set
		}
		ok := true
		for _, srv := range snap.VmsByHost[hostname] {
			if _, found := h.vmCPUHistory(ctx, srv.UUID); !found {
				ok = false
				break
			}
		}
		if !ok {
			keepActive[hostname] = true
			continue
		}
		activeCPU[hostname] = hh.CPUMhzTotal - snap.HostUsedCPU[hostname]
		activeRAM[hostname] = hh.RAMTotalMB - snap.HostUsedRAM[hostname]
	}

	vmsCPU := map[string][]int64{}
	vmsRAM := map[string]int64{}
	for _, srv := range snap.VmsByHost[underloadedHost] {
		hist, found := h.vmCPUHistory(ctx, srv.UUID)
		if !found {
			continue
		}
		ram, err := h.vmFlavorRAM(ctx, srv)
		if err != nil {
			continue
		}
		vmsCPU[srv.UUID] = hist
		vmsRAM[srv.UUID] = ram
	}
	if len(vmsCPU) == 0 {
		return
	}

	placement := h.placement.Place(activeCPU, activeRAM, nil, nil, vmsCPU, vmsRAM)
	if len(placement) == 0 {
		metrics.RecordPlacementFailure()
		return
	}

	h.runMigrations(ctx, reqID, snap, placement)

	poweredOff := map[string]bool{}
	for hostname := range activeCPU {
		if keepActive[hostname] {
			continue
		}
		stillUsed := false
		for _, dest := range placement {
			if dest == hostname {
				stillUsed = true
				break
			}
		}
		if !stillUsed {
			poweredOff[hostname] = true
		}
	}
	for hostname := range poweredOff {
		h.powerDown(ctx, hostname)
	}
	h.invalidateSnapshot(ctx)
}

// handleOverload implements §4.3's overload path: evict the given VMs off
// the overloaded host, activating inactive hosts as needed.
func (h *Handler) handleOverload(ctx context.Context, reqID, overloadedHost string, vmUUIDs []string) {
	snap, err := h.assemble(ctx)
	if err != nil {
		logging.Op().Error("global manager: assemble snapshot", "request_id", reqID, "error", err)
		return
	}

	activeCPU := map[string]int64{}
	activeRAM := map[string]int64{}
	inactiveCPU := map[string]int64{}
	inactiveRAM := map[string]int64{}

	for hostname, hh := range snap.Hosts {
		if hostname == overloadedHost {
			continue
		}
		if snap.HostHasVM[hostname] {
			activeCPU[hostname] = hh.CPUMhzTotal - snap.HostUsedCPU[hostname]
			activeRAM[hostname] = hh.RAMTotalMB - snap.HostUsedRAM[hostname]
		} else {
			inactiveCPU[hostname] = hh.CPUMhzTotal
			inactiveRAM[hostname] = hh.RAMTotalMB
		}
	}

	vmsCPU := map[string][]int64{}
	vmsRAM := map[string]int64{}
	byUUID := map[string]struct{}{}
	for _, uuid := range vmUUIDs {
		byUUID[uuid] = struct{}{}
	}
	for _, srv := range snap.VmsByHost[overloadedHost] {
		if _, wanted := byUUID[srv.UUID]; !wanted {
			continue
		}
		hist, found := h.vmCPUHistory(ctx, srv.UUID)
		if !found {
			continue
		}
		ram, err := h.vmFlavorRAM(ctx, srv)
		if err != nil {
			continue
		}
		vmsCPU[srv.UUID] = hist
		vmsRAM[srv.UUID] = ram
	}
	if len(vmsCPU) == 0 {
		return
	}

	placement := h.placement.Place(activeCPU, activeRAM, inactiveCPU, inactiveRAM, vmsCPU, vmsRAM)
	if len(placement) == 0 {
		metrics.RecordPlacementFailure()
		return
	}

	for _, dest := range placement {
		if _, wasInactive := inactiveCPU[dest]; wasInactive {
			h.powerUp(ctx, dest)
		}
	}

	h.runMigrations(ctx, reqID, snap, placement)
	h.invalidateSnapshot(ctx)
}

func (h *Handler) runMigrations(ctx context.Context, reqID string, snap *clusterSnapshot, placement domain.Placement) {
	var moves []migration.Move
	for vmUUID, dest := range placement {
		source := ""
		for hostname, servers := range snap.VmsByHost {
			for _, srv := range servers {
				if srv.UUID == vmUUID {
					source = hostname
				}
			}
		}
		destHost, ok := snap.Hosts[dest]
		if !ok {
			continue
		}
		vmID, err := h.store.EnsureVM(ctx, vmUUID)
		if err != nil {
			continue
		}
		moves = append(moves, migration.Move{
			VMID:       vmID,
			VMUUID:     vmUUID,
			SourceHost: source,
			DestHost:   dest,
			DestHostID: destHost.ID,
		})
	}
	if len(moves) == 0 {
		return
	}
	logging.Op().Info("global manager: starting migration batch", "request_id", reqID, "moves", len(moves))
	seq := migration.New(h.cfg.Migration, h.cc, h.store, h.runner)
	seq.Run(ctx, moves)
}

func (h *Handler) powerDown(ctx context.Context, hostname string) {
	if err := h.suspender.SuspendHost(ctx, hostname); err != nil {
		logging.Op().Error("global manager: suspend host", "host", hostname, "error", err)
		return
	}
	if hh, ok := h.hostByName(ctx, hostname); ok {
		if err := h.store.InsertHostState(ctx, hh.ID, time.Now(), domain.HostOff); err != nil {
			logging.Op().Error("global manager: record host off", "host", hostname, "error", err)
		}
		metrics.RecordHostSwitchedOff()
	}
}

func (h *Handler) powerUp(ctx context.Context, hostname string) {
	if err := h.waker.Wake(ctx, hostname); err != nil {
		logging.Op().Error("global manager: wake host", "host", hostname, "error", err)
		return
	}
	if hh, ok := h.hostByName(ctx, hostname); ok {
		if err := h.store.InsertHostState(ctx, hh.ID, time.Now(), domain.HostOn); err != nil {
			logging.Op().Error("global manager: record host on", "host", hostname, "error", err)
		}
		metrics.RecordHostSwitchedOn()
	}
}

func (h *Handler) hostByName(ctx context.Context, hostname string) (domain.Host, bool) {
	hh, err := h.store.GetHostByName(ctx, hostname)
	if err != nil {
		return domain.Host{}, false
	}
	return *hh, true
}
