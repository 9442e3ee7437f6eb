// Package collector implements the Data Collector: a per-host daemon that
// polls the hypervisor for running VMs, converts cumulative CPU time into
// an average MHz rate over the last tick, and writes the result both to
// local per-VM history files and to the central store.
package collector

import (
	"context"
	"time"

	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/hypervisor"
	"github.com/oriys/nova/internal/localstore"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/store"
)

// Config holds the Collector's tunables, mirroring the
// data_collector_* keys in the configuration file.
type Config struct {
	Interval          time.Duration
	DataLength        int
	OverloadThreshold float64 // fraction of host_cpu_usable_by_vms considered overloaded
	UsableByVMs       float64 // fraction of total host CPU usable by VMs
}

// vmState tracks the previous sample for one VM so the next tick can
// compute a delta; a VM with no entry, or first seen this tick, has no
// baseline yet.
type vmState struct {
	cpuTimeNs uint64
	lastMhz   int64
	hasMhz    bool
}

// Collector runs one compute host's data collection loop.
type Collector struct {
	cfg      Config
	hv       hypervisor.Hypervisor
	store    store.Store
	local    *localstore.Store
	hostID    int64
	hostname  string
	coreMhz   int64
	totalMhz  int64

	ctx    context.Context
	cancel context.CancelFunc

	previousTime time.Time
	vmStates     map[string]*vmState
	prevOverload bool
	haveOverload bool

	prevTotalJiffies uint64
	prevBusyJiffies  uint64
	haveJiffies      bool
}

// New constructs a Collector for the host identified by a Host record
// already upserted into the store (CPUMhzTotal/CPUCores/RAMTotalMB known).
func New(cfg Config, hv hypervisor.Hypervisor, st store.Store, local *localstore.Store, host domain.Host) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		cfg:      cfg,
		hv:       hv,
		store:    st,
		local:    local,
		hostID:   host.ID,
		hostname: host.Hostname,
		coreMhz:  host.CoreMhz(),
		totalMhz: host.CPUMhzTotal,
		ctx:      ctx,
		cancel:   cancel,
		vmStates: map[string]*vmState{},
	}
}

// Start launches the collection loop in a background goroutine.
func (c *Collector) Start() {
	go c.loop()
	logging.Op().Info("collector started", "host", c.hostname, "interval", c.cfg.Interval)
}

// Stop cancels the collection loop.
func (c *Collector) Stop() {
	c.cancel()
}

func (c *Collector) loop() {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Tick(c.ctx)
		}
	}
}

// Tick runs one collection iteration: reconcile the VM set, sample CPU
// usage, and persist results. It is exported so tests (and a manually
// driven first tick) can call it directly without waiting on the ticker.
func (c *Collector) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		d := time.Since(start)
		metrics.Global().RecordTick("collector", d)
		metrics.RecordCollectorTick(d)
	}()

	domains, err := c.hv.ListRunningDomains(ctx)
	if err != nil {
		logging.Op().Error("collector: list domains", "error", err)
		return
	}
	current := make(map[string]hypervisor.DomainInfo, len(domains))
	for _, d := range domains {
		current[d.UUID] = d
	}

	known, err := c.local.KnownVMs()
	if err != nil {
		logging.Op().Error("collector: list known vms", "error", err)
		return
	}
	knownSet := make(map[string]bool, len(known))
	for _, uuid := range known {
		knownSet[uuid] = true
	}

	added := make(map[string]bool)
	for uuid := range current {
		if knownSet[uuid] {
			continue
		}
		added[uuid] = true
		vmID, err := c.store.EnsureVM(ctx, uuid)
		if err != nil {
			logging.Op().Error("collector: ensure vm", "vm", uuid, "error", err)
			continue
		}
		hist, err := c.store.LastVmCpuSamples(ctx, vmID, c.cfg.DataLength)
		if err != nil {
			logging.Op().Error("collector: fetch remote history", "vm", uuid, "error", err)
			hist = nil
		}
		if err := c.local.WriteVMHistory(uuid, hist, c.cfg.DataLength); err != nil {
			logging.Op().Error("collector: write local history", "vm", uuid, "error", err)
		}
		if len(hist) > 0 {
			c.vmStates[uuid] = &vmState{lastMhz: hist[len(hist)-1], hasMhz: true}
		} else {
			c.vmStates[uuid] = &vmState{}
		}
	}

	for uuid := range knownSet {
		if _, ok := current[uuid]; ok {
			continue
		}
		if err := c.local.RemoveVM(uuid); err != nil {
			logging.Op().Error("collector: remove local vm data", "vm", uuid, "error", err)
		}
		delete(c.vmStates, uuid)
	}

	now := time.Now()
	vmMhz := make(map[string]int64, len(current))
	for uuid, d := range current {
		st, ok := c.vmStates[uuid]
		if !ok {
			st = &vmState{}
			c.vmStates[uuid] = st
		}

		if c.previousTime.IsZero() || added[uuid] || !ok {
			st.cpuTimeNs = d.CPUTimeNs
			continue
		}

		if d.CPUTimeNs < st.cpuTimeNs {
			// Counter went backwards (VM restarted or migrated in);
			// reuse the previous rate rather than computing a bogus
			// negative delta.
			if st.hasMhz {
				vmMhz[uuid] = st.lastMhz
			}
			st.cpuTimeNs = d.CPUTimeNs
			continue
		}

		interval := now.Sub(c.previousTime)
		mhz := hypervisor.MhzFromCPUTime(d.CPUTimeNs-st.cpuTimeNs, interval, c.coreMhz)
		vmMhz[uuid] = mhz
		st.lastMhz = mhz
		st.hasMhz = true
		st.cpuTimeNs = d.CPUTimeNs
	}

	totalJ, busyJ, err := c.hv.HostCPUJiffies(ctx)
	if err != nil {
		logging.Op().Error("collector: host cpu jiffies", "error", err)
	}

	if !c.previousTime.IsZero() {
		var hostBusyMhz int64
		if c.haveJiffies && totalJ > c.prevTotalJiffies {
			frac := float64(busyJ-c.prevBusyJiffies) / float64(totalJ-c.prevTotalJiffies)
			hostBusyMhz = int64(frac * float64(c.totalMhz))
			if hostBusyMhz < 0 {
				hostBusyMhz = 0
			}
		}
		c.persist(ctx, vmMhz, hostBusyMhz)
	}
	c.prevTotalJiffies, c.prevBusyJiffies, c.haveJiffies = totalJ, busyJ, true

	c.previousTime = now
}

func (c *Collector) persist(ctx context.Context, vmMhz map[string]int64, hostBusyMhz int64) {
	now := time.Now()
	var vmTotal int64
	for uuid, mhz := range vmMhz {
		vmTotal += mhz
		if err := c.local.AppendVMSample(uuid, mhz, c.cfg.DataLength); err != nil {
			logging.Op().Error("collector: append local vm sample", "vm", uuid, "error", err)
		}
		vmID, err := c.store.EnsureVM(ctx, uuid)
		if err != nil {
			logging.Op().Error("collector: ensure vm", "vm", uuid, "error", err)
			continue
		}
		if err := c.store.InsertVmCpuSample(ctx, vmID, now, mhz); err != nil {
			logging.Op().Error("collector: insert vm sample", "vm", uuid, "error", err)
		}
		metrics.RecordVMSample(c.hostname, uuid, mhz)
	}

	hostMhz := hostBusyMhz - vmTotal
	if hostMhz < 0 {
		hostMhz = 0
	}

	if err := c.local.AppendHostSample(hostMhz, c.cfg.DataLength); err != nil {
		logging.Op().Error("collector: append local host sample", "error", err)
	}
	if err := c.store.InsertHostCpuSample(ctx, c.hostID, now, hostMhz); err != nil {
		logging.Op().Error("collector: insert host sample", "error", err)
	}
	metrics.RecordHostSample(c.hostname, hostMhz)

	usableMhz := float64(c.totalMhz) * c.cfg.UsableByVMs
	overload := usableMhz*c.cfg.OverloadThreshold < float64(vmTotal)
	if !c.haveOverload || c.prevOverload != overload {
		if err := c.store.InsertHostOverload(ctx, c.hostID, now, overload); err != nil {
			logging.Op().Error("collector: insert host overload", "error", err)
		}
	}
	c.prevOverload = overload
	c.haveOverload = true
}
