// Package localmanager implements the Local Manager: a per-host daemon
// that evaluates underload/overload detectors against local CPU history
// and, when either fires, POSTs a reallocation request to the Global
// Manager.
package localmanager

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/nova/internal/algorithms"
	"github.com/oriys/nova/internal/hypervisor"
	"github.com/oriys/nova/internal/localstore"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
)

// Config holds the Local Manager's tunables.
type Config struct {
	Interval   time.Duration
	TimeStep   time.Duration // the Data Collector's interval, used by factories
	TotalCPUMhz int64

	UnderloadFactory      string
	UnderloadParameters   algorithms.Params
	OverloadFactory       string
	OverloadParameters    algorithms.Params
	VMSelectionFactory    string
	VMSelectionParameters algorithms.Params

	MigrationTime time.Duration // network_migration_bandwidth-derived estimate

	GlobalManagerURL string
	AdminUser        string
	AdminPassword    string

	Hostname string
}

// LocalManager runs one compute host's tick loop.
type LocalManager struct {
	cfg   Config
	hv    hypervisor.Hypervisor
	local *localstore.Store
	hc    *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	underload algorithms.UnderloadDetector
	overload  algorithms.OverloadDetector
	selector  algorithms.VMSelector
}

func New(cfg Config, hv hypervisor.Hypervisor, local *localstore.Store) (*LocalManager, error) {
	underload, err := algorithms.NewUnderload(cfg.UnderloadFactory, cfg.TimeStep, cfg.MigrationTime, cfg.UnderloadParameters)
	if err != nil {
		return nil, err
	}
	overload, err := algorithms.NewOverload(cfg.OverloadFactory, cfg.TimeStep, cfg.MigrationTime, cfg.OverloadParameters)
	if err != nil {
		return nil, err
	}
	selector, err := algorithms.NewVMSelector(cfg.VMSelectionFactory, cfg.TimeStep, cfg.MigrationTime, cfg.VMSelectionParameters)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LocalManager{
		cfg:       cfg,
		hv:        hv,
		local:     local,
		hc:        &http.Client{Timeout: 10 * time.Second},
		ctx:       ctx,
		cancel:    cancel,
		underload: underload,
		overload:  overload,
		selector:  selector,
	}, nil
}

func (lm *LocalManager) Start() {
	go lm.loop()
	logging.Op().Info("local manager started", "host", lm.cfg.Hostname, "interval", lm.cfg.Interval)
}

func (lm *LocalManager) Stop() {
	lm.cancel()
}

func (lm *LocalManager) loop() {
	ticker := time.NewTicker(lm.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.ctx.Done():
			return
		case <-ticker.C:
			lm.Tick(lm.ctx)
		}
	}
}

// Tick runs one evaluation. Exported so tests can drive it directly.
func (lm *LocalManager) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		d := time.Since(start)
		metrics.Global().RecordTick("local_manager", d)
		metrics.RecordLocalManagerTick(d)
	}()

	vmUUIDs, err := lm.local.KnownVMs()
	if err != nil {
		logging.Op().Error("local manager: known vms", "error", err)
		return
	}

	vmsCPU := make(map[string][]int64, len(vmUUIDs))
	vmsRAM := make(map[string]int64, len(vmUUIDs))
	maxLen := 0
	for _, uuid := range vmUUIDs {
		hist, err := lm.local.ReadVMHistory(uuid)
		if err != nil {
			logging.Op().Error("local manager: read vm history", "vm", uuid, "error", err)
			continue
		}
		ramKB, err := lm.vmRAMLimitKB(ctx, uuid)
		if err != nil {
			// VM's RAM limit cannot be resolved (e.g. it vanished); drop
			// it from consideration this tick.
			continue
		}
		vmsCPU[uuid] = hist
		vmsRAM[uuid] = ramKB / 1024
		if len(hist) > maxLen {
			maxLen = len(hist)
		}
	}

	if len(vmsCPU) == 0 {
		return
	}

	hostHist, err := lm.local.ReadHostHistory()
	if err != nil {
		logging.Op().Error("local manager: read host history", "error", err)
		return
	}
	if len(hostHist) > maxLen {
		maxLen = len(hostHist)
	}

	utilization := lm.buildUtilization(vmsCPU, hostHist, maxLen)
	if len(utilization) == 0 {
		return
	}

	if lm.underload.Detect(utilization) {
		metrics.RecordUnderloadDecision(lm.cfg.Hostname, true)
		lm.send(ctx, reallocRequest{reason: 0, host: lm.cfg.Hostname})
		return
	}
	metrics.RecordUnderloadDecision(lm.cfg.Hostname, false)

	if lm.overload.Detect(utilization) {
		metrics.RecordOverloadDecision(lm.cfg.Hostname, true)
		selected := lm.selector.Select(vmsCPU, vmsRAM)
		if len(selected) == 0 {
			return
		}
		lm.send(ctx, reallocRequest{reason: 1, host: lm.cfg.Hostname, vmUUIDs: selected})
		return
	}
	metrics.RecordOverloadDecision(lm.cfg.Hostname, false)
}

func (lm *LocalManager) vmRAMLimitKB(ctx context.Context, uuid string) (int64, error) {
	domains, err := lm.hv.ListRunningDomains(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range domains {
		if d.UUID == uuid {
			return int64(d.MaxMemKB), nil
		}
	}
	return 0, fmt.Errorf("localmanager: vm %s not found", uuid)
}

// buildUtilization aligns all per-VM histories and the host-hypervisor
// history to maxLen by left-padding with zeros, sums elementwise, and
// divides by total CPU capacity to produce a dimensionless fraction.
func (lm *LocalManager) buildUtilization(vmsCPU map[string][]int64, hostHist []int64, maxLen int) []float64 {
	if maxLen == 0 || lm.cfg.TotalCPUMhz <= 0 {
		return nil
	}
	sums := make([]int64, maxLen)
	addPadded := func(series []int64) {
		pad := maxLen - len(series)
		for i, v := range series {
			sums[pad+i] += v
		}
	}
	for _, series := range vmsCPU {
		addPadded(series)
	}
	addPadded(hostHist)

	out := make([]float64, maxLen)
	for i, s := range sums {
		out[i] = float64(s) / float64(lm.cfg.TotalCPUMhz)
	}
	return out
}

type reallocRequest struct {
	reason  int
	host    string
	vmUUIDs []string
}

func (lm *LocalManager) send(ctx context.Context, req reallocRequest) {
	now := time.Now()
	userHash := sha1Hex(lm.cfg.AdminUser)
	passHash := sha1Hex(lm.cfg.AdminPassword)

	form := url.Values{}
	form.Set("username", userHash)
	form.Set("password", passHash)
	form.Set("time", strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', -1, 64))
	form.Set("reason", strconv.Itoa(req.reason))
	form.Set("host", req.host)
	if len(req.vmUUIDs) > 0 {
		form.Set("vm_uuids", strings.Join(req.vmUUIDs, ","))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, lm.cfg.GlobalManagerURL, strings.NewReader(form.Encode()))
	if err != nil {
		logging.Op().Error("local manager: build request", "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := lm.hc.Do(httpReq)
	reasonLabel := "underload"
	if req.reason == 1 {
		reasonLabel = "overload"
	}
	if err != nil {
		logging.Op().Error("local manager: post reallocation", "error", err)
		metrics.RecordReallocationRequest(reasonLabel, "error")
		return
	}
	defer resp.Body.Close()
	status := "accepted"
	if resp.StatusCode != http.StatusOK {
		status = "rejected"
		logging.Op().Warn("local manager: reallocation rejected", "status", resp.StatusCode)
	}
	metrics.RecordReallocationRequest(reasonLabel, status)
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
