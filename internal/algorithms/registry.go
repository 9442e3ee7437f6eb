// Package algorithms provides the pluggable detector, selector, and
// placement factories the local and global managers dispatch to by name,
// mirroring the dotted-factory-name configuration keys the controller
// loads at startup.
package algorithms

import (
	"encoding/json"
	"fmt"
	"time"
)

// Params is the raw JSON parameter object passed to a factory, decoded by
// the factory itself into whatever shape it needs.
type Params = json.RawMessage

// UnderloadDetector decides whether a host is underloaded given its
// utilization history (oldest first, newest last). Any state a detector
// keeps between calls lives inside the detector value itself.
type UnderloadDetector interface {
	Detect(utilization []float64) bool
}

// OverloadDetector decides whether a host is overloaded.
type OverloadDetector interface {
	Detect(utilization []float64) bool
}

// VMSelector picks which VMs to migrate off an overloaded host.
type VMSelector interface {
	Select(vmsCPU map[string][]int64, vmsRAM map[string]int64) []string
}

// VMPlacement computes a destination host for each candidate VM.
type VMPlacement interface {
	Place(activeCPU, activeRAM, inactiveCPU, inactiveRAM map[string]int64, vmsCPU map[string][]int64, vmsRAM map[string]int64) map[string]string
}

type UnderloadFactory func(timeStep, migrationTime time.Duration, params Params) (UnderloadDetector, error)
type OverloadFactory func(timeStep, migrationTime time.Duration, params Params) (OverloadDetector, error)
type VMSelectorFactory func(timeStep, migrationTime time.Duration, params Params) (VMSelector, error)
type VMPlacementFactory func(timeStep, migrationTime time.Duration, params Params) (VMPlacement, error)

var (
	underloadRegistry  = map[string]UnderloadFactory{}
	overloadRegistry   = map[string]OverloadFactory{}
	vmSelectorRegistry = map[string]VMSelectorFactory{}
	placementRegistry  = map[string]VMPlacementFactory{}
)

func RegisterUnderload(name string, f UnderloadFactory)   { underloadRegistry[name] = f }
func RegisterOverload(name string, f OverloadFactory)     { overloadRegistry[name] = f }
func RegisterVMSelector(name string, f VMSelectorFactory) { vmSelectorRegistry[name] = f }
func RegisterPlacement(name string, f VMPlacementFactory) { placementRegistry[name] = f }

func NewUnderload(name string, timeStep, migrationTime time.Duration, params Params) (UnderloadDetector, error) {
	f, ok := underloadRegistry[name]
	if !ok {
		return nil, fmt.Errorf("algorithms: unknown underload factory %q", name)
	}
	return f(timeStep, migrationTime, params)
}

func NewOverload(name string, timeStep, migrationTime time.Duration, params Params) (OverloadDetector, error) {
	f, ok := overloadRegistry[name]
	if !ok {
		return nil, fmt.Errorf("algorithms: unknown overload factory %q", name)
	}
	return f(timeStep, migrationTime, params)
}

func NewVMSelector(name string, timeStep, migrationTime time.Duration, params Params) (VMSelector, error) {
	f, ok := vmSelectorRegistry[name]
	if !ok {
		return nil, fmt.Errorf("algorithms: unknown vm selection factory %q", name)
	}
	return f(timeStep, migrationTime, params)
}

func NewPlacement(name string, timeStep, migrationTime time.Duration, params Params) (VMPlacement, error) {
	f, ok := placementRegistry[name]
	if !ok {
		return nil, fmt.Errorf("algorithms: unknown vm placement factory %q", name)
	}
	return f(timeStep, migrationTime, params)
}
