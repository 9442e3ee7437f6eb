package algorithms

import (
	"encoding/json"
	"time"
)

func init() {
	RegisterOverload("otf", newOTFOverload)
}

// otfOverload implements Overloading-Time Fraction detection: it tracks the
// running ratio of overloaded ticks (with an additive migration-time term)
// to total observed ticks, and fires once that ratio reaches otf.
type otfOverload struct {
	otf                     float64
	threshold               float64
	limit                   int
	migrationTimeNormalized float64

	totalSteps    int
	overloadSteps int
}

func newOTFOverload(timeStep time.Duration, migrationTime time.Duration, params Params) (OverloadDetector, error) {
	var p struct {
		OTF       float64 `json:"otf"`
		Threshold float64 `json:"threshold"`
		Limit     int     `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	normalized := 0.0
	if timeStep > 0 {
		normalized = migrationTime.Seconds() / timeStep.Seconds()
	}
	return &otfOverload{
		otf:                     p.OTF,
		threshold:               p.Threshold,
		limit:                   p.Limit,
		migrationTimeNormalized: normalized,
	}, nil
}

func (d *otfOverload) Detect(utilization []float64) bool {
	d.totalSteps++
	last := 0.0
	if len(utilization) > 0 {
		last = utilization[len(utilization)-1]
	}
	overload := last >= d.threshold
	if overload {
		d.overloadSteps++
	}
	if !overload || len(utilization) < d.limit {
		return false
	}
	ratio := (d.migrationTimeNormalized + float64(d.overloadSteps)) / (d.migrationTimeNormalized + float64(d.totalSteps))
	return ratio >= d.otf
}
