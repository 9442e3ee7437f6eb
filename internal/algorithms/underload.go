package algorithms

import (
	"encoding/json"
	"time"
)

func init() {
	RegisterUnderload("always", newAlwaysUnderload)
	RegisterUnderload("threshold", newThresholdUnderload)
	RegisterUnderload("last_n_average", newLastNAverageUnderload)
}

type alwaysUnderload struct{}

func newAlwaysUnderload(time.Duration, time.Duration, Params) (UnderloadDetector, error) {
	return alwaysUnderload{}, nil
}

func (alwaysUnderload) Detect(_ []float64) bool { return true }

// thresholdUnderload fires when the last utilization sample is at or below
// a fixed threshold.
type thresholdUnderload struct {
	threshold float64
}

func newThresholdUnderload(_ time.Duration, _ time.Duration, params Params) (UnderloadDetector, error) {
	var p struct {
		Threshold float64 `json:"threshold"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	return &thresholdUnderload{threshold: p.Threshold}, nil
}

func (d *thresholdUnderload) Detect(utilization []float64) bool {
	if len(utilization) == 0 {
		return false
	}
	return utilization[len(utilization)-1] <= d.threshold
}

// lastNAverageUnderload fires when the mean of the last n samples is at or
// below a fixed threshold.
type lastNAverageUnderload struct {
	threshold float64
	n         int
}

func newLastNAverageUnderload(_ time.Duration, _ time.Duration, params Params) (UnderloadDetector, error) {
	var p struct {
		Threshold float64 `json:"threshold"`
		N         int     `json:"n"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	if p.N <= 0 {
		p.N = 1
	}
	return &lastNAverageUnderload{threshold: p.Threshold, n: p.N}, nil
}

func (d *lastNAverageUnderload) Detect(utilization []float64) bool {
	n := d.n
	if n > len(utilization) {
		n = len(utilization)
	}
	if n == 0 {
		return false
	}
	tail := utilization[len(utilization)-n:]
	sum := 0.0
	for _, v := range tail {
		sum += v
	}
	return sum/float64(n) <= d.threshold
}
