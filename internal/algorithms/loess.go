package algorithms

import (
	"encoding/json"
	"math"
	"time"
)

func init() {
	RegisterOverload("loess", newLOESSOverload)
	RegisterOverload("loess_robust", newLOESSRobustOverload)
}

// tricubeWeights mirrors the original's construction: weights for indices
// 2..n-1 follow the tricube kernel, and the first two entries are copies
// of the third so the slice has length n.
func tricubeWeights(n int) []float64 {
	w := make([]float64, n)
	if n <= 2 {
		for i := range w {
			w[i] = 1
		}
		return w
	}
	top := float64(n - 1)
	spread := top
	for i := 2; i < n; i++ {
		w[i] = math.Pow(1-math.Pow((top-float64(i))/spread, 3), 3)
	}
	w[0] = w[2]
	w[1] = w[2]
	return w
}

// tricubeBisquareWeights reweights the base tricube weights by a bisquare
// factor derived from the regression residuals.
func tricubeBisquareWeights(residuals []float64) []float64 {
	n := len(residuals)
	base := tricubeWeights(n)
	if n <= 2 {
		return base
	}
	absResiduals := make([]float64, n)
	for i, r := range residuals {
		absResiduals[i] = math.Abs(r)
	}
	s6 := 6 * median(absResiduals)
	w2 := make([]float64, n)
	copy(w2, base)
	if s6 != 0 {
		for i := 2; i < n; i++ {
			ratio := residuals[i] / s6
			w2[i] = base[i] * math.Pow(1-ratio*ratio, 2)
		}
	}
	w2[0] = w2[2]
	w2[1] = w2[2]
	return w2
}

// weightedLinearFit fits y = p0 + p1*x by weighted least squares, x being
// 0..n-1, matching the original's scipy leastsq usage for a 2-parameter
// linear model.
func weightedLinearFit(y []float64, weights []float64) (p0, p1 float64) {
	n := len(y)
	var sw, swx, swy, swxx, swxy float64
	for i := 0; i < n; i++ {
		x := float64(i)
		w := weights[i]
		sw += w
		swx += w * x
		swy += w * y[i]
		swxx += w * x * x
		swxy += w * x * y[i]
	}
	denom := sw*swxx - swx*swx
	if denom == 0 {
		return y[n-1], 0
	}
	p1 = (sw*swxy - swx*swy) / denom
	p0 = (swy - p1*swx) / sw
	return p0, p1
}

func loessParameterEstimates(data []float64) (p0, p1 float64) {
	weights := tricubeWeights(len(data))
	return weightedLinearFit(data, weights)
}

func loessRobustParameterEstimates(data []float64) (p0, p1 float64) {
	p0, p1 = loessParameterEstimates(data)
	residuals := make([]float64, len(data))
	for i, y := range data {
		fitted := p0 + p1*float64(i)
		residuals[i] = y - fitted
	}
	weights := tricubeBisquareWeights(residuals)
	return weightedLinearFit(data, weights)
}

type loessOverload struct {
	threshold float64
	safety    float64
	length    int
	migTime   float64
	robust    bool
}

func newLOESSOverload(timeStep, migrationTime time.Duration, params Params) (OverloadDetector, error) {
	return newLoessAny(timeStep, migrationTime, params, false)
}

func newLOESSRobustOverload(timeStep, migrationTime time.Duration, params Params) (OverloadDetector, error) {
	return newLoessAny(timeStep, migrationTime, params, true)
}

func newLoessAny(timeStep, migrationTime time.Duration, params Params, robust bool) (OverloadDetector, error) {
	var p struct {
		Threshold float64 `json:"threshold"`
		Safety    float64 `json:"safety"`
		Length    int     `json:"length"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	migSteps := 0.0
	if timeStep > 0 {
		migSteps = migrationTime.Seconds() / timeStep.Seconds()
	}
	return &loessOverload{
		threshold: p.Threshold,
		safety:    p.Safety,
		length:    p.Length,
		migTime:   migSteps,
		robust:    robust,
	}, nil
}

func (d *loessOverload) Detect(utilization []float64) bool {
	if len(utilization) < d.length {
		return false
	}
	window := utilization[len(utilization)-d.length:]
	var p0, p1 float64
	if d.robust {
		p0, p1 = loessRobustParameterEstimates(window)
	} else {
		p0, p1 = loessParameterEstimates(window)
	}
	prediction := p0 + p1*(float64(d.length)+d.migTime)
	return d.safety*prediction >= d.threshold
}
