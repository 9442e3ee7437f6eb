package algorithms

import (
	"encoding/json"
	"time"
)

func init() {
	RegisterOverload("mhod", newMHODOverload)
}

// boundedDeque is a FIFO capped at a fixed capacity, used for MHOD's
// request and estimate windows.
type boundedDeque struct {
	data []float64
	cap  int
}

func newBoundedDeque(cap int) *boundedDeque {
	return &boundedDeque{data: make([]float64, 0, cap), cap: cap}
}

func (d *boundedDeque) append(v float64) {
	d.data = append(d.data, v)
	if len(d.data) > d.cap {
		d.data = d.data[len(d.data)-d.cap:]
	}
}

func (d *boundedDeque) slice() []float64 { return d.data }

func (d *boundedDeque) last() (float64, bool) {
	if len(d.data) == 0 {
		return 0, false
	}
	return d.data[len(d.data)-1], true
}

type intDeque struct {
	data []int
	cap  int
}

func newIntDeque(cap int) *intDeque {
	return &intDeque{data: make([]int, 0, cap), cap: cap}
}

func (d *intDeque) append(v int) {
	d.data = append(d.data, v)
	if len(d.data) > d.cap {
		d.data = d.data[len(d.data)-d.cap:]
	}
}

// tailSlice returns the last min(len, windowSize) elements, mirroring the
// original's islice(request_window, slice_from, None).
func (d *intDeque) tailSlice(windowSize int) []int {
	n := len(d.data)
	from := n - windowSize
	if from < 0 {
		from = 0
	}
	return d.data[from:]
}

func mean(data []float64, windowSize int) float64 {
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(windowSize)
}

func varianceOf(data []float64, windowSize int) float64 {
	m := mean(data, windowSize)
	var sum float64
	for _, x := range data {
		d := x - m
		sum += d * d
	}
	return sum / float64(windowSize-1)
}

func acceptableVariance(probability float64, windowSize int) float64 {
	return probability * (1 - probability) / float64(windowSize)
}

func estimateProbability(data []int, windowSize int, state int) float64 {
	count := 0
	for _, s := range data {
		if s == state {
			count++
		}
	}
	return float64(count) / float64(windowSize)
}

// mhodState holds the per-policy state for the MHOD detector. The
// timeInStates/timeInStateN counters accumulate across calls; Detect does
// not read requestWindow, since it rebuilds its request and estimate
// windows from the full utilization history on every call.
type mhodState struct {
	timeInStates  int
	timeInStateN  int
	requestWindow []*intDeque // indexed by previous state
}

type mhodOverload struct {
	stateConfig    []float64 // thresholds; last implicit bucket is overload
	otf            float64
	windowSizes    []int
	bruteforceStep float64
	learningSteps  int
	timeStep       time.Duration
	migrationTime  time.Duration

	numStates int
	maxWindow int
	st        mhodState
}

func newMHODOverload(timeStep, migrationTime time.Duration, params Params) (OverloadDetector, error) {
	var p struct {
		StateConfig    []float64 `json:"state_config"`
		OTF            float64   `json:"otf"`
		WindowSizes    []int     `json:"window_sizes"`
		BruteforceStep float64   `json:"bruteforce_step"`
		LearningSteps  int       `json:"learning_steps"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	numStates := len(p.StateConfig) + 1
	maxWindow := 1
	for _, w := range p.WindowSizes {
		if w > maxWindow {
			maxWindow = w
		}
	}
	requestWindows := make([]*intDeque, numStates)
	for i := range requestWindows {
		requestWindows[i] = newIntDeque(maxWindow)
	}
	return &mhodOverload{
		stateConfig:    p.StateConfig,
		otf:            p.OTF,
		windowSizes:    p.WindowSizes,
		bruteforceStep: p.BruteforceStep,
		learningSteps:  p.LearningSteps,
		timeStep:       timeStep,
		migrationTime:  migrationTime,
		numStates:      numStates,
		maxWindow:      maxWindow,
		st:             mhodState{requestWindow: requestWindows},
	}, nil
}

// utilizationToState mirrors the original's literal (and slightly odd)
// comparison against the previously assigned state index rather than the
// previous threshold value.
func utilizationToState(stateConfig []float64, utilization float64) int {
	prev := -1
	for state, threshold := range stateConfig {
		if utilization >= float64(prev) && utilization < threshold {
			return state
		}
		prev = state
	}
	return prev + 1
}

func utilizationToStates(stateConfig []float64, utilization []float64) []int {
	out := make([]int, len(utilization))
	for i, u := range utilization {
		out[i] = utilizationToState(stateConfig, u)
	}
	return out
}

// TimeInStates and TimeInStateN expose the monotone counters for testing.
func (d *mhodOverload) TimeInStates() int { return d.st.timeInStates }
func (d *mhodOverload) TimeInStateN() int { return d.st.timeInStateN }

func (d *mhodOverload) Detect(utilization []float64) bool {
	numStates := d.numStates
	windowSizes := d.windowSizes

	requestWindows := make([]*intDeque, numStates)
	for i := range requestWindows {
		requestWindows[i] = newIntDeque(d.maxWindow)
	}
	// estimateWindows[i][j][windowSize] -> deque of probability estimates
	estimateWindows := make([][]map[int]*boundedDeque, numStates)
	variances := make([][]map[int]float64, numStates)
	acceptableVariances := make([][]map[int]float64, numStates)
	for i := 0; i < numStates; i++ {
		estimateWindows[i] = make([]map[int]*boundedDeque, numStates)
		variances[i] = make([]map[int]float64, numStates)
		acceptableVariances[i] = make([]map[int]float64, numStates)
		for j := 0; j < numStates; j++ {
			estimateWindows[i][j] = map[int]*boundedDeque{}
			variances[i][j] = map[int]float64{}
			acceptableVariances[i][j] = map[int]float64{}
			for _, w := range windowSizes {
				estimateWindows[i][j][w] = newBoundedDeque(w)
				variances[i][j][w] = 1.0
				acceptableVariances[i][j][w] = 1.0
			}
		}
	}

	previousState := 0
	for _, currentState := range utilizationToStates(d.stateConfig, utilization) {
		requestWindows[previousState].append(currentState)
		requestWindow := requestWindows[previousState]
		for state := 0; state < numStates; state++ {
			for windowSize, estimates := range estimateWindows[previousState][state] {
				tail := requestWindow.tailSlice(windowSize)
				estimates.append(estimateProbability(tail, windowSize, state))
			}
		}
		for state := 0; state < numStates; state++ {
			for windowSize := range variances[previousState][state] {
				estimates := estimateWindows[previousState][state][windowSize]
				if len(estimates.slice()) < windowSize {
					variances[previousState][state][windowSize] = 1.0
				} else {
					variances[previousState][state][windowSize] = varianceOf(estimates.slice(), windowSize)
				}
			}
		}
		for state := 0; state < numStates; state++ {
			for windowSize := range acceptableVariances[previousState][state] {
				estimates := estimateWindows[previousState][state][windowSize]
				last, _ := estimates.last()
				acceptableVariances[previousState][state][windowSize] = acceptableVariance(last, windowSize)
			}
		}
		previousState = currentState
	}

	selectedWindows := make([][]int, numStates)
	for i := 0; i < numStates; i++ {
		selectedWindows[i] = make([]int, numStates)
		for j := 0; j < numStates; j++ {
			selected := windowSizes[0]
			for _, w := range windowSizes {
				if variances[i][j][w] > acceptableVariances[i][j][w] {
					break
				}
				selected = w
			}
			selectedWindows[i][j] = selected
		}
	}

	p := make([][]float64, numStates)
	for i := 0; i < numStates; i++ {
		p[i] = make([]float64, numStates)
		for j := 0; j < numStates; j++ {
			estimates := estimateWindows[i][j][selectedWindows[i][j]]
			if last, ok := estimates.last(); ok {
				p[i][j] = last
			} else {
				p[i][j] = 0.0
			}
		}
	}

	stateVector := make([]int, numStates)
	currentState := 0
	if len(utilization) > 0 {
		currentState = utilizationToState(d.stateConfig, utilization[len(utilization)-1])
	}
	stateVector[currentState] = 1

	stateN := len(d.stateConfig)
	d.st.timeInStates++
	if currentState == stateN {
		d.st.timeInStateN++
	}

	if len(utilization) >= d.learningSteps {
		if currentState == stateN && p[stateN][stateN] > 0 {
			migSteps := 0.0
			if d.timeStep > 0 {
				migSteps = d.migrationTime.Seconds() / d.timeStep.Seconds()
			}
			policy := bruteforceOptimize(d.bruteforceStep, 1.0, d.otf, migSteps, p, stateVector,
				float64(d.st.timeInStates), float64(d.st.timeInStateN))
			return len(policy) == 0
		}
	}
	return false
}

// l0 and l1 are the closed-form 2-state expected-occupancy functions.
func l0(pInitial []float64, pMatrix [][]float64, m []float64) float64 {
	p0, p1 := pInitial[0], pInitial[1]
	p00, p01 := pMatrix[0][0], pMatrix[0][1]
	p10, p11 := pMatrix[1][0], pMatrix[1][1]
	m0, m1 := m[0], m[1]
	num := p0*(-1*m1*p11+p11-1) + (m1*p1-p1)*p10
	den := p00*(m1*(p11-m0*p11)-p11+m0*(p11-1)+1) - m1*p11 + p11 +
		(m1*(m0*p01-p01)-m0*p01+p01)*p10 - 1
	if den == 0 {
		return 0
	}
	return num / den
}

func l1(pInitial []float64, pMatrix [][]float64, m []float64) float64 {
	p0, p1 := pInitial[0], pInitial[1]
	p00, p01 := pMatrix[0][0], pMatrix[0][1]
	p10, p11 := pMatrix[1][0], pMatrix[1][1]
	m0 := m[0]
	num := -1 * (p00*(m0*p1-p1) + p1 + p0*(p01-m0*p01))
	den := p00*(m[1]*(p11-m0*p11)-p11+m0*(p11-1)+1) - m[1]*p11 + p11 +
		(m[1]*(m0*p01-p01)-m0*p01+p01)*p10 - 1
	if den == 0 {
		return 0
	}
	return num / den
}

// bruteforceOptimize maximizes L0+L1 over (m0,m1) in [0,limit] stepping by
// step, subject to the OTF constraint, mirroring bruteforce.solve2.
func bruteforceOptimize(step, limit, otf, migrationTime float64, p [][]float64, stateVector []int, timeInStates, timeInStateN float64) []float64 {
	pInitial := make([]float64, len(stateVector))
	for i, v := range stateVector {
		pInitial[i] = float64(v)
	}
	objective := func(m []float64) float64 {
		return l0(pInitial, p, m) + l1(pInitial, p, m)
	}
	constraint := func(m []float64) float64 {
		lLast := l1(pInitial, p, m)
		lSum := l0(pInitial, p, m) + l1(pInitial, p, m)
		return (migrationTime + timeInStateN + lLast) / (migrationTime + timeInStates + lSum)
	}

	resBest := 0.0
	var solution []float64
	for x := 0.0; x <= limit; x += step {
		for y := 0.0; y <= limit; y += step {
			m := []float64{x, y}
			res := objective(m)
			c := constraint(m)
			if res > resBest && c <= otf {
				resBest = res
				solution = []float64{x, y}
			}
		}
	}
	return solution
}
