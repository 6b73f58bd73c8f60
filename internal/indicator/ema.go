package indicator

import "strconv"

// EMA calculates Exponential Moving Average.
// O(1) per update, no window storage needed.
//
// The first value appears after period samples and equals their simple
// average. From then on EMA = x*k + prev*(1-k) with k = 2/(period+1).
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) (*EMA, error) {
	if err := checkPeriod("EMA", period); err != nil {
		return nil, err
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}, nil
}

func (e *EMA) Name() string { return "EMA_" + strconv.Itoa(e.period) }

// Period returns the configured period.
func (e *EMA) Period() int { return e.period }

// Ready returns true once the SMA seed has been taken.
func (e *EMA) Ready() bool { return e.count >= e.period }

// Value returns the last committed value.
func (e *EMA) Value() (float64, bool) { return e.current, e.Ready() }

func (e *EMA) Commit(x float64) (float64, bool, error) {
	if err := checkInput(e.Name(), x); err != nil {
		return 0, false, err
	}
	v, ok := e.next(x)
	e.count++
	if e.count <= e.period {
		e.sum += x
	}
	if ok {
		e.current = v
	}
	return v, ok, nil
}

func (e *EMA) Peek(x float64) (float64, bool, error) {
	if err := checkInput(e.Name(), x); err != nil {
		return 0, false, err
	}
	v, ok := e.next(x)
	return v, ok, nil
}

// next computes the value after one more sample from the current state.
func (e *EMA) next(x float64) (float64, bool) {
	switch n := e.count + 1; {
	case n < e.period:
		return 0, false
	case n == e.period:
		return (e.sum + x) / float64(e.period), true
	default:
		return x*e.multiplier + e.current*(1-e.multiplier), true
	}
}

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
	e.sum = 0
}
