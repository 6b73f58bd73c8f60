package indicator

import "strconv"

// TEMA is the triple exponential moving average: 3*e1 - 3*e2 + e3, where
// e1 is an EMA of the input, e2 an EMA of e1's outputs and e3 an EMA of
// e2's outputs. The inner EMAs only see values their predecessor produced,
// so the first TEMA value appears after 3*period-2 samples.
type TEMA struct {
	period int
	e1     *EMA
	e2     *EMA
	e3     *EMA
}

// NewTEMA creates a TEMA with the given period for all three stages.
func NewTEMA(period int) (*TEMA, error) {
	if err := checkPeriod("TEMA", period); err != nil {
		return nil, err
	}
	t := &TEMA{period: period}
	// period is validated above so these cannot fail
	t.e1, _ = NewEMA(period)
	t.e2, _ = NewEMA(period)
	t.e3, _ = NewEMA(period)
	return t, nil
}

func (t *TEMA) Name() string { return "TEMA_" + strconv.Itoa(t.period) }

func (t *TEMA) Commit(x float64) (float64, bool, error) {
	if err := checkInput(t.Name(), x); err != nil {
		return 0, false, err
	}
	v1, ok, _ := t.e1.Commit(x)
	if !ok {
		return 0, false, nil
	}
	v2, ok, _ := t.e2.Commit(v1)
	if !ok {
		return 0, false, nil
	}
	v3, ok, _ := t.e3.Commit(v2)
	if !ok {
		return 0, false, nil
	}
	return 3*v1 - 3*v2 + v3, true, nil
}

// Peek cascades through the stages: e2 peeks with e1's peeked value and
// e3 with e2's, so none of the three EMAs advance.
func (t *TEMA) Peek(x float64) (float64, bool, error) {
	if err := checkInput(t.Name(), x); err != nil {
		return 0, false, err
	}
	v1, ok, _ := t.e1.Peek(x)
	if !ok {
		return 0, false, nil
	}
	v2, ok, _ := t.e2.Peek(v1)
	if !ok {
		return 0, false, nil
	}
	v3, ok, _ := t.e3.Peek(v2)
	if !ok {
		return 0, false, nil
	}
	return 3*v1 - 3*v2 + v3, true, nil
}

// Stages returns the committed values of the three inner EMAs.
func (t *TEMA) Stages() (e1, e2, e3 float64) {
	return t.e1.current, t.e2.current, t.e3.current
}

func (t *TEMA) Reset() {
	t.e1.Reset()
	t.e2.Reset()
	t.e3.Reset()
}
