package indicator

import (
	"fmt"
	"strconv"
)

// VolumeOscillator is the percentage spread between a short and a long EMA
// of volume: (short - long) / long * 100. It is absent while the long EMA is
// warming up and whenever the long EMA is zero.
type VolumeOscillator struct {
	short *EMA
	long  *EMA
}

// NewVolumeOscillator creates an oscillator over EMA(short) and EMA(long).
func NewVolumeOscillator(short, long int) (*VolumeOscillator, error) {
	s, err := NewEMA(short)
	if err != nil {
		return nil, err
	}
	l, err := NewEMA(long)
	if err != nil {
		return nil, err
	}
	if short >= long {
		return nil, fmt.Errorf("%w: volume oscillator short period %d must be below long period %d", ErrInvalidConfig, short, long)
	}
	return &VolumeOscillator{short: s, long: l}, nil
}

func (o *VolumeOscillator) Name() string {
	return "VOLOSC_" + strconv.Itoa(o.short.period) + "_" + strconv.Itoa(o.long.period)
}

func (o *VolumeOscillator) Commit(x float64) (float64, bool, error) {
	if err := checkInput(o.Name(), x); err != nil {
		return 0, false, err
	}
	s, sok, _ := o.short.Commit(x)
	l, lok, _ := o.long.Commit(x)
	return oscillate(s, sok, l, lok)
}

func (o *VolumeOscillator) Peek(x float64) (float64, bool, error) {
	if err := checkInput(o.Name(), x); err != nil {
		return 0, false, err
	}
	s, sok, _ := o.short.Peek(x)
	l, lok, _ := o.long.Peek(x)
	return oscillate(s, sok, l, lok)
}

func oscillate(s float64, sok bool, l float64, lok bool) (float64, bool, error) {
	if !sok || !lok || l == 0 {
		return 0, false, nil
	}
	return (s - l) / l * 100, true, nil
}

func (o *VolumeOscillator) Reset() {
	o.short.Reset()
	o.long.Reset()
}
