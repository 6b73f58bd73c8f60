package indicator

import (
	"errors"

	"klinefeed/internal/model"
)

// SetConfig specifies the periods of every indicator in a Set.
type SetConfig struct {
	EMA8        int
	EMA20       int
	EMA50       int
	EMA200      int
	TEMA5       int
	VolumeMA    int
	VolOscShort int
	VolOscLong  int
}

// DefaultSetConfig returns the periods the augmented candle fields are named after.
func DefaultSetConfig() SetConfig {
	return SetConfig{
		EMA8:        8,
		EMA20:       20,
		EMA50:       50,
		EMA200:      200,
		TEMA5:       5,
		VolumeMA:    20,
		VolOscShort: 10,
		VolOscLong:  20,
	}
}

// binding ties one indicator to its input and its output field.
type binding struct {
	ind    Indicator
	volume bool
	field  func(*model.AugmentedCandle) *model.Opt
}

// Set owns one instance of each tracked indicator for a single
// symbol/timeframe series. All indicators see the same candle stream but
// keep independent state.
// Designed for single-goroutine usage, no locks needed.
type Set struct {
	cfg      SetConfig
	bindings []binding
}

// NewSet builds a fresh Set. Any non-positive period fails with ErrInvalidConfig.
func NewSet(cfg SetConfig) (*Set, error) {
	s := &Set{cfg: cfg}

	price := func(period int, field func(*model.AugmentedCandle) *model.Opt) error {
		e, err := NewEMA(period)
		if err != nil {
			return err
		}
		s.bindings = append(s.bindings, binding{ind: e, field: field})
		return nil
	}
	if err := price(cfg.EMA8, func(a *model.AugmentedCandle) *model.Opt { return &a.EMA8 }); err != nil {
		return nil, err
	}
	if err := price(cfg.EMA20, func(a *model.AugmentedCandle) *model.Opt { return &a.EMA20 }); err != nil {
		return nil, err
	}
	if err := price(cfg.EMA50, func(a *model.AugmentedCandle) *model.Opt { return &a.EMA50 }); err != nil {
		return nil, err
	}
	if err := price(cfg.EMA200, func(a *model.AugmentedCandle) *model.Opt { return &a.EMA200 }); err != nil {
		return nil, err
	}

	tema, err := NewTEMA(cfg.TEMA5)
	if err != nil {
		return nil, err
	}
	s.bindings = append(s.bindings, binding{ind: tema, field: func(a *model.AugmentedCandle) *model.Opt { return &a.TEMA5 }})

	volMA, err := NewEMA(cfg.VolumeMA)
	if err != nil {
		return nil, err
	}
	s.bindings = append(s.bindings, binding{ind: volMA, volume: true, field: func(a *model.AugmentedCandle) *model.Opt { return &a.VolumeMA }})

	osc, err := NewVolumeOscillator(cfg.VolOscShort, cfg.VolOscLong)
	if err != nil {
		return nil, err
	}
	s.bindings = append(s.bindings, binding{ind: osc, volume: true, field: func(a *model.AugmentedCandle) *model.Opt { return &a.VolumeOsc }})

	return s, nil
}

// Apply runs one candle through every indicator: Commit when final, Peek
// otherwise. Price indicators read Close, volume indicators read Volume.
//
// A failing indicator leaves its field absent and contributes to the joined
// error; the other fields are still filled. Repeated provisional calls for
// the same forming candle never change state.
func (s *Set) Apply(c model.Candle, final bool) (model.AugmentedCandle, error) {
	out := model.AugmentedCandle{Candle: c}
	var errs []error
	for _, b := range s.bindings {
		x := c.Close
		if b.volume {
			x = c.Volume
		}

		var (
			v   float64
			ok  bool
			err error
		)
		if final {
			v, ok, err = b.ind.Commit(x)
		} else {
			v, ok, err = b.ind.Peek(x)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			*b.field(&out) = model.Some(v)
		}
	}
	return out, errors.Join(errs...)
}

// Names returns the indicator names in field order.
func (s *Set) Names() []string {
	names := make([]string, len(s.bindings))
	for i, b := range s.bindings {
		names[i] = b.ind.Name()
	}
	return names
}

// Reset clears every indicator.
func (s *Set) Reset() {
	for _, b := range s.bindings {
		b.ind.Reset()
	}
}
