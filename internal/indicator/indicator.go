// Package indicator provides streaming technical indicators over candle data.
//
// Every indicator consumes one scalar per candle (close price or volume).
// Commit permanently advances state with a closed candle; Peek computes the
// value a forming candle would produce without touching state.
package indicator

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidConfig is returned when an indicator is built with a bad period.
	ErrInvalidConfig = errors.New("invalid indicator config")

	// ErrInvalidInput is returned for a NaN or infinite sample.
	ErrInvalidInput = errors.New("invalid indicator input")
)

// Indicator is the interface for all streaming indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "EMA_8", "TEMA_5").
	Name() string

	// Commit feeds a closed sample and returns the new value.
	// ok is false while the indicator is still warming up.
	Commit(x float64) (v float64, ok bool, err error)

	// Peek returns what Commit(x) would return, WITHOUT mutating state.
	// Used for forming candles that may be revised many times.
	Peek(x float64) (v float64, ok bool, err error)

	// Reset clears all accumulated state.
	Reset()
}

func checkPeriod(name string, period int) error {
	if period <= 0 {
		return fmt.Errorf("%w: %s period must be positive, got %d", ErrInvalidConfig, name, period)
	}
	return nil
}

func checkInput(name string, x float64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return fmt.Errorf("%w: %s got %v", ErrInvalidInput, name, x)
	}
	return nil
}
