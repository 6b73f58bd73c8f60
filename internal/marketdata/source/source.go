// Package source adapts market data vendors to a common candle interface.
//
// Every vendor response is parsed and validated here, at the boundary, into
// model.Candle; nothing downstream inspects vendor shapes.
package source

import (
	"context"
	"errors"
	"fmt"
	"math"

	"klinefeed/internal/breaker"
	"klinefeed/internal/model"
)

var (
	// ErrSourceUnavailable marks a recoverable source failure: the caller
	// moves on to the next source in its fallback chain.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrUnsupportedTimeframe is returned by a source that cannot serve a timeframe.
	ErrUnsupportedTimeframe = errors.New("timeframe not supported by source")
)

// History serves a bounded window of closed and forming candles.
type History interface {
	Name() string

	// FetchHistory returns up to limit of the most recent candles,
	// ascending by time. The newest candle may still be forming.
	FetchHistory(ctx context.Context, sym model.Symbol, tf model.Timeframe, limit int) ([]model.Candle, error)
}

// Live delivers candle events for one series.
type Live interface {
	Name() string

	// Stream runs one connection (or polling schedule) and sends events to
	// out in time order. since is the newest final candle the caller has
	// already committed; sources that replay history skip finals at or
	// before it. Stream returns ctx.Err() on cancellation and a non-nil
	// error when the transport fails; callers reconnect.
	Stream(ctx context.Context, sym model.Symbol, tf model.Timeframe, since int64, out chan<- model.CandleEvent) error
}

// Guarded wraps a History with a circuit breaker so a failing vendor is
// skipped quickly instead of costing a full timeout on every subscribe.
type Guarded struct {
	History
	cb *breaker.Breaker
}

// Guard returns h protected by cb.
func Guard(h History, cb *breaker.Breaker) *Guarded {
	return &Guarded{History: h, cb: cb}
}

// Breaker returns the guarding breaker.
func (g *Guarded) Breaker() *breaker.Breaker { return g.cb }

func (g *Guarded) FetchHistory(ctx context.Context, sym model.Symbol, tf model.Timeframe, limit int) ([]model.Candle, error) {
	var out []model.Candle
	err := g.cb.Execute(func() error {
		var err error
		out, err = g.History.FetchHistory(ctx, sym, tf, limit)
		return err
	})
	if errors.Is(err, breaker.ErrOpen) {
		return nil, fmt.Errorf("%s: %w: %w", g.Name(), ErrSourceUnavailable, err)
	}
	return out, err
}

// validate rejects candles that would poison indicator state.
func validate(c model.Candle) error {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite value in candle at %d", c.Time)
		}
	}
	if c.Time <= 0 {
		return fmt.Errorf("bad candle time %d", c.Time)
	}
	if c.Close <= 0 || c.Open <= 0 || c.High <= 0 || c.Low <= 0 {
		return fmt.Errorf("non-positive price in candle at %d", c.Time)
	}
	if c.Volume < 0 {
		return fmt.Errorf("negative volume in candle at %d", c.Time)
	}
	return nil
}

// tail returns the last n candles.
func tail(cs []model.Candle, n int) []model.Candle {
	if n > 0 && len(cs) > n {
		return cs[len(cs)-n:]
	}
	return cs
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, out chan<- model.CandleEvent, ev model.CandleEvent) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
