package session

import (
	"context"
	"sync"

	"klinefeed/internal/model"
)

// FetchSnapshot runs a throwaway session for symbol/timeframe until its
// initial snapshot is ready and returns it. The session is stopped before
// returning, so no live updates are consumed.
func FetchSnapshot(ctx context.Context, cfg Config, symbol, timeframe string) ([]model.AugmentedCandle, Info, error) {
	l := &oneShot{done: make(chan struct{})}
	c := NewController(cfg, l)
	defer c.Close()

	if err := c.Subscribe(symbol, timeframe); err != nil {
		return nil, Info{}, err
	}
	select {
	case <-l.done:
		return l.candles, l.info, l.err
	case <-ctx.Done():
		return nil, Info{}, ctx.Err()
	}
}

// oneShot keeps the first snapshot or error and ignores the rest.
type oneShot struct {
	once    sync.Once
	done    chan struct{}
	candles []model.AugmentedCandle
	info    Info
	err     error
}

func (o *oneShot) OnSnapshot(info Info, candles []model.AugmentedCandle) {
	o.once.Do(func() {
		o.candles, o.info = candles, info
		close(o.done)
	})
}

func (o *oneShot) OnError(info Info, err error) {
	o.once.Do(func() {
		o.info, o.err = info, err
		close(o.done)
	})
}

func (o *oneShot) OnUpdate(Info, model.AugmentedCandle, bool) {}
func (o *oneShot) OnSourceDegraded(Info, string)              {}
func (o *oneShot) OnStaleUpdateDropped(Info, int64)           {}
