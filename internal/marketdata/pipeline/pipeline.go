// Package pipeline acquires candles for one symbol/timeframe series:
// a bounded backfill over a fallback chain of history sources, then a
// reconnecting live stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"klinefeed/internal/marketdata/source"
	"klinefeed/internal/model"
)

// ErrClosed is returned by operations on a closed pipeline.
var ErrClosed = errors.New("pipeline closed")

// State of a pipeline. Closed is terminal.
type State int32

const (
	StateIdle State = iota
	StateBackfilling
	StateDegraded
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBackfilling:
		return "backfilling"
	case StateDegraded:
		return "degraded"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	DefaultBackfillLimit   = 1000
	DefaultBackfillTimeout = 10 * time.Second
	DefaultReconnectDelay  = 5 * time.Second
)

// Hooks are optional observers. They run on the goroutine that caused the
// event and must not block.
type Hooks struct {
	OnStateChange   func(from, to State)
	OnSourceFailure func(source string, err error)
	OnBackfill      func(source string, took time.Duration)
	OnReconnect     func(attempt int, err error)
}

// Config tunes a pipeline. Zero values select defaults.
type Config struct {
	BackfillLimit   int
	BackfillTimeout time.Duration
	ReconnectDelay  time.Duration
	Logger          *slog.Logger
	Hooks           Hooks
}

func (c *Config) defaults() {
	if c.BackfillLimit <= 0 {
		c.BackfillLimit = DefaultBackfillLimit
	}
	if c.BackfillTimeout <= 0 {
		c.BackfillTimeout = DefaultBackfillTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Backfill is the result of the history phase.
type Backfill struct {
	Candles  []model.Candle // closed, ascending, unique by time
	Source   string
	Degraded bool
	Reason   string
}

// Pipeline drives one series. Backfill and Stream may run one after the
// other on the owning goroutine; Close may be called from anywhere.
type Pipeline struct {
	sym   model.Symbol
	tf    model.Timeframe
	src   Sources
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
	state atomic.Int32

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	done   context.Context
	cancel context.CancelFunc
}

// New validates the series and resolves its sources.
func New(symbol, timeframe string, r Resolver, cfg Config) (*Pipeline, error) {
	sym, err := model.ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	tf, err := model.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	cfg.defaults()

	p := &Pipeline{
		sym: sym,
		tf:  tf,
		src: r.Resolve(sym),
		cfg: cfg,
		log: cfg.Logger.With("component", "pipeline", "symbol", sym.Name, "tf", tf.Label),
		now: time.Now,
	}
	p.done, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

func (p *Pipeline) Symbol() model.Symbol       { return p.sym }
func (p *Pipeline) Timeframe() model.Timeframe { return p.tf }
func (p *Pipeline) State() State               { return State(p.state.Load()) }

func (p *Pipeline) setState(to State) {
	for {
		from := State(p.state.Load())
		if from == to || from == StateClosed {
			return
		}
		if p.state.CompareAndSwap(int32(from), int32(to)) {
			p.log.Debug("state change", "from", from.String(), "to", to.String())
			if p.cfg.Hooks.OnStateChange != nil {
				p.cfg.Hooks.OnStateChange(from, to)
			}
			return
		}
	}
}

// enter registers a running operation and derives a context that is also
// cancelled by Close.
func (p *Pipeline) enter(ctx context.Context) (context.Context, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrClosed
	}
	p.wg.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.done, cancel)
	return ctx, func() {
		stop()
		cancel()
		p.wg.Done()
	}, nil
}

// Backfill walks the history chain until a source yields at least one
// closed candle. When every source fails the placeholder generator fills
// in and the result is marked degraded. Only cancellation or Close make
// Backfill return an error, unless no placeholder is configured.
func (p *Pipeline) Backfill(ctx context.Context) (Backfill, error) {
	ctx, leave, err := p.enter(ctx)
	if err != nil {
		return Backfill{}, err
	}
	defer leave()

	p.setState(StateBackfilling)

	var reasons []string
	for _, h := range p.src.History {
		candles, err := p.fetch(ctx, h)
		if err == nil {
			p.log.Info("backfill complete", "source", h.Name(), "candles", len(candles))
			return Backfill{Candles: candles, Source: h.Name()}, nil
		}
		if ctx.Err() != nil {
			return Backfill{}, p.cancelled(ctx)
		}
		p.log.Warn("backfill source failed", "source", h.Name(), "error", err)
		if p.cfg.Hooks.OnSourceFailure != nil {
			p.cfg.Hooks.OnSourceFailure(h.Name(), err)
		}
		reasons = append(reasons, err.Error())
	}

	reason := "no history source for " + p.sym.Kind.String()
	if len(reasons) > 0 {
		reason = "all sources failed: " + strings.Join(reasons, "; ")
	}
	if p.src.Placeholder == nil {
		return Backfill{}, fmt.Errorf("backfill %s %s: %w: %s", p.sym, p.tf, source.ErrSourceUnavailable, reason)
	}

	candles, err := p.fetch(ctx, p.src.Placeholder)
	if err != nil {
		if ctx.Err() != nil {
			return Backfill{}, p.cancelled(ctx)
		}
		return Backfill{}, fmt.Errorf("backfill %s %s: placeholder: %w", p.sym, p.tf, err)
	}
	p.log.Warn("backfill degraded to placeholder data", "reason", reason, "candles", len(candles))
	p.setState(StateDegraded)
	return Backfill{
		Candles:  candles,
		Source:   p.src.Placeholder.Name(),
		Degraded: true,
		Reason:   reason,
	}, nil
}

// cancelled maps a done context to ErrClosed when Close caused it.
func (p *Pipeline) cancelled(ctx context.Context) error {
	if p.done.Err() != nil {
		return ErrClosed
	}
	return ctx.Err()
}

type fetchResult struct {
	candles []model.Candle
	err     error
}

// fetch runs one bounded attempt. The wait is bounded even if the source
// ignores its context.
func (p *Pipeline) fetch(ctx context.Context, h source.History) ([]model.Candle, error) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.BackfillTimeout)
	defer cancel()

	start := p.now()
	res := make(chan fetchResult, 1)
	go func() {
		cs, err := h.FetchHistory(fctx, p.sym, p.tf, p.cfg.BackfillLimit)
		res <- fetchResult{cs, err}
	}()

	var r fetchResult
	select {
	case r = <-res:
	case <-fctx.Done():
		r.err = fctx.Err()
	}
	if r.err != nil {
		return nil, fmt.Errorf("%s: %w", h.Name(), r.err)
	}

	now := p.now()
	candles := closedOnly(model.SortCandles(r.candles), p.tf, now)
	if len(candles) == 0 {
		return nil, fmt.Errorf("%s: %w: no closed candles", h.Name(), source.ErrSourceUnavailable)
	}
	if p.cfg.Hooks.OnBackfill != nil {
		p.cfg.Hooks.OnBackfill(h.Name(), now.Sub(start))
	}
	if len(candles) > p.cfg.BackfillLimit {
		candles = candles[len(candles)-p.cfg.BackfillLimit:]
	}
	return candles, nil
}

// closedOnly drops bars still forming at now. cs must be ascending.
func closedOnly(cs []model.Candle, tf model.Timeframe, now time.Time) []model.Candle {
	n := len(cs)
	for n > 0 && !tf.Closed(cs[n-1].Time, now) {
		n--
	}
	return cs[:n]
}

// Stream forwards live events to out until ctx is done or the pipeline is
// closed, reconnecting after ReconnectDelay whenever the source drops.
// since is the newest committed final; it advances with every forwarded
// final so a reconnect does not replay them.
func (p *Pipeline) Stream(ctx context.Context, since int64, out chan<- model.CandleEvent) error {
	ctx, leave, err := p.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	p.setState(StateLive)
	if p.src.Live == nil {
		p.log.Warn("no live source, serving history only")
		<-ctx.Done()
		return nil
	}

	attempt := 0
	for {
		since, err = p.runOnce(ctx, since, out)
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		if err == nil {
			err = errors.New("stream ended")
		}
		p.log.Warn("live stream disconnected, reconnecting",
			"source", p.src.Live.Name(), "error", err, "attempt", attempt, "delay", p.cfg.ReconnectDelay)
		if p.cfg.Hooks.OnReconnect != nil {
			p.cfg.Hooks.OnReconnect(attempt, err)
		}

		t := time.NewTimer(p.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// runOnce runs one live connection, relaying its events to out.
func (p *Pipeline) runOnce(ctx context.Context, since int64, out chan<- model.CandleEvent) (int64, error) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan model.CandleEvent)
	errc := make(chan error, 1)
	go func() {
		errc <- p.src.Live.Stream(cctx, p.sym, p.tf, since, in)
	}()

	for {
		select {
		case ev := <-in:
			if ev.Final && ev.Candle.Time > since {
				since = ev.Candle.Time
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				cancel()
				<-errc
				return since, ctx.Err()
			}
		case err := <-errc:
			return since, err
		}
	}
}

// Close stops any running Backfill or Stream and waits for them to return.
// It is safe to call more than once.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.setState(StateClosed)
}
