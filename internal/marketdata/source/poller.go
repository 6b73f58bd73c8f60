package source

import (
	"context"
	"log/slog"
	"time"

	"klinefeed/internal/model"

	"github.com/robfig/cron/v3"
)

const (
	defaultPollWindow      = 5
	defaultMaxPollInterval = time.Minute
)

// Poller turns a History source into a Live one for vendors without a
// push feed. Each poll fetches a short recent window: closed bars newer
// than the last emitted final go out as final, the forming bar as
// provisional.
type Poller struct {
	src         History
	maxInterval time.Duration
	window      int
	log         *slog.Logger
	now         func() time.Time

	// MarketOpen, when set, pauses polling outside trading hours. One poll
	// still runs after the close so the last bar of the session goes out
	// as final.
	MarketOpen func(time.Time) bool
}

// NewPoller wraps src. The poll interval is the timeframe length capped at
// maxInterval (zero selects one minute).
func NewPoller(src History, maxInterval time.Duration, logger *slog.Logger) *Poller {
	if maxInterval <= 0 {
		maxInterval = defaultMaxPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		src:         src,
		maxInterval: maxInterval,
		window:      defaultPollWindow,
		log:         logger.With("source", "poll:"+src.Name()),
		now:         time.Now,
	}
}

func (p *Poller) Name() string { return "poll:" + p.src.Name() }

// Interval returns the polling period for tf.
func (p *Poller) Interval(tf model.Timeframe) time.Duration {
	return min(tf.Duration, p.maxInterval)
}

// Stream polls once immediately, then on a cron schedule until ctx is done.
// Fetch errors are logged and retried on the next tick.
func (p *Poller) Stream(ctx context.Context, sym model.Symbol, tf model.Timeframe, since int64, out chan<- model.CandleEvent) error {
	lastFinal := since
	gate := sessionGate{open: p.MarketOpen, wasOpen: true}
	poll := func() {
		if !gate.allow(p.now()) {
			return
		}
		bars, err := p.src.FetchHistory(ctx, sym, tf, p.window)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("poll failed", "symbol", sym.Name, "tf", tf.Label, "error", err)
			}
			return
		}
		now := p.now()
		for _, c := range model.SortCandles(bars) {
			ev := model.CandleEvent{Candle: c, Final: tf.Closed(c.Time, now)}
			if ev.Final {
				if c.Time <= lastFinal {
					continue
				}
				lastFinal = c.Time
			}
			if send(ctx, out, ev) != nil {
				return
			}
		}
	}

	poll()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// SkipIfStillRunning keeps polls sequential, so lastFinal and gate need
	// no lock.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(p.Interval(tf)), cron.FuncJob(poll))
	c.Start()
	p.log.Info("polling started", "symbol", sym.Name, "tf", tf.Label, "every", p.Interval(tf))

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// sessionGate lets one poll through after the market closes, then holds
// until it opens again. A nil open func never holds.
type sessionGate struct {
	open    func(time.Time) bool
	wasOpen bool
}

func (g *sessionGate) allow(now time.Time) bool {
	if g.open == nil {
		return true
	}
	open := g.open(now)
	ok := open || g.wasOpen
	g.wasOpen = open
	return ok
}
