// Package session owns the lifecycle of the single active chart series of
// a subscriber: backfill, indicator seeding, live updates and teardown on
// symbol or timeframe change.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"klinefeed/internal/indicator"
	"klinefeed/internal/logger"
	"klinefeed/internal/marketdata/pipeline"
	"klinefeed/internal/metrics"
	"klinefeed/internal/model"
	"klinefeed/internal/store/memory"
)

var (
	// ErrStaleUpdate marks a live event at or before the last committed
	// final candle. It is informational and never surfaced as a failure.
	ErrStaleUpdate = errors.New("stale update")

	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("session controller closed")
)

// Config holds what every session of a controller shares.
type Config struct {
	Resolver    pipeline.Resolver
	Pipeline    pipeline.Config
	Indicators  indicator.SetConfig
	StoreMaxLen int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics // nil keeps metrics private
	Health      *metrics.HealthStatus
}

// session is one (symbol, timeframe) run. Only its goroutine touches set,
// store and lastFinal.
type session struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	pipe   *pipeline.Pipeline
	set    *indicator.Set
	store  *memory.Store
	log    *slog.Logger

	mu   sync.Mutex
	info Info

	lastFinal int64
}

func (s *session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Controller runs at most one session at a time. Subscribe, Unsubscribe
// and Close are safe for concurrent use and return only after the
// previous session has fully stopped.
type Controller struct {
	cfg      Config
	listener Listener
	log      *slog.Logger
	m        *metrics.Metrics

	gen atomic.Uint64

	mu     sync.Mutex
	active *session
	closed bool
}

// NewController creates an idle controller reporting to l.
func NewController(cfg Config, l Listener) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Indicators == (indicator.SetConfig{}) {
		cfg.Indicators = indicator.DefaultSetConfig()
	}
	if cfg.StoreMaxLen <= 0 {
		cfg.StoreMaxLen = memory.DefaultMaxLen
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetricsWith(nil)
	}
	return &Controller{
		cfg:      cfg,
		listener: l,
		log:      cfg.Logger.With("component", "session"),
		m:        cfg.Metrics,
	}
}

// Subscribe replaces the active session with one for symbol/timeframe.
// Invalid input is rejected before anything is torn down.
func (c *Controller) Subscribe(symbol, timeframe string) error {
	sym, err := model.ParseSymbol(symbol)
	if err != nil {
		return err
	}
	tf, err := model.ParseTimeframe(timeframe)
	if err != nil {
		return err
	}
	set, err := indicator.NewSet(c.cfg.Indicators)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	// Bumping first silences the old session while it shuts down.
	gen := c.gen.Add(1)
	c.stopLocked()

	ctx, log := logger.ForSeries(context.Background(), c.log, sym.Name, tf.Label, gen)
	ctx, cancel := context.WithCancel(ctx)

	pcfg := c.cfg.Pipeline
	pcfg.Logger = log
	pcfg.Hooks = c.pipelineHooks(pcfg.Hooks)
	pipe, err := pipeline.New(sym.Name, tf.Label, c.cfg.Resolver, pcfg)
	if err != nil {
		cancel()
		return err
	}

	s := &session{
		gen:    gen,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		pipe:   pipe,
		set:    set,
		store:  memory.New(c.cfg.StoreMaxLen),
		log:    log,
		info: Info{
			Generation: gen,
			Symbol:     sym.Name,
			Timeframe:  tf.Label,
			TraceID:    logger.TraceID(ctx),
		},
	}
	c.active = s

	c.m.SubscriptionsTotal.Inc()
	c.m.ActiveSessions.Inc()
	if c.cfg.Health != nil {
		c.cfg.Health.AddSessions(1)
	}
	log.Info("session started")

	go c.run(s)
	return nil
}

// ChangeSubscription is Subscribe for callers without an error path:
// failures are reported through OnError and the controller stays usable.
func (c *Controller) ChangeSubscription(symbol, timeframe string) {
	if err := c.Subscribe(symbol, timeframe); err != nil {
		c.log.Warn("subscription rejected", "symbol", symbol, "tf", timeframe, "error", err)
		c.listener.OnError(Info{Generation: c.gen.Load(), Symbol: symbol, Timeframe: timeframe}, err)
	}
}

// Unsubscribe stops the active session, if any.
func (c *Controller) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	c.stopLocked()
}

// Close stops the active session and rejects further subscriptions.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen.Add(1)
	c.stopLocked()
}

// Generation returns the latest generation handed out. Events stamped with
// an older one belong to a session that has since been replaced.
func (c *Controller) Generation() uint64 { return c.gen.Load() }

// Current reports the active session.
func (c *Controller) Current() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Info{}, false
	}
	return c.active.Info(), true
}

// Snapshot returns a copy of the active session's candles.
func (c *Controller) Snapshot() ([]model.AugmentedCandle, Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, Info{}, false
	}
	return c.active.store.Snapshot(), c.active.Info(), true
}

func (c *Controller) stopLocked() {
	s := c.active
	if s == nil {
		return
	}
	c.active = nil
	s.cancel()
	s.pipe.Close()
	<-s.done

	c.m.ActiveSessions.Dec()
	if c.cfg.Health != nil {
		c.cfg.Health.AddSessions(-1)
	}
	s.log.Info("session stopped")
}

func (c *Controller) pipelineHooks(h pipeline.Hooks) pipeline.Hooks {
	next := h
	return pipeline.Hooks{
		OnStateChange: func(from, to pipeline.State) {
			c.m.PipelineStates.WithLabelValues(to.String()).Inc()
			if next.OnStateChange != nil {
				next.OnStateChange(from, to)
			}
		},
		OnSourceFailure: func(src string, err error) {
			c.m.SourceFailures.WithLabelValues(src).Inc()
			if next.OnSourceFailure != nil {
				next.OnSourceFailure(src, err)
			}
		},
		OnBackfill: func(src string, took time.Duration) {
			c.m.BackfillDur.WithLabelValues(src).Observe(took.Seconds())
			if next.OnBackfill != nil {
				next.OnBackfill(src, took)
			}
		},
		OnReconnect: func(attempt int, err error) {
			c.m.Reconnects.Inc()
			if next.OnReconnect != nil {
				next.OnReconnect(attempt, err)
			}
		},
	}
}

// current reports whether s is still the session emissions belong to.
func (c *Controller) current(s *session) bool {
	return c.gen.Load() == s.gen && s.ctx.Err() == nil
}

func (c *Controller) run(s *session) {
	defer close(s.done)

	bf, err := s.pipe.Backfill(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil || errors.Is(err, pipeline.ErrClosed) {
			return
		}
		s.log.Error("backfill failed", "error", err)
		if c.current(s) {
			c.listener.OnError(s.Info(), err)
		}
		return
	}

	seeded := make([]model.AugmentedCandle, 0, len(bf.Candles))
	for _, cd := range bf.Candles {
		seeded = append(seeded, c.apply(s, cd, true))
		s.lastFinal = cd.Time
	}
	s.store.LoadBatch(seeded)

	s.mu.Lock()
	s.info.Source = bf.Source
	s.info.Degraded = bf.Degraded
	s.mu.Unlock()

	if !c.current(s) {
		return
	}
	info := s.Info()
	if bf.Degraded {
		c.m.DegradedSessions.Inc()
		c.listener.OnSourceDegraded(info, bf.Reason)
	}
	c.listener.OnSnapshot(info, s.store.Snapshot())
	s.log.Info("snapshot delivered", "source", bf.Source, "candles", s.store.Len(), "degraded", bf.Degraded)

	events := make(chan model.CandleEvent, 64)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		s.pipe.Stream(s.ctx, s.lastFinal, events)
	}()

	for {
		select {
		case ev := <-events:
			c.handle(s, ev)
		case <-streamDone:
			return
		}
	}
}

// handle applies one live event in order, dropping stale ones.
func (c *Controller) handle(s *session, ev model.CandleEvent) {
	if ev.Candle.Time <= s.lastFinal {
		err := fmt.Errorf("%w: candle %d at or before committed final %d", ErrStaleUpdate, ev.Candle.Time, s.lastFinal)
		s.log.Debug("dropping live event", "error", err, "final", ev.Final)
		c.m.StaleDropped.Inc()
		if c.current(s) {
			c.listener.OnStaleUpdateDropped(s.Info(), ev.Candle.Time)
		}
		return
	}

	a := c.apply(s, ev.Candle, ev.Final)
	if ev.Final {
		s.lastFinal = ev.Candle.Time
	}
	s.store.Upsert(a)
	c.m.ObserveLiveEvent(ev.Final)
	if c.cfg.Health != nil {
		c.cfg.Health.SetLastEventTime(time.Now())
	}

	if c.current(s) {
		c.listener.OnUpdate(s.Info(), a, ev.Final)
	}
}

// apply runs the indicator set. Rejected inputs leave their fields absent.
func (c *Controller) apply(s *session, cd model.Candle, final bool) model.AugmentedCandle {
	start := time.Now()
	a, err := s.set.Apply(cd, final)
	c.m.ApplyDur.Observe(time.Since(start).Seconds())
	if err != nil {
		c.m.InvalidInputs.Inc()
		s.log.Warn("indicator input rejected", "time", cd.Time, "error", err)
	}
	return a
}
