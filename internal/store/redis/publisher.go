package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"klinefeed/internal/breaker"
	"klinefeed/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Final candles kept per series stream.
	streamMaxLen     = 5000
	defaultLatestTTL = 30 * time.Minute
	defaultMaxBuffer = 10000
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	MaxBuffer           int // final candles held while the breaker is open
	Logger              *slog.Logger
}

// Key layout, per series "tf:symbol":
//
//	pub:candle:{tf}:{symbol}      PUBLISH  every SNAPSHOT and LIVE event
//	pub:status:{tf}:{symbol}      PUBLISH  DEGRADED events
//	candle:{tf}:{symbol}          XADD     final candles
//	candle:latest:{tf}:{symbol}   SET      newest final candle
//	snapshot:{tf}:{symbol}        SET      last snapshot
func pubChannel(e *model.Event) string    { return "pub:candle:" + e.Key() }
func statusChannel(e *model.Event) string { return "pub:status:" + e.Key() }
func streamKey(tf, symbol string) string  { return "candle:" + tf + ":" + symbol }
func latestKey(e *model.Event) string     { return "candle:latest:" + e.Key() }
func snapshotKey(e *model.Event) string   { return "snapshot:" + e.Key() }

// Publisher mirrors session events into Redis for other processes. Writes
// go through a circuit breaker; while it is open final candles are
// buffered locally and replayed when it closes.
type Publisher struct {
	client *goredis.Client
	cb     *breaker.Breaker
	buf    *buffer
	log    *slog.Logger
	ctx    context.Context

	// OnWrite is called with the latency of each successful write.
	OnWrite func(time.Duration)
}

// New connects to Redis, pings it and returns a publisher.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg Config) *Publisher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 3
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 30 * time.Second
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = defaultMaxBuffer
	}

	p := &Publisher{
		client: client,
		cb:     breaker.New("redis", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		buf:    newBuffer(cfg.MaxBuffer),
		log:    cfg.Logger.With("component", "redis"),
		ctx:    context.Background(),
	}
	p.buf.OnDrop = func() { p.log.Warn("write buffer full, dropping oldest candle") }
	p.cb.OnStateChange = func(name string, from, to breaker.State) {
		p.log.Warn("circuit breaker transition", "from", from.String(), "to", to.String())
		if to == breaker.StateClosed {
			go p.flush()
		}
	}
	return p
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker returns the write breaker.
func (p *Publisher) Breaker() *breaker.Breaker { return p.cb }

// PendingCount returns the number of buffered final candles.
func (p *Publisher) PendingCount() int { return p.buf.len() }

// Run writes events until ctx is cancelled or events is closed.
func (p *Publisher) Run(ctx context.Context, events <-chan model.Event) {
	p.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Write(ctx, ev)
		}
	}
}

// Write publishes one event through the breaker.
func (p *Publisher) Write(ctx context.Context, ev model.Event) error {
	if !writable(ev) {
		return nil
	}
	err := p.cb.Execute(func() error { return p.exec(ctx, []model.Event{ev}) })
	switch {
	case errors.Is(err, breaker.ErrOpen):
		if ev.Type == model.EventLive && ev.Final {
			p.buf.push(ev)
		}
		return nil
	case err != nil:
		p.log.Warn("redis write failed", "type", ev.Type, "key", ev.Key(), "error", err)
	}
	return err
}

// Accepts reports whether Write would publish ev.
func (p *Publisher) Accepts(ev *model.Event) bool { return writable(*ev) }

func writable(ev model.Event) bool {
	switch ev.Type {
	case model.EventSnapshot, model.EventDegraded:
		return true
	case model.EventLive:
		return ev.Candle != nil
	}
	return false
}

// exec sends a batch of events in one pipeline.
func (p *Publisher) exec(ctx context.Context, evs []model.Event) error {
	start := time.Now()
	pipe := p.client.Pipeline()
	for i := range evs {
		ev := &evs[i]
		switch ev.Type {
		case model.EventSnapshot:
			data := string(ev.JSON())
			pipe.Set(ctx, snapshotKey(ev), data, defaultLatestTTL)
			pipe.Publish(ctx, pubChannel(ev), data)
		case model.EventDegraded:
			pipe.Publish(ctx, statusChannel(ev), string(ev.JSON()))
		case model.EventLive:
			pipe.Publish(ctx, pubChannel(ev), string(ev.JSON()))
			if !ev.Final {
				continue
			}
			candle, err := json.Marshal(ev.Candle)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: streamKey(ev.TF, ev.Symbol),
				MaxLen: streamMaxLen,
				Approx: true,
				Values: map[string]interface{}{"data": string(candle)},
			})
			pipe.Set(ctx, latestKey(ev), string(candle), defaultLatestTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline (%d events): %w", len(evs), err)
	}
	if p.OnWrite != nil {
		p.OnWrite(time.Since(start))
	}
	return nil
}

// flush replays buffered finals after the breaker closes.
func (p *Publisher) flush() {
	evs := p.buf.drain()
	if len(evs) == 0 {
		return
	}
	if err := p.exec(p.ctx, evs); err != nil {
		p.log.Error("flush of buffered candles failed", "count", len(evs), "error", err)
		return
	}
	p.log.Info("flushed buffered candles", "count", len(evs))
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
