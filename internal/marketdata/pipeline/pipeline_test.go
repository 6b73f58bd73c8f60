package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"klinefeed/internal/marketdata/source"
	"klinefeed/internal/model"
)

// fakeHistory returns fixed candles, an error, or blocks.
type fakeHistory struct {
	name    string
	candles []model.Candle
	err     error
	block   bool // ignore ctx and hang
	calls   atomic.Int32
}

func (f *fakeHistory) Name() string { return f.name }

func (f *fakeHistory) FetchHistory(ctx context.Context, _ model.Symbol, _ model.Timeframe, _ int) ([]model.Candle, error) {
	f.calls.Add(1)
	if f.block {
		select {}
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Candle(nil), f.candles...), nil
}

// conn scripts one live connection.
type conn struct {
	events []model.CandleEvent
	err    error // returned after events; nil means hold until cancelled
}

// fakeLive plays one conn per Stream call and records the since values.
type fakeLive struct {
	mu     sync.Mutex
	conns  []conn
	sinces []int64
}

func (f *fakeLive) Name() string { return "fake-live" }

func (f *fakeLive) Stream(ctx context.Context, _ model.Symbol, _ model.Timeframe, since int64, out chan<- model.CandleEvent) error {
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	var c conn
	if len(f.conns) > 0 {
		c, f.conns = f.conns[0], f.conns[1:]
	}
	f.mu.Unlock()

	for _, ev := range c.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.err != nil {
		return c.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeLive) Sinces() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sinces...)
}

var fixedNow = time.Unix(1_700_000_000, 0)

func bars(tf time.Duration, n int, formingToo bool) []model.Candle {
	step := int64(tf / time.Second)
	open := fixedNow.Unix() - fixedNow.Unix()%step
	var out []model.Candle
	for i := n; i >= 1; i-- {
		out = append(out, model.Candle{Time: open - int64(i)*step, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1})
	}
	if formingToo {
		out = append(out, model.Candle{Time: open, Open: 2, High: 2, Low: 2, Close: 2, Volume: 1})
	}
	return out
}

func newTestPipeline(t *testing.T, symbol string, src Sources, cfg Config) *Pipeline {
	t.Helper()
	p, err := New(symbol, "1m", src, cfg)
	if err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return fixedNow }
	t.Cleanup(p.Close)
	return p
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		symbol string
		tf     string
		want   error
	}{
		{"bad symbol", "not a symbol!", "1m", model.ErrInvalidSymbol},
		{"empty symbol", "", "1m", model.ErrInvalidSymbol},
		{"bad timeframe", "TSLA", "7m", model.ErrInvalidTimeframe},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.symbol, tc.tf, Sources{}, Config{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestBackfill_DropsFormingBar(t *testing.T) {
	primary := &fakeHistory{name: "primary", candles: bars(time.Minute, 3, true)}
	p := newTestPipeline(t, "BTCUSDT", Sources{History: []source.History{primary}}, Config{})

	bf, err := p.Backfill(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bf.Degraded || bf.Source != "primary" {
		t.Errorf("unexpected result: source=%s degraded=%v", bf.Source, bf.Degraded)
	}
	if len(bf.Candles) != 3 {
		t.Fatalf("got %d candles, want 3 closed", len(bf.Candles))
	}
	for _, c := range bf.Candles {
		if c.Close == 2 {
			t.Error("forming bar leaked into backfill")
		}
	}
	if p.State() != StateBackfilling {
		t.Errorf("state = %s, want backfilling", p.State())
	}
}

func TestBackfill_Fallback(t *testing.T) {
	primary := &fakeHistory{name: "primary", err: errors.New("503")}
	fallback := &fakeHistory{name: "fallback", candles: bars(time.Minute, 5, false)}

	var failed []string
	p := newTestPipeline(t, "AAPL", Sources{
		History:     []source.History{primary, fallback},
		Placeholder: &fakeHistory{name: "placeholder", candles: bars(time.Minute, 1, false)},
	}, Config{Hooks: Hooks{OnSourceFailure: func(src string, _ error) { failed = append(failed, src) }}})

	bf, err := p.Backfill(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bf.Source != "fallback" || bf.Degraded || len(bf.Candles) != 5 {
		t.Errorf("got source=%s degraded=%v n=%d", bf.Source, bf.Degraded, len(bf.Candles))
	}
	if len(failed) != 1 || failed[0] != "primary" {
		t.Errorf("failures = %v, want [primary]", failed)
	}
}

func TestBackfill_EmptyBatchIsFailure(t *testing.T) {
	onlyForming := &fakeHistory{name: "forming", candles: bars(time.Minute, 0, true)}
	fallback := &fakeHistory{name: "fallback", candles: bars(time.Minute, 2, false)}

	var gotErr error
	p := newTestPipeline(t, "AAPL", Sources{History: []source.History{onlyForming, fallback}},
		Config{Hooks: Hooks{OnSourceFailure: func(_ string, err error) { gotErr = err }}})

	bf, err := p.Backfill(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bf.Source != "fallback" {
		t.Errorf("source = %s, want fallback", bf.Source)
	}
	if !errors.Is(gotErr, source.ErrSourceUnavailable) {
		t.Errorf("empty batch error = %v, want ErrSourceUnavailable", gotErr)
	}
}

func TestBackfill_Timeout(t *testing.T) {
	hung := &fakeHistory{name: "hung", block: true}
	fallback := &fakeHistory{name: "fallback", candles: bars(time.Minute, 2, false)}
	p := newTestPipeline(t, "AAPL", Sources{History: []source.History{hung, fallback}},
		Config{BackfillTimeout: 30 * time.Millisecond})

	start := time.Now()
	bf, err := p.Backfill(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bf.Source != "fallback" {
		t.Errorf("source = %s, want fallback", bf.Source)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("backfill took %v, timeout not enforced", took)
	}
}

func TestBackfill_DegradedToPlaceholder(t *testing.T) {
	primary := &fakeHistory{name: "primary", err: errors.New("down")}
	fallback := &fakeHistory{name: "fallback", err: errors.New("also down")}

	var states []State
	p, err := New("TSLA", "1h", Sources{
		History:     []source.History{primary, fallback},
		Placeholder: source.NewPlaceholder(100),
	}, Config{Hooks: Hooks{OnStateChange: func(_, to State) { states = append(states, to) }}})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	bf, err := p.Backfill(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !bf.Degraded || bf.Reason == "" {
		t.Errorf("expected degraded with reason, got %+v", bf)
	}
	if bf.Source != "placeholder" || len(bf.Candles) == 0 {
		t.Errorf("expected placeholder candles, got source=%s n=%d", bf.Source, len(bf.Candles))
	}
	if p.State() != StateDegraded {
		t.Errorf("state = %s, want degraded", p.State())
	}
	want := []State{StateBackfilling, StateDegraded}
	if len(states) != len(want) || states[0] != want[0] || states[1] != want[1] {
		t.Errorf("transitions = %v, want %v", states, want)
	}
}

func TestBackfill_NoPlaceholder(t *testing.T) {
	p := newTestPipeline(t, "AAPL", Sources{History: []source.History{&fakeHistory{name: "x", err: errors.New("down")}}}, Config{})
	_, err := p.Backfill(context.Background())
	if !errors.Is(err, source.ErrSourceUnavailable) {
		t.Fatalf("got %v, want ErrSourceUnavailable", err)
	}
}

func TestStream_ReconnectsAndAdvancesSince(t *testing.T) {
	live := &fakeLive{conns: []conn{
		{
			events: []model.CandleEvent{
				{Candle: model.Candle{Time: 160, Close: 1}},
				{Candle: model.Candle{Time: 160, Close: 2}, Final: true},
			},
			err: errors.New("connection reset"),
		},
		{
			events: []model.CandleEvent{{Candle: model.Candle{Time: 220, Close: 3}, Final: true}},
		},
	}}

	var reconnects atomic.Int32
	p := newTestPipeline(t, "BTCUSDT", Sources{Live: live}, Config{
		ReconnectDelay: 10 * time.Millisecond,
		Hooks:          Hooks{OnReconnect: func(int, error) { reconnects.Add(1) }},
	})

	out := make(chan model.CandleEvent)
	done := make(chan error, 1)
	go func() { done <- p.Stream(context.Background(), 100, out) }()

	var got []model.CandleEvent
	for len(got) < 3 {
		select {
		case ev := <-out:
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	if p.State() != StateLive {
		t.Errorf("state = %s, want live", p.State())
	}

	p.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stream returned %v after Close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not return after Close")
	}

	if got[2].Candle.Time != 220 || !got[2].Final {
		t.Errorf("third event = %+v", got[2])
	}
	if n := reconnects.Load(); n != 1 {
		t.Errorf("reconnects = %d, want 1", n)
	}
	sinces := live.Sinces()
	if len(sinces) < 2 || sinces[0] != 100 || sinces[1] != 160 {
		t.Errorf("since per connection = %v, want [100 160]", sinces)
	}
	if p.State() != StateClosed {
		t.Errorf("state = %s, want closed", p.State())
	}
}

func TestStream_ContextCancel(t *testing.T) {
	p := newTestPipeline(t, "BTCUSDT", Sources{Live: &fakeLive{}}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Stream(ctx, 0, make(chan model.CandleEvent)) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stream returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not return after cancel")
	}
}

func TestClose_Idempotent(t *testing.T) {
	p := newTestPipeline(t, "AAPL", Sources{}, Config{})
	p.Close()
	p.Close()
	if p.State() != StateClosed {
		t.Errorf("state = %s, want closed", p.State())
	}
	if _, err := p.Backfill(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Backfill after Close = %v, want ErrClosed", err)
	}
	if err := p.Stream(context.Background(), 0, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Stream after Close = %v, want ErrClosed", err)
	}
}

func TestClose_AbortsBackfill(t *testing.T) {
	// The source honours its context, so Close must interrupt it.
	slow := &ctxHistory{}
	p := newTestPipeline(t, "AAPL", Sources{History: []source.History{slow}}, Config{BackfillTimeout: time.Minute})

	done := make(chan error, 1)
	go func() {
		_, err := p.Backfill(context.Background())
		done <- err
	}()
	<-slow.started()
	p.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Backfill returned %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Backfill not interrupted by Close")
	}
}

type ctxHistory struct {
	once sync.Once
	ch   chan struct{}
	mu   sync.Mutex
}

func (c *ctxHistory) started() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		c.ch = make(chan struct{})
	}
	return c.ch
}

func (c *ctxHistory) Name() string { return "slow" }

func (c *ctxHistory) FetchHistory(ctx context.Context, _ model.Symbol, _ model.Timeframe, _ int) ([]model.Candle, error) {
	ch := c.started()
	c.once.Do(func() { close(ch) })
	<-ctx.Done()
	return nil, ctx.Err()
}
