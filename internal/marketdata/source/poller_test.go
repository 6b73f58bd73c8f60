package source

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"klinefeed/internal/breaker"
	"klinefeed/internal/model"
)

// fakeHistory returns fixed candles and counts calls.
type fakeHistory struct {
	candles []model.Candle
	err     error
	calls   atomic.Int32
}

func (f *fakeHistory) Name() string { return "fake" }

func (f *fakeHistory) FetchHistory(ctx context.Context, _ model.Symbol, _ model.Timeframe, limit int) ([]model.Candle, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return tail(append([]model.Candle(nil), f.candles...), limit), nil
}

func bar(ts int64, close float64) model.Candle {
	return model.Candle{Time: ts, Open: close, High: close, Low: close, Close: close, Volume: 1}
}

func TestPoller_Interval(t *testing.T) {
	p := NewPoller(&fakeHistory{}, time.Minute, nil)
	tests := []struct {
		tf   string
		want time.Duration
	}{
		{"1m", time.Minute},
		{"5m", time.Minute},
		{"1d", time.Minute},
	}
	for _, tc := range tests {
		if got := p.Interval(mustTF(t, tc.tf)); got != tc.want {
			t.Errorf("Interval(%s) = %v, want %v", tc.tf, got, tc.want)
		}
	}

	fast := NewPoller(&fakeHistory{}, time.Hour, nil)
	if got := fast.Interval(mustTF(t, "5m")); got != 5*time.Minute {
		t.Errorf("Interval(5m) with 1h cap = %v, want 5m", got)
	}
}

func TestPoller_FirstPoll(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tf := mustTF(t, "1m")
	open := tf.Align(now)

	src := &fakeHistory{candles: []model.Candle{
		bar(open-180, 1), // already committed
		bar(open-120, 2),
		bar(open-60, 3),
		bar(open, 4), // forming
	}}
	p := NewPoller(src, time.Minute, nil)
	p.now = func() time.Time { return now }

	out := make(chan model.CandleEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Stream(ctx, mustSymbol(t, "AAPL"), tf, open-180, out) }()

	var got []model.CandleEvent
	for len(got) < 3 {
		select {
		case ev := <-out:
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Stream returned %v, want context.Canceled", err)
	}

	want := []struct {
		ts    int64
		final bool
	}{
		{open - 120, true},
		{open - 60, true},
		{open, false},
	}
	for i, w := range want {
		if got[i].Candle.Time != w.ts || got[i].Final != w.final {
			t.Errorf("event %d = (%d, final=%v), want (%d, final=%v)", i, got[i].Candle.Time, got[i].Final, w.ts, w.final)
		}
	}
}

func TestPoller_FetchErrorKeepsRunning(t *testing.T) {
	src := &fakeHistory{err: errors.New("boom")}
	p := NewPoller(src, time.Minute, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Stream(ctx, mustSymbol(t, "AAPL"), mustTF(t, "1m"), 0, make(chan model.CandleEvent))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stream returned %v, want deadline", err)
	}
	if src.calls.Load() < 1 {
		t.Error("expected an immediate poll")
	}
}

func TestGuarded_OpenBreakerIsUnavailable(t *testing.T) {
	src := &fakeHistory{err: errors.New("vendor down")}
	g := Guard(src, breaker.New("fake", 2, time.Hour))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.FetchHistory(ctx, mustSymbol(t, "AAPL"), mustTF(t, "1d"), 10); err == nil {
			t.Fatal("expected vendor error")
		}
	}
	_, err := g.FetchHistory(ctx, mustSymbol(t, "AAPL"), mustTF(t, "1d"), 10)
	if !errors.Is(err, ErrSourceUnavailable) || !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected open-breaker unavailable error, got %v", err)
	}
	if src.calls.Load() != 2 {
		t.Errorf("open breaker should not call the source, calls=%d", src.calls.Load())
	}
}

func TestSessionGate(t *testing.T) {
	states := []bool{true, false, false, false, true, false}
	want := []bool{true, true, false, false, true, true}

	i := 0
	g := sessionGate{open: func(time.Time) bool { return states[i] }, wasOpen: true}
	for ; i < len(states); i++ {
		if got := g.allow(time.Time{}); got != want[i] {
			t.Errorf("poll %d (open=%v): allow = %v, want %v", i, states[i], got, want[i])
		}
	}

	always := sessionGate{}
	if !always.allow(time.Time{}) {
		t.Error("gate without a market clock should always allow")
	}
}
