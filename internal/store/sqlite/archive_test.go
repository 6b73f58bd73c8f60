package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"klinefeed/internal/model"
)

func newArchive(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "klines.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return w, r
}

func aug(ts int64, close float64) model.AugmentedCandle {
	return model.AugmentedCandle{Candle: model.Candle{Time: ts, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 10}}
}

func TestArchivable(t *testing.T) {
	c := aug(60, 1)
	tests := []struct {
		name string
		ev   model.Event
		want int
	}{
		{"final", model.Event{Type: model.EventLive, Final: true, Candle: &c}, 1},
		{"provisional", model.Event{Type: model.EventLive, Candle: &c}, 0},
		{"snapshot", model.Event{Type: model.EventSnapshot, Candles: []model.AugmentedCandle{c, aug(120, 2)}}, 2},
		{"degraded snapshot", model.Event{Type: model.EventSnapshot, Degraded: true, Candles: []model.AugmentedCandle{c}}, 0},
		{"stale", model.Event{Type: model.EventStale}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := len(archivable(tc.ev)); got != tc.want {
				t.Errorf("rows = %d, want %d", got, tc.want)
			}
			if got := (&Writer{}).Accepts(&tc.ev); got != (tc.want > 0) {
				t.Errorf("Accepts = %v with %d rows", got, tc.want)
			}
		})
	}
}

func TestWriter_RunAndRead(t *testing.T) {
	w, r := newArchive(t)

	committed := make(chan int, 10)
	w.OnCommit = func(n int, _ time.Duration) { committed <- n }

	events := make(chan model.Event, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, events)
		close(done)
	}()

	events <- model.Event{Type: model.EventSnapshot, Symbol: "BTCUSDT", TF: "1m",
		Candles: []model.AugmentedCandle{aug(60, 1), aug(120, 2), aug(180, 3)}}
	replaced := aug(180, 33)
	events <- model.Event{Type: model.EventLive, Symbol: "BTCUSDT", TF: "1m", Final: true, Candle: &replaced}
	next := aug(240, 4)
	events <- model.Event{Type: model.EventLive, Symbol: "BTCUSDT", TF: "1m", Final: true, Candle: &next}
	other := aug(60, 9)
	events <- model.Event{Type: model.EventLive, Symbol: "ETHUSDT", TF: "1m", Final: true, Candle: &other}

	select {
	case <-committed:
	case <-time.After(5 * time.Second):
		t.Fatal("no commit within flush delay")
	}
	cancel()
	<-done

	candles, err := r.ReadCandles(context.Background(), "BTCUSDT", "1m", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 3 {
		t.Fatalf("got %d candles, want 3 (limit)", len(candles))
	}
	if candles[0].Time != 120 || candles[2].Time != 240 {
		t.Errorf("not the newest three ascending: %+v", candles)
	}
	if candles[1].Close != 33 {
		t.Errorf("final did not replace snapshot row: close=%v", candles[1].Close)
	}
}
