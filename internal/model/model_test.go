package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		in   string
		name string
		kind Kind
		err  bool
	}{
		{"btcusdt", "BTCUSDT", KindCrypto, false},
		{" ETHBTC ", "ETHBTC", KindCrypto, false},
		{"BNBBUSD", "BNBBUSD", KindCrypto, false},
		{"TSLA", "TSLA", KindStock, false},
		{"brk-b", "BRK-B", KindStock, false},
		{"^GSPC", "^GSPC", KindStock, false},
		{"USDT", "USDT", KindStock, false}, // bare quote asset is not a pair
		{"", "", 0, true},
		{"TS LA", "", 0, true},
		{"BTC-USDT", "", 0, true},
		{"ABCDEFGHIJKLMNOPQRSTU", "", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			sym, err := ParseSymbol(tc.in)
			if tc.err {
				if !errors.Is(err, ErrInvalidSymbol) {
					t.Fatalf("got %v, want ErrInvalidSymbol", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if sym.Name != tc.name || sym.Kind != tc.kind {
				t.Errorf("got %s/%s, want %s/%s", sym.Name, sym.Kind, tc.name, tc.kind)
			}
		})
	}
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"1m", time.Minute, false},
		{"1M", 30 * 24 * time.Hour, false},
		{"4h", 4 * time.Hour, false},
		{"1w", 7 * 24 * time.Hour, false},
		{"2m", 0, true},
		{"1H", 0, true},
		{"", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			tf, err := ParseTimeframe(tc.in)
			if tc.err {
				if !errors.Is(err, ErrInvalidTimeframe) {
					t.Fatalf("got %v, want ErrInvalidTimeframe", err)
				}
				return
			}
			if err != nil || tf.Duration != tc.want || tf.Label != tc.in {
				t.Errorf("got %+v, %v", tf, err)
			}
		})
	}
}

func TestTimeframe_AlignAndClosed(t *testing.T) {
	tf, _ := ParseTimeframe("1h")
	now := time.Unix(1_700_000_000, 0) // 22:13:20 UTC
	open := tf.Align(now)
	if open != 1_699_999_200 {
		t.Fatalf("Align = %d", open)
	}
	if tf.Closed(open, now) {
		t.Error("current bar reported closed")
	}
	if !tf.Closed(open-3600, now) {
		t.Error("previous bar reported open")
	}
	if !tf.Closed(open, time.Unix(open+3600, 0)) {
		t.Error("bar should close exactly at open+duration")
	}
}

func TestTimeframes_Sorted(t *testing.T) {
	tfs := Timeframes()
	if len(tfs) != 15 {
		t.Fatalf("got %d timeframes", len(tfs))
	}
	for i := 1; i < len(tfs); i++ {
		if tfs[i].Duration <= tfs[i-1].Duration {
			t.Errorf("%s not after %s", tfs[i].Label, tfs[i-1].Label)
		}
	}
}

func TestSortCandles_DedupKeepsLast(t *testing.T) {
	in := []Candle{{Time: 3, Close: 3}, {Time: 1, Close: 1}, {Time: 3, Close: 33}, {Time: 2, Close: 2}}
	out := SortCandles(in)
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	for i, want := range []float64{1, 2, 33} {
		if out[i].Close != want {
			t.Errorf("out[%d].Close = %v, want %v", i, out[i].Close, want)
		}
	}
}

func TestOpt_JSON(t *testing.T) {
	a := AugmentedCandle{Candle: Candle{Time: 60, Close: 1.5}, EMA8: Some(1.25)}
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["ema8"] != 1.25 || m["ema20"] != nil || m["time"] != float64(60) {
		t.Errorf("encoded %s", b)
	}

	var back AugmentedCandle
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if v, ok := back.EMA8.Get(); !ok || v != 1.25 {
		t.Errorf("EMA8 = %v %v", v, ok)
	}
	if _, ok := back.EMA20.Get(); ok {
		t.Error("absent EMA20 decoded as present")
	}
}

func TestEvent_Key(t *testing.T) {
	ev := Event{Type: EventLive, Symbol: "BTCUSDT", TF: "1m"}
	if ev.Key() != "1m:BTCUSDT" {
		t.Errorf("Key = %s", ev.Key())
	}
}
