package pipeline

import (
	"context"
	"testing"

	"klinefeed/internal/marketdata/source"
	"klinefeed/internal/model"
)

type nopReader struct{}

func (nopReader) ReadCandles(context.Context, string, string, int) ([]model.Candle, error) {
	return nil, nil
}

func names(s Sources) []string {
	var out []string
	for _, h := range s.History {
		out = append(out, h.Name())
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestVendors_Resolve(t *testing.T) {
	archives := []source.History{source.NewArchive("sqlite", nopReader{})}
	crypto, _ := model.ParseSymbol("BTCUSDT")
	stock, _ := model.ParseSymbol("TSLA")

	tests := []struct {
		name      string
		cfg       VendorConfig
		sym       model.Symbol
		wantChain []string
		wantLive  string
	}{
		{"crypto", VendorConfig{Archives: archives}, crypto, []string{"binance", "archive:sqlite"}, "binance"},
		{"stock without key", VendorConfig{Archives: archives}, stock, []string{"yahoo", "archive:sqlite"}, "poll:yahoo"},
		{"stock with key", VendorConfig{PolygonAPIKey: "k"}, stock, []string{"polygon", "yahoo"}, "poll:polygon"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := NewVendors(tc.cfg, nil)
			src := v.Resolve(tc.sym)
			if got := names(src); !equal(got, tc.wantChain) {
				t.Errorf("chain = %v, want %v", got, tc.wantChain)
			}
			if src.Live == nil || src.Live.Name() != tc.wantLive {
				t.Errorf("live = %v, want %s", src.Live, tc.wantLive)
			}
			if src.Placeholder == nil {
				t.Error("placeholder missing")
			}
		})
	}
}

func TestVendors_BreakersPerVendor(t *testing.T) {
	v := NewVendors(VendorConfig{PolygonAPIKey: "k"}, nil)
	var got []string
	for _, b := range v.Breakers() {
		got = append(got, b.Name())
	}
	if !equal(got, []string{"binance", "polygon", "yahoo"}) {
		t.Errorf("breakers = %v", got)
	}
}
