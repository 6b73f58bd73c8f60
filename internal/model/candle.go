package model

import (
	"encoding/json"
	"sort"
	"strconv"
)

// Candle is one OHLCV bar. Time is the bar open time in unix seconds and
// is the unique key of a candle within a series.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// CandleEvent is a raw candle as delivered by a data source.
// Final is false while the bar is still forming; a forming bar may be
// delivered many times with revised values before its final event.
type CandleEvent struct {
	Candle Candle `json:"candle"`
	Final  bool   `json:"final"`
}

// Opt is an optional indicator value. The zero Opt is absent.
type Opt struct {
	Value float64
	Valid bool
}

// Some returns a present Opt holding v.
func Some(v float64) Opt { return Opt{Value: v, Valid: true} }

// Get returns the value and whether it is present.
func (o Opt) Get() (float64, bool) { return o.Value, o.Valid }

// MarshalJSON encodes an absent value as null.
func (o Opt) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, o.Value, 'g', -1, 64), nil
}

// UnmarshalJSON accepts a number or null.
func (o *Opt) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = Opt{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

func (o Opt) String() string {
	if !o.Valid {
		return "-"
	}
	return strconv.FormatFloat(o.Value, 'f', 4, 64)
}

// AugmentedCandle is a candle plus the indicator values computed for it.
type AugmentedCandle struct {
	Candle
	EMA8      Opt `json:"ema8"`
	EMA20     Opt `json:"ema20"`
	EMA50     Opt `json:"ema50"`
	EMA200    Opt `json:"ema200"`
	TEMA5     Opt `json:"tema5"`
	VolumeMA  Opt `json:"volumeMa"`
	VolumeOsc Opt `json:"volumeOsc"`
}

// SortCandles sorts candles ascending by time and drops duplicates, keeping
// the last occurrence of each time.
func SortCandles(candles []Candle) []Candle {
	if len(candles) == 0 {
		return candles
	}
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time < candles[j].Time })
	out := candles[:0]
	for _, c := range candles {
		if n := len(out); n > 0 && out[n-1].Time == c.Time {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}
