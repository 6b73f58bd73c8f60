package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidTimeframe is returned for a timeframe label that is not supported.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

// Timeframe is a candle interval such as "1m" or "4h".
type Timeframe struct {
	Label    string
	Duration time.Duration
}

const day = 24 * time.Hour

// timeframes lists every supported interval. "1M" is a fixed 30 days.
var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  day,
	"3d":  3 * day,
	"1w":  7 * day,
	"1M":  30 * day,
}

// ParseTimeframe validates a timeframe label. Labels are case sensitive
// because "1m" and "1M" differ.
func ParseTimeframe(label string) (Timeframe, error) {
	label = strings.TrimSpace(label)
	d, ok := timeframes[label]
	if !ok {
		return Timeframe{}, fmt.Errorf("%w: %q", ErrInvalidTimeframe, label)
	}
	return Timeframe{Label: label, Duration: d}, nil
}

// Timeframes returns every supported timeframe, shortest first.
func Timeframes() []Timeframe {
	out := make([]Timeframe, 0, len(timeframes))
	for label, d := range timeframes {
		out = append(out, Timeframe{Label: label, Duration: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration < out[j].Duration })
	return out
}

// Seconds returns the interval length in seconds.
func (tf Timeframe) Seconds() int64 { return int64(tf.Duration / time.Second) }

// Align returns the open time of the bar containing t.
func (tf Timeframe) Align(t time.Time) int64 {
	s := tf.Seconds()
	u := t.Unix()
	return u - u%s
}

// Closed reports whether the bar opening at open has closed by now.
func (tf Timeframe) Closed(open int64, now time.Time) bool {
	return open+tf.Seconds() <= now.Unix()
}

func (tf Timeframe) String() string { return tf.Label }
