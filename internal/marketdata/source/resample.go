package source

import (
	"time"

	"klinefeed/internal/model"
)

// Resample merges ascending candles into bars of tf: first open, highest
// high, lowest low, last close, summed volume. Bars open at tf.Align of
// their first member.
func Resample(cs []model.Candle, tf model.Timeframe) []model.Candle {
	var out []model.Candle
	for _, c := range cs {
		open := tf.Align(time.Unix(c.Time, 0))
		if n := len(out); n > 0 && out[n-1].Time == open {
			b := &out[n-1]
			b.High = max(b.High, c.High)
			b.Low = min(b.Low, c.Low)
			b.Close = c.Close
			b.Volume += c.Volume
			continue
		}
		c.Time = open
		out = append(out, c)
	}
	return out
}
