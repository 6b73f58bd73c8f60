package source

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"klinefeed/internal/model"
)

// basePrices seeds the placeholder series for well-known tickers.
var basePrices = map[string]float64{
	"TSLA":  250,
	"AMD":   140,
	"AAPL":  170,
	"MSFT":  380,
	"GOOGL": 140,
}

const (
	defaultBasePrice        = 100
	placeholderVolatility   = 0.02
	placeholderTrendEvery   = 20
	placeholderMinVolume    = 100_000
	placeholderVolumeSpread = 1_000_000
)

// Placeholder synthesizes a plausible random-walk series so a session can
// stay functional when every real source is down. Output is deterministic
// per (symbol, timeframe) and ends at the last closed bar.
type Placeholder struct {
	Count int
	now   func() time.Time
}

// NewPlaceholder creates a generator producing count candles per call.
func NewPlaceholder(count int) *Placeholder {
	if count <= 0 {
		count = 100
	}
	return &Placeholder{Count: count, now: time.Now}
}

func (p *Placeholder) Name() string { return "placeholder" }

func (p *Placeholder) FetchHistory(_ context.Context, sym model.Symbol, tf model.Timeframe, limit int) ([]model.Candle, error) {
	n := p.Count
	if limit > 0 && limit < n {
		n = limit
	}

	h := fnv.New64a()
	h.Write([]byte(sym.Name + "|" + tf.Label))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	base, ok := basePrices[sym.Name]
	if !ok {
		base = defaultBasePrice
	}
	step := tf.Seconds()
	lastClosed := tf.Align(p.now()) - step
	volatility := base * placeholderVolatility

	out := make([]model.Candle, n)
	price := base
	trend := 0.0
	for i := 0; i < n; i++ {
		if i%placeholderTrendEvery == 0 {
			trend = (rng.Float64() - 0.5) * 2
		}
		change := (rng.Float64() - 0.5 + trend*0.5) * volatility
		o := price
		c := o + change
		if c <= 0 {
			c = o / 2
		}
		high := max(o, c) + rng.Float64()*volatility*0.5
		low := min(o, c) - rng.Float64()*volatility*0.5
		if low <= 0 {
			low = min(o, c) / 2
		}
		out[i] = model.Candle{
			Time:   lastClosed - int64(n-1-i)*step,
			Open:   o,
			High:   high,
			Low:    low,
			Close:  c,
			Volume: float64(placeholderMinVolume + rng.Intn(placeholderVolumeSpread)),
		}
		price = c
	}
	return out, nil
}
