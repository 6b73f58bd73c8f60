package source

import (
	"context"
	"fmt"
	"time"

	"klinefeed/internal/model"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
)

const polygonMaxLimit = 1000

// Polygon serves stocks from the aggregates (bars) endpoint.
type Polygon struct {
	client *polygon.Client
	now    func() time.Time
}

// NewPolygon creates a Polygon source for the given API key.
func NewPolygon(apiKey string) *Polygon {
	return &Polygon{client: polygon.New(apiKey), now: time.Now}
}

func (p *Polygon) Name() string { return "polygon" }

// polygonSpan splits a timeframe into aggregate multiplier and unit.
func polygonSpan(tf model.Timeframe) (int, models.Timespan, error) {
	unit := tf.Label[len(tf.Label)-1:]
	n := 0
	for _, ch := range tf.Label[:len(tf.Label)-1] {
		n = n*10 + int(ch-'0')
	}
	switch unit {
	case "m":
		return n, models.Timespan("minute"), nil
	case "h":
		return n, models.Timespan("hour"), nil
	case "d":
		return n, models.Timespan("day"), nil
	case "w":
		return n, models.Timespan("week"), nil
	case "M":
		return n, models.Timespan("month"), nil
	}
	return 0, "", fmt.Errorf("polygon %s: %w", tf, ErrUnsupportedTimeframe)
}

func (p *Polygon) FetchHistory(ctx context.Context, sym model.Symbol, tf model.Timeframe, limit int) ([]model.Candle, error) {
	mult, span, err := polygonSpan(tf)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > polygonMaxLimit {
		limit = polygonMaxLimit
	}

	// Markets are closed most of the calendar; over-request and trim.
	to := p.now()
	from := to.Add(-3 * time.Duration(limit) * tf.Duration)

	params := models.ListAggsParams{
		Ticker:     sym.Name,
		Multiplier: mult,
		Timespan:   span,
		From:       models.Millis(from),
		To:         models.Millis(to),
	}.WithOrder(models.Asc).WithAdjusted(true)

	iter := p.client.ListAggs(ctx, params)
	var candles []model.Candle
	for iter.Next() {
		a := iter.Item()
		c := model.Candle{
			Time:   time.Time(a.Timestamp).Unix(),
			Open:   a.Open,
			High:   a.High,
			Low:    a.Low,
			Close:  a.Close,
			Volume: a.Volume,
		}
		if validate(c) != nil {
			continue
		}
		candles = append(candles, c)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("polygon aggs %s %s: %w", sym, tf, err)
	}
	return tail(model.SortCandles(candles), limit), nil
}
