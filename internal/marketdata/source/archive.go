package source

import (
	"context"

	"klinefeed/internal/model"
)

// Archive serves previously recorded closed candles as an offline fallback.
type Archive struct {
	name string
	r    model.CandleReader
}

// NewArchive wraps a candle reader (the SQLite archive or Redis streams).
func NewArchive(name string, r model.CandleReader) *Archive {
	return &Archive{name: "archive:" + name, r: r}
}

func (a *Archive) Name() string { return a.name }

func (a *Archive) FetchHistory(ctx context.Context, sym model.Symbol, tf model.Timeframe, limit int) ([]model.Candle, error) {
	return a.r.ReadCandles(ctx, sym.Name, tf.Label, limit)
}
