package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"klinefeed/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Reader serves final candles previously published to Redis streams, so a
// restarted process can backfill from another instance's output.
type Reader struct {
	client *goredis.Client
	log    *slog.Logger
}

// NewReader reads through client.
func NewReader(client *goredis.Client, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{client: client, log: logger.With("component", "redis-reader")}
}

// ReadCandles returns up to limit of the newest final candles, ascending.
func (r *Reader) ReadCandles(ctx context.Context, symbol, tf string, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = streamMaxLen
	}
	msgs, err := r.client.XRevRangeN(ctx, streamKey(tf, symbol), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", streamKey(tf, symbol), err)
	}
	candles, skipped := decodeStream(msgs)
	if skipped > 0 {
		r.log.Warn("skipped undecodable stream entries", "stream", streamKey(tf, symbol), "count", skipped)
	}
	return candles, nil
}

// decodeStream parses XREVRANGE output (newest first) into ascending candles.
func decodeStream(msgs []goredis.XMessage) ([]model.Candle, int) {
	out := make([]model.Candle, 0, len(msgs))
	skipped := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["data"].(string)
		if !ok {
			skipped++
			continue
		}
		var a model.AugmentedCandle
		if err := json.Unmarshal([]byte(raw), &a); err != nil || a.Time <= 0 {
			skipped++
			continue
		}
		out = append(out, a.Candle)
	}
	return model.SortCandles(out), skipped
}
