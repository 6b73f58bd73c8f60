package model

import "context"

// ── Storage Port Interfaces ──
// These decouple the session pipeline from concrete sinks (Redis, SQLite).

// EventSink consumes session events from the fan-out bus.
type EventSink interface {
	// Run reads events until ctx is cancelled or events is closed.
	Run(ctx context.Context, events <-chan Event)

	// Close releases underlying resources.
	Close() error
}

// EventFilter is implemented by sinks that persist only some events. The
// bus skips the rest instead of queueing them.
type EventFilter interface {
	Accepts(ev *Event) bool
}

// CandleReader reads archived closed candles for one series.
type CandleReader interface {
	// ReadCandles returns at most limit of the most recent candles,
	// ascending by time.
	ReadCandles(ctx context.Context, symbol, tf string, limit int) ([]Candle, error)
}
