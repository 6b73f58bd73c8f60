// Package logger sets up log/slog for the process and carries a per-session
// trace id through context.Context so every line a chart session logs can
// be correlated.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Options configures New.
type Options struct {
	Service string
	Level   slog.Level
	Format  string    // "json" (default) or "text"
	Output  io.Writer // default os.Stdout
}

// New builds the process logger and installs it as the slog default.
func New(opts Options) (*slog.Logger, error) {
	w := opts.Output
	if w == nil {
		w = os.Stdout
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(w, hopts)
	case "text":
		handler = slog.NewTextHandler(w, hopts)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	logger := slog.New(handler).With(slog.String("service", opts.Service))
	slog.SetDefault(logger)
	return logger, nil
}

// ParseLevel maps debug, info, warn and error (case-insensitive) to a level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// SeriesTraceID names one session of a series: "{symbol}-{tf}-{unixNano}".
func SeriesTraceID(symbol, tf string, ts time.Time) string {
	return fmt.Sprintf("%s-%s-%d", symbol, tf, ts.UnixNano())
}

// LogWithTrace returns slog attributes including the trace ID from context.
// Usage: slog.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("trace_id", tid)}
}

// ForSeries starts a session trace for symbol/tf. The returned logger
// carries the series, the generation and the trace id.
func ForSeries(ctx context.Context, log *slog.Logger, symbol, tf string, generation uint64) (context.Context, *slog.Logger) {
	ctx = WithTraceID(ctx, SeriesTraceID(symbol, tf, time.Now()))
	log = log.With("symbol", symbol, "tf", tf, "generation", generation)
	return ctx, log.With(LogWithTrace(ctx)...)
}
