package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the kline feed.
type Metrics struct {
	// Sessions
	SubscriptionsTotal prometheus.Counter
	ActiveSessions     prometheus.Gauge
	DegradedSessions   prometheus.Counter
	PipelineStates     *prometheus.CounterVec // labels: state

	// Acquisition
	SourceFailures *prometheus.CounterVec   // labels: source
	BackfillDur    *prometheus.HistogramVec // labels: source
	Reconnects     prometheus.Counter
	LiveEvents     *prometheus.CounterVec // labels: final

	// Indicators
	ApplyDur      prometheus.Histogram
	InvalidInputs prometheus.Counter
	StaleDropped  prometheus.Counter

	// Sinks
	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber
	RedisWrites      prometheus.Counter
	RedisWriteDur    prometheus.Histogram
	ArchiveWrites    prometheus.Counter
	SQLiteCommitDur  prometheus.Histogram

	// Circuit breakers: 0=closed, 1=open, 2=half-open
	BreakerState *prometheus.GaugeVec   // labels: name
	BreakerTrips *prometheus.CounterVec // labels: name

	// Gateway
	WSClients       prometheus.Gauge
	DeliveryLatency *prometheus.HistogramVec // labels: type
}

// NewMetrics registers and returns all Prometheus metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg. A nil reg leaves the metrics
// unregistered, which is what tests and one-shot commands want.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubscriptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_subscriptions_total",
			Help: "Total sessions started",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinefeed_active_sessions",
			Help: "Sessions currently running",
		}),
		DegradedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_degraded_sessions_total",
			Help: "Sessions that fell back to placeholder data",
		}),
		PipelineStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinefeed_pipeline_transitions_total",
			Help: "Pipeline state transitions by target state",
		}, []string{"state"}),
		SourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinefeed_source_failures_total",
			Help: "History source failures during backfill",
		}, []string{"source"}),
		BackfillDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klinefeed_backfill_duration_seconds",
			Help:    "Successful backfill fetch latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_reconnects_total",
			Help: "Live stream reconnection attempts",
		}),
		LiveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinefeed_live_events_total",
			Help: "Live candle events applied",
		}, []string{"final"}),
		ApplyDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinefeed_indicator_apply_duration_seconds",
			Help:    "Time to run one candle through the indicator set",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		InvalidInputs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_invalid_inputs_total",
			Help: "Candles with at least one indicator input rejected",
		}),
		StaleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_stale_updates_dropped_total",
			Help: "Live events at or before the last committed final",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinefeed_fanout_drops_total",
			Help: "Events dropped because a subscriber channel was full",
		}, []string{"subscriber"}),
		RedisWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_redis_writes_total",
			Help: "Events published to Redis",
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinefeed_redis_write_duration_seconds",
			Help:    "Redis pipeline latency",
			Buckets: prometheus.DefBuckets,
		}),
		ArchiveWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinefeed_archive_writes_total",
			Help: "Final candles written to the SQLite archive",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinefeed_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "klinefeed_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinefeed_breaker_trips_total",
			Help: "Circuit breaker transitions to open",
		}, []string{"name"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinefeed_ws_clients",
			Help: "Connected websocket clients",
		}),
		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klinefeed_ws_delivery_seconds",
			Help:    "Time from session event to websocket write",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"type"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SubscriptionsTotal,
			m.ActiveSessions,
			m.DegradedSessions,
			m.PipelineStates,
			m.SourceFailures,
			m.BackfillDur,
			m.Reconnects,
			m.LiveEvents,
			m.ApplyDur,
			m.InvalidInputs,
			m.StaleDropped,
			m.FanoutDropsTotal,
			m.RedisWrites,
			m.RedisWriteDur,
			m.ArchiveWrites,
			m.SQLiteCommitDur,
			m.BreakerState,
			m.BreakerTrips,
			m.WSClients,
			m.DeliveryLatency,
		)
	}
	return m
}

// ObserveLiveEvent counts one applied live event.
func (m *Metrics) ObserveLiveEvent(final bool) {
	m.LiveEvents.WithLabelValues(strconv.FormatBool(final)).Inc()
}

// ObserveBreaker records a breaker transition. state is the numeric
// breaker state; open is 1.
func (m *Metrics) ObserveBreaker(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
	if state == 1 {
		m.BreakerTrips.WithLabelValues(name).Inc()
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisEnabled   bool
	RedisConnected bool
	SQLiteEnabled  bool
	SQLiteOK       bool
	LastEventTime  time.Time
	ActiveSessions int
	WSClients      int

	// Liveness probe results
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		now:       time.Now,
	}
}

func (h *HealthStatus) SetRedis(enabled, connected bool) {
	h.mu.Lock()
	h.RedisEnabled = enabled
	h.RedisConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLite(enabled, ok bool) {
	h.mu.Lock()
	h.SQLiteEnabled = enabled
	h.SQLiteOK = ok
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastEventTime(t time.Time) {
	h.mu.Lock()
	h.LastEventTime = t
	h.mu.Unlock()
}

// AddSessions adjusts the active session count by delta.
func (h *HealthStatus) AddSessions(delta int) {
	h.mu.Lock()
	h.ActiveSessions += delta
	h.mu.Unlock()
}

// AddClients adjusts the websocket client count by delta.
func (h *HealthStatus) AddClients(delta int) {
	h.mu.Lock()
	h.WSClients += delta
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil clients are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// HealthReport is the /healthz body.
type HealthReport struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	ActiveSessions  int     `json:"active_sessions"`
	WSClients       int     `json:"ws_clients"`
	LastEventTime   string  `json:"last_event_time,omitempty"`
	EventAge        string  `json:"event_age,omitempty"`
	RedisEnabled    bool    `json:"redis_enabled"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteEnabled   bool    `json:"sqlite_enabled"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	LastCheckAt     string  `json:"last_check_at,omitempty"`
}

// Report builds the health summary and its HTTP status. Only enabled
// dependencies count: any one down is degraded, all down is unhealthy.
func (h *HealthStatus) Report() (HealthReport, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	enabled, down := 0, 0
	if h.RedisEnabled {
		enabled++
		if !h.RedisConnected {
			down++
		}
	}
	if h.SQLiteEnabled {
		enabled++
		if !h.SQLiteOK {
			down++
		}
	}

	r := HealthReport{
		Status:          "healthy",
		Uptime:          h.now().Sub(h.StartedAt).Round(time.Second).String(),
		ActiveSessions:  h.ActiveSessions,
		WSClients:       h.WSClients,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteEnabled:   h.SQLiteEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
	}
	code := http.StatusOK
	switch {
	case down > 0 && down == enabled:
		r.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case down > 0:
		r.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.LastEventTime.IsZero() {
		r.LastEventTime = h.LastEventTime.Format(time.RFC3339)
		r.EventAge = h.now().Sub(h.LastEventTime).Round(time.Millisecond).String()
	}
	if !h.LastCheckAt.IsZero() {
		r.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}
	return r, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server. A nil gatherer serves
// the default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		log:  logger.With("component", "metrics"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
