package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHealthReport(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *HealthStatus)
		wantStatus string
		wantCode   int
	}{
		{"no dependencies", func(h *HealthStatus) {}, "healthy", http.StatusOK},
		{"all up", func(h *HealthStatus) {
			h.SetRedis(true, true)
			h.SetSQLite(true, true)
		}, "healthy", http.StatusOK},
		{"redis down", func(h *HealthStatus) {
			h.SetRedis(true, false)
			h.SetSQLite(true, true)
		}, "degraded", http.StatusServiceUnavailable},
		{"all down", func(h *HealthStatus) {
			h.SetRedis(true, false)
			h.SetSQLite(true, false)
		}, "unhealthy", http.StatusServiceUnavailable},
		{"disabled redis ignored", func(h *HealthStatus) {
			h.SetRedis(false, false)
			h.SetSQLite(true, true)
		}, "healthy", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthStatus()
			tc.setup(h)
			r, code := h.Report()
			if r.Status != tc.wantStatus || code != tc.wantCode {
				t.Errorf("got (%s, %d), want (%s, %d)", r.Status, code, tc.wantStatus, tc.wantCode)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	h := NewHealthStatus()
	now := time.Unix(1_700_000_100, 0)
	h.now = func() time.Time { return now }
	h.SetLastEventTime(now.Add(-2 * time.Second))
	h.AddSessions(2)
	h.AddSessions(-1)
	h.AddClients(3)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	var body HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ActiveSessions != 1 || body.WSClients != 3 {
		t.Errorf("sessions=%d clients=%d", body.ActiveSessions, body.WSClients)
	}
	if body.EventAge != "2s" {
		t.Errorf("event age = %q, want 2s", body.EventAge)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)
	m.ObserveLiveEvent(true)
	m.ObserveLiveEvent(false)
	m.ObserveLiveEvent(true)
	m.ObserveBreaker("yahoo", 1)
	m.ObserveBreaker("yahoo", 2)
	m.ObserveBreaker("yahoo", 0)

	if got := testutil.ToFloat64(m.LiveEvents.WithLabelValues("true")); got != 2 {
		t.Errorf("final events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BreakerTrips.WithLabelValues("yahoo")); got != 1 {
		t.Errorf("trips = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("yahoo")); got != 0 {
		t.Errorf("state = %v, want 0", got)
	}

	srv := NewServer(":0", NewHealthStatus(), reg, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "klinefeed_live_events_total") {
		t.Error("metrics output missing klinefeed_live_events_total")
	}
}

func TestNewMetricsWith_NilRegisterer(t *testing.T) {
	// Twice must not panic on duplicate registration.
	NewMetricsWith(nil)
	NewMetricsWith(nil).Reconnects.Inc()
}
