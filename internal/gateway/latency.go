package gateway

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencyStats summarizes one window of delivery latencies in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// window is a fixed-size ring of the most recent samples.
type window struct {
	samples []float64
	next    int
	full    bool
}

func (w *window) add(ms float64) {
	w.samples[w.next] = ms
	w.next++
	if w.next == len(w.samples) {
		w.next, w.full = 0, true
	}
}

func (w *window) values() []float64 {
	if w.full {
		return append([]float64(nil), w.samples...)
	}
	return append([]float64(nil), w.samples[:w.next]...)
}

// LatencyTracker measures how long session events wait between creation
// and the websocket write, separately per frame type: a SNAPSHOT carries a
// full backfill and is expected to be far slower than a LIVE update.
type LatencyTracker struct {
	size int
	// Observer, when set, receives every sample (a Prometheus histogram).
	Observer func(frameType string, d time.Duration)

	mu      sync.Mutex
	windows map[string]*window
}

// NewLatencyTracker keeps the last size samples per frame type; size <= 0
// means 10000.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 10000
	}
	return &LatencyTracker{size: size, windows: make(map[string]*window)}
}

// Observe records one delivery.
func (lt *LatencyTracker) Observe(frameType string, d time.Duration) {
	lt.mu.Lock()
	w, ok := lt.windows[frameType]
	if !ok {
		w = &window{samples: make([]float64, lt.size)}
		lt.windows[frameType] = w
	}
	w.add(float64(d.Microseconds()) / 1000)
	lt.mu.Unlock()

	if lt.Observer != nil {
		lt.Observer(frameType, d)
	}
}

// Summary returns stats per frame type seen so far.
func (lt *LatencyTracker) Summary() map[string]LatencyStats {
	lt.mu.Lock()
	raw := make(map[string][]float64, len(lt.windows))
	for k, w := range lt.windows {
		raw[k] = w.values()
	}
	lt.mu.Unlock()

	out := make(map[string]LatencyStats, len(raw))
	for k, v := range raw {
		out[k] = summarize(v)
	}
	return out
}

func summarize(v []float64) LatencyStats {
	if len(v) == 0 {
		return LatencyStats{}
	}
	sort.Float64s(v)
	return LatencyStats{
		Count: len(v),
		P50:   percentile(v, 0.50),
		P95:   percentile(v, 0.95),
		P99:   percentile(v, 0.99),
		Max:   v[len(v)-1],
	}
}

// percentile interpolates linearly between closest ranks of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	if lower+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}
