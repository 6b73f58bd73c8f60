// Package memory holds the in-memory candle store backing one session.
package memory

import (
	"sort"
	"sync"

	"klinefeed/internal/model"
)

// DefaultMaxLen bounds a store when no explicit limit is given.
const DefaultMaxLen = 1000

// Store is an ordered collection of augmented candles keyed by time.
// No two candles share a time, and Snapshot is always ascending.
//
// Writes come from the owning session goroutine; reads may come from any
// goroutine (e.g. a REST handler), so access is guarded by a RWMutex.
type Store struct {
	mu     sync.RWMutex
	maxLen int
	byTime map[int64]model.AugmentedCandle
	times  []int64 // ascending
}

// New creates a store that keeps at most maxLen candles, evicting the
// oldest. maxLen <= 0 selects DefaultMaxLen.
func New(maxLen int) *Store {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Store{
		maxLen: maxLen,
		byTime: make(map[int64]model.AugmentedCandle, maxLen),
	}
}

// LoadBatch replaces the entire contents. The batch is re-sorted because
// sources occasionally deliver unordered data; for duplicate times the last
// occurrence wins.
func (s *Store) LoadBatch(candles []model.AugmentedCandle) {
	sorted := make([]model.AugmentedCandle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byTime = make(map[int64]model.AugmentedCandle, len(sorted))
	s.times = make([]int64, 0, len(sorted))
	for _, c := range sorted {
		if _, dup := s.byTime[c.Time]; !dup {
			s.times = append(s.times, c.Time)
		}
		s.byTime[c.Time] = c
	}
	s.evictLocked()
}

// Upsert inserts or overwrites the candle with the same time.
// Overwrites and appends at the tail are O(1) amortized.
func (s *Store) Upsert(c model.AugmentedCandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTime[c.Time]; ok {
		s.byTime[c.Time] = c
		return
	}
	s.byTime[c.Time] = c

	n := len(s.times)
	if n == 0 || s.times[n-1] < c.Time {
		s.times = append(s.times, c.Time)
	} else {
		// Out-of-order insert: rare, O(n).
		i := sort.Search(n, func(i int) bool { return s.times[i] > c.Time })
		s.times = append(s.times, 0)
		copy(s.times[i+1:], s.times[i:])
		s.times[i] = c.Time
	}
	s.evictLocked()
}

func (s *Store) evictLocked() {
	excess := len(s.times) - s.maxLen
	if excess <= 0 {
		return
	}
	for _, t := range s.times[:excess] {
		delete(s.byTime, t)
	}
	// Reslicing keeps eviction O(1); append reallocates and drops the
	// evicted prefix once capacity runs out.
	s.times = s.times[excess:]
}

// Snapshot returns a copy of all candles in ascending time order.
func (s *Store) Snapshot() []model.AugmentedCandle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AugmentedCandle, len(s.times))
	for i, t := range s.times {
		out[i] = s.byTime[t]
	}
	return out
}

// Get returns the candle at time t.
func (s *Store) Get(t int64) (model.AugmentedCandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byTime[t]
	return c, ok
}

// Last returns the newest candle.
func (s *Store) Last() (model.AugmentedCandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.times) == 0 {
		return model.AugmentedCandle{}, false
	}
	return s.byTime[s.times[len(s.times)-1]], true
}

// Len returns the number of stored candles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.times)
}
