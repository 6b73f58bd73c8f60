package memory

import (
	"testing"

	"klinefeed/internal/model"
)

func ac(ts int64, close float64) model.AugmentedCandle {
	return model.AugmentedCandle{Candle: model.Candle{Time: ts, Open: close, High: close, Low: close, Close: close}}
}

func times(cs []model.AugmentedCandle) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.Time
	}
	return out
}

func equalTimes(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStore_LoadBatchSortsUnorderedInput(t *testing.T) {
	s := New(0)
	s.LoadBatch([]model.AugmentedCandle{ac(300, 3), ac(100, 1), ac(200, 2)})

	got := times(s.Snapshot())
	if want := []int64{100, 200, 300}; !equalTimes(got, want) {
		t.Fatalf("snapshot order: got %v, want %v", got, want)
	}
}

func TestStore_LoadBatchReplacesAndDedups(t *testing.T) {
	s := New(0)
	s.LoadBatch([]model.AugmentedCandle{ac(1, 1), ac(2, 2)})
	s.LoadBatch([]model.AugmentedCandle{ac(20, 1), ac(10, 5), ac(20, 9)})

	snap := s.Snapshot()
	if got, want := times(snap), []int64{10, 20}; !equalTimes(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if snap[1].Close != 9 {
		t.Errorf("duplicate time should keep last occurrence, got close %v", snap[1].Close)
	}
}

func TestStore_Upsert(t *testing.T) {
	tests := []struct {
		name string
		load []int64
		up   []int64
		want []int64
	}{
		{"append", []int64{100, 200}, []int64{300}, []int64{100, 200, 300}},
		{"overwrite", []int64{100, 200}, []int64{200}, []int64{100, 200}},
		{"insert middle", []int64{100, 300}, []int64{200}, []int64{100, 200, 300}},
		{"insert front", []int64{200, 300}, []int64{100}, []int64{100, 200, 300}},
		{"into empty", nil, []int64{500, 400}, []int64{400, 500}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := New(0)
			var batch []model.AugmentedCandle
			for _, ts := range tc.load {
				batch = append(batch, ac(ts, 1))
			}
			s.LoadBatch(batch)
			for _, ts := range tc.up {
				s.Upsert(ac(ts, 2))
			}
			if got := times(s.Snapshot()); !equalTimes(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStore_UpsertOverwritesValues(t *testing.T) {
	s := New(0)
	s.Upsert(ac(100, 1))
	s.Upsert(ac(100, 7))
	c, ok := s.Get(100)
	if !ok || c.Close != 7 {
		t.Fatalf("got %+v ok=%v, want close 7", c, ok)
	}
	if s.Len() != 1 {
		t.Errorf("Len=%d, want 1", s.Len())
	}
}

func TestStore_EvictsOldest(t *testing.T) {
	s := New(3)
	for ts := int64(1); ts <= 5; ts++ {
		s.Upsert(ac(ts*60, float64(ts)))
	}
	if got, want := times(s.Snapshot()), []int64{180, 240, 300}; !equalTimes(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, ok := s.Get(60); ok {
		t.Error("evicted candle still reachable")
	}

	s.LoadBatch([]model.AugmentedCandle{ac(5, 0), ac(4, 0), ac(3, 0), ac(2, 0), ac(1, 0)})
	if got, want := times(s.Snapshot()), []int64{3, 4, 5}; !equalTimes(got, want) {
		t.Errorf("after LoadBatch: got %v, want %v", got, want)
	}
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := New(0)
	s.Upsert(ac(100, 1))
	snap := s.Snapshot()
	snap[0].Close = 99
	if c, _ := s.Get(100); c.Close != 1 {
		t.Error("mutating a snapshot changed the store")
	}
}

func TestStore_Last(t *testing.T) {
	s := New(0)
	if _, ok := s.Last(); ok {
		t.Fatal("empty store should have no last candle")
	}
	s.LoadBatch([]model.AugmentedCandle{ac(300, 3), ac(100, 1)})
	if c, _ := s.Last(); c.Time != 300 {
		t.Errorf("Last().Time = %d, want 300", c.Time)
	}
}
