package metrics

import (
	"testing"
	"time"

	"retrotrain/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg := config.MetricsConfig{
		StorageRoot:       dir,
		MaxCacheSize:      100,
		CompressionLevel:  6,
		CostWarnThreshold: 10,
		CostCriticalThreshold: 50,
		CostShutdownThreshold: 100,
	}
	return NewStore(cfg, nil)
}

func TestStoreMetricThenGetMetricRoundTrip(t *testing.T) {
	s := newTestStore(t)

	r := Record{MetricType: "retrodiction_batch", Model: "m1", Tags: []string{"v1"}}
	id, err := s.StoreMetric(r)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty id")
	}

	got, ok := s.GetMetric(id)
	if !ok {
		t.Fatalf("expected to retrieve stored record")
	}
	if got.ID != id || got.MetricType != "retrodiction_batch" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestGetMetricMissingReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.GetMetric("does-not-exist")
	if ok {
		t.Fatalf("expected miss for unknown id")
	}
}

func TestQueryMetricsIntersectsFilters(t *testing.T) {
	s := newTestStore(t)

	mustStore := func(mt, model string, tags []string) {
		if _, err := s.StoreMetric(Record{MetricType: mt, Model: model, Tags: tags}); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}

	mustStore("batch", "modelA", []string{"v1"})
	mustStore("batch", "modelB", []string{"v1"})
	mustStore("iteration", "modelA", []string{"v1"})

	results := s.QueryMetrics(QueryFilter{MetricTypes: []string{"batch"}, Models: []string{"modelA"}})
	if len(results) != 1 {
		t.Fatalf("expected 1 result from intersection, got %d", len(results))
	}
	if results[0].Model != "modelA" || results[0].MetricType != "batch" {
		t.Fatalf("unexpected result: %+v", results[0])
	}
}

func TestQueryMetricsNoFilterReturnsAll(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		s.StoreMetric(Record{MetricType: "batch"})
	}

	results := s.QueryMetrics(QueryFilter{})
	if len(results) != 3 {
		t.Fatalf("expected 3 results with no filter, got %d", len(results))
	}
}

func TestQueryMetricsSortedDescendingAndLimited(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.StoreMetric(Record{MetricType: "batch", Timestamp: base.Add(time.Duration(i) * time.Hour)})
	}

	results := s.QueryMetrics(QueryFilter{MetricTypes: []string{"batch"}, Limit: 2})
	if len(results) != 2 {
		t.Fatalf("expected 2 results after limit, got %d", len(results))
	}
	if !results[0].Timestamp.After(results[1].Timestamp) {
		t.Fatalf("expected descending timestamp order")
	}
}

func TestTrackCostThresholds(t *testing.T) {
	s := newTestStore(t)

	snap := s.TrackCost(5, 1, 100)
	if snap.Status != CostOK {
		t.Fatalf("expected ok status at cost 5, got %v", snap.Status)
	}

	snap = s.TrackCost(10, 1, 100)
	if snap.Status != CostWarning {
		t.Fatalf("expected warning status at cumulative cost 15, got %v", snap.Status)
	}

	snap = s.TrackCost(40, 1, 100)
	if snap.Status != CostCritical {
		t.Fatalf("expected critical status at cumulative cost 55, got %v", snap.Status)
	}

	snap = s.TrackCost(50, 1, 100)
	if snap.Status != CostShutdown {
		t.Fatalf("expected shutdown status at cumulative cost 105, got %v", snap.Status)
	}
}

func TestGetRecentMetricsConvenienceWrapper(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		s.StoreMetric(Record{MetricType: "batch"})
	}

	results := s.GetRecentMetrics([]string{"batch"}, 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 recent metrics, got %d", len(results))
	}
}
