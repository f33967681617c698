package training

import (
	"testing"
	"time"

	"retrotrain/internal/config"
	"retrotrain/internal/metrics"
	"retrotrain/internal/trust"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *trust.Tracker, *metrics.Store) {
	t.Helper()
	tracker := trust.NewTracker(trust.Config{MaxHistory: 10, PriorAlpha: 1, PriorBeta: 1})
	store := metrics.NewStore(config.MetricsConfig{StorageRoot: t.TempDir()}, nil)

	cfg := config.CoordinatorConfig{MaxWorkers: 2, ThreadsPerWorker: 1}
	dsCfg := config.DataStoreConfig{StorageRoot: t.TempDir(), CompressionLevel: 6}
	bufCfg := config.BufferConfig{MaxBufferSize: 100, FlushThreshold: 10, AutoFlushIntervalSec: 3600}
	colCfg := config.CollectorConfig{BatchSize: 10, FlushIntervalSec: 1, MaxRetries: 1, RetryDelaySec: 0.01, QueueCapacity: 100}

	return NewCoordinator(cfg, dsCfg, bufCfg, colCfg, tracker, store), tracker, store
}

func TestPrepareTrainingBatchesRejectsEmptyVariables(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	err := c.PrepareTrainingBatches(nil, start, end, 30, 0, 0)
	if err == nil {
		t.Fatalf("expected error for empty variables")
	}
	trainErr, ok := err.(*Error)
	if !ok || trainErr.Kind != KindInvalidInput {
		t.Fatalf("expected KindInvalidInput, got %#v", err)
	}
}

func TestPrepareTrainingBatchesRejectsStartAfterEnd(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	start := time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, -30)

	if err := c.PrepareTrainingBatches([]string{"v1"}, start, end, 30, 0, 0); err == nil {
		t.Fatalf("expected error when start is after end")
	}
}

func TestPrepareTrainingBatchesSingleBatch(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	if err := c.PrepareTrainingBatches([]string{"v1"}, start, end, 30, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.batches) != 1 {
		t.Fatalf("expected exactly 1 batch, got %d", len(c.batches))
	}
}

func TestPrepareTrainingBatchesOverlapAdvancesCorrectly(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 20)

	if err := c.PrepareTrainingBatches([]string{"v1"}, start, end, 10, 5, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Step = 10-5 = 5 days: batches start at day0, day5, day10 and day15. Each
	// batch ends at min(start+10 days, day20), so the day15 batch is clipped
	// to day20; at 5 days it is not shorter than 24h and is kept.
	if len(c.batches) == 0 {
		t.Fatalf("expected at least one batch")
	}
	for i := 1; i < len(c.batches); i++ {
		gotStep := c.batches[i].StartTime.Sub(c.batches[i-1].StartTime)
		if gotStep != 5*24*time.Hour {
			t.Fatalf("batch %d: expected 5 day step, got %v", i, gotStep)
		}
	}
}

func TestPrepareTrainingBatchesSkipsTrailingShortBatch(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	// 10-day window, 7-day batches, no overlap: batch1 [0,7), batch2 would be
	// [7,10) which is 3 days >= 24h so it's kept; shrink window to exclude it.
	end := start.AddDate(0, 0, 7).Add(12 * time.Hour)

	if err := c.PrepareTrainingBatches([]string{"v1"}, start, end, 7, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, b := range c.batches {
		if b.EndTime.Sub(b.StartTime) < 24*time.Hour {
			t.Fatalf("batch %q is shorter than 24h: %v", b.BatchID, b.EndTime.Sub(b.StartTime))
		}
	}
}

func TestPrepareTrainingBatchesEnforcesBatchLimit(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 100)

	if err := c.PrepareTrainingBatches([]string{"v1"}, start, end, 10, 0, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.batches) != 3 {
		t.Fatalf("expected exactly 3 batches (batch_limit), got %d", len(c.batches))
	}
}
