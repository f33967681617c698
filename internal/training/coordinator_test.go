package training

import (
	"testing"
	"time"

	"retrotrain/internal/config"
	"retrotrain/internal/datastore"
	"retrotrain/internal/metrics"
	"retrotrain/internal/trust"
)

func seedHistorical(t *testing.T, dsCfg config.DataStoreConfig, variable string, start time.Time, days int) {
	t.Helper()
	store := datastore.NewStore(dsCfg, nil)

	points := make([]Observation, 0, days)
	for i := 0; i < days; i++ {
		points = append(points, Observation{Timestamp: start.AddDate(0, 0, i), Value: float64(i)})
	}
	encoded, err := datastore.EncodeValue(points)
	if err != nil {
		t.Fatalf("encode observations: %v", err)
	}
	if _, err := store.Store(encoded, &datastore.ItemMetadata{Type: "historical_" + variable}); err != nil {
		t.Fatalf("seed historical data: %v", err)
	}
}

func TestStartTrainingSingleBatchWithDataCompletes(t *testing.T) {
	tracker := trust.NewTracker(trust.Config{MaxHistory: 10, PriorAlpha: 1, PriorBeta: 1})
	metricStore := metrics.NewStore(config.MetricsConfig{StorageRoot: t.TempDir()}, nil)

	dsCfg := config.DataStoreConfig{StorageRoot: t.TempDir(), CompressionLevel: 6}
	bufCfg := config.BufferConfig{MaxBufferSize: 100, FlushThreshold: 10, AutoFlushIntervalSec: 3600}
	colCfg := config.CollectorConfig{BatchSize: 10, FlushIntervalSec: 1, MaxRetries: 1, RetryDelaySec: 0.01, QueueCapacity: 100}
	cfg := config.CoordinatorConfig{MaxWorkers: 2, ThreadsPerWorker: 1}

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	seedHistorical(t, dsCfg, "v1", start, 30)

	c := NewCoordinator(cfg, dsCfg, bufCfg, colCfg, tracker, metricStore)
	if err := c.PrepareTrainingBatches([]string{"v1"}, start, start.AddDate(0, 0, 30), 30, 0, 0); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	if err := c.StartTraining(nil); err != nil {
		t.Fatalf("start training failed: %v", err)
	}

	summary := c.GetResultsSummary()
	if summary.Batches.Total != 1 || summary.Batches.Completed != 1 || summary.Batches.Failed != 0 {
		t.Fatalf("unexpected batch tally: %+v", summary.Batches)
	}
	score, ok := summary.Variables.TrustScores["v1"]
	if !ok {
		t.Fatalf("expected trust score for v1, got %v", summary.Variables.TrustScores)
	}
	if score <= 0.5 || score >= 1.0 {
		t.Fatalf("expected trust score pulled above prior 0.5 by synthetic success rate, got %v", score)
	}
	if summary.Performance.SpeedupFactor < 0 {
		t.Fatalf("expected non-negative speedup factor, got %v", summary.Performance.SpeedupFactor)
	}
}

func TestStartTrainingEmptyWindowIsSkippedAndLeavesPriorTrust(t *testing.T) {
	tracker := trust.NewTracker(trust.Config{MaxHistory: 10, PriorAlpha: 1, PriorBeta: 1})
	metricStore := metrics.NewStore(config.MetricsConfig{StorageRoot: t.TempDir()}, nil)

	dsCfg := config.DataStoreConfig{StorageRoot: t.TempDir(), CompressionLevel: 6}
	bufCfg := config.BufferConfig{MaxBufferSize: 100, FlushThreshold: 10, AutoFlushIntervalSec: 3600}
	colCfg := config.CollectorConfig{BatchSize: 10, FlushIntervalSec: 1, MaxRetries: 1, RetryDelaySec: 0.01, QueueCapacity: 100}
	cfg := config.CoordinatorConfig{MaxWorkers: 1, ThreadsPerWorker: 1}

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	c := NewCoordinator(cfg, dsCfg, bufCfg, colCfg, tracker, metricStore)
	if err := c.PrepareTrainingBatches([]string{"v1"}, start, start.AddDate(0, 0, 5), 5, 0, 0); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	if err := c.StartTraining(nil); err != nil {
		t.Fatalf("start training failed: %v", err)
	}

	summary := c.GetResultsSummary()
	if summary.Batches.Completed != 1 {
		t.Fatalf("expected the empty-window batch to still report as completed (skipped), got %+v", summary.Batches)
	}
	if summary.Variables.TrustScores["v1"] != 0.5 {
		t.Fatalf("expected untouched prior mean 0.5, got %v", summary.Variables.TrustScores["v1"])
	}
}

func TestStartTrainingRefusesReentry(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := c.PrepareTrainingBatches([]string{"v1"}, start, start.AddDate(0, 0, 1), 1, 0, 0); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	if err := c.StartTraining(nil); err != nil {
		t.Fatalf("first start failed: %v", err)
	}

	c.isTraining = 1
	err := c.StartTraining(nil)
	c.isTraining = 0
	if err == nil {
		t.Fatalf("expected re-entry to be refused")
	}
	trainErr, ok := err.(*Error)
	if !ok || trainErr.Kind != KindAlreadyTraining {
		t.Fatalf("expected KindAlreadyTraining, got %#v", err)
	}
}

func TestStopTrainingIsIdempotent(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.StopTraining()
	c.StopTraining()
}
