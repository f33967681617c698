package metrics

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"retrotrain/internal/config"
)

// writeFileAsBlocker creates a plain file at dir so a later os.MkdirAll(dir)
// deterministically fails with "not a directory", used to force a
// persistent StoreMetric failure in tests.
func writeFileAsBlocker(dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dir, []byte("blocker"), 0o644)
}

func newTestCollector(t *testing.T, store *Store) *Collector {
	t.Helper()
	cfg := config.CollectorConfig{
		BatchSize:        10,
		FlushIntervalSec: 1,
		MaxRetries:       2,
		RetryDelaySec:    0.01,
		QueueCapacity:    100,
	}
	return NewCollector(store, cfg)
}

func TestSubmitMetricThenStopDrainsQueueIntoStore(t *testing.T) {
	store := newTestStore(t)
	c := newTestCollector(t, store)
	c.Start()

	id, err := c.SubmitMetric(Record{MetricType: "batch"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	c.Stop(true, 2*time.Second)

	if _, ok := store.GetMetric(id); !ok {
		t.Fatalf("expected submitted record to land in the store after stop(wait=true)")
	}
}

func TestSubmitManyThenStopProcessesAll(t *testing.T) {
	store := newTestStore(t)
	c := newTestCollector(t, store)
	c.Start()

	const n = 25
	for i := 0; i < n; i++ {
		if _, err := c.SubmitMetric(Record{MetricType: "batch"}); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	c.Stop(true, 5*time.Second)

	stats := c.GetStats()
	if stats.MetricsProcessed != n {
		t.Fatalf("expected %d processed, got %d", n, stats.MetricsProcessed)
	}
	if stats.MetricsFailed != 0 {
		t.Fatalf("expected 0 failures, got %d", stats.MetricsFailed)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	c := newTestCollector(t, store)
	c.Start()
	c.SubmitMetric(Record{MetricType: "batch"})

	c.Stop(true, time.Second)
	c.Stop(true, time.Second) // second call must not panic or hang
}

func TestErrorCallbackInvokedAfterRetriesExhausted(t *testing.T) {
	store := newTestStore(t)
	c := newTestCollector(t, store)

	var calls int32
	var mu sync.Mutex
	var gotErr error
	c.RegisterErrorCallback(func(r Record, err error) {
		atomic.AddInt32(&calls, 1)
		mu.Lock()
		gotErr = err
		mu.Unlock()
	})

	// A record that StoreMetric cannot persist: its target directory is
	// pre-created as a file, so os.MkdirAll fails deterministically.
	badDir := store.recordDir("deadbeefdeadbeefdeadbeefdeadbeef")
	if err := writeFileAsBlocker(badDir); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	c.Start()
	_, err := c.SubmitMetric(Record{ID: "deadbeefdeadbeefdeadbeefdeadbeef", MetricType: "batch"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	c.Stop(true, 2*time.Second)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected error callback invoked once, got %d", calls)
	}
	if gotErr == nil {
		t.Fatalf("expected a non-nil error passed to callback")
	}

	stats := c.GetStats()
	if stats.MetricsFailed != 1 {
		t.Fatalf("expected 1 failed metric, got %d", stats.MetricsFailed)
	}
}
