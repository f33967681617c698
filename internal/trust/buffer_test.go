package trust

import (
	"math"
	"testing"
	"time"
)

func newTestBuffer(tracker *Tracker) *Buffer {
	return NewBuffer(tracker, BufferConfig{
		MaxBufferSize:        1000,
		FlushThreshold:       5,
		AutoFlushIntervalSec: 3600, // effectively disabled for deterministic tests
	})
}

func TestAddUpdateBelowThresholdDoesNotFlush(t *testing.T) {
	tr := newTestTracker()
	buf := newTestBuffer(tr)

	for i := 0; i < 3; i++ {
		flushed := buf.AddUpdate("rule", true, 1)
		if flushed {
			t.Fatalf("unexpected flush before threshold reached")
		}
	}

	stats := buf.GetStats()
	if stats.CurrentBufferSize != 3 {
		t.Fatalf("expected 3 buffered events, got %d", stats.CurrentBufferSize)
	}
	if stats.FlushOperations != 0 {
		t.Fatalf("expected no flushes yet, got %d", stats.FlushOperations)
	}
}

func TestAddUpdateFlushesAtThreshold(t *testing.T) {
	tr := newTestTracker()
	buf := newTestBuffer(tr)

	var flushed bool
	for i := 0; i < 5; i++ {
		flushed = buf.AddUpdate("rule", true, 1)
	}

	if !flushed {
		t.Fatalf("expected threshold-triggered flush on the 5th update")
	}

	stats := buf.GetStats()
	if stats.CurrentBufferSize != 0 {
		t.Fatalf("buffer should be empty after flush, got %d", stats.CurrentBufferSize)
	}
	if stats.AutoFlushes != 1 || stats.ManualFlushes != 0 {
		t.Fatalf("expected 1 auto flush and 0 manual flushes, got auto=%d manual=%d", stats.AutoFlushes, stats.ManualFlushes)
	}

	mu := tr.GetTrust("rule")
	if math.Abs(mu-6.0/7.0) > 1e-9 {
		t.Fatalf("expected trust mean 6/7 after flush, got %v", mu)
	}
}

func TestManualFlushDrainsPartialBuffer(t *testing.T) {
	tr := newTestTracker()
	buf := newTestBuffer(tr)

	buf.AddUpdate("rule", true, 2)
	buf.AddUpdate("rule", false, 1)

	n := buf.Flush()
	if n != 2 {
		t.Fatalf("expected 2 events drained, got %d", n)
	}

	stats := buf.GetStats()
	if stats.ManualFlushes != 1 || stats.AutoFlushes != 0 {
		t.Fatalf("expected 1 manual flush and 0 auto flushes, got manual=%d auto=%d", stats.ManualFlushes, stats.AutoFlushes)
	}

	mu := tr.GetTrust("rule")
	// alpha = 1 + 2 = 3, beta = 1 + 1 = 2
	want := 3.0 / 5.0
	if math.Abs(mu-want) > 1e-9 {
		t.Fatalf("mean = %v, want %v", mu, want)
	}
}

func TestAddUpdateThenImmediateFlushEquivalentToBatchUpdate(t *testing.T) {
	events := []Update{
		{Key: "r1", Succeeded: true, Weight: 3},
		{Key: "r1", Succeeded: false, Weight: 1},
		{Key: "r2", Succeeded: true, Weight: 2},
	}

	viaBuffer := newTestTracker()
	buf := newTestBuffer(viaBuffer)
	for _, e := range events {
		buf.AddUpdate(e.Key, e.Succeeded, e.Weight)
	}
	buf.Flush()

	viaDirect := newTestTracker()
	viaDirect.BatchUpdate(events)

	for _, key := range []string{"r1", "r2"} {
		a := viaBuffer.GetTrust(key)
		b := viaDirect.GetTrust(key)
		if math.Abs(a-b) > 1e-9 {
			t.Fatalf("key %s: buffered=%v direct=%v", key, a, b)
		}
	}
}

func TestAutoFlushIntervalTrigger(t *testing.T) {
	tr := newTestTracker()
	buf := NewBuffer(tr, BufferConfig{
		MaxBufferSize:        1000,
		FlushThreshold:       1000, // unreachable, forces interval-based trigger
		AutoFlushIntervalSec: 0.01,
	})

	buf.AddUpdate("rule", true, 1)
	time.Sleep(30 * time.Millisecond)

	flushed := buf.AddUpdate("rule", true, 1)
	if !flushed {
		t.Fatalf("expected interval-triggered flush")
	}

	stats := buf.GetStats()
	if stats.AutoFlushes != 1 {
		t.Fatalf("expected 1 auto flush, got %d", stats.AutoFlushes)
	}
}

func TestGetStatsUtilizationAndUniqueKeys(t *testing.T) {
	tr := newTestTracker()
	buf := newTestBuffer(tr)

	buf.AddUpdate("a", true, 1)
	buf.AddUpdate("b", false, 1)
	buf.AddUpdate("a", true, 1)

	stats := buf.GetStats()
	if stats.UniqueKeys != 2 {
		t.Fatalf("expected 2 unique keys, got %d", stats.UniqueKeys)
	}
	if stats.BufferUtilization <= 0 {
		t.Fatalf("expected positive buffer utilization, got %v", stats.BufferUtilization)
	}
}
