package trust

import (
	"sync"
	"time"
)

// aggregateKey groups buffered events by rule key and outcome.
type aggregateKey struct {
	Key       string
	Succeeded bool
}

// BufferConfig controls the trust-update buffer's flush triggers.
type BufferConfig struct {
	MaxBufferSize        int
	FlushThreshold       int
	AutoFlushIntervalSec float64
}

// BufferStats mirrors the spec's get_stats() return shape.
type BufferStats struct {
	UpdatesBuffered    int
	UpdatesFlushed     int
	FlushOperations    int
	AutoFlushes        int
	ManualFlushes      int
	CurrentBufferSize  int
	UniqueKeys         int
	AvgUpdatesPerFlush float64
	BufferUtilization  float64
}

// Buffer coalesces per-rule (succeeded, weight) events and periodically
// drains them into a Tracker, reducing lock contention on C1. Grounded
// directly on internal/processor/metrics_buffer.go's MetricsBuffer: a
// mutex-guarded map, a size trigger plus an elapsed-time trigger that is
// checked on each add (there is no background ticker), and a
// flush/flushLocked split.
type Buffer struct {
	mu sync.Mutex

	tracker *Tracker
	cfg     BufferConfig

	pending   map[aggregateKey]float64
	size      int
	lastFlush time.Time

	updatesBuffered int
	updatesFlushed  int
	flushOperations int
	autoFlushes     int
	manualFlushes   int
}

// NewBuffer creates a buffer that flushes into tracker.
func NewBuffer(tracker *Tracker, cfg BufferConfig) *Buffer {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 1000
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 100
	}
	if cfg.AutoFlushIntervalSec <= 0 {
		cfg.AutoFlushIntervalSec = 5.0
	}

	return &Buffer{
		tracker:   tracker,
		cfg:       cfg,
		pending:   make(map[aggregateKey]float64),
		lastFlush: time.Now(),
	}
}

// AddUpdate appends one event to the buffer and flushes if either the
// flush threshold or the auto-flush interval has been crossed. It returns
// whether a flush was triggered.
func (b *Buffer) AddUpdate(key string, succeeded bool, weight float64) bool {
	return b.AddUpdatesBatch([]Update{{Key: key, Succeeded: succeeded, Weight: weight}})
}

// AddUpdatesBatch appends a batch of events en bloc and flushes under the
// same rules as AddUpdate.
func (b *Buffer) AddUpdatesBatch(updates []Update) bool {
	if len(updates) == 0 {
		return false
	}

	b.mu.Lock()
	for _, u := range updates {
		weight := u.Weight
		if weight <= 0 {
			weight = 1.0
		}
		b.pending[aggregateKey{Key: u.Key, Succeeded: u.Succeeded}] += weight
	}
	b.size += len(updates)
	b.updatesBuffered += len(updates)

	shouldFlush := b.size >= b.cfg.FlushThreshold ||
		time.Since(b.lastFlush).Seconds() >= b.cfg.AutoFlushIntervalSec

	if !shouldFlush {
		b.mu.Unlock()
		return false
	}

	b.flushLocked()
	b.autoFlushes++
	b.mu.Unlock()

	return true
}

// Flush forces a flush regardless of trigger state and returns the number
// of events drained.
func (b *Buffer) Flush() int {
	b.mu.Lock()
	n := b.flushLocked()
	b.manualFlushes++
	b.mu.Unlock()
	return n
}

// flushLocked must be called with b.mu held. It submits up to two
// aggregated events per key (success weight sum, failure weight sum) to
// the tracker, then clears the buffer.
func (b *Buffer) flushLocked() int {
	if len(b.pending) == 0 {
		b.lastFlush = time.Now()
		return 0
	}

	drained := b.size

	batch := make([]Update, 0, len(b.pending))
	for ak, weight := range b.pending {
		batch = append(batch, Update{Key: ak.Key, Succeeded: ak.Succeeded, Weight: weight})
	}
	b.tracker.BatchUpdate(batch)

	b.pending = make(map[aggregateKey]float64)
	b.size = 0
	b.updatesFlushed += drained
	b.flushOperations++
	b.lastFlush = time.Now()

	return drained
}

// GetStats returns a snapshot of the buffer's operating statistics.
func (b *Buffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make(map[string]struct{}, len(b.pending))
	for ak := range b.pending {
		keys[ak.Key] = struct{}{}
	}

	avg := 0.0
	if b.flushOperations > 0 {
		avg = float64(b.updatesFlushed) / float64(b.flushOperations)
	}

	util := 0.0
	if b.cfg.MaxBufferSize > 0 {
		util = 100.0 * float64(b.size) / float64(b.cfg.MaxBufferSize)
	}

	return BufferStats{
		UpdatesBuffered:    b.updatesBuffered,
		UpdatesFlushed:     b.updatesFlushed,
		FlushOperations:    b.flushOperations,
		AutoFlushes:        b.autoFlushes,
		ManualFlushes:      b.manualFlushes,
		CurrentBufferSize:  b.size,
		UniqueKeys:         len(keys),
		AvgUpdatesPerFlush: avg,
		BufferUtilization:  util,
	}
}
