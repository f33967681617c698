package metrics

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"retrotrain/internal/config"
)

// ErrQueueFull is returned by SubmitMetric when the bounded queue is full
// and a brief blocking retry (up to 50ms) also failed to find space.
// Submission never silently drops a record, per §4.4.
var ErrQueueFull = errors.New("metrics collector queue is full")

// ErrorCallback is invoked, best-effort, for every record that exhausts
// its retries.
type ErrorCallback func(record Record, err error)

// CollectorStats mirrors get_stats() from spec.md §4.4.
type CollectorStats struct {
	MetricsSubmitted int64
	MetricsProcessed int64
	MetricsFailed    int64
	BatchesProcessed int64
	ProcessingTime   time.Duration
	QueueSize        int
	SuccessRate      float64
	AvgBatchTime     time.Duration
}

// Collector is C4: a bounded queue plus a single background worker that
// drains into a Store with retry. Grounded on the teacher's
// internal/processor/metrics_buffer.go ticker/drain loop, the bounded
// channel + explicit reject path surveyed in the osakka-entitydb
// AsyncMetricsCollector, and the exponential-backoff idiom from
// internal/rabbitmq/rabbitmq.go's reconnect loop.
type Collector struct {
	store *Store
	cfg   config.CollectorConfig

	queue chan Record

	running int32
	wg      sync.WaitGroup
	stopCh  chan struct{}

	mu         sync.Mutex
	callbacks  []ErrorCallback
	stats      CollectorStats
	totalBatch time.Duration
}

// NewCollector builds a collector draining into store.
func NewCollector(store *Store, cfg config.CollectorConfig) *Collector {
	return &Collector{
		store:  store,
		cfg:    cfg,
		queue:  make(chan Record, cfg.QueueCapacity),
		stopCh: make(chan struct{}),
	}
}

// RegisterErrorCallback adds fn to the set of callbacks invoked when a
// record permanently fails after exhausting its retries.
func (c *Collector) RegisterErrorCallback(fn ErrorCallback) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// Start launches the background worker. Idempotent: calling Start on an
// already-running collector is a no-op.
func (c *Collector) Start() {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return
	}
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.workerLoop()
}

// Stop halts the worker. When wait is true it blocks until the queue
// drains or timeout elapses, whichever comes first; a timed-out stop logs
// the remaining queue depth rather than losing it. Idempotent: a second
// call on an already-stopped collector behaves as one.
func (c *Collector) Stop(wait bool, timeout time.Duration) {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}
	close(c.stopCh)

	if !wait {
		return
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Int("queue_depth", len(c.queue)).Msg("metrics collector stop timed out, records remain queued")
	}
}

// SubmitMetric enqueues record for async persistence, filling defaulted
// timestamp/id fields before returning the id. The common case is
// non-blocking; if the queue is momentarily full it retries briefly
// before giving up with ErrQueueFull.
func (c *Collector) SubmitMetric(r Record) (string, error) {
	r.applyDefaults()

	select {
	case c.queue <- r:
		c.incrSubmitted()
		return r.ID, nil
	default:
	}

	timer := time.NewTimer(50 * time.Millisecond)
	defer timer.Stop()
	select {
	case c.queue <- r:
		c.incrSubmitted()
		return r.ID, nil
	case <-timer.C:
		return "", ErrQueueFull
	}
}

func (c *Collector) incrSubmitted() {
	c.mu.Lock()
	c.stats.MetricsSubmitted++
	c.mu.Unlock()
}

// GetStats returns a snapshot of the collector's operating statistics.
func (c *Collector) GetStats() CollectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.QueueSize = len(c.queue)
	if s.MetricsProcessed+s.MetricsFailed > 0 {
		s.SuccessRate = float64(s.MetricsProcessed) / float64(s.MetricsProcessed+s.MetricsFailed)
	}
	if s.BatchesProcessed > 0 {
		s.AvgBatchTime = time.Duration(int64(c.totalBatch) / s.BatchesProcessed)
	}
	s.ProcessingTime = c.totalBatch
	return s
}

func (c *Collector) workerLoop() {
	defer c.wg.Done()

	batchSize := c.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	for {
		select {
		case <-c.stopCh:
			c.drainRemaining(batchSize)
			return
		default:
		}

		batch := c.collectBatch(batchSize)
		if len(batch) == 0 {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		c.processBatch(batch)
	}
}

// drainRemaining processes whatever is left in the queue once a stop has
// been signalled, giving a graceful stop a chance to finish in-flight
// work (a timed-out Stop simply stops waiting on this goroutine).
func (c *Collector) drainRemaining(batchSize int) {
	for {
		batch := c.collectBatch(batchSize)
		if len(batch) == 0 {
			return
		}
		c.processBatch(batch)
	}
}

func (c *Collector) collectBatch(batchSize int) []Record {
	batch := make([]Record, 0, batchSize)
	for len(batch) < batchSize {
		select {
		case r := <-c.queue:
			batch = append(batch, r)
		default:
			return batch
		}
	}
	return batch
}

func (c *Collector) processBatch(batch []Record) {
	start := time.Now()
	for _, r := range batch {
		c.processOne(r)
	}
	elapsed := time.Since(start)

	c.mu.Lock()
	c.stats.BatchesProcessed++
	c.totalBatch += elapsed
	c.mu.Unlock()
}

func (c *Collector) processOne(r Record) {
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	delay := time.Duration(c.cfg.RetryDelaySec * float64(time.Second))
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if _, err := c.store.StoreMetric(r); err == nil {
			c.mu.Lock()
			c.stats.MetricsProcessed++
			c.mu.Unlock()
			return
		} else {
			lastErr = err
		}
		if attempt < maxRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}

	c.mu.Lock()
	c.stats.MetricsFailed++
	c.mu.Unlock()
	log.Error().Err(lastErr).Str("id", r.ID).Int("retries", maxRetries).Msg("metric record permanently failed")

	c.mu.Lock()
	callbacks := append([]ErrorCallback(nil), c.callbacks...)
	c.mu.Unlock()
	for _, cb := range callbacks {
		cb(r, lastErr)
	}
}
