package training

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"retrotrain/internal/config"
	"retrotrain/internal/metrics"
	"retrotrain/internal/trust"
)

var planValidate = validator.New()

// batchPlanRequest is the struct-tag-validated shape of a
// PrepareTrainingBatches call; the InvalidInput boundary spec.md §7 calls
// for is raised here via go-playground/validator rather than hand-rolled
// field checks.
type batchPlanRequest struct {
	Variables []string  `validate:"required,min=1"`
	Start     time.Time `validate:"required"`
	End       time.Time `validate:"required,gtfield=Start"`
	BatchDays int       `validate:"required,gt=0"`
}

// ProgressFunc is invoked roughly every 2 seconds while a training run is
// in flight, per §4.6's "report progress every ~2 seconds" requirement.
type ProgressFunc func(completed, failed, total int, elapsed time.Duration)

type batchOutcome struct {
	index  int
	result *BatchResult
	err    error
}

// BatchesSummary is the `batches` section of GetResultsSummary.
type BatchesSummary struct {
	Total       int
	Completed   int
	Failed      int
	SuccessRate float64
}

// VariablesSummary is the `variables` section of GetResultsSummary.
type VariablesSummary struct {
	Total       int
	TrustScores map[string]float64
}

// PerformanceSummary is the `performance` section of GetResultsSummary.
type PerformanceSummary struct {
	DurationSeconds         float64
	SpeedupFactor           float64
	EstimatedSequentialTime float64
}

// ResultsSummary is the full shape returned by GetResultsSummary, matching
// spec.md §4.6.
type ResultsSummary struct {
	Batches     BatchesSummary
	Variables   VariablesSummary
	Performance PerformanceSummary
	ClusterInfo map[string]any
	Errors      []string
}

// Coordinator is C7: it owns the outer concurrent workflow of one training
// run. Generalised from the teacher's ProcessBatch worker pool in
// internal/processor/batch_processor.go — a buffered work channel plus a
// fixed goroutine pool — into a future/progress/cancellation-aware
// dispatcher over Batch values instead of plain strings.
type Coordinator struct {
	cfg    config.CoordinatorConfig
	dsCfg  config.DataStoreConfig
	bufCfg config.BufferConfig
	colCfg config.CollectorConfig

	tracker     *trust.Tracker
	metricStore *metrics.Store

	mu                      sync.Mutex
	batches                 []Batch
	totalVariables          int
	completedBatches        int
	failedBatches           int
	errorsList              []string
	trainingStart           time.Time
	trainingEnd             time.Time
	avgBatchTime            time.Duration
	estimatedSequentialTime time.Duration
	speedupFactor           float64
	clusterInfo             map[string]any
	cancel                  context.CancelFunc

	isTraining int32
}

// NewCoordinator builds a coordinator around the coordinator's shared C1
// tracker and C3 metric store, with the per-worker re-init configs for
// C5/C2/C4.
func NewCoordinator(cfg config.CoordinatorConfig, dsCfg config.DataStoreConfig, bufCfg config.BufferConfig, colCfg config.CollectorConfig, tracker *trust.Tracker, metricStore *metrics.Store) *Coordinator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.ThreadsPerWorker <= 0 {
		cfg.ThreadsPerWorker = 2
	}
	return &Coordinator{
		cfg:         cfg,
		dsCfg:       dsCfg,
		bufCfg:      bufCfg,
		colCfg:      colCfg,
		tracker:     tracker,
		metricStore: metricStore,
	}
}

// PrepareTrainingBatches plans the overlapping date-range batches that
// StartTraining will dispatch. batchLimit of 0 means unlimited.
func (c *Coordinator) PrepareTrainingBatches(variables []string, start, end time.Time, batchDays, overlapDays, batchLimit int) error {
	req := batchPlanRequest{Variables: variables, Start: start, End: end, BatchDays: batchDays}
	if err := planValidate.Struct(req); err != nil {
		return newInvalidInput(fmt.Sprintf("prepare_training_batches: %v", err))
	}

	step := batchDays - overlapDays
	if step <= 0 {
		step = batchDays
	}

	var batches []Batch
	cursor := start
	for cursor.Before(end) {
		batchEnd := cursor.AddDate(0, 0, batchDays)
		if batchEnd.After(end) {
			batchEnd = end
		}
		if batchEnd.Sub(cursor) < 24*time.Hour {
			break
		}

		batches = append(batches, Batch{
			BatchID:   fmt.Sprintf("batch_%03d_%d", len(batches), cursor.Unix()),
			StartTime: cursor,
			EndTime:   batchEnd,
			Variables: variables,
		})

		if batchLimit > 0 && len(batches) >= batchLimit {
			break
		}
		cursor = cursor.AddDate(0, 0, step)
	}

	c.mu.Lock()
	c.batches = batches
	c.totalVariables = len(variables)
	c.mu.Unlock()

	return nil
}

// StartTraining dispatches every planned batch across a pool of MaxWorkers
// workers with ThreadsPerWorker goroutines each, and blocks until all
// batches settle or the run is cancelled. progress is
// called roughly every 2 seconds with the run's running tallies.
func (c *Coordinator) StartTraining(progress ProgressFunc) error {
	if !atomic.CompareAndSwapInt32(&c.isTraining, 0, 1) {
		return &Error{Kind: KindAlreadyTraining, Message: "training is already in progress"}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.cancel = cancel
	c.trainingStart = time.Now()
	c.completedBatches = 0
	c.failedBatches = 0
	c.errorsList = nil
	batches := append([]Batch(nil), c.batches...)
	c.clusterInfo = map[string]any{
		"workers":            c.cfg.MaxWorkers,
		"threads_per_worker": c.cfg.ThreadsPerWorker,
		"status":             "running",
	}
	c.mu.Unlock()

	defer atomic.StoreInt32(&c.isTraining, 0)

	type workItem struct {
		index int
		batch Batch
	}
	workChan := make(chan workItem, len(batches))
	resultsChan := make(chan batchOutcome, len(batches))

	// Each of the MaxWorkers workers runs ThreadsPerWorker goroutines, so up
	// to MaxWorkers*ThreadsPerWorker batches are processed concurrently.
	poolSize := c.cfg.MaxWorkers * c.cfg.ThreadsPerWorker
	var wg sync.WaitGroup
	wg.Add(poolSize)
	for w := 0; w < poolSize; w++ {
		go func(workerIndex int) {
			defer wg.Done()
			env := WorkerEnv{
				Tracker:     c.tracker,
				MetricStore: c.metricStore,
				DataStore:   c.dsCfg,
				Buffer:      c.bufCfg,
				Collector:   c.colCfg,
				WorkerIndex: workerIndex,
			}
			for item := range workChan {
				result, err := runWorkerTask(ctx, env, item.batch)
				resultsChan <- batchOutcome{index: item.index, result: result, err: err}
			}
		}(w)
	}

	for i, b := range batches {
		workChan <- workItem{index: i, batch: b}
	}
	close(workChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	completed := 0
collectLoop:
	for {
		select {
		case outcome, ok := <-resultsChan:
			if !ok {
				break collectLoop
			}
			completed++
			c.recordOutcome(batches, outcome)
		case <-ticker.C:
			c.mu.Lock()
			elapsed := time.Since(c.trainingStart)
			failed := c.failedBatches
			c.mu.Unlock()
			if progress != nil {
				progress(completed-failed, failed, len(batches), elapsed)
			}
			if atomic.LoadInt32(&c.isTraining) == 0 {
				cancel()
			}
		}
	}

	c.mu.Lock()
	c.trainingEnd = time.Now()
	c.batches = batches
	processingTime := c.trainingEnd.Sub(c.trainingStart)
	c.avgBatchTime = averageSuccessfulDuration(batches)
	c.estimatedSequentialTime = time.Duration(int64(c.avgBatchTime) * int64(len(batches)))
	if processingTime > 0 {
		c.speedupFactor = c.estimatedSequentialTime.Seconds() / processingTime.Seconds()
	}
	c.clusterInfo["status"] = "finished"
	c.mu.Unlock()

	return nil
}

// recordOutcome applies one settled future to its batch and the running
// tallies. Must not be called concurrently (only from StartTraining's
// single collector loop).
func (c *Coordinator) recordOutcome(batches []Batch, outcome batchOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if outcome.err != nil {
		c.failedBatches++
		if len(c.errorsList) < 10 {
			c.errorsList = append(c.errorsList, outcome.err.Error())
		}
		return
	}

	c.completedBatches++
	if outcome.index >= 0 && outcome.index < len(batches) {
		batches[outcome.index].Processed = true
		batches[outcome.index].ProcessingTime = outcome.result.ProcessingTime
		batches[outcome.index].Result = outcome.result
	}
}

func averageSuccessfulDuration(batches []Batch) time.Duration {
	var total time.Duration
	n := 0
	for _, b := range batches {
		if b.Processed && b.Result != nil && b.Result.Success {
			total += b.ProcessingTime
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// StopTraining cancels the in-flight run, if any. Idempotent.
func (c *Coordinator) StopTraining() {
	if !atomic.CompareAndSwapInt32(&c.isTraining, 1, 0) {
		return
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
}

// GetResultsSummary returns the run's outcome in the shape spec.md §4.6
// describes.
func (c *Coordinator) GetResultsSummary() ResultsSummary {
	c.mu.Lock()
	total := len(c.batches)
	completed := c.completedBatches
	failed := c.failedBatches
	successRate := 0.0
	if total > 0 {
		successRate = float64(completed) / float64(total)
	}

	duration := c.trainingEnd.Sub(c.trainingStart).Seconds()

	variables := make(map[string]struct{})
	for _, b := range c.batches {
		for _, v := range b.Variables {
			variables[v] = struct{}{}
		}
	}
	union := make([]string, 0, len(variables))
	for v := range variables {
		union = append(union, v)
	}
	sort.Strings(union)

	cluster := c.clusterInfo
	if cluster == nil {
		cluster = map[string]any{"status": "Not used"}
	}
	errs := append([]string(nil), c.errorsList...)
	c.mu.Unlock()

	trustScores := c.tracker.GetTrustBatch(union)

	return ResultsSummary{
		Batches: BatchesSummary{
			Total:       total,
			Completed:   completed,
			Failed:      failed,
			SuccessRate: successRate,
		},
		Variables: VariablesSummary{
			Total:       c.totalVariables,
			TrustScores: trustScores,
		},
		Performance: PerformanceSummary{
			DurationSeconds:         duration,
			SpeedupFactor:           c.speedupFactor,
			EstimatedSequentialTime: c.estimatedSequentialTime.Seconds(),
		},
		ClusterInfo: cluster,
		Errors:      errs,
	}
}

// Batches returns a snapshot of the planned/executed batches.
func (c *Coordinator) Batches() []Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Batch(nil), c.batches...)
}
