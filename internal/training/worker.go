package training

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"retrotrain/internal/config"
	"retrotrain/internal/datastore"
	"retrotrain/internal/metrics"
	"retrotrain/internal/trust"
)

// Observation is one historical (timestamp, value) sample for a variable,
// the payload shape a worker decodes out of C5 via datastore.DecodeValue.
type Observation struct {
	Timestamp time.Time
	Value     float64
}

// WorkerEnv bundles what one worker task needs to run a Batch: the
// coordinator's shared, already thread-safe C1/C3 instances, plus the
// config needed to stand up a fresh C5/C2/C4 per §5's shared-nothing
// rule for everything except the trust tracker and metrics store.
type WorkerEnv struct {
	Tracker     *trust.Tracker
	MetricStore *metrics.Store

	DataStore config.DataStoreConfig
	Buffer    config.BufferConfig
	Collector config.CollectorConfig

	WorkerIndex int
}

// runWorkerTask executes one Batch: for every variable it loads historical
// observations from a freshly re-initialised data store, windows them to
// the batch's [StartTime, EndTime) range, synthesises a success rate, and
// submits the resulting trust updates and one summary metric record.
// Grounded on the worker body in internal/processor/batch_processor.go's
// ProcessBatch, generalised from "process a string" to "process a Batch
// against shared trust/metrics state."
func runWorkerTask(ctx context.Context, env WorkerEnv, batch Batch) (*BatchResult, error) {
	start := time.Now()

	select {
	case <-ctx.Done():
		return nil, &Error{Kind: KindCancellation, Message: "worker task cancelled before starting"}
	default:
	}

	store := datastore.NewStore(env.DataStore, nil)
	buffer := trust.NewBuffer(env.Tracker, trust.BufferConfig(env.Buffer))
	collector := metrics.NewCollector(env.MetricStore, env.Collector)
	collector.Start()
	defer func() {
		buffer.Flush()
		collector.Stop(true, 5*time.Second)
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(env.WorkerIndex)*2654435761))

	// Step 2: load every variable's historical observations up front so step
	// 3's "combined result empty" check can see all of them at once.
	totalPoints := 0
	for _, v := range batch.Variables {
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindCancellation, Message: "worker task cancelled mid-batch"}
		default:
		}

		totalPoints += len(loadObservations(store, v, batch.StartTime, batch.EndTime))
	}

	elapsed := time.Since(start)

	if totalPoints == 0 {
		return &BatchResult{
			Success:        true,
			ProcessingTime: elapsed,
			Skipped:        true,
		}, nil
	}

	// Step 4: every variable in the batch is processed, regardless of
	// whether it individually has any observations — only an empty combined
	// result (checked above) skips the batch.
	trustUpdates := make(map[string]TrustUpdateSummary, len(batch.Variables))
	rulesGenerated := make([]string, 0, len(batch.Variables))
	successRateSum := 0.0

	for _, v := range batch.Variables {
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindCancellation, Message: "worker task cancelled mid-batch"}
		default:
		}

		sr := 0.7 + rng.Float64()*0.3
		successes := int(sr*100 + 0.5)
		failures := 100 - successes

		// The rule key matches the variable name exactly: GetResultsSummary
		// queries C1 with the raw union of batch variables, so trust keys
		// must not carry any extra prefix.
		buffer.AddUpdatesBatch([]trust.Update{
			{Key: v, Succeeded: true, Weight: float64(successes)},
			{Key: v, Succeeded: false, Weight: float64(failures)},
		})

		trustUpdates[v] = TrustUpdateSummary{SuccessRate: sr, Updates: 100}
		rulesGenerated = append(rulesGenerated, fmt.Sprintf("rule:%s", v))
		successRateSum += sr
	}

	variablesProcessed := len(batch.Variables)
	elapsed = time.Since(start)
	avgSuccessRate := successRateSum / float64(variablesProcessed)
	timePeriodDays := int(batch.EndTime.Sub(batch.StartTime).Hours() / 24)

	if _, err := collector.SubmitMetric(metrics.Record{
		MetricType: "retrodiction_batch",
		Tags:       []string{batch.BatchID},
		Metrics: map[string]float64{
			"total_data_points":   float64(totalPoints),
			"variables_processed": float64(variablesProcessed),
			"avg_success_rate":    avgSuccessRate,
			"time_period_days":    float64(timePeriodDays),
		},
	}); err != nil {
		return &BatchResult{
			Success:        false,
			ProcessingTime: elapsed,
			Error:          err.Error(),
		}, &Error{Kind: KindWorkerFailure, Message: err.Error()}
	}

	return &BatchResult{
		Success:            true,
		ProcessingTime:     elapsed,
		TotalDataPoints:    totalPoints,
		VariablesProcessed: variablesProcessed,
		TimePeriodDays:     timePeriodDays,
		AvgSuccessRate:     avgSuccessRate,
		RulesGenerated:     rulesGenerated,
		TrustUpdates:       trustUpdates,
	}, nil
}

// loadObservations retrieves every historical_{variable} item from store
// and decodes the ones whose timestamp falls in [from, to).
func loadObservations(store *datastore.Store, variable string, from, to time.Time) []Observation {
	items := store.RetrieveByQuery(datastore.Query{Type: "historical_" + variable})

	out := make([]Observation, 0, len(items))
	for _, item := range items {
		var points []Observation
		if err := datastore.DecodeValue(item.Payload, &points); err != nil {
			continue
		}
		for _, p := range points {
			if !p.Timestamp.Before(from) && p.Timestamp.Before(to) {
				out = append(out, p)
			}
		}
	}
	return out
}
