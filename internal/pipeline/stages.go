package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"retrotrain/internal/cache"
	"retrotrain/internal/config"
	"retrotrain/internal/dashboard"
	"retrotrain/internal/datastore"
	"retrotrain/internal/metrics"
	"retrotrain/internal/training"
	"retrotrain/internal/trust"
	"retrotrain/internal/uploader"
)

func trustTrackerFromConfig(cfg config.Config) *trust.Tracker {
	return trust.NewTracker(trust.Config{
		MaxHistory: cfg.Trust.MaxHistory,
		PriorAlpha: cfg.Trust.PriorAlpha,
		PriorBeta:  cfg.Trust.PriorBeta,
	})
}

// EnvironmentStage is S1: resolves paths, ensures the log directory
// exists, and detects batch-job mode from the environment.
type EnvironmentStage struct {
	noRollback
	Config config.Config
}

func (s *EnvironmentStage) Name() string { return "S1 Environment" }

func (s *EnvironmentStage) Run(ctx context.Context, state State) (State, error) {
	if dir := s.Config.Logging.Directory; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return state, fmt.Errorf("create log directory: %w", err)
		}
	}

	batchJobID := os.Getenv("RETRO_BATCH_JOB_ID")
	resultsBucket := s.Config.Pipeline.ResultsBucket
	if v := os.Getenv("RETRO_RESULTS_BUCKET"); v != "" {
		resultsBucket = v
	}
	dataBucket := s.Config.Pipeline.DataBucket
	if v := os.Getenv("RETRO_DATA_BUCKET"); v != "" {
		dataBucket = v
	}
	region := s.Config.AWS.Region
	if v := os.Getenv("RETRO_REGION"); v != "" {
		region = v
	}

	state["is_batch_job"] = batchJobID != ""
	state["batch_job_id"] = batchJobID
	state["results_bucket"] = resultsBucket
	state["data_bucket"] = dataBucket
	state["region"] = region

	log.Info().Bool("is_batch_job", batchJobID != "").Msg("environment resolved")
	return state, nil
}

// DataStoreSetupStage is S2: configures and instantiates C5, recording its
// class name in the pipeline state.
type DataStoreSetupStage struct {
	Config config.Config
}

func (s *DataStoreSetupStage) Name() string { return "S2 DataStoreSetup" }

func (s *DataStoreSetupStage) Run(ctx context.Context, state State) (State, error) {
	var shared cache.Cache
	if s.Config.Redis != nil {
		redisCache, err := cache.NewRedisCache(*s.Config.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("shared redis cache unavailable, falling back to process-local cache only")
		} else {
			shared = redisCache
		}
	}

	store := datastore.NewStore(s.Config.DataStore, shared)
	state["data_store"] = store
	state["data_store_class"] = "datastore.Store"
	state["shared_cache"] = shared
	return state, nil
}

// Rollback releases the shared cache connection, if one was opened.
func (s *DataStoreSetupStage) Rollback(ctx context.Context, state State) error {
	if shared, ok := state["shared_cache"].(cache.Cache); ok && shared != nil {
		return shared.Close()
	}
	return nil
}

// WorkerPoolSetupStage is S3: brings up the coordinator's worker pool (the
// target-language stand-in for connecting to a distributed runtime) and
// the coordinator's shared C1/C3 state.
type WorkerPoolSetupStage struct {
	Config config.Config
}

func (s *WorkerPoolSetupStage) Name() string { return "S3 DaskSetup" }

func (s *WorkerPoolSetupStage) Run(ctx context.Context, state State) (State, error) {
	// S2's data store instance serves preload/export only; each worker
	// task re-initialises its own, per §5's shared-nothing rule for C5.
	tracker := trustTrackerFromConfig(s.Config)
	shared, _ := state["shared_cache"].(cache.Cache)
	metricStore := metrics.NewStore(s.Config.Metrics, shared)

	coordinator := training.NewCoordinator(s.Config.Coordinator, s.Config.DataStore, s.Config.Buffer, s.Config.Collector, tracker, metricStore)

	state["trust_tracker"] = tracker
	state["metric_store"] = metricStore
	state["coordinator"] = coordinator
	state["dashboard_link"] = fmt.Sprintf("http://localhost:%d", s.Config.Dashboard.Port)

	if s.Config.Dashboard.Port > 0 {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", s.Config.Dashboard.Port),
			Handler: dashboard.New(coordinator).RegisterRoutes(),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("dashboard server stopped unexpectedly")
			}
		}()
		state["dashboard_server"] = srv
	}

	log.Info().
		Int("workers", s.Config.Coordinator.MaxWorkers).
		Int("threads_per_worker", s.Config.Coordinator.ThreadsPerWorker).
		Msg("worker pool ready")
	return state, nil
}

// Rollback cancels any in-flight training run and shuts down the dashboard.
func (s *WorkerPoolSetupStage) Rollback(ctx context.Context, state State) error {
	if coordinator, ok := state["coordinator"].(*training.Coordinator); ok && coordinator != nil {
		coordinator.StopTraining()
	}
	if srv, ok := state["dashboard_server"].(*http.Server); ok && srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// TrainingPlan is the caller-supplied request that drives S4.
type TrainingPlan struct {
	Variables        []string
	Start            time.Time
	End              time.Time
	BatchDays        int
	OverlapDays      int
	BatchLimit       int
	OutputPath       string
	RemoteOutputPath string
	ProgressCallback training.ProgressFunc
}

// TrainingExecutionStage is S4: runs C7 end-to-end and picks the output
// path per spec.md §4.7's preference order.
type TrainingExecutionStage struct {
	noRollback
	Plan TrainingPlan
}

func (s *TrainingExecutionStage) Name() string { return "S4 TrainingExecution" }

func (s *TrainingExecutionStage) Run(ctx context.Context, state State) (State, error) {
	coordinator, ok := state["coordinator"].(*training.Coordinator)
	if !ok {
		return state, fmt.Errorf("training execution: no coordinator in pipeline state")
	}

	if err := coordinator.PrepareTrainingBatches(s.Plan.Variables, s.Plan.Start, s.Plan.End, s.Plan.BatchDays, s.Plan.OverlapDays, s.Plan.BatchLimit); err != nil {
		return state, err
	}

	// The caller's ctx carries external cancellation (e.g. a SIGINT caught
	// by cmd/train); StartTraining has no ctx parameter of its own, so a
	// watcher goroutine bridges the two via StopTraining.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			coordinator.StopTraining()
		case <-watchDone:
		}
	}()

	if err := coordinator.StartTraining(s.Plan.ProgressCallback); err != nil {
		return state, err
	}

	summary := coordinator.GetResultsSummary()
	outputPath := s.resolveOutputPath(state)

	if err := writeResultsFile(outputPath, summary); err != nil {
		return state, fmt.Errorf("write results file: %w", err)
	}

	state["results_summary"] = summary
	state["output_path"] = outputPath
	state["training_succeeded"] = true
	return state, nil
}

// resolveOutputPath implements §4.7 S4's preference order: caller-supplied
// path, then a batch-job-derived path, then the default timestamped path.
func (s *TrainingExecutionStage) resolveOutputPath(state State) string {
	if s.Plan.OutputPath != "" {
		return s.Plan.OutputPath
	}

	isBatchJob, _ := state["is_batch_job"].(bool)
	resultsBucket, _ := state["results_bucket"].(string)
	if isBatchJob && resultsBucket != "" {
		jobID, _ := state["batch_job_id"].(string)
		return filepath.Join("results", jobID, "training_results.json")
	}

	return fmt.Sprintf("results/training_results_%s.json", timestampSuffix(time.Now()))
}

func writeResultsFile(path string, summary training.ResultsSummary) error {
	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".results-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// ResultsUploadStage is S5: uploads the results file to remote object
// storage when training succeeded and either an explicit remote path or
// batch-job mode with a results bucket applies; otherwise it silently
// skips. An upload failure is recorded in the state (s3_upload_success,
// s3_upload_error) and logged; it does not fail the stage.
type ResultsUploadStage struct {
	noRollback
	Config config.Config
	Plan   TrainingPlan
}

func (s *ResultsUploadStage) Name() string { return "S5 ResultsUpload" }

func (s *ResultsUploadStage) Run(ctx context.Context, state State) (State, error) {
	succeeded, _ := state["training_succeeded"].(bool)
	if !succeeded {
		log.Info().Msg("results upload skipped: training did not succeed")
		return state, nil
	}

	batchJobID, _ := state["batch_job_id"].(string)
	outputPath, _ := state["output_path"].(string)
	summary, _ := state["results_summary"].(training.ResultsSummary)

	isBatchJob, _ := state["is_batch_job"].(bool)
	resultsBucket, _ := state["results_bucket"].(string)

	remoteKey := s.Plan.RemoteOutputPath
	skipUpload := remoteKey == "" && !(isBatchJob && resultsBucket != "")
	if skipUpload {
		log.Info().Msg("results upload skipped: no remote output path configured")
	} else {
		if remoteKey == "" {
			remoteKey = filepath.Base(outputPath)
		}

		up, err := uploader.New(s.Config.AWS)
		if err == nil {
			var url string
			url, err = up.UploadFile(ctx, outputPath, remoteKey)
			if err == nil {
				state["remote_url"] = url
			}
		}
		state["s3_upload_success"] = err == nil
		if err != nil {
			state["s3_upload_error"] = err.Error()
			log.Warn().Err(err).Str("key", remoteKey).Msg("results upload failed")
		}
	}

	remoteURL, _ := state["remote_url"].(string)

	// Both the completion event and the summary mirror are best-effort side
	// channels: neither failure nor absent config fails S5, since the
	// results file on disk is already durable.
	notifyCompletion(s.Config.RabbitMQ, completionEvent{
		BatchJobID:  batchJobID,
		OutputPath:  outputPath,
		RemoteURL:   remoteURL,
		Completed:   time.Now(),
		Success:     true,
		TotalBatch:  summary.Batches.Total,
		FailedBatch: summary.Batches.Failed,
	})

	mirrorSummary(s.Config.MongoDB, summaryDocument{
		BatchJobID: batchJobID,
		OutputPath: outputPath,
		RemoteURL:  remoteURL,
		StoredAt:   time.Now(),
		Summary:    summary,
	})

	return state, nil
}
