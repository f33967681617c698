package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"retrotrain/internal/config"
	"retrotrain/internal/pipeline"
	"retrotrain/internal/training"
)

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath     = flag.String("config", "config/dev.config.json", "path to config file")
		start          = flag.String("start", "", "training window start, RFC3339")
		end            = flag.String("end", "", "training window end, RFC3339")
		batchDays      = flag.Int("batch-days", 0, "days per batch (defaults to coordinator config)")
		overlapDays    = flag.Int("overlap-days", 0, "overlap days between batches")
		batchLimit     = flag.Int("batch-limit", 0, "maximum number of batches, 0 for unlimited")
		maxWorkers     = flag.Int("max-workers", 0, "override coordinator max_workers")
		threadsPerWork = flag.Int("threads-per-worker", 0, "override coordinator threads_per_worker")
		dashboardPort  = flag.Int("dashboard-port", 0, "override dashboard port, 0 to disable")
		output         = flag.String("output", "", "local results file path override")
		remoteOutput   = flag.String("remote-output", "", "remote results key override")
		logLevel       = flag.String("log-level", "", "override logging.level")
	)
	var variables stringList
	flag.Var(&variables, "variables", "training variable name, repeatable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	setupLogger(cfg.Logging)

	if *maxWorkers > 0 {
		cfg.Coordinator.MaxWorkers = *maxWorkers
	}
	if *threadsPerWork > 0 {
		cfg.Coordinator.ThreadsPerWorker = *threadsPerWork
	}
	if *dashboardPort > 0 {
		cfg.Dashboard.Port = *dashboardPort
	}

	startTime, err := time.Parse(time.RFC3339, *start)
	if err != nil {
		log.Error().Err(err).Str("start", *start).Msg("invalid --start")
		return 1
	}
	endTime, err := time.Parse(time.RFC3339, *end)
	if err != nil {
		log.Error().Err(err).Str("end", *end).Msg("invalid --end")
		return 1
	}

	if *batchDays <= 0 {
		*batchDays = cfg.Coordinator.BatchDays
	}
	if *overlapDays <= 0 {
		*overlapDays = cfg.Coordinator.OverlapDays
	}

	plan := pipeline.TrainingPlan{
		Variables:        variables,
		Start:            startTime,
		End:              endTime,
		BatchDays:        *batchDays,
		OverlapDays:      *overlapDays,
		BatchLimit:       *batchLimit,
		OutputPath:       *output,
		RemoteOutputPath: *remoteOutput,
		ProgressCallback: logProgress,
	}

	orch := pipeline.Build(*cfg, plan)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn().Msg("shutdown signal received, stopping training")
		cancel()
	}()
	defer signal.Stop(sigCh)

	state, err := orch.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("training pipeline failed")
		return 1
	}

	if summary, ok := state["results_summary"].(training.ResultsSummary); ok {
		log.Info().
			Int("completed", summary.Batches.Completed).
			Int("failed", summary.Batches.Failed).
			Float64("speedup_factor", summary.Performance.SpeedupFactor).
			Msg("training complete")
	}
	return 0
}

func logProgress(completed, failed, total int, elapsed time.Duration) {
	log.Info().
		Int("completed", completed).
		Int("failed", failed).
		Int("total", total).
		Dur("elapsed", elapsed).
		Msg("training progress")
}

func setupLogger(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	log.Logger = log.With().Timestamp().Logger()
}
