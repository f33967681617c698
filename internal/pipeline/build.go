package pipeline

import "retrotrain/internal/config"

// Build wires the five stages of §4.7 into one orchestrator, in the fixed
// order the spec requires: environment resolution, data store setup,
// worker pool setup, training execution, then results upload.
func Build(cfg config.Config, plan TrainingPlan) *Orchestrator {
	return New(
		&EnvironmentStage{Config: cfg},
		&DataStoreSetupStage{Config: cfg},
		&WorkerPoolSetupStage{Config: cfg},
		&TrainingExecutionStage{Plan: plan},
		&ResultsUploadStage{Config: cfg, Plan: plan},
	)
}
