// Package training implements C6 (the training batch value object) and C7
// (the parallel coordinator that plans, dispatches, and aggregates them).
package training

import "time"

// Batch is C6: a value object describing one contiguous date-range slice
// of the training window, handed to exactly one worker.
type Batch struct {
	BatchID        string
	StartTime      time.Time
	EndTime        time.Time
	Variables      []string
	Processed      bool
	ProcessingTime time.Duration
	Result         *BatchResult
}

// TrustUpdateSummary is the per-variable entry recorded in a BatchResult's
// trust_updates map.
type TrustUpdateSummary struct {
	SuccessRate float64
	Updates     int
}

// BatchResult is the outcome of processing one Batch.
type BatchResult struct {
	Success            bool
	ProcessingTime     time.Duration
	TotalDataPoints    int
	VariablesProcessed int
	TimePeriodDays     int
	AvgSuccessRate     float64
	RulesGenerated     []string
	TrustUpdates       map[string]TrustUpdateSummary
	Skipped            bool
	Error              string
}
