// Package pipeline implements C8: the linear, rollback-capable run of the
// five stages that take a training request from configuration to an
// uploaded results file. Grounded on internal/server/server.go's
// construct-each-dependency-then-wire-it-down style, turned into discrete
// stages that can each undo their own setup.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the shared context map threaded through every stage, mirroring
// spec.md §4.7's "shared context map" each stage receives and returns.
type State map[string]any

// Stage is one step of the pipeline. Rollback is called, in reverse
// execution order, for every stage that completed once the run ends,
// whether it succeeded or a later stage failed; stages with nothing to
// undo return nil.
type Stage interface {
	Name() string
	Run(ctx context.Context, state State) (State, error)
	Rollback(ctx context.Context, state State) error
}

// Orchestrator runs its stages in order and unwinds on failure.
type Orchestrator struct {
	stages []Stage
}

// New builds an orchestrator over stages, executed in the given order.
func New(stages ...Stage) *Orchestrator {
	return &Orchestrator{stages: stages}
}

// Run executes every stage in order, threading State through each. On
// every terminal path, success or failure, it then rolls back every
// completed stage in reverse order so their resources are released; on
// failure it re-raises the original error afterwards — rollback never
// swallows it.
func (o *Orchestrator) Run(ctx context.Context) (State, error) {
	state := State{}
	executed := make([]Stage, 0, len(o.stages))

	var runErr error
	for _, stage := range o.stages {
		log.Info().Str("stage", stage.Name()).Msg("pipeline stage starting")
		next, err := stage.Run(ctx, state)
		if err != nil {
			runErr = fmt.Errorf("stage %s: %w", stage.Name(), err)
			log.Error().Err(err).Str("stage", stage.Name()).Msg("pipeline stage failed")
			break
		}
		state = next
		executed = append(executed, stage)
		log.Info().Str("stage", stage.Name()).Msg("pipeline stage completed")
	}

	for i := len(executed) - 1; i >= 0; i-- {
		stage := executed[i]
		if err := stage.Rollback(ctx, state); err != nil {
			log.Warn().Err(err).Str("stage", stage.Name()).Msg("stage rollback failed")
		}
	}

	if runErr != nil {
		return state, runErr
	}
	return state, nil
}

// noRollback is embedded by stages that declare no rollback support.
type noRollback struct{}

func (noRollback) Rollback(ctx context.Context, state State) error { return nil }

// timestampSuffix formats now for use in a derived output filename.
func timestampSuffix(now time.Time) string {
	return now.UTC().Format("20060102T150405Z")
}
