// Package graph implements the workflow step functions and the runner that
// sequences them.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lexflow/orchestrator/internal/config"
	"github.com/lexflow/orchestrator/internal/domain"
	"github.com/lexflow/orchestrator/internal/llm"
)

// ToolInvoker is the slice of the tool registry the steps use. Satisfied by
// *tools.Registry.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// ErrValidation marks intake failures that should surface as a client error
// rather than an infrastructure one.
var ErrValidation = errors.New("validation failed")

// OutcomeKind is the closed set of step results.
type OutcomeKind int

const (
	// OutcomeContinue advances to the next step in the topology.
	OutcomeContinue OutcomeKind = iota
	// OutcomeRepeat re-enters the same step; used by the search loop.
	OutcomeRepeat
	// OutcomeHalt ends the run successfully before the terminal synthesis.
	OutcomeHalt
	// OutcomeFail ends the run with status error.
	OutcomeFail
)

// Outcome is what a step returns after mutating the run.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error
}

// Continue advances to the next step.
func Continue() Outcome { return Outcome{Kind: OutcomeContinue} }

// Repeat re-enters the current step.
func Repeat() Outcome { return Outcome{Kind: OutcomeRepeat} }

// Halt ends the run successfully with the given reason.
func Halt(reason string) Outcome { return Outcome{Kind: OutcomeHalt, Reason: reason} }

// Fail ends the run with status error.
func Fail(err error) Outcome { return Outcome{Kind: OutcomeFail, Err: err} }

// Step is one pipeline stage. Apply mutates the run in place and reports how
// the runner should proceed. Steps are composed into ordered per-kind
// topologies, never dispatched by reflection.
type Step struct {
	Name  string
	Apply func(ctx context.Context, run *domain.Run) Outcome
}

// Steps builds the step set from its dependencies. One instance serves all
// runs; steps keep no per-run state.
type Steps struct {
	registry ToolInvoker
	gateway  llm.Gateway
	cfg      *config.Config
	log      *zap.Logger
}

// NewSteps constructs the step set.
func NewSteps(registry ToolInvoker, gateway llm.Gateway, cfg *config.Config, log *zap.Logger) *Steps {
	return &Steps{registry: registry, gateway: gateway, cfg: cfg, log: log}
}

// structured issues one structured gateway call. Non-fatal gateway failures
// (rate limit, timeout, invalid response) apply the deterministic fallback
// and are recorded on the run; only an unavailable gateway propagates.
func (s *Steps) structured(ctx context.Context, run *domain.Run, step string, req llm.StructuredRequest) error {
	err := s.gateway.Structured(ctx, req)
	if err == nil {
		return nil
	}

	var llmErr *llm.Error
	if asNonFatal(err, &llmErr) {
		s.log.Warn("model call degraded to fallback",
			zap.String("trace_id", run.TraceID),
			zap.String("step", step),
			zap.String("kind", string(llmErr.Kind)))
		run.AppendError(fmt.Sprintf("%s: %s", step, llmErr.Error()))
		return llm.ApplyFallback(req)
	}
	// The runner prefixes the step name when it records the failure.
	return err
}

// asNonFatal reports whether err is a gateway error that should degrade to
// the fallback rather than fail the run.
func asNonFatal(err error, target **llm.Error) bool {
	return errors.As(err, target) && !(*target).Fatal()
}
