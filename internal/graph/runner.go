package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexflow/orchestrator/internal/config"
	"github.com/lexflow/orchestrator/internal/domain"
	"github.com/lexflow/orchestrator/internal/logger"
	"github.com/lexflow/orchestrator/internal/store"
)

// subscriberBuffer sizes each subscription channel. A consumer that falls
// this far behind starts losing events; persistence is unaffected.
const subscriberBuffer = 256

// StartOptions carries the optional knobs of a run creation request.
type StartOptions struct {
	// TraceID pins the run identifier; empty means generate one.
	TraceID string
	// MaxSearchSteps overrides the configured search budget when positive.
	MaxSearchSteps int
}

// Runner sequences step functions over runs. All dependencies are injected;
// one Runner serves all concurrent runs, each isolated by trace id.
type Runner struct {
	store store.Store
	steps *Steps
	cfg   *config.Config
	log   *zap.Logger

	mu      sync.Mutex
	subs    map[string]map[int]chan domain.StreamEvent
	nextSub int
	locks   map[string]*traceLock
}

// traceLock serializes execution of one trace. refs counts waiters so the
// entry can be dropped once the last one releases.
type traceLock struct {
	mu   sync.Mutex
	refs int
}

// NewRunner constructs the runner.
func NewRunner(st store.Store, steps *Steps, cfg *config.Config, log *zap.Logger) *Runner {
	return &Runner{
		store: st,
		steps: steps,
		cfg:   cfg,
		log:   log,
		subs:  make(map[string]map[int]chan domain.StreamEvent),
		locks: make(map[string]*traceLock),
	}
}

// lockTrace blocks until this caller holds the trace exclusively. The
// returned release function must be called exactly once.
func (r *Runner) lockTrace(traceID string) func() {
	r.mu.Lock()
	lk := r.locks[traceID]
	if lk == nil {
		lk = &traceLock{}
		r.locks[traceID] = lk
	}
	lk.refs++
	r.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		r.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(r.locks, traceID)
		}
		r.mu.Unlock()
	}
}

// Start creates a run and persists its initial snapshot. Execution is a
// separate call so streaming consumers can subscribe first.
func (r *Runner) Start(ctx context.Context, kind domain.WorkflowKind, intake domain.Intake, id domain.Identity, opts StartOptions) (*domain.Run, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown workflow kind %q", ErrValidation, kind)
	}

	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	now := time.Now().UTC()
	run := &domain.Run{
		TraceID:        traceID,
		FirmID:         id.FirmID,
		UserID:         id.UserID,
		Kind:           kind,
		Status:         domain.RunStatusRunning,
		Intake:         intake,
		MaxSearchSteps: opts.MaxSearchSteps,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// Trace ids are global: the insert fails on any reuse, including a
	// caller in another firm recycling an existing id.
	if err := r.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: trace_id %s already exists", ErrValidation, traceID)
		}
		return nil, fmt.Errorf("failed to persist new run: %w", err)
	}
	r.audit(ctx, run, domain.AuditRunStarted, nil)
	return run, nil
}

// Get returns the persisted snapshot without triggering execution.
func (r *Runner) Get(ctx context.Context, firmID, traceID string) (*domain.Run, error) {
	return r.store.GetRun(ctx, firmID, traceID)
}

// Subscribe registers for the run's stream events. The returned cancel
// function unregisters and closes the channel; call it exactly once.
func (r *Runner) Subscribe(traceID string) (<-chan domain.StreamEvent, func()) {
	ch := make(chan domain.StreamEvent, subscriberBuffer)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	if r.subs[traceID] == nil {
		r.subs[traceID] = make(map[int]chan domain.StreamEvent)
	}
	r.subs[traceID][id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if subs := r.subs[traceID]; subs != nil {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(r.subs, traceID)
			}
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// Execute drives the run to a terminal status, persisting a snapshot before
// emitting each event. Safe to call on a terminal run: it emits start and
// done with the stored state and performs no step work. A per-trace lock
// keeps steps of one run strictly sequential; a concurrent caller waits and
// then replays the terminal snapshot.
func (r *Runner) Execute(ctx context.Context, firmID, traceID string) (*domain.Run, error) {
	release := r.lockTrace(traceID)
	defer release()

	run, err := r.store.GetRun(ctx, firmID, traceID)
	if err != nil {
		r.emit(traceID, domain.StreamEvent{
			Type:    domain.StreamEventError,
			TraceID: traceID,
			Error:   err.Error(),
		})
		return nil, err
	}

	log := logger.WithRun(r.log, run.TraceID, run.FirmID, run.UserID).
		With(zap.String("kind", string(run.Kind)))

	r.emit(traceID, domain.StreamEvent{
		Type:    domain.StreamEventStart,
		TraceID: traceID,
		Status:  run.Status,
	})

	if run.Status.IsTerminal() {
		r.emit(traceID, domain.StreamEvent{
			Type:    domain.StreamEventDone,
			TraceID: traceID,
			Status:  run.Status,
			Run:     run,
		})
		return run, nil
	}

	if len(run.Progress) > 0 {
		r.audit(ctx, run, domain.AuditRunResumed, nil)
		log.Info("resuming run", zap.Strings("progress", run.Progress))
	} else {
		log.Info("executing run")
	}

	prev := cloneRun(run)
	topology := r.steps.Topology(run.Kind)
	for i, step := range topology {
		if run.StepCompleted(step.Name) {
			continue
		}
		last := i == len(topology)-1

		for {
			outcome := r.applyWithRetry(ctx, step, run)
			run.UpdatedAt = time.Now().UTC()

			switch outcome.Kind {
			case OutcomeRepeat:
				if err := r.persistAndUpdate(ctx, run, step.Name, prev); err != nil {
					return r.failInfra(ctx, run, err)
				}
				prev = cloneRun(run)
				continue

			case OutcomeContinue:
				run.MarkStepCompleted(step.Name)
				if last {
					return r.finish(ctx, run, log)
				}
				if err := r.persistAndUpdate(ctx, run, step.Name, prev); err != nil {
					return r.failInfra(ctx, run, err)
				}
				r.audit(ctx, run, domain.AuditStepCompleted, map[string]string{"step": step.Name})
				prev = cloneRun(run)

			case OutcomeHalt:
				run.MarkStepCompleted(step.Name)
				run.Status = domain.RunStatusAnswered
				if err := r.store.UpsertRun(ctx, run); err != nil {
					return r.failInfra(ctx, run, err)
				}
				if outcome.Reason == "conflict" {
					r.audit(ctx, run, domain.AuditConflictFound, nil)
				}
				r.audit(ctx, run, domain.AuditRunAnswered, map[string]string{"halt": outcome.Reason})
				log.Info("run halted", zap.String("reason", outcome.Reason))
				r.emit(run.TraceID, domain.StreamEvent{
					Type:    domain.StreamEventDone,
					TraceID: run.TraceID,
					Status:  run.Status,
					Run:     run,
				})
				return run, nil

			case OutcomeFail:
				run.AppendError(fmt.Sprintf("%s: %v", step.Name, outcome.Err))
				run.Status = domain.RunStatusError
				if err := r.store.UpsertRun(ctx, run); err != nil {
					log.Error("failed to persist failed run", zap.Error(err))
				}
				r.audit(ctx, run, domain.AuditRunFailed, map[string]string{"step": step.Name})
				log.Error("run failed", zap.String("step", step.Name), zap.Error(outcome.Err))
				r.emit(run.TraceID, domain.StreamEvent{
					Type:    domain.StreamEventError,
					TraceID: run.TraceID,
					Status:  run.Status,
					Error:   outcome.Err.Error(),
				})
				return run, outcome.Err
			}
			break
		}
	}
	return r.finish(ctx, run, log)
}

// applyWithRetry applies the step, retrying once with the configured backoff
// on any failure except validation.
func (r *Runner) applyWithRetry(ctx context.Context, step Step, run *domain.Run) Outcome {
	outcome := step.Apply(ctx, run)
	if outcome.Kind != OutcomeFail || errors.Is(outcome.Err, ErrValidation) {
		return outcome
	}

	r.log.Warn("step failed, retrying once",
		zap.String("trace_id", run.TraceID),
		zap.String("step", step.Name),
		zap.Error(outcome.Err))
	select {
	case <-time.After(r.cfg.RetryBackoff):
	case <-ctx.Done():
		return outcome
	}
	return step.Apply(ctx, run)
}

func (r *Runner) finish(ctx context.Context, run *domain.Run, log *zap.Logger) (*domain.Run, error) {
	run.Status = domain.RunStatusAnswered
	run.UpdatedAt = time.Now().UTC()
	if err := r.store.UpsertRun(ctx, run); err != nil {
		return r.failInfra(ctx, run, err)
	}
	r.audit(ctx, run, domain.AuditRunAnswered, nil)
	log.Info("run answered", zap.Int("errors", len(run.Errors)))
	r.emit(run.TraceID, domain.StreamEvent{
		Type:    domain.StreamEventDone,
		TraceID: run.TraceID,
		Status:  run.Status,
		Run:     run,
	})
	return run, nil
}

// failInfra handles a persistence failure: the run cannot be durably marked,
// so surface an error event carrying the trace id and give up.
func (r *Runner) failInfra(ctx context.Context, run *domain.Run, err error) (*domain.Run, error) {
	r.log.Error("infrastructure failure",
		zap.String("trace_id", run.TraceID), zap.Error(err))
	r.audit(ctx, run, domain.AuditRunFailed, map[string]string{"infrastructure": err.Error()})
	r.emit(run.TraceID, domain.StreamEvent{
		Type:    domain.StreamEventError,
		TraceID: run.TraceID,
		Status:  domain.RunStatusError,
		Error:   err.Error(),
	})
	return run, err
}

// persistAndUpdate writes the snapshot, then emits the update event carrying
// only the fields changed since the previous snapshot.
func (r *Runner) persistAndUpdate(ctx context.Context, run *domain.Run, stepName string, prev *domain.Run) error {
	if err := r.store.UpsertRun(ctx, run); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	r.emit(run.TraceID, domain.StreamEvent{
		Type:    domain.StreamEventUpdate,
		TraceID: run.TraceID,
		Status:  run.Status,
		Step:    stepName,
		Data:    diffRuns(prev, run),
	})
	return nil
}

func (r *Runner) emit(traceID string, ev domain.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs[traceID] {
		select {
		case ch <- ev:
		default:
			r.log.Warn("dropping stream event for slow subscriber",
				zap.String("trace_id", traceID), zap.String("type", string(ev.Type)))
		}
	}
}

func (r *Runner) audit(ctx context.Context, run *domain.Run, typ domain.AuditEventType, payload map[string]string) {
	var raw json.RawMessage
	if len(payload) > 0 {
		raw, _ = json.Marshal(payload)
	}
	err := r.store.AppendEvent(ctx, &domain.AuditEvent{
		EventID: uuid.NewString(),
		TraceID: run.TraceID,
		Ts:      time.Now().UnixMilli(),
		Type:    typ,
		UserID:  run.UserID,
		FirmID:  run.FirmID,
		Payload: raw,
	})
	if err != nil {
		r.log.Warn("failed to append audit event",
			zap.String("trace_id", run.TraceID), zap.String("type", string(typ)), zap.Error(err))
	}
}

func cloneRun(run *domain.Run) *domain.Run {
	raw, err := json.Marshal(run)
	if err != nil {
		return &domain.Run{TraceID: run.TraceID}
	}
	var clone domain.Run
	if err := json.Unmarshal(raw, &clone); err != nil {
		return &domain.Run{TraceID: run.TraceID}
	}
	return &clone
}

// diffRuns computes the changed-field patch between two snapshots at the top
// level of the run object.
func diffRuns(prev, cur *domain.Run) json.RawMessage {
	prevFields := toFields(prev)
	curFields := toFields(cur)

	patch := make(map[string]json.RawMessage)
	for key, val := range curFields {
		if string(prevFields[key]) != string(val) {
			patch[key] = val
		}
	}
	for key := range prevFields {
		if _, ok := curFields[key]; !ok {
			patch[key] = json.RawMessage("null")
		}
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil
	}
	return raw
}

func toFields(run *domain.Run) map[string]json.RawMessage {
	raw, err := json.Marshal(run)
	if err != nil {
		return nil
	}
	fields := make(map[string]json.RawMessage)
	_ = json.Unmarshal(raw, &fields)
	return fields
}
