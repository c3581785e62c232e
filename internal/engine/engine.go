package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/dispatchflow/internal/expressions"
	"github.com/rendis/dispatchflow/internal/logging"
	"github.com/rendis/dispatchflow/internal/store"
	"github.com/rendis/dispatchflow/pkg/schema"
)

// Config configures an Engine. Every field is optional.
type Config struct {
	// Store persists executions and step events. Nil disables persistence.
	Store store.Store
	// Observer is notified of lifecycle changes. Nil means no-op.
	Observer Observer
	Logger   *slog.Logger
	// StopOnFailure makes Run stop at the first failed step.
	StopOnFailure bool
}

// Analysis is the dependency view of a plan.
type Analysis struct {
	Dependencies map[string][]schema.Dependency `json:"dependencies"`
	Order        []string                       `json:"order"`
	Levels       [][]string                     `json:"levels"`
}

// Execution is the handle returned by Prepare.
type Execution struct {
	Analysis
	ID        string       `json:"execution_id"`
	StartTime time.Time    `json:"start_time"`
	Plan      *schema.Plan `json:"-"`
}

// Engine prepares plan runs and executes their steps one at a time against
// an accumulating execution context.
type Engine struct {
	analyzer   *DependencyAnalyzer
	contexts   *ContextManager
	propagator *ResultPropagator
	resolver   *expressions.Resolver
	conditions *expressions.ConditionEvaluator

	store         store.Store
	events        *store.EventLog
	observer      Observer
	logger        *slog.Logger
	stopOnFailure bool

	mu         sync.RWMutex
	executions map[string]*Execution
}

// New creates an Engine.
func New(cfg Config) *Engine {
	contexts := NewContextManager()
	e := &Engine{
		analyzer:      NewDependencyAnalyzer(),
		contexts:      contexts,
		propagator:    NewResultPropagator(contexts),
		resolver:      expressions.NewResolver(),
		conditions:    expressions.NewConditionEvaluator(),
		store:         cfg.Store,
		observer:      cfg.Observer,
		logger:        cfg.Logger,
		stopOnFailure: cfg.StopOnFailure,
		executions:    make(map[string]*Execution),
	}
	if e.store != nil {
		e.events = store.NewEventLog(e.store)
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Contexts exposes the context manager.
func (e *Engine) Contexts() *ContextManager { return e.contexts }

// Analyze computes the dependency map, execution order and levels of plan.
func (e *Engine) Analyze(plan *schema.Plan) (*Analysis, error) {
	if plan == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}
	deps := e.analyzer.AnalyzePlan(plan)
	order, err := ExecutionOrder(plan.Steps)
	if err != nil {
		return nil, err
	}
	return &Analysis{
		Dependencies: deps,
		Order:        order,
		Levels:       Levels(plan.Steps, order),
	}, nil
}

// Prepare analyzes plan, creates its execution context seeded with globals
// and registers the output mappings of its steps.
func (e *Engine) Prepare(ctx context.Context, plan *schema.Plan, globals map[string]any) (*Execution, error) {
	analysis, err := e.Analyze(plan)
	if err != nil {
		return nil, err
	}

	id := newExecutionID()
	c := e.contexts.Create(id, globals)
	exec := &Execution{Analysis: *analysis, ID: id, StartTime: c.StartTime, Plan: plan}
	e.setupPropagation(id, plan)

	if e.store != nil {
		rec := &store.Execution{
			ID:               id,
			Plan:             *plan,
			GlobalParameters: c.GlobalParameters,
			Order:            analysis.Order,
			StartedAt:        c.StartTime,
		}
		if err := e.store.CreateExecution(ctx, rec); err != nil {
			e.contexts.Cleanup(id)
			e.propagator.Drop(id)
			return nil, schema.NewErrorf(schema.ErrCodeStore, "persist execution: %s", err.Error()).WithCause(err)
		}
		if err := e.events.RecordLifecycle(ctx, id, schema.EventExecutionPrepared); err != nil {
			e.logger.WarnContext(logging.WithExecutionID(ctx, id), "record prepare event", slog.Any("error", err))
		}
	}

	e.mu.Lock()
	e.executions[id] = exec
	e.mu.Unlock()
	e.observer.ExecutionPrepared()

	e.logger.InfoContext(logging.WithExecutionID(ctx, id), "execution prepared",
		slog.Int("steps", len(plan.Steps)),
		slog.Any("order", analysis.Order))
	return exec, nil
}

// Execution returns the handle of a prepared execution.
func (e *Engine) Execution(executionID string) (*Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[executionID]
	return exec, ok
}

// ExecuteStepByID executes the step of a prepared plan identified by stepID.
func (e *Engine) ExecuteStepByID(ctx context.Context, executionID, stepID string, executor StepExecutor) (*schema.StepOutcome, error) {
	exec, ok := e.Execution(executionID)
	if !ok {
		return nil, unknownExecution(executionID)
	}
	step := exec.Plan.Step(stepID)
	if step == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %s not found in execution %s", stepID, executionID)
	}
	return e.ExecuteStep(ctx, executionID, step, executor)
}

// ExecuteStep runs one step: readiness gate, guard condition, parameter
// resolution, tool invocation, then result recording and propagation.
// Only an unknown execution id is returned as an error; every other problem
// becomes a skipped or failed outcome.
func (e *Engine) ExecuteStep(ctx context.Context, executionID string, step *schema.StepSpec, executor StepExecutor) (*schema.StepOutcome, error) {
	if !e.contexts.Exists(executionID) {
		return nil, unknownExecution(executionID)
	}
	ctx = logging.WithStep(ctx, executionID, step.ID, step.Tool)
	start := time.Now()

	if ready, missing := e.contexts.IsStepReady(executionID, step.ID, step.DependsOn); !ready {
		outcome := &schema.StepOutcome{
			StepID: step.ID,
			Status: schema.StepStatusSkipped,
			Reason: "dependencies not satisfied: " + strings.Join(missing, ", "),
		}
		e.contexts.UpdateStepResult(executionID, step.ID, nil, schema.StepStatusSkipped)
		e.finish(ctx, executionID, step, outcome, nil, true, start)
		return outcome, nil
	} else if len(missing) > 0 {
		e.logger.DebugContext(ctx, "dependencies have no recorded status", slog.Any("missing", missing))
	}

	data, ok := e.contexts.CombinedView(executionID)
	if !ok {
		return nil, unknownExecution(executionID)
	}

	if step.Condition != "" {
		if holds, reason := e.conditions.Explain(ctx, step.Condition, data); !holds {
			outcome := &schema.StepOutcome{
				StepID: step.ID,
				Status: schema.StepStatusSkipped,
				Reason: "condition not met: " + reason,
			}
			e.finish(ctx, executionID, step, outcome, nil, false, start)
			return outcome, nil
		}
	}

	params, _, err := e.resolver.Resolve(step.Parameters, data)
	if err != nil {
		outcome := &schema.StepOutcome{
			StepID: step.ID,
			Status: schema.StepStatusFailed,
			Error:  err.Error(),
		}
		e.finish(ctx, executionID, step, outcome, nil, false, start)
		return outcome, nil
	}

	result, err := safeExecute(ctx, executor, step.ID, step.Tool, params)
	if err != nil {
		outcome := &schema.StepOutcome{
			StepID: step.ID,
			Status: schema.StepStatusFailed,
			Error:  err.Error(),
		}
		e.contexts.UpdateStepResult(executionID, step.ID, outcome.Error, schema.StepStatusFailed)
		e.finish(ctx, executionID, step, outcome, nil, true, start)
		return outcome, nil
	}

	result = expressions.Normalize(result)
	e.contexts.UpdateStepResult(executionID, step.ID, result, schema.StepStatusCompleted)
	var output map[string]any
	if len(step.OutputMapping) > 0 {
		e.propagator.Setup(executionID, step.ID, step.OutputMapping)
		output = e.propagator.Propagate(ctx, executionID, step.ID, result)
		e.logger.DebugContext(ctx, "results propagated", slog.Any("output", output))
	}

	outcome := &schema.StepOutcome{
		StepID: step.ID,
		Status: schema.StepStatusCompleted,
		Result: result,
	}
	e.finish(ctx, executionID, step, outcome, output, true, start)
	return outcome, nil
}

// Run executes every step of a prepared plan in computed order, one at a
// time. It stops early on context cancellation, or on the first failure
// when the engine is configured with StopOnFailure.
func (e *Engine) Run(ctx context.Context, executionID string, executor StepExecutor) ([]*schema.StepOutcome, error) {
	exec, ok := e.Execution(executionID)
	if !ok {
		return nil, unknownExecution(executionID)
	}

	outcomes := make([]*schema.StepOutcome, 0, len(exec.Order))
	for _, stepID := range exec.Order {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcome, err := e.ExecuteStep(ctx, executionID, exec.Plan.Step(stepID), executor)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
		if e.stopOnFailure && outcome.Status == schema.StepStatusFailed {
			e.logger.WarnContext(logging.WithExecutionID(ctx, executionID), "run stopped on failure",
				slog.String("failed_step", stepID))
			break
		}
	}
	return outcomes, nil
}

// Status returns a snapshot of an execution's context.
func (e *Engine) Status(executionID string) (*schema.ExecutionStatus, error) {
	snap, ok := e.contexts.Snapshot(executionID)
	if !ok {
		return nil, unknownExecution(executionID)
	}
	return snap, nil
}

// Cleanup releases an execution's context. Cleaning an unknown or already
// cleaned execution is a no-op.
func (e *Engine) Cleanup(ctx context.Context, executionID string) {
	e.mu.Lock()
	delete(e.executions, executionID)
	e.mu.Unlock()
	e.propagator.Drop(executionID)

	if !e.contexts.Cleanup(executionID) {
		return
	}
	e.observer.ExecutionCleaned()

	ctx = logging.WithExecutionID(ctx, executionID)
	if e.store != nil {
		if err := e.store.MarkExecutionCleaned(ctx, executionID); err != nil {
			e.logger.WarnContext(ctx, "mark execution cleaned", slog.Any("error", err))
		}
		if err := e.events.RecordLifecycle(ctx, executionID, schema.EventExecutionCleaned); err != nil {
			e.logger.WarnContext(ctx, "record cleanup event", slog.Any("error", err))
		}
	}
	e.logger.InfoContext(ctx, "execution cleaned up")
}

// History returns the persisted event log of an execution.
func (e *Engine) History(ctx context.Context, executionID string) ([]*store.Event, error) {
	if e.store == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "event store not configured")
	}
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.events.Events(ctx, executionID)
}

// Restore rebuilds the context of a persisted, not cleaned up execution from
// its event log, e.g. after a process restart.
func (e *Engine) Restore(ctx context.Context, executionID string) (*Execution, error) {
	if e.store == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "event store not configured")
	}
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if rec.State == store.ExecutionCleaned {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s was cleaned up", executionID)
	}

	records, err := e.events.ReplayStatuses(ctx, executionID)
	if err != nil {
		return nil, err
	}

	plan := rec.Plan
	analysis, err := e.Analyze(&plan)
	if err != nil {
		return nil, err
	}

	e.contexts.createAt(executionID, rec.GlobalParameters, rec.StartedAt)
	e.setupPropagation(executionID, &plan)

	for stepID, r := range records {
		if !r.Recorded {
			continue
		}
		switch r.Status {
		case schema.StepStatusCompleted:
			e.contexts.UpdateStepResult(executionID, stepID, r.Result, r.Status)
			if r.Output != nil {
				e.contexts.SetResult(executionID, OutputKey(stepID), r.Output)
			}
		case schema.StepStatusFailed:
			e.contexts.UpdateStepResult(executionID, stepID, r.Error, r.Status)
		default:
			e.contexts.UpdateStepResult(executionID, stepID, nil, r.Status)
		}
	}

	exec := &Execution{Analysis: *analysis, ID: executionID, StartTime: rec.StartedAt, Plan: &plan}
	e.mu.Lock()
	e.executions[executionID] = exec
	e.mu.Unlock()
	e.observer.ExecutionPrepared()

	e.logger.InfoContext(logging.WithExecutionID(ctx, executionID), "execution restored",
		slog.Int("replayed_steps", len(records)))
	return exec, nil
}

func (e *Engine) setupPropagation(executionID string, plan *schema.Plan) {
	for _, s := range plan.Steps {
		if len(s.OutputMapping) > 0 {
			e.propagator.Setup(executionID, s.ID, s.OutputMapping)
		}
	}
}

// finish logs, measures and persists a step outcome.
func (e *Engine) finish(ctx context.Context, executionID string, step *schema.StepSpec, outcome *schema.StepOutcome, output map[string]any, recorded bool, start time.Time) {
	elapsed := time.Since(start)
	e.observer.StepFinished(step.Tool, outcome.Status, elapsed)

	attrs := []any{slog.String("status", string(outcome.Status)), slog.Duration("elapsed", elapsed)}
	switch outcome.Status {
	case schema.StepStatusCompleted:
		e.logger.InfoContext(ctx, "step completed", attrs...)
	case schema.StepStatusFailed:
		e.logger.WarnContext(ctx, "step failed", append(attrs, slog.String("error", outcome.Error))...)
	default:
		e.logger.WarnContext(ctx, "step skipped", append(attrs, slog.String("reason", outcome.Reason))...)
	}

	if e.events != nil {
		if err := e.events.RecordStep(ctx, executionID, outcome, output, recorded); err != nil {
			e.logger.WarnContext(ctx, "record step event", slog.Any("error", err))
		}
	}
}

func newExecutionID() string {
	return fmt.Sprintf("exec_%s_%s", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

func unknownExecution(executionID string) *schema.DispatchError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
}
