package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/dispatchflow/pkg/schema"
)

// StepExecutor invokes a named tool with resolved parameters. It is the only
// outward call the engine makes per step.
type StepExecutor interface {
	Execute(ctx context.Context, tool string, params map[string]any) (any, error)
}

// ExecutorFunc adapts a function to StepExecutor.
type ExecutorFunc func(ctx context.Context, tool string, params map[string]any) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, tool string, params map[string]any) (any, error) {
	return f(ctx, tool, params)
}

// Observer receives engine lifecycle notifications, e.g. for metrics.
type Observer interface {
	ExecutionPrepared()
	ExecutionCleaned()
	StepFinished(tool string, status schema.StepStatus, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ExecutionPrepared()                                    {}
func (nopObserver) ExecutionCleaned()                                     {}
func (nopObserver) StepFinished(string, schema.StepStatus, time.Duration) {}

// safeExecute calls executor and converts a panic into an EXECUTOR_ERROR.
func safeExecute(ctx context.Context, executor StepExecutor, stepID, tool string, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecutor, "tool %s panicked: %v", tool, r).WithStep(stepID)
		}
	}()
	result, err = executor.Execute(ctx, tool, params)
	if err != nil && !schema.HasCode(err, schema.ErrCodeExecutor) {
		err = schema.NewError(schema.ErrCodeExecutor, fmt.Sprintf("tool %s: %s", tool, err.Error())).
			WithStep(stepID).
			WithCause(err)
	}
	return result, err
}
