package tools

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"github.com/rendis/dispatchflow/internal/expressions"
	"github.com/rendis/dispatchflow/pkg/schema"
)

const maxSleep = 10 * time.Minute

// Builtins returns the tools every registry starts with.
func Builtins() []Tool {
	return []Tool{
		&echoTool{},
		&sleepTool{},
		&jqTool{paths: expressions.NewPathEngine()},
		&conditionTool{conditions: expressions.NewConditionEvaluator()},
	}
}

// RegisterBuiltins registers Builtins in reg.
func RegisterBuiltins(reg *Registry) error {
	for _, t := range Builtins() {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// --- echo ---

type echoTool struct{}

func (echoTool) Name() string { return "echo" }

func (echoTool) Schema() ToolSchema {
	return ToolSchema{Description: "Return the resolved parameters unchanged"}
}

func (echoTool) Execute(_ context.Context, params map[string]any) (any, error) {
	return maps.Clone(params), nil
}

// --- sleep ---

type sleepTool struct{}

func (sleepTool) Name() string { return "sleep" }

func (sleepTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Wait for duration_ms milliseconds or until cancelled",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"duration_ms":{"type":"integer","minimum":0}}}`),
	}
}

func (sleepTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	ms := intParam(params, "duration_ms", 0)
	if ms < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "sleep: duration_ms must not be negative")
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxSleep {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "sleep: duration exceeds %s", maxSleep)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{"slept_ms": ms}, nil
}

// --- jq ---

type jqTool struct {
	paths *expressions.PathEngine
}

func (*jqTool) Name() string { return "jq" }

func (*jqTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Evaluate a jq expression against {\"input\": input}",
		InputSchema: json.RawMessage(`{"type":"object","required":["expression"],"properties":{"expression":{"type":"string"},"input":{}}}`),
	}
}

func (t *jqTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq requires a non-empty 'expression' parameter")
	}
	result, err := t.paths.Evaluate(ctx, expression, map[string]any{"input": params["input"]})
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

// --- condition.check ---

type conditionTool struct {
	conditions *expressions.ConditionEvaluator
}

func (*conditionTool) Name() string { return "condition.check" }

func (*conditionTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Evaluate a guard condition against data and report the outcome",
		InputSchema: json.RawMessage(`{"type":"object","required":["condition"],"properties":{"condition":{"type":"string"},"data":{"type":"object"}}}`),
	}
}

func (t *conditionTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	ok, reason := t.conditions.Explain(ctx, stringParam(params, "condition", ""), mapParam(params, "data"))
	out := map[string]any{"result": ok}
	if reason != "" {
		out["reason"] = reason
	}
	return out, nil
}
