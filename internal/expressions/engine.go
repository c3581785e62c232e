package expressions

import "context"

// Engine evaluates expressions against a data map.
// Two implementations: Guard (expr-lang, conditions) and Path (gojq, result extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
