package expressions

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/dispatchflow/pkg/schema"
)

// PathEngine evaluates jq queries with gojq. It backs dotted-path extraction
// from step results.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type PathEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewPathEngine creates a gojq-backed path engine.
func NewPathEngine() *PathEngine {
	return &PathEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *PathEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq expression against data. A single output is returned
// directly; multiple outputs are collected into []any.
func (e *PathEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}
	results, err := run(ctx, code, expression, normalize(data))
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Extract follows a dotted path through nested objects of value. It reports
// false when a segment is missing, hits a non-object, or resolves to null.
// An empty path selects the whole value.
func (e *PathEngine) Extract(ctx context.Context, value any, path string) (any, bool) {
	query := DottedToJQ(path)
	code, err := e.getOrCompile(query)
	if err != nil {
		return nil, false
	}
	results, err := run(ctx, code, query, normalize(value))
	if err != nil || len(results) != 1 || results[0] == nil {
		return nil, false
	}
	return results[0], true
}

// DottedToJQ converts a.b.c into the object-only query .["a"]["b"]["c"].
func DottedToJQ(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "."
	}
	var b strings.Builder
	b.WriteByte('.')
	for _, seg := range strings.Split(path, ".") {
		b.WriteByte('[')
		b.WriteString(strconv.Quote(seg))
		b.WriteByte(']')
	}
	return b.String()
}

func run(ctx context.Context, code *gojq.Code, expression string, input any) ([]any, error) {
	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

func (e *PathEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty env blocks $ENV access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalize converts arbitrary Go values into the JSON-shaped tree gojq
// accepts. Values that cannot be encoded become nil.
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, int:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// Normalize returns v as a tree of map[string]any, []any and scalars so
// templates, conditions and paths can walk it. Plain trees keep their
// scalar types; typed maps, slices and structs are converted through JSON.
// Values that cannot be encoded become nil.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, json.Number:
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	}
	return normalize(v)
}

var _ Engine = (*PathEngine)(nil)
