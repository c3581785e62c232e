package engine

import (
	"context"
	"sync"

	"github.com/rendis/dispatchflow/internal/expressions"
)

// OutputKey is the step-results key under which propagated fields of stepID are stored.
func OutputKey(stepID string) string {
	return stepID + "_output"
}

// ResultPropagator copies configured fields of a step result into the
// execution context for downstream steps. Rules are scoped to an execution.
type ResultPropagator struct {
	mu       sync.RWMutex
	rules    map[string]map[string]map[string]string
	contexts *ContextManager
	paths    *expressions.PathEngine
}

// NewResultPropagator creates a propagator writing into contexts.
func NewResultPropagator(contexts *ContextManager) *ResultPropagator {
	return &ResultPropagator{
		rules:    make(map[string]map[string]map[string]string),
		contexts: contexts,
		paths:    expressions.NewPathEngine(),
	}
}

// Setup registers targetField -> dotted source path rules for stepID in
// executionID, replacing any earlier rules for that step.
func (p *ResultPropagator) Setup(executionID, stepID string, mapping map[string]string) {
	rules := make(map[string]string, len(mapping))
	for k, v := range mapping {
		rules[k] = v
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	steps, ok := p.rules[executionID]
	if !ok {
		steps = make(map[string]map[string]string)
		p.rules[executionID] = steps
	}
	steps[stepID] = rules
}

// HasRules reports whether stepID has registered rules in executionID.
func (p *ResultPropagator) HasRules(executionID, stepID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.rules[executionID][stepID]
	return ok
}

// Drop forgets every rule of executionID.
func (p *ResultPropagator) Drop(executionID string) {
	p.mu.Lock()
	delete(p.rules, executionID)
	p.mu.Unlock()
}

// Propagate extracts each configured field from result and stores the
// collected map under OutputKey(stepID). Fields whose path does not resolve
// are omitted. Returns nil and writes nothing when stepID has no rules.
func (p *ResultPropagator) Propagate(ctx context.Context, executionID, stepID string, result any) map[string]any {
	p.mu.RLock()
	rules, ok := p.rules[executionID][stepID]
	p.mu.RUnlock()
	if !ok {
		return nil
	}

	out := make(map[string]any, len(rules))
	for target, source := range rules {
		if v, found := p.paths.Extract(ctx, result, source); found {
			out[target] = v
		}
	}
	p.contexts.SetResult(executionID, OutputKey(stepID), out)
	return out
}
