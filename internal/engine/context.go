package engine

import (
	"sync"
	"time"

	"github.com/rendis/dispatchflow/internal/expressions"
	"github.com/rendis/dispatchflow/pkg/schema"
)

const missingContext = "context not found"

// ExecutionContext is the mutable state of one plan run. It is owned by a
// ContextManager and mutated only through it.
type ExecutionContext struct {
	ExecutionID      string
	GlobalParameters map[string]any
	StepResults      map[string]any
	StepStatus       map[string]schema.StepStatus
	StartTime        time.Time
}

// CombinedView returns global parameters overlaid by step results. Step
// results win on key conflicts. The returned map is a deep copy.
func (c *ExecutionContext) CombinedView() map[string]any {
	view := make(map[string]any, len(c.GlobalParameters)+len(c.StepResults))
	for k, v := range c.GlobalParameters {
		view[k] = v
	}
	for k, v := range c.StepResults {
		view[k] = v
	}
	return expressions.DeepCopy(view)
}

// Snapshot converts the context into its status-query form.
func (c *ExecutionContext) Snapshot() *schema.ExecutionStatus {
	status := make(map[string]string, len(c.StepStatus))
	for k, v := range c.StepStatus {
		status[k] = string(v)
	}
	return &schema.ExecutionStatus{
		ExecutionID:      c.ExecutionID,
		StartTime:        c.StartTime,
		GlobalParameters: expressions.DeepCopy(c.GlobalParameters),
		StepResults:      expressions.DeepCopy(c.StepResults),
		StepStatus:       status,
		CombinedView:     c.CombinedView(),
	}
}

// ContextManager owns the registry of live execution contexts.
// Thread-safe: all access goes through one RWMutex.
type ContextManager struct {
	mu       sync.RWMutex
	contexts map[string]*ExecutionContext
	now      func() time.Time
}

// NewContextManager creates an empty registry.
func NewContextManager() *ContextManager {
	return &ContextManager{
		contexts: make(map[string]*ExecutionContext),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new context under executionID. An existing context with
// the same id is replaced.
func (m *ContextManager) Create(executionID string, globals map[string]any) *ExecutionContext {
	return m.createAt(executionID, globals, m.now())
}

func (m *ContextManager) createAt(executionID string, globals map[string]any, start time.Time) *ExecutionContext {
	c := &ExecutionContext{
		ExecutionID:      executionID,
		GlobalParameters: expressions.DeepCopy(globals),
		StepResults:      make(map[string]any),
		StepStatus:       make(map[string]schema.StepStatus),
		StartTime:        start,
	}
	if c.GlobalParameters == nil {
		c.GlobalParameters = make(map[string]any)
	}

	m.mu.Lock()
	m.contexts[executionID] = c
	m.mu.Unlock()
	return c
}

// Exists reports whether a context is registered under executionID.
func (m *ContextManager) Exists(executionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.contexts[executionID]
	return ok
}

// CombinedView returns the template data view of an execution.
func (m *ContextManager) CombinedView(executionID string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[executionID]
	if !ok {
		return nil, false
	}
	return c.CombinedView(), true
}

// Snapshot returns a copy of an execution's state.
func (m *ContextManager) Snapshot(executionID string) (*schema.ExecutionStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[executionID]
	if !ok {
		return nil, false
	}
	return c.Snapshot(), true
}

// UpdateStepResult records a step's result and status. Unknown execution ids
// are ignored.
func (m *ContextManager) UpdateStepResult(executionID, stepID string, result any, status schema.StepStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[executionID]
	if !ok {
		return
	}
	c.StepResults[stepID] = result
	c.StepStatus[stepID] = status
}

// SetResult writes a step-results entry without touching step status.
// Unknown execution ids are ignored.
func (m *ContextManager) SetResult(executionID, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contexts[executionID]; ok {
		c.StepResults[key] = value
	}
}

// IsStepReady checks deps against recorded statuses. Every dependency that is
// not completed is listed as missing, but only a recorded non-completed status
// makes the step not ready. An unknown execution is never ready.
func (m *ContextManager) IsStepReady(executionID, stepID string, deps []string) (bool, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[executionID]
	if !ok {
		return false, []string{missingContext}
	}

	ready := true
	var missing []string
	for _, dep := range deps {
		status, recorded := c.StepStatus[dep]
		if !recorded {
			missing = append(missing, dep)
			continue
		}
		if status != schema.StepStatusCompleted {
			ready = false
			missing = append(missing, dep)
		}
	}
	return ready, missing
}

// Cleanup removes an execution's context. Removing an unknown id is a no-op.
func (m *ContextManager) Cleanup(executionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contexts[executionID]
	delete(m.contexts, executionID)
	return ok
}

// Active returns the number of registered contexts.
func (m *ContextManager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}
