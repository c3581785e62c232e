package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/pkg/schema"
)

// Registry is a thread-safe set of local tools. It implements
// engine.StepExecutor, delegating unknown tool names to an optional fallback.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	fallback engine.StepExecutor
}

var _ engine.StepExecutor = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// SetFallback sets the executor used for tools that are not registered locally.
func (r *Registry) SetFallback(fallback engine.StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fallback
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// RegisterPrefixed bulk-registers tools under "prefix.name". It stops at the
// first conflict and returns how many were registered before it.
func (r *Registry) RegisterPrefixed(prefix string, tools []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "tool prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, t := range tools {
		name := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tools[name]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
		}
		r.tools[name] = &prefixedTool{inner: t, name: name}
		registered++
	}
	return registered, nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	return t, nil
}

// Has reports whether name is registered locally.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns every registered tool sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		s := t.Schema()
		infos = append(infos, ToolInfo{Name: t.Name(), Description: s.Description, InputSchema: s.InputSchema})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Execute runs the named tool locally, or through the fallback when the
// name is unknown.
func (r *Registry) Execute(ctx context.Context, tool string, params map[string]any) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[tool]
	fallback := r.fallback
	r.mu.RUnlock()

	if ok {
		return t.Execute(ctx, params)
	}
	if fallback != nil {
		return fallback.Execute(ctx, tool, params)
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", tool)
}

type prefixedTool struct {
	inner Tool
	name  string
}

func (p *prefixedTool) Name() string       { return p.name }
func (p *prefixedTool) Schema() ToolSchema { return p.inner.Schema() }

func (p *prefixedTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	return p.inner.Execute(ctx, params)
}
