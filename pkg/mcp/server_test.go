package mcp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/internal/store"
	"github.com/rendis/dispatchflow/internal/tools"
	"github.com/rendis/dispatchflow/internal/validation"
)

func restaurantTools(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg))
	require.NoError(t, reg.Register(&tools.FuncTool{
		ToolName: "poi.search",
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			return map[string]any{"poi": map[string]any{
				"name":  "Casa Pepe",
				"phone": "+351 21 000 0000",
				"city":  params["query"],
			}}, nil
		},
	}))
	require.NoError(t, reg.Register(&tools.FuncTool{
		ToolName: "ui.show",
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			return map[string]any{"shown": params["title"]}, nil
		},
	}))
	require.NoError(t, reg.Register(&tools.FuncTool{
		ToolName: "phone.call",
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			return map[string]any{"called": params["number"]}, nil
		},
	}))
	return reg
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestServer(t *testing.T, s store.Store) *DispatchServer {
	t.Helper()
	reg := restaurantTools(t)
	v, err := validation.NewPlanValidator(reg)
	require.NoError(t, err)

	cfg := engine.Config{}
	if s != nil {
		cfg.Store = s
	}
	return NewDispatchServer(DispatchServerDeps{
		Engine:    engine.New(cfg),
		Executor:  reg,
		Validator: v,
		Tools:     reg,
		Version:   "test",
	})
}

func TestNewDispatchServer(t *testing.T) {
	s := newTestServer(t, nil)
	require.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := newTestServer(t, nil)

	expected := []string{
		"dispatch.analyze",
		"dispatch.prepare",
		"dispatch.execute_step",
		"dispatch.run",
		"dispatch.status",
		"dispatch.history",
		"dispatch.cleanup",
		"dispatch.tools",
	}
	assert.Len(t, s.MCPServer().ListTools(), len(expected))
	for _, name := range expected {
		assert.NotNil(t, s.MCPServer().GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolRegistration_WithoutRegistry(t *testing.T) {
	v, err := validation.NewPlanValidator(nil)
	require.NoError(t, err)
	s := NewDispatchServer(DispatchServerDeps{Engine: engine.New(engine.Config{}), Validator: v})
	assert.Nil(t, s.MCPServer().GetTool("dispatch.tools"))
	assert.Len(t, s.MCPServer().ListTools(), 7)
}
