package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatchflow/pkg/schema"
)

// newRemote starts an in-process MCP server exposing a few fake tools and
// returns an executor connected to it.
func newRemote(t *testing.T) *MCPExecutor {
	t.Helper()

	srv := server.NewMCPServer("fake-tools", "0.1.0", server.WithToolCapabilities(false))
	srv.AddTool(mcp.NewTool("poi.search",
		mcp.WithDescription("Find places"),
		mcp.WithString("query", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}
		body, _ := json.Marshal(map[string]any{
			"success": true,
			"data":    map[string]any{"poi": map[string]any{"name": "Casa Pepe", "query": query}},
		})
		return mcp.NewToolResultText(string(body)), nil
	})
	srv.AddTool(mcp.NewTool("phone.call"), func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(`{"success":false,"error":"line busy"}`), nil
	})
	srv.AddTool(mcp.NewTool("ui.show"), func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("shown"), nil
	})
	srv.AddTool(mcp.NewTool("broken"), func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("backend unavailable"), nil
	})

	c, err := client.NewInProcessClient(srv)
	require.NoError(t, err)

	exec := NewMCPExecutorWithClient(c, MCPConfig{Version: "test"})
	t.Cleanup(func() { _ = exec.Close() })
	return exec
}

func TestMCPExecutor_EnvelopeData(t *testing.T) {
	exec := newRemote(t)

	out, err := exec.Execute(context.Background(), "poi.search", map[string]any{"query": "tapas"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"poi": map[string]any{"name": "Casa Pepe", "query": "tapas"}}, out)
}

func TestMCPExecutor_EnvelopeFailure(t *testing.T) {
	exec := newRemote(t)

	_, err := exec.Execute(context.Background(), "phone.call", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecutor))
	assert.Contains(t, err.Error(), "line busy")
}

func TestMCPExecutor_PlainText(t *testing.T) {
	exec := newRemote(t)

	out, err := exec.Execute(context.Background(), "ui.show", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "shown", out)
}

func TestMCPExecutor_ToolError(t *testing.T) {
	exec := newRemote(t)

	_, err := exec.Execute(context.Background(), "broken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
}

func TestMCPExecutor_ListTools(t *testing.T) {
	exec := newRemote(t)

	infos, err := exec.ListTools(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(infos))
	for _, i := range infos {
		names = append(names, i.Name)
	}
	assert.ElementsMatch(t, []string{"poi.search", "phone.call", "ui.show", "broken"}, names)
}

func TestMCPExecutor_AsRegistryFallback(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	reg.SetFallback(newRemote(t))

	out, err := reg.Execute(context.Background(), "ui.show", nil)
	require.NoError(t, err)
	assert.Equal(t, "shown", out)

	out, err = reg.Execute(context.Background(), "echo", map[string]any{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "b"}, out)
}

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name string
		res  *mcp.CallToolResult
		want any
	}{
		{"json text", mcp.NewToolResultText(`{"n": 1}`), map[string]any{"n": float64(1)}},
		{"plain text", mcp.NewToolResultText("ok"), "ok"},
		{"envelope without data", mcp.NewToolResultText(`{"success": true}`), map[string]any{"success": true}},
		{"empty", &mcp.CallToolResult{}, nil},
		{
			"structured wins",
			&mcp.CallToolResult{
				Content:           []mcp.Content{mcp.NewTextContent("ignored")},
				StructuredContent: map[string]any{"k": "v"},
			},
			map[string]any{"k": "v"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeResult("t", tt.res)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnwrapEnvelope_ErrorObject(t *testing.T) {
	_, err := unwrapEnvelope("t", map[string]any{
		"success": false,
		"error":   map[string]any{"message": "quota exceeded"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}
