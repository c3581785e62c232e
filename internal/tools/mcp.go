package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/pkg/schema"
)

const clientName = "dispatchflow"

// MCPExecutor dispatches tool calls to a remote MCP server. The session is
// initialized lazily on first use.
type MCPExecutor struct {
	client  *client.Client
	timeout time.Duration
	logger  *slog.Logger
	version string

	mu          sync.Mutex
	initialized bool
}

var _ engine.StepExecutor = (*MCPExecutor)(nil)

// MCPConfig configures NewMCPExecutor.
type MCPConfig struct {
	Endpoint string
	Timeout  time.Duration
	Version  string
	Logger   *slog.Logger
}

// NewMCPExecutor creates an executor speaking streamable HTTP to cfg.Endpoint.
func NewMCPExecutor(cfg MCPConfig) (*MCPExecutor, error) {
	c, err := client.NewStreamableHttpClient(cfg.Endpoint)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "create mcp client for %s", cfg.Endpoint).WithCause(err)
	}
	return NewMCPExecutorWithClient(c, cfg), nil
}

// NewMCPExecutorWithClient wraps an existing, not yet started client.
func NewMCPExecutorWithClient(c *client.Client, cfg MCPConfig) *MCPExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &MCPExecutor{client: c, timeout: cfg.Timeout, logger: logger, version: version}
}

func (e *MCPExecutor) connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	if err := e.client.Start(ctx); err != nil {
		return schema.NewError(schema.ErrCodeExecutor, "start mcp client").WithCause(err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: e.version}
	res, err := e.client.Initialize(ctx, req)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecutor, "initialize mcp session").WithCause(err)
	}

	e.initialized = true
	e.logger.InfoContext(ctx, "mcp session initialized",
		slog.String("server", res.ServerInfo.Name),
		slog.String("server_version", res.ServerInfo.Version))
	return nil
}

// Execute calls tool on the remote server and decodes its result.
func (e *MCPExecutor) Execute(ctx context.Context, tool string, params map[string]any) (any, error) {
	if err := e.connect(ctx); err != nil {
		return nil, err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = params

	start := time.Now()
	res, err := e.client.CallTool(ctx, req)
	e.logger.DebugContext(ctx, "mcp tool call",
		slog.String("mcp_tool", tool),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil && res != nil && !res.IsError))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "call %s", tool).WithCause(err)
	}
	return decodeResult(tool, res)
}

// ListTools returns the tools the remote server advertises.
func (e *MCPExecutor) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if err := e.connect(ctx); err != nil {
		return nil, err
	}
	res, err := e.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecutor, "list remote tools").WithCause(err)
	}

	infos := make([]ToolInfo, 0, len(res.Tools))
	for _, t := range res.Tools {
		info := ToolInfo{Name: t.Name, Description: t.Description}
		if b, err := json.Marshal(t.InputSchema); err == nil {
			info.InputSchema = b
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Close ends the session. An executor that never connected has nothing to close.
func (e *MCPExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	e.initialized = false
	return e.client.Close()
}

// decodeResult turns a tool result into a plain value. Structured content
// wins over text. Text that parses as JSON is decoded. A
// {"success", "data", "error"} envelope is unwrapped.
func decodeResult(tool string, res *mcp.CallToolResult) (any, error) {
	text := resultText(res)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "%s: %s", tool, text)
	}

	var value any
	switch {
	case res.StructuredContent != nil:
		b, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecutor, "%s: encode structured content", tool).WithCause(err)
		}
		if err := json.Unmarshal(b, &value); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecutor, "%s: decode structured content", tool).WithCause(err)
		}
	case text != "":
		if err := json.Unmarshal([]byte(text), &value); err != nil {
			value = text
		}
	}

	return unwrapEnvelope(tool, value)
}

func unwrapEnvelope(tool string, value any) (any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return value, nil
	}
	success, ok := m["success"].(bool)
	if !ok {
		return value, nil
	}
	if !success {
		msg := "tool reported failure"
		switch e := m["error"].(type) {
		case string:
			msg = e
		case map[string]any:
			if s, ok := e["message"].(string); ok {
				msg = s
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "%s: %s", tool, msg)
	}
	if data, ok := m["data"]; ok {
		return data, nil
	}
	return value, nil
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch t := c.(type) {
		case mcp.TextContent:
			parts = append(parts, t.Text)
		case *mcp.TextContent:
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
