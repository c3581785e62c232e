package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/internal/tools"
	"github.com/rendis/dispatchflow/internal/validation"
)

const serverName = "dispatchflow"

// DispatchServerDeps holds the dependencies of a DispatchServer.
type DispatchServerDeps struct {
	Engine    *engine.Engine
	Executor  engine.StepExecutor
	Validator *validation.PlanValidator
	// Tools is optional; when set, dispatch.tools lists its local tools.
	Tools   *tools.Registry
	Logger  *slog.Logger
	Version string
}

// DispatchServer exposes the engine as MCP tools.
type DispatchServer struct {
	engine    *engine.Engine
	executor  engine.StepExecutor
	validator *validation.PlanValidator
	tools     *tools.Registry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewDispatchServer creates a DispatchServer with every dispatch.* tool registered.
func NewDispatchServer(deps DispatchServerDeps) *DispatchServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &DispatchServer{
		engine:    deps.Engine,
		executor:  deps.Executor,
		validator: deps.Validator,
		tools:     deps.Tools,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("dispatchflow executes declarative plans of tool calls. Use dispatch.analyze to inspect a plan, dispatch.prepare to start an execution, dispatch.execute_step or dispatch.run to execute it, dispatch.status and dispatch.history to inspect it, and dispatch.cleanup to release it."),
	)
	mcpSrv.AddTools(s.serverTools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *DispatchServer) Serve(ctx context.Context) error {
	return s.ServeIO(ctx, os.Stdin, os.Stdout)
}

// ServeIO runs the stdio transport over the given streams.
func (s *DispatchServer) ServeIO(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, in, out)
}

// MCPServer returns the underlying MCPServer for tests or other transports.
func (s *DispatchServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *DispatchServer) serverTools() []server.ServerTool {
	list := []server.ServerTool{
		{Tool: analyzeTool(), Handler: s.handleAnalyze},
		{Tool: prepareTool(), Handler: s.handlePrepare},
		{Tool: executeStepTool(), Handler: s.handleExecuteStep},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: cleanupTool(), Handler: s.handleCleanup},
	}
	if s.tools != nil {
		list = append(list, server.ServerTool{Tool: toolsTool(), Handler: s.handleTools})
	}
	return list
}

func analyzeTool() mcp.Tool {
	return mcp.NewTool("dispatch.analyze",
		mcp.WithDescription("Validate a plan and return its dependency map, execution order and levels"),
		mcp.WithObject("plan", mcp.Required(), mcp.Description("Plan object with steps and optional phases")),
	)
}

func prepareTool() mcp.Tool {
	return mcp.NewTool("dispatch.prepare",
		mcp.WithDescription("Validate a plan and create an execution seeded with global parameters"),
		mcp.WithObject("plan", mcp.Required(), mcp.Description("Plan object with steps and optional phases")),
		mcp.WithObject("global_parameters", mcp.Description("Read-only values visible to every step")),
		mcp.WithObject("globals_schema", mcp.Description("JSON Schema the global parameters must satisfy")),
	)
}

func executeStepTool() mcp.Tool {
	return mcp.NewTool("dispatch.execute_step",
		mcp.WithDescription("Execute one step of a prepared execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID returned by dispatch.prepare")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Step to execute")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("dispatch.run",
		mcp.WithDescription("Execute every step in dependency order. Pass execution_id to run a prepared execution, or plan to prepare and run in one call"),
		mcp.WithString("execution_id", mcp.Description("Execution ID returned by dispatch.prepare")),
		mcp.WithObject("plan", mcp.Description("Plan to prepare and run when no execution_id is given")),
		mcp.WithObject("global_parameters", mcp.Description("Global parameters used with plan")),
		mcp.WithBoolean("cleanup", mcp.Description("Release the execution after the run (default false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("dispatch.status",
		mcp.WithDescription("Get the current context of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("dispatch.history",
		mcp.WithDescription("List the persisted events of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	)
}

func cleanupTool() mcp.Tool {
	return mcp.NewTool("dispatch.cleanup",
		mcp.WithDescription("Release an execution's context"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	)
}

func toolsTool() mcp.Tool {
	return mcp.NewTool("dispatch.tools",
		mcp.WithDescription("List the tools available to plan steps locally"),
	)
}
