package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/internal/logging"
	"github.com/rendis/dispatchflow/pkg/schema"
)

type analyzeResult struct {
	Valid    bool                     `json:"valid"`
	Errors   []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
	*engine.Analysis
}

type runResult struct {
	ExecutionID string                  `json:"execution_id"`
	Outcomes    []*schema.StepOutcome   `json:"outcomes"`
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	CleanedUp   bool                    `json:"cleaned_up"`
}

// handleAnalyze validates a plan and returns its dependency analysis.
func (s *DispatchServer) handleAnalyze(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	plan, report, err := s.decodePlan(mcp.ParseStringMap(req, "plan", nil))
	if err != nil {
		return toolError(err), nil
	}

	out := analyzeResult{Valid: report.Valid(), Errors: report.Errors, Warnings: report.Warnings}
	if out.Valid {
		analysis, err := s.engine.Analyze(plan)
		if err != nil {
			return toolError(err), nil
		}
		out.Analysis = analysis
	}
	return marshalResult(out)
}

// handlePrepare creates an execution for a valid plan.
func (s *DispatchServer) handlePrepare(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	exec, err := s.prepare(ctx,
		mcp.ParseStringMap(req, "plan", nil),
		mcp.ParseStringMap(req, "global_parameters", nil),
		mcp.ParseStringMap(req, "globals_schema", nil))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(exec)
}

// handleExecuteStep executes a single step.
func (s *DispatchServer) handleExecuteStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}

	if err := s.ensureLoaded(ctx, executionID); err != nil {
		return toolError(err), nil
	}
	outcome, err := s.engine.ExecuteStepByID(ctx, executionID, stepID, s.executor)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(outcome)
}

// handleRun executes every step of an execution, preparing one first when
// a plan is given instead of an execution id.
func (s *DispatchServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	if executionID == "" {
		rawPlan := mcp.ParseStringMap(req, "plan", nil)
		if rawPlan == nil {
			return mcp.NewToolResultError("execution_id or plan is required"), nil
		}
		exec, err := s.prepare(ctx, rawPlan, mcp.ParseStringMap(req, "global_parameters", nil), nil)
		if err != nil {
			return toolError(err), nil
		}
		executionID = exec.ID
	} else if err := s.ensureLoaded(ctx, executionID); err != nil {
		return toolError(err), nil
	}

	outcomes, err := s.engine.Run(ctx, executionID, s.executor)
	if err != nil {
		return toolError(err), nil
	}

	out := runResult{ExecutionID: executionID, Outcomes: outcomes}
	if status, err := s.engine.Status(executionID); err == nil {
		out.Status = status
	}
	if req.GetBool("cleanup", false) {
		s.engine.Cleanup(ctx, executionID)
		out.CleanedUp = true
	}
	return marshalResult(out)
}

// handleStatus returns the execution context snapshot.
func (s *DispatchServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.ensureLoaded(ctx, executionID); err != nil {
		return toolError(err), nil
	}
	status, err := s.engine.Status(executionID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(status)
}

// handleHistory returns the persisted events of an execution.
func (s *DispatchServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	events, err := s.engine.History(ctx, executionID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"execution_id": executionID, "events": events})
}

// handleCleanup releases an execution.
func (s *DispatchServer) handleCleanup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	s.engine.Cleanup(ctx, executionID)
	return marshalResult(map[string]any{"execution_id": executionID, "cleaned_up": true})
}

// handleTools lists the locally registered tools.
func (s *DispatchServer) handleTools(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"tools": s.tools.List()})
}

func (s *DispatchServer) prepare(ctx context.Context, rawPlan, globals, globalsSchema map[string]any) (*engine.Execution, error) {
	plan, report, err := s.decodePlan(rawPlan)
	if err != nil {
		return nil, err
	}
	if err := report.ToError(); err != nil {
		return nil, err
	}
	if globalsSchema != nil {
		raw, err := json.Marshal(globalsSchema)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "encode globals_schema").WithCause(err)
		}
		if err := s.validator.ValidateGlobals(globals, raw); err != nil {
			return nil, err
		}
	}
	return s.engine.Prepare(ctx, plan, globals)
}

// decodePlan checks a plan argument against the plan schema, decodes it and
// runs the full validation pipeline.
func (s *DispatchServer) decodePlan(raw map[string]any) (*schema.Plan, *schema.ValidationResult, error) {
	if raw == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "plan is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "encode plan").WithCause(err)
	}
	if err := s.validator.ValidateDocument(data); err != nil {
		return nil, nil, err
	}

	var plan schema.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "decode plan").WithCause(err)
	}
	return &plan, s.validator.Validate(&plan), nil
}

// ensureLoaded restores a persisted execution that is not in memory, e.g.
// after a restart.
func (s *DispatchServer) ensureLoaded(ctx context.Context, executionID string) error {
	if _, ok := s.engine.Execution(executionID); ok {
		return nil
	}
	_, err := s.engine.Restore(ctx, executionID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeStore) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
		}
		return err
	}
	s.logger.InfoContext(logging.WithExecutionID(ctx, executionID), "execution restored on demand")
	return nil
}

// toolError renders err as an MCP error result, keeping the error code.
func toolError(err error) *mcp.CallToolResult {
	var dErr *schema.DispatchError
	if errors.As(err, &dErr) {
		body, mErr := json.Marshal(dErr)
		if mErr == nil {
			return mcp.NewToolResultError(string(body))
		}
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
