package tools

import (
	"context"
	"encoding/json"
)

// Tool is a locally dispatched unit of work a plan step can name.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// ToolSchema describes the parameter contract of a tool for listing.
type ToolSchema struct {
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolInfo is a summary of a registered tool.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// FuncTool adapts a function to Tool.
type FuncTool struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, params map[string]any) (any, error)
}

func (f *FuncTool) Name() string       { return f.ToolName }
func (f *FuncTool) Schema() ToolSchema { return ToolSchema{Description: f.Desc} }

func (f *FuncTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	return f.Fn(ctx, params)
}
