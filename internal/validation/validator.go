package validation

import "github.com/rendis/dispatchflow/pkg/schema"

// Validator checks plans and global parameters before an execution is prepared.
type Validator interface {
	ValidatePlan(plan *schema.Plan) error
	ValidateGlobals(globals map[string]any, globalsSchema []byte) error
}

// ToolLookup reports whether a tool name can be dispatched locally.
type ToolLookup interface {
	Has(name string) bool
}
