package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/pkg/schema"
)

// PlanValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (references, phases, templates)
// 3. Graph (depends_on cycles)
type PlanValidator struct {
	jsonSchema *JSONSchemaValidator
	tools      ToolLookup
}

// NewPlanValidator creates a PlanValidator. tools may be nil to skip the
// local tool availability warnings.
func NewPlanValidator(tools ToolLookup) (*PlanValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PlanValidator{jsonSchema: jsv, tools: tools}, nil
}

// Validate runs the full pipeline. Structural errors short-circuit the
// later stages, and semantic errors skip the graph stage.
func (pv *PlanValidator) Validate(plan *schema.Plan) *schema.ValidationResult {
	if plan == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "plan is nil")
		return r
	}

	result := validateStructural(pv.jsonSchema, plan)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(plan, pv.tools))
	if result.Valid() {
		result.Merge(validateGraph(plan))
	}
	return result
}

// ValidatePlan satisfies Validator.
func (pv *PlanValidator) ValidatePlan(plan *schema.Plan) error {
	return pv.Validate(plan).ToError()
}

// ValidateDocument checks a raw JSON plan against the plan schema.
func (pv *PlanValidator) ValidateDocument(raw []byte) error {
	return pv.jsonSchema.ValidateDocument(raw)
}

// ValidateGlobals delegates to the JSON Schema validator.
func (pv *PlanValidator) ValidateGlobals(globals map[string]any, globalsSchema []byte) error {
	return pv.jsonSchema.ValidateGlobals(globals, globalsSchema)
}

func validateStructural(v *JSONSchemaValidator, plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidatePlan(plan)
	if err == nil {
		return result
	}

	var dErr *schema.DispatchError
	if !errors.As(err, &dErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := dErr.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, dErr.Message)
	return result
}

func validateGraph(plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if _, err := engine.ExecutionOrder(plan.Steps); err != nil {
		var dErr *schema.DispatchError
		switch {
		case errors.As(err, &dErr) && dErr.Code == schema.ErrCodeCycleDetected:
			result.AddError("steps", dErr.Code,
				fmt.Sprintf("dependency cycle among steps %v", dErr.Details["blocked_steps"]))
		case dErr != nil:
			result.AddError("steps", dErr.Code, dErr.Message)
		default:
			result.AddError("steps", schema.ErrCodeCycleDetected, err.Error())
		}
	}
	return result
}
