package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/dispatchflow/pkg/schema"
)

const planSchemaURL = "https://dispatchflow.dev/schemas/plan.json"

// planSchemaJSON describes the wire shape of a Plan.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://dispatchflow.dev/schemas/plan.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "phases": {
      "type": "array",
      "items": { "$ref": "#/$defs/phase" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "identifier": {
      "type": "string",
      "pattern": "^[\\p{L}\\p{N}_-]+$"
    },
    "step": {
      "type": "object",
      "required": ["id", "tool"],
      "properties": {
        "id": { "$ref": "#/$defs/identifier" },
        "tool": { "type": "string", "minLength": 1 },
        "parameters": { "type": "object" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "condition": { "type": "string" },
        "output_mapping": {
          "type": "object",
          "propertyNames": { "minLength": 1 },
          "additionalProperties": { "type": "string" }
        },
        "description": { "type": "string" }
      },
      "additionalProperties": false
    },
    "phase": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "steps": {
          "type": "array",
          "items": { "type": "string" }
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks plan structure against JSON Schema Draft 2020-12
// and validates global parameters against caller supplied schemas.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	planSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the plan schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource(planSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	compiled, err := c.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &JSONSchemaValidator{
		planSchema: compiled,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidatePlan checks plan against the plan schema.
func (v *JSONSchemaValidator) ValidatePlan(plan *schema.Plan) error {
	if plan == nil {
		return schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}
	doc, err := toJSONValue(plan)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize plan").WithCause(err)
	}
	if err := v.planSchema.Validate(doc); err != nil {
		return toDispatchError(err)
	}
	return nil
}

// ValidateDocument checks raw JSON against the plan schema before decoding,
// so unknown fields are reported instead of silently dropped.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "plan is not valid JSON").WithCause(err)
	}
	if err := v.planSchema.Validate(doc); err != nil {
		return toDispatchError(err)
	}
	return nil
}

// ValidateGlobals checks globals against globalsSchema. An empty schema
// accepts anything. Compiled schemas are cached by content.
func (v *JSONSchemaValidator) ValidateGlobals(globals map[string]any, globalsSchema []byte) error {
	if len(globalsSchema) == 0 {
		return nil
	}
	if globals == nil {
		globals = map[string]any{}
	}

	compiled, err := v.getOrCompile(globalsSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid global parameter schema").WithCause(err)
	}

	doc, err := toJSONValue(globals)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize global parameters").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toDispatchError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("dispatchflow://globals-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which is what the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toDispatchError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// whose details list one violation per failing instance location.
func toDispatchError(err error) *schema.DispatchError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
