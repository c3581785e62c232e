package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/steps/1", ErrCodeValidation, "unused output mapping")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_MergeAndString(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/steps/0/id", ErrCodeValidation, "duplicate step id")

	r2 := &ValidationResult{}
	r2.AddError("/steps", ErrCodeCycleDetected, "cycle")
	r2.AddWarning("/steps/2", ErrCodeValidation, "no tool")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
	assert.Contains(t, r1.String(), "error /steps [CYCLE_DETECTED] cycle")
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/steps/0", ErrCodeValidation, "missing tool")

	var de *DispatchError
	require.True(t, errors.As(r.ToError(), &de))
	assert.Equal(t, "missing tool", de.Message)
	assert.Equal(t, 1, de.Details["error_count"])

	r.AddError("/steps/1", ErrCodeValidation, "missing id")
	require.True(t, errors.As(r.ToError(), &de))
	assert.Equal(t, "plan has 2 errors", de.Message)
}

func TestDispatchError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeTemplateRender, "field %q unavailable", "x").WithStep("s1")
	assert.Equal(t, `[TEMPLATE_RENDER_ERROR] step s1: field "x" unavailable`, err.Error())

	cause := errors.New("boom")
	wrapped := fmt.Errorf("outer: %w", NewError(ErrCodeExecutor, "tool failed").WithCause(cause))
	assert.True(t, HasCode(wrapped, ErrCodeExecutor))
	assert.False(t, HasCode(wrapped, ErrCodeNotFound))
	assert.ErrorIs(t, wrapped, cause)
}

func TestPlan_StepLookup(t *testing.T) {
	p := &Plan{Steps: []StepSpec{{ID: "a"}, {ID: "b"}}}
	assert.Equal(t, []string{"a", "b"}, p.StepIDs())
	require.NotNil(t, p.Step("b"))
	assert.Nil(t, p.Step("zz"))
}
