package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatchflow/pkg/schema"
)

func TestRenderASCII(t *testing.T) {
	output := RenderASCII(buildModel(t, restaurantPlan(), nil))

	assert.True(t, strings.HasPrefix(output, "=== Restaurant ===\n\nstage 0\n  (Start)\n"))
	assert.Contains(t, output, "  [getPOI]  poi.search\n")
	assert.Contains(t, output, "  <callPhone>  phone.call  if {{ getPOI_output.count }} > 0\n")
	assert.Contains(t, output, "  (End)\n")
	assert.Contains(t, output, "  getPOI --> showQw\n")
	assert.Contains(t, output, "  getPOI -.condition.-> callPhone\n")
	assert.Contains(t, output, "  (Start) --> getPOI\n")
	assert.Contains(t, output, "  act: showQw, callPhone\n")

	assert.Less(t, strings.Index(output, "[getPOI]"), strings.Index(output, "[showQw]"))
}

func TestRenderASCIIWithStatus(t *testing.T) {
	status := &schema.ExecutionStatus{StepStatus: map[string]string{
		"getPOI": "completed",
		"showQw": "skipped",
	}}
	output := RenderASCII(buildModel(t, restaurantPlan(), status))

	assert.Contains(t, output, "[getPOI]  poi.search  [OK]")
	assert.Contains(t, output, "[showQw]  ui.show  [SKIP]")
	assert.NotContains(t, output, "[FAIL]")
}

func TestRenderASCIIEmptyPlan(t *testing.T) {
	output := RenderASCII(buildModel(t, &schema.Plan{}, nil))

	require.Contains(t, output, "(Start) --> (End)")
	assert.NotContains(t, output, "phases")
}

func TestArrow(t *testing.T) {
	assert.Equal(t, "-->", arrow(Edge{}))
	assert.Equal(t, "..>", arrow(Edge{Data: true}))
	assert.Equal(t, "-.parameter.->", arrow(Edge{Data: true, Label: "parameter"}))
}
