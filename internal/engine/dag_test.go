package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatchflow/pkg/schema"
)

// --- helpers ---

func step(id string, depends ...string) schema.StepSpec {
	return schema.StepSpec{ID: id, Tool: "noop", DependsOn: depends}
}

func assertBefore(t *testing.T, order []string, first, second string) {
	t.Helper()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos[first], pos[second], "%s should run before %s in %v", first, second, order)
}

// --- ExecutionOrder ---

func TestExecutionOrder_Chain(t *testing.T) {
	order, err := ExecutionOrder([]schema.StepSpec{
		step("c", "b"),
		step("b", "a"),
		step("a"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestExecutionOrder_DiamondKeepsDeclarationOrder(t *testing.T) {
	order, err := ExecutionOrder([]schema.StepSpec{
		step("root"),
		step("right", "root"),
		step("left", "root"),
		step("join", "left", "right"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "right", "left", "join"}, order)
}

func TestExecutionOrder_IndependentStepsInPlanOrder(t *testing.T) {
	order, err := ExecutionOrder([]schema.StepSpec{step("z"), step("a"), step("m")})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, order)
}

func TestExecutionOrder_IsPermutation(t *testing.T) {
	steps := []schema.StepSpec{
		step("getPOI"),
		step("showQw", "getPOI"),
		step("callPhone", "getPOI", "showQw"),
		step("notify", "callPhone"),
		step("audit"),
	}
	order, err := ExecutionOrder(steps)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"getPOI", "showQw", "callPhone", "notify", "audit"}, order)
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			assertBefore(t, order, dep, s.ID)
		}
	}
}

func TestExecutionOrder_UnknownAndDuplicateLinksIgnored(t *testing.T) {
	order, err := ExecutionOrder([]schema.StepSpec{
		step("b", "a", "a", "ghost"),
		step("a"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestExecutionOrder_CycleDetected(t *testing.T) {
	tests := []struct {
		name  string
		steps []schema.StepSpec
	}{
		{"self", []schema.StepSpec{step("a", "a")}},
		{"pair", []schema.StepSpec{step("a", "b"), step("b", "a")}},
		{"tail cycle", []schema.StepSpec{step("ok"), step("x", "ok", "z"), step("y", "x"), step("z", "y")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := ExecutionOrder(tt.steps)
			require.Error(t, err)
			assert.Nil(t, order)
			assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))
		})
	}
}

func TestExecutionOrder_DuplicateIDRejected(t *testing.T) {
	order, err := ExecutionOrder([]schema.StepSpec{step("a"), step("b", "a"), step("a")})
	require.Error(t, err)
	assert.Nil(t, order)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.False(t, schema.HasCode(err, schema.ErrCodeCycleDetected))
	assert.Contains(t, err.Error(), `"a"`)
}

func TestExecutionOrder_Empty(t *testing.T) {
	order, err := ExecutionOrder(nil)
	require.NoError(t, err)
	assert.Empty(t, order)
}

func TestLevels(t *testing.T) {
	steps := []schema.StepSpec{
		step("a"),
		step("b"),
		step("c", "a"),
		step("d", "c", "b"),
	}
	order, err := ExecutionOrder(steps)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d"}}, Levels(steps, order))
	assert.Nil(t, Levels(nil, nil))
}

// --- DependencyAnalyzer ---

func TestAnalyzePlan_AllKinds(t *testing.T) {
	plan := &schema.Plan{
		Steps: []schema.StepSpec{
			{ID: "getPOI", Tool: "maps.search", Parameters: map[string]any{"city": "{{ city }}"}},
			{
				ID:        "callPhone",
				Tool:      "phone.call",
				DependsOn: []string{"getPOI"},
				Condition: "getPOI.count > 0",
				Parameters: map[string]any{
					"number": "{{ getPOI.contact.phone }}",
					"extra":  []any{"{{ getPOI.name }}", 7},
				},
			},
		},
		Phases: []schema.PhaseSpec{
			{Name: "discover", Steps: []string{"getPOI"}},
			{Name: "contact", Steps: []string{"callPhone"}, DependsOn: []string{"discover"}},
		},
	}

	deps := NewDependencyAnalyzer().AnalyzePlan(plan)

	require.Len(t, deps["getPOI"], 1)
	assert.Equal(t, schema.Dependency{
		StepID: "getPOI", DependsOn: "city", Kind: schema.DependencyParameter,
		TimeoutSeconds: schema.DefaultDependencyTimeoutSeconds,
	}, deps["getPOI"][0])

	call := deps["callPhone"]
	require.Len(t, call, 3)
	assert.Equal(t, schema.DependencySequential, call[0].Kind)
	assert.Equal(t, schema.DependencyCondition, call[1].Kind)
	assert.Equal(t, "getPOI.count > 0", call[1].Condition)
	assert.Equal(t, schema.DependencyParameter, call[2].Kind)
	assert.Equal(t, []string{"name", "contact.phone"}, call[2].RequiredFields)
	for _, d := range call {
		assert.Equal(t, "getPOI", d.DependsOn)
	}

	require.Len(t, deps["contact"], 1)
	assert.Equal(t, "discover", deps["contact"][0].DependsOn)
	assert.Equal(t, schema.DependencySequential, deps["contact"][0].Kind)
}

func TestAnalyzePlan_RecomputesFromScratch(t *testing.T) {
	a := NewDependencyAnalyzer()
	a.AnalyzePlan(&schema.Plan{Steps: []schema.StepSpec{step("b", "a"), step("a")}})
	assert.Len(t, a.Dependencies("b"), 1)

	a.AnalyzePlan(&schema.Plan{Steps: []schema.StepSpec{step("x")}})
	assert.Empty(t, a.Dependencies("b"))
	assert.Empty(t, a.AnalyzePlan(nil))
}

func TestAddDependency_Idempotent(t *testing.T) {
	a := NewDependencyAnalyzer()
	a.AddDependency("s2", "s1", schema.DependencyResult)
	a.AddDependency("s2", "s1", schema.DependencyResult)
	a.AddDependency("s2", "s1", schema.DependencyParallel)

	deps := a.Dependencies("s2")
	require.Len(t, deps, 2)
	assert.Equal(t, schema.DependencyResult, deps[0].Kind)
	assert.Equal(t, schema.DependencyParallel, deps[1].Kind)
}
