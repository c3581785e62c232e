package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatchflow/internal/store"
	"github.com/rendis/dispatchflow/pkg/schema"
)

// --- fakes ---

type call struct {
	Tool   string
	Params map[string]any
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []call
	results map[string]any
	errs    map[string]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: map[string]any{}, errs: map[string]error{}}
}

func (f *fakeExecutor) Execute(_ context.Context, tool string, params map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Tool: tool, Params: params})
	if err, ok := f.errs[tool]; ok {
		return nil, err
	}
	return f.results[tool], nil
}

func (f *fakeExecutor) tools() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Tool
	}
	return out
}

type countingObserver struct {
	mu       sync.Mutex
	prepared int
	cleaned  int
	statuses []schema.StepStatus
}

func (o *countingObserver) ExecutionPrepared() { o.mu.Lock(); o.prepared++; o.mu.Unlock() }
func (o *countingObserver) ExecutionCleaned()  { o.mu.Lock(); o.cleaned++; o.mu.Unlock() }
func (o *countingObserver) StepFinished(_ string, s schema.StepStatus, _ time.Duration) {
	o.mu.Lock()
	o.statuses = append(o.statuses, s)
	o.mu.Unlock()
}

// restaurantPlan searches a POI, shows it, then calls its phone.
func restaurantPlan() *schema.Plan {
	return &schema.Plan{Steps: []schema.StepSpec{
		{
			ID:        "callPhone",
			Tool:      "phone.call",
			DependsOn: []string{"getPOI", "showQw"},
			Condition: "getPOI.count > 0",
			Parameters: map[string]any{
				"number": "{{ getPOI_output.primary_contact }}",
				"script": "Booking for {{ party_size }} at {{ getPOI.name }}",
			},
		},
		{
			ID:         "getPOI",
			Tool:       "maps.search",
			Parameters: map[string]any{"query": "{{ cuisine }} near {{ city }}", "limit": 5},
			OutputMapping: map[string]string{
				"primary_contact": "contact.phone",
			},
		},
		{
			ID:         "showQw",
			Tool:       "ui.show",
			DependsOn:  []string{"getPOI"},
			Parameters: map[string]any{"items": []any{"{{ getPOI.name }}"}},
		},
	}}
}

func restaurantExecutor() *fakeExecutor {
	f := newFakeExecutor()
	f.results["maps.search"] = map[string]any{
		"name":    "Lao Zhengxing",
		"count":   3,
		"contact": map[string]any{"phone": "13800138000"},
	}
	f.results["ui.show"] = map[string]any{"shown": true}
	f.results["phone.call"] = map[string]any{"connected": true}
	return f
}

var globals = map[string]any{"city": "Shanghai", "cuisine": "benbang", "party_size": 4}

// --- tests ---

func TestPrepare(t *testing.T) {
	e := New(Config{})
	exec, err := e.Prepare(context.Background(), restaurantPlan(), globals)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(exec.ID, "exec_"))
	assert.Equal(t, []string{"getPOI", "showQw", "callPhone"}, exec.Order)
	assert.Equal(t, [][]string{{"getPOI"}, {"showQw"}, {"callPhone"}}, exec.Levels)
	assert.NotEmpty(t, exec.Dependencies["callPhone"])

	status, err := e.Status(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, status.ExecutionID)
	assert.Equal(t, "Shanghai", status.GlobalParameters["city"])
	assert.Empty(t, status.StepStatus)
}

func TestPrepare_UniqueIDs(t *testing.T) {
	e := New(Config{})
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		exec, err := e.Prepare(context.Background(), restaurantPlan(), nil)
		require.NoError(t, err)
		assert.False(t, seen[exec.ID])
		seen[exec.ID] = true
	}
}

func TestPrepare_CycleRejected(t *testing.T) {
	e := New(Config{})
	_, err := e.Prepare(context.Background(), &schema.Plan{Steps: []schema.StepSpec{step("a", "b"), step("b", "a")}}, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))
	assert.Equal(t, 0, e.Contexts().Active())

	_, err = e.Prepare(context.Background(), nil, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRun_ResolvesConditionsAndPropagates(t *testing.T) {
	ctx := context.Background()
	e := New(Config{})
	f := restaurantExecutor()

	exec, err := e.Prepare(ctx, restaurantPlan(), globals)
	require.NoError(t, err)

	outcomes, err := e.Run(ctx, exec.ID, f)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.Equal(t, schema.StepStatusCompleted, o.Status, o.StepID)
	}

	assert.Equal(t, []string{"maps.search", "ui.show", "phone.call"}, f.tools())
	assert.Equal(t, map[string]any{"query": "benbang near Shanghai", "limit": 5}, f.calls[0].Params)
	assert.Equal(t, map[string]any{"items": []any{"Lao Zhengxing"}}, f.calls[1].Params)
	assert.Equal(t, map[string]any{
		"number": "13800138000",
		"script": "Booking for 4 at Lao Zhengxing",
	}, f.calls[2].Params)

	status, err := e.Status(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"getPOI": "completed", "showQw": "completed", "callPhone": "completed"}, status.StepStatus)
	assert.Equal(t, map[string]any{"primary_contact": "13800138000"}, status.StepResults["getPOI_output"])
	assert.Equal(t, map[string]any{"connected": true}, status.StepResults["callPhone"])
}

func TestExecuteStep_UnknownExecution(t *testing.T) {
	e := New(Config{})
	_, err := e.ExecuteStep(context.Background(), "exec_ghost", &schema.StepSpec{ID: "s", Tool: "t"}, newFakeExecutor())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = e.Run(context.Background(), "exec_ghost", newFakeExecutor())
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestExecuteStep_ConditionFalseSkipsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	e := New(Config{})
	f := newFakeExecutor()
	exec, err := e.Prepare(ctx, &schema.Plan{Steps: []schema.StepSpec{
		{ID: "notify", Tool: "sms.send", Condition: "retries > 2", Parameters: map[string]any{"to": "{{ missing }}"}},
	}}, map[string]any{"retries": 0})
	require.NoError(t, err)

	outcome, err := e.ExecuteStepByID(ctx, exec.ID, "notify", f)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSkipped, outcome.Status)
	assert.Contains(t, outcome.Reason, "condition not met")
	assert.Empty(t, f.tools())

	status, _ := e.Status(exec.ID)
	assert.Empty(t, status.StepStatus)
	assert.Empty(t, status.StepResults)
}

func TestExecuteStep_ResolutionFailureLeavesContext(t *testing.T) {
	ctx := context.Background()
	e := New(Config{})
	f := newFakeExecutor()
	exec, err := e.Prepare(ctx, &schema.Plan{Steps: []schema.StepSpec{
		{ID: "call", Tool: "phone.call", Parameters: map[string]any{"number": "{{ poi.phone }}"}},
	}}, nil)
	require.NoError(t, err)

	outcome, err := e.ExecuteStepByID(ctx, exec.ID, "call", f)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "TEMPLATE_RENDER_ERROR")
	assert.Empty(t, f.tools())

	status, _ := e.Status(exec.ID)
	assert.Empty(t, status.StepStatus)
}

func TestExecuteStep_ExecutorErrorRecorded(t *testing.T) {
	ctx := context.Background()
	e := New(Config{})
	f := newFakeExecutor()
	f.errs["phone.call"] = errors.New("line busy")
	exec, err := e.Prepare(ctx, &schema.Plan{Steps: []schema.StepSpec{{ID: "call", Tool: "phone.call"}}}, nil)
	require.NoError(t, err)

	outcome, err := e.ExecuteStepByID(ctx, exec.ID, "call", f)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "line busy")

	status, err := e.Status(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", status.StepStatus["call"])
	assert.NotEmpty(t, status.StepResults["call"])
}

func TestExecuteStep_ExecutorPanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	e := New(Config{})
	exec, err := e.Prepare(ctx, &schema.Plan{Steps: []schema.StepSpec{{ID: "boom", Tool: "explode"}}}, nil)
	require.NoError(t, err)

	outcome, err := e.ExecuteStepByID(ctx, exec.ID, "boom", ExecutorFunc(func(context.Context, string, map[string]any) (any, error) {
		panic("kaboom")
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "kaboom")
}

func TestExecuteStep_UnknownStepID(t *testing.T) {
	e := New(Config{})
	exec, err := e.Prepare(context.Background(), restaurantPlan(), nil)
	require.NoError(t, err)
	_, err = e.ExecuteStepByID(context.Background(), exec.ID, "nope", newFakeExecutor())
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRun_FailedDependencyCascadesSkip(t *testing.T) {
	ctx := context.Background()
	e := New(Config{})
	f := restaurantExecutor()
	f.errs["maps.search"] = errors.New("quota exceeded")

	exec, err := e.Prepare(ctx, restaurantPlan(), globals)
	require.NoError(t, err)

	outcomes, err := e.Run(ctx, exec.ID, f)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, schema.StepStatusFailed, outcomes[0].Status)
	assert.Equal(t, schema.StepStatusSkipped, outcomes[1].Status)
	assert.Equal(t, "dependencies not satisfied: getPOI", outcomes[1].Reason)
	assert.Equal(t, schema.StepStatusSkipped, outcomes[2].Status)
	assert.Equal(t, "dependencies not satisfied: getPOI, showQw", outcomes[2].Reason)
	assert.Equal(t, []string{"maps.search"}, f.tools())

	status, _ := e.Status(exec.ID)
	assert.Equal(t, "skipped", status.StepStatus["callPhone"])
}

func TestRun_StopOnFailure(t *testing.T) {
	ctx := context.Background()
	e := New(Config{StopOnFailure: true})
	f := restaurantExecutor()
	f.errs["maps.search"] = errors.New("quota exceeded")

	exec, err := e.Prepare(ctx, restaurantPlan(), globals)
	require.NoError(t, err)

	outcomes, err := e.Run(ctx, exec.ID, f)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, schema.StepStatusFailed, outcomes[0].Status)
}

func TestRun_Cancelled(t *testing.T) {
	e := New(Config{})
	exec, err := e.Prepare(context.Background(), restaurantPlan(), globals)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcomes, err := e.Run(ctx, exec.ID, restaurantExecutor())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, outcomes)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	obs := &countingObserver{}
	e := New(Config{Observer: obs})
	exec, err := e.Prepare(ctx, restaurantPlan(), globals)
	require.NoError(t, err)
	_, err = e.Run(ctx, exec.ID, restaurantExecutor())
	require.NoError(t, err)

	e.Cleanup(ctx, exec.ID)
	e.Cleanup(ctx, exec.ID)

	_, err = e.Status(exec.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	_, ok := e.Execution(exec.ID)
	assert.False(t, ok)

	assert.Equal(t, 1, obs.prepared)
	assert.Equal(t, 1, obs.cleaned)
	assert.Len(t, obs.statuses, 3)
}

// --- persistence ---

func newStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHistoryAndRestore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	first := New(Config{Store: s})
	exec, err := first.Prepare(ctx, restaurantPlan(), globals)
	require.NoError(t, err)
	_, err = first.ExecuteStepByID(ctx, exec.ID, "getPOI", restaurantExecutor())
	require.NoError(t, err)

	events, err := first.History(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventExecutionPrepared, events[0].Type)
	assert.Equal(t, schema.EventStepCompleted, events[1].Type)

	// A fresh engine on the same store picks the execution up where it stopped.
	second := New(Config{Store: s})
	restored, err := second.Restore(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.Order, restored.Order)

	status, err := second.Status(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", status.StepStatus["getPOI"])
	assert.Equal(t, "13800138000", status.StepResults["getPOI_output"].(map[string]any)["primary_contact"])
	assert.Equal(t, "Shanghai", status.GlobalParameters["city"])

	f := restaurantExecutor()
	outcome, err := second.ExecuteStepByID(ctx, exec.ID, "showQw", f)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, outcome.Status)
	assert.Equal(t, map[string]any{"items": []any{"Lao Zhengxing"}}, f.calls[0].Params)

	second.Cleanup(ctx, exec.ID)
	_, err = second.Restore(ctx, exec.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestHistory_WithoutStore(t *testing.T) {
	e := New(Config{})
	_, err := e.History(context.Background(), "exec_x")
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	_, err = e.Restore(context.Background(), "exec_x")
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestHistory_UnknownExecution(t *testing.T) {
	e := New(Config{Store: newStore(t)})
	_, err := e.History(context.Background(), "exec_x")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestExecuteStep_OutputMappingScopedToExecution(t *testing.T) {
	ctx := context.Background()
	e := New(Config{})

	planA := &schema.Plan{Steps: []schema.StepSpec{
		{ID: "s1", Tool: "crm.lookup", OutputMapping: map[string]string{"phone": "contact.phone"}},
	}}
	planB := &schema.Plan{Steps: []schema.StepSpec{
		{ID: "s1", Tool: "crm.lookup", OutputMapping: map[string]string{"total": "sum"}},
	}}

	execA, err := e.Prepare(ctx, planA, nil)
	require.NoError(t, err)
	execB, err := e.Prepare(ctx, planB, nil)
	require.NoError(t, err)

	f := newFakeExecutor()
	f.results["crm.lookup"] = map[string]any{"contact": map[string]any{"phone": "138"}, "sum": 3}

	_, err = e.ExecuteStepByID(ctx, execA.ID, "s1", f)
	require.NoError(t, err)
	_, err = e.ExecuteStepByID(ctx, execB.ID, "s1", f)
	require.NoError(t, err)

	statusA, err := e.Status(execA.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"phone": "138"}, statusA.StepResults["s1_output"])

	statusB, err := e.Status(execB.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": float64(3)}, statusB.StepResults["s1_output"])

	e.Cleanup(ctx, execA.ID)
	assert.False(t, e.propagator.HasRules(execA.ID, "s1"))
	assert.True(t, e.propagator.HasRules(execB.ID, "s1"))
}

type lookupResult struct {
	Phone string `json:"phone"`
	Count int    `json:"count"`
}

func TestExecuteStep_TypedResultsAreReferenceable(t *testing.T) {
	cases := []struct {
		name      string
		result    any
		condition string
	}{
		{"string map", map[string]string{"phone": "138", "count": "1"}, `s1.count == "1"`},
		{"struct", lookupResult{Phone: "138", Count: 1}, "s1.count > 0"},
		{"struct pointer", &lookupResult{Phone: "138", Count: 1}, "s1.count > 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			e := New(Config{})
			exec, err := e.Prepare(ctx, &schema.Plan{Steps: []schema.StepSpec{
				{ID: "s1", Tool: "crm.lookup", OutputMapping: map[string]string{"primary": "phone"}},
				{ID: "s2", Tool: "phone.call", DependsOn: []string{"s1"}, Parameters: map[string]any{"number": "{{ s1.phone }}"}},
				{ID: "s3", Tool: "sms.send", DependsOn: []string{"s1"}, Condition: tc.condition, Parameters: map[string]any{"to": "{{ s1_output.primary }}"}},
			}}, nil)
			require.NoError(t, err)

			f := newFakeExecutor()
			f.results["crm.lookup"] = tc.result
			outcomes, err := e.Run(ctx, exec.ID, f)
			require.NoError(t, err)
			for _, o := range outcomes {
				assert.Equal(t, schema.StepStatusCompleted, o.Status, o.StepID)
			}

			require.Len(t, f.calls, 3)
			byTool := map[string]map[string]any{}
			for _, c := range f.calls {
				byTool[c.Tool] = c.Params
			}
			assert.Equal(t, map[string]any{"number": "138"}, byTool["phone.call"])
			assert.Equal(t, map[string]any{"to": "138"}, byTool["sms.send"])
		})
	}
}
