package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatchflow/pkg/schema"
)

type call struct {
	path   string
	params map[string]any
}

type mockRunner struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]bool
}

func (m *mockRunner) RunPlan(_ context.Context, path string, params map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{path: path, params: params})
	if m.fail[path] {
		return errors.New("boom")
	}
	return nil
}

func (m *mockRunner) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.path)
	}
	return out
}

var base = time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)

func TestAddComputesNextRun(t *testing.T) {
	s := New(&mockRunner{}, 0, nil)
	require.NoError(t, s.Add(Job{Name: "hourly", Cron: "0 * * * *", Plan: "a.yaml"}, base))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), jobs[0].NextRunAt)
	assert.Nil(t, jobs[0].LastRunAt)
}

func TestAddRejectsInvalidJobs(t *testing.T) {
	s := New(&mockRunner{}, time.Second, nil)

	err := s.Add(Job{Name: "bad", Cron: "not a cron", Plan: "a.yaml"}, base)
	var de *schema.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, schema.ErrCodeValidation, de.Code)

	assert.Error(t, s.Add(Job{Cron: "* * * * *", Plan: "a.yaml"}, base))
	assert.Error(t, s.Add(Job{Name: "x", Cron: "* * * * *"}, base))

	require.NoError(t, s.Add(Job{Name: "dup", Cron: "* * * * *", Plan: "a.yaml"}, base))
	err = s.Add(Job{Name: "dup", Cron: "* * * * *", Plan: "b.yaml"}, base)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, schema.ErrCodeConflict, de.Code)
}

func TestTickRunsDueJobs(t *testing.T) {
	runner := &mockRunner{}
	s := New(runner, time.Second, nil)
	require.NoError(t, s.Add(Job{Name: "b-minutely", Cron: "* * * * *", Plan: "b.yaml", Params: map[string]any{"k": "v"}}, base))
	require.NoError(t, s.Add(Job{Name: "a-minutely", Cron: "* * * * *", Plan: "a.yaml"}, base))
	require.NoError(t, s.Add(Job{Name: "daily", Cron: "0 0 * * *", Plan: "daily.yaml"}, base))

	assert.Equal(t, 0, s.Tick(context.Background(), base))

	now := base.Add(time.Minute)
	assert.Equal(t, 2, s.Tick(context.Background(), now))
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, runner.paths())
	assert.Equal(t, map[string]any{"k": "v"}, runner.calls[1].params)

	for _, j := range s.Jobs() {
		if j.Name == "daily" {
			assert.Nil(t, j.LastRunAt)
			continue
		}
		require.NotNil(t, j.LastRunAt)
		assert.Equal(t, now, *j.LastRunAt)
		assert.Equal(t, "success", j.LastRunStatus)
		assert.True(t, j.NextRunAt.After(now))
	}

	// Not due again within the same minute.
	assert.Equal(t, 0, s.Tick(context.Background(), now.Add(10*time.Second)))
}

func TestTickRecordsFailure(t *testing.T) {
	runner := &mockRunner{fail: map[string]bool{"bad.yaml": true}}
	s := New(runner, time.Second, nil)
	require.NoError(t, s.Add(Job{Name: "bad", Cron: "* * * * *", Plan: "bad.yaml"}, base))

	assert.Equal(t, 1, s.Tick(context.Background(), base.Add(time.Minute)))
	assert.Equal(t, "error", s.Jobs()[0].LastRunStatus)
}

func TestTickStopsOnCancelledContext(t *testing.T) {
	runner := &mockRunner{}
	s := New(runner, time.Second, nil)
	require.NoError(t, s.Add(Job{Name: "a", Cron: "* * * * *", Plan: "a.yaml"}, base))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Tick(ctx, base.Add(time.Minute))
	assert.Empty(t, runner.paths())
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(&mockRunner{}, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNextRun(t *testing.T) {
	s := New(&mockRunner{}, 0, nil)

	next, err := s.NextRun("30 9 * * 1", base)
	require.NoError(t, err)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 30, next.Minute())

	_, err = s.NextRun("61 * * * *", base)
	assert.Error(t, err)
}
