package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dispatchflow/pkg/schema"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	return reg
}

func TestBuiltins_Registered(t *testing.T) {
	reg := builtinRegistry(t)
	for _, name := range []string{"echo", "sleep", "jq", "condition.check"} {
		assert.True(t, reg.Has(name), name)
	}
	assert.Error(t, RegisterBuiltins(reg))
}

func TestEcho(t *testing.T) {
	reg := builtinRegistry(t)
	params := map[string]any{"message": "hi", "n": 2}

	out, err := reg.Execute(context.Background(), "echo", params)
	require.NoError(t, err)
	assert.Equal(t, params, out)

	out.(map[string]any)["message"] = "changed"
	assert.Equal(t, "hi", params["message"])
}

func TestSleep(t *testing.T) {
	reg := builtinRegistry(t)

	out, err := reg.Execute(context.Background(), "sleep", map[string]any{"duration_ms": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"slept_ms": 5}, out)

	_, err = reg.Execute(context.Background(), "sleep", map[string]any{"duration_ms": -1})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = reg.Execute(context.Background(), "sleep", map[string]any{"duration_ms": int((maxSleep + time.Second).Milliseconds())})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestSleep_Cancelled(t *testing.T) {
	reg := builtinRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Execute(ctx, "sleep", map[string]any{"duration_ms": 60000})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJQ(t *testing.T) {
	reg := builtinRegistry(t)

	out, err := reg.Execute(context.Background(), "jq", map[string]any{
		"expression": ".input.places[0].name",
		"input": map[string]any{
			"places": []any{map[string]any{"name": "Casa Pepe"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "Casa Pepe"}, out)

	_, err = reg.Execute(context.Background(), "jq", map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestConditionCheck(t *testing.T) {
	reg := builtinRegistry(t)

	out, err := reg.Execute(context.Background(), "condition.check", map[string]any{
		"condition": "party > 2 and city == 'Lisbon'",
		"data":      map[string]any{"party": 4, "city": "Lisbon"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["result"])

	out, err = reg.Execute(context.Background(), "condition.check", map[string]any{
		"condition": "{{ missing }}",
	})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, false, m["result"])
	assert.NotEmpty(t, m["reason"])
}
