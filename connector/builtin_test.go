package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/expression"
	"github.com/lyzr/flowengine/workflow"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinDeps{
		Evaluator: expression.NewEvaluator(nil),
		CEL:       expression.NewCELEvaluator(),
	}))
	return r
}

// A fixed delay never sleeps past maxWaitMs regardless of the configured
// duration.
func TestDelayAdapter_ClampsToMaxWait(t *testing.T) {
	r := builtinRegistry(t)
	ec := testExecContext()

	node := &workflow.Node{ID: "nap", Type: "delay", Config: map[string]any{
		"duration": 10.0, "unit": "s", "maxWaitMs": 50.0,
	}}

	start := time.Now()
	out, err := r.Execute(context.Background(), "delay", node, nil, ec)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 50, out.(map[string]any)["delayedMs"])
}

func TestDelayDuration_Units(t *testing.T) {
	d, err := DelayDuration(250, "ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = DelayDuration(2, "m")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = DelayDuration(0, "s")
	assert.Error(t, err)

	_, err = DelayDuration(1, "fortnight")
	assert.Error(t, err)
}
