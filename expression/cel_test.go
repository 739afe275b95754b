package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/workflow"
)

func TestCEL_EvaluateCondition(t *testing.T) {
	e := NewCELEvaluator()

	output := map[string]any{"status": "done", "count": 3}

	met, err := e.EvaluateCondition(&workflow.Condition{
		Type:       "cel",
		Expression: `output.status == "done"`,
	}, output, nil)
	require.NoError(t, err)
	assert.True(t, met)

	met, err = e.EvaluateCondition(&workflow.Condition{
		Type:       "cel",
		Expression: `output.status == "done"`,
		Invert:     true,
	}, output, nil)
	require.NoError(t, err)
	assert.False(t, met)
}

// Legacy $.field paths normalize to output.field before compilation.
func TestCEL_DollarPathNormalization(t *testing.T) {
	e := NewCELEvaluator()

	met, err := e.EvaluateCondition(&workflow.Condition{
		Expression: `$.count > 2`,
	}, map[string]any{"count": 3}, nil)
	require.NoError(t, err)
	assert.True(t, met)
	assert.Equal(t, 1, e.CacheSize())
}

func TestCEL_ContextVariable(t *testing.T) {
	e := NewCELEvaluator()

	met, err := e.EvaluateCondition(&workflow.Condition{
		Expression: `ctx.env == "prod"`,
	}, nil, map[string]any{"env": "prod"})
	require.NoError(t, err)
	assert.True(t, met)
}

func TestCEL_NonBooleanResult(t *testing.T) {
	e := NewCELEvaluator()

	_, err := e.EvaluateCondition(&workflow.Condition{
		Expression: `1 + 1`,
	}, nil, nil)
	assert.Error(t, err)
}

func TestCEL_UnsupportedType(t *testing.T) {
	e := NewCELEvaluator()

	_, err := e.EvaluateCondition(&workflow.Condition{
		Type:       "jsonpath",
		Expression: `$.x`,
	}, nil, nil)
	assert.Error(t, err)
}
