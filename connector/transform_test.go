package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/expression"
)

func orders() []any {
	return []any{
		map[string]any{"id": "o1", "amount": 50.0, "region": "eu"},
		map[string]any{"id": "o2", "amount": 120.0, "region": "us"},
		map[string]any{"id": "o3", "amount": 80.0, "region": "eu"},
	}
}

func TestApplyTransformations_FilterMapExtract(t *testing.T) {
	eval := expression.NewEvaluator(nil)
	cfg := &TransformConfig{
		Input: "orders",
		Transformations: []TransformStep{
			{Type: "filter", Condition: "amount > 60"},
			{Type: "map", Expression: "amount * 2", Field: "doubled"},
			{Type: "extract", Fields: []string{"id", "doubled"}},
		},
	}

	out, err := ApplyTransformations(context.Background(), eval, cfg, map[string]any{"orders": orders()})
	require.NoError(t, err)

	result, ok := out["result"].([]any)
	require.True(t, ok)
	require.Len(t, result, 2)
	assert.Equal(t, map[string]any{"id": "o2", "doubled": 240.0}, result[0])
	assert.Equal(t, map[string]any{"id": "o3", "doubled": 160.0}, result[1])
}

func TestApplyTransformations_Format(t *testing.T) {
	eval := expression.NewEvaluator(nil)
	cfg := &TransformConfig{
		Input: "orders",
		Transformations: []TransformStep{
			{Type: "format", Template: "${id}: ${amount}"},
		},
		OutputField: "lines",
	}

	out, err := ApplyTransformations(context.Background(), eval, cfg, map[string]any{"orders": orders()})
	require.NoError(t, err)

	lines, ok := out["lines"].([]any)
	require.True(t, ok)
	assert.Equal(t, "o1: 50", lines[0])
	assert.Equal(t, "o2: 120", lines[1])
}

// A scalar input passes through the pipeline as a single item and unwraps
// again at the end.
func TestApplyTransformations_ScalarInput(t *testing.T) {
	eval := expression.NewEvaluator(nil)
	cfg := &TransformConfig{
		Input: "n",
		Transformations: []TransformStep{
			{Type: "map", Expression: "item + 1"},
		},
	}

	out, err := ApplyTransformations(context.Background(), eval, cfg, map[string]any{"n": 41.0})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out["result"])
}

func TestApplyTransformations_UnknownStep(t *testing.T) {
	eval := expression.NewEvaluator(nil)
	cfg := &TransformConfig{
		Transformations: []TransformStep{{Type: "reverse"}},
	}

	_, err := ApplyTransformations(context.Background(), eval, cfg, map[string]any{"input": []any{1.0}})
	assert.Error(t, err)
}

func TestApplyTransformations_IndexBinding(t *testing.T) {
	eval := expression.NewEvaluator(nil)
	cfg := &TransformConfig{
		Input: "items",
		Transformations: []TransformStep{
			{Type: "filter", Condition: "index < 2"},
		},
	}

	out, err := ApplyTransformations(context.Background(), eval, cfg, map[string]any{
		"items": []any{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out["result"])
}

func TestUtilityMerge(t *testing.T) {
	out, err := utilityMerge(
		map[string]any{"a": 1.0, "b": map[string]any{"x": 1.0}},
		map[string]any{"b": map[string]any{"y": 2.0}, "c": 3.0},
	)
	require.NoError(t, err)

	result := out.(map[string]any)["result"].(map[string]any)
	assert.Equal(t, 1.0, result["a"])
	assert.Equal(t, 3.0, result["c"])
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, result["b"])
}

func TestUtilitySortAndUnique(t *testing.T) {
	sorted, err := utilitySort(orders(), "amount", "desc")
	require.NoError(t, err)
	items := sorted.(map[string]any)["result"].([]any)
	assert.Equal(t, "o2", items[0].(map[string]any)["id"])
	assert.Equal(t, "o1", items[2].(map[string]any)["id"])

	uniq, err := utilityUnique(orders(), "region")
	require.NoError(t, err)
	regions := uniq.(map[string]any)["result"].([]any)
	assert.Len(t, regions, 2)
}

func TestUtilityGroup(t *testing.T) {
	grouped, err := utilityGroup(orders(), "region")
	require.NoError(t, err)

	groups := grouped.(map[string]any)["result"].(map[string]any)
	assert.Len(t, groups["eu"], 2)
	assert.Len(t, groups["us"], 1)
}
