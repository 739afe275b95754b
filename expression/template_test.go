package expression

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateTemplate_ExpressionHoles(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()
	vars := map[string]any{"a": 5.0, "b": 12.0}

	out := e.EvaluateTemplate(ctx, "Total: ${a + b}", vars)
	assert.Equal(t, "Total: 17", out)

	out = e.EvaluateTemplate(ctx, "${a} and ${b} make ${a + b}", vars)
	assert.Equal(t, "5 and 12 make 17", out)
}

func TestEvaluateTemplate_PathHoles(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()
	vars := map[string]any{
		"user": map[string]any{
			"name":  "Ada",
			"roles": []any{"admin", "ops"},
		},
	}

	assert.Equal(t, "Hello Ada", e.EvaluateTemplate(ctx, "Hello {{ user.name }}", vars))
	assert.Equal(t, "first: admin", e.EvaluateTemplate(ctx, "first: {{ user.roles.0 }}", vars))
}

// Missing paths splice as empty, whole numbers splice without a decimal part.
func TestEvaluateTemplate_SpliceForms(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()
	vars := map[string]any{"total": 150.0, "obj": map[string]any{"k": "v"}}

	assert.Equal(t, "n=150", e.EvaluateTemplate(ctx, "n={{ total }}", vars))
	assert.Equal(t, "x=", e.EvaluateTemplate(ctx, "x={{ nothing.here }}", vars))
	assert.Equal(t, `o={"k":"v"}`, e.EvaluateTemplate(ctx, "o={{ obj }}", vars))
}

// A hole that fails to evaluate keeps its literal text instead of poisoning
// the rest of the template.
func TestEvaluateTemplate_FailedHoleKeepsLiteral(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	out := e.EvaluateTemplate(ctx, "ok=${1+1} bad=${1 +* 2}", nil)
	assert.Equal(t, "ok=2 bad=${1 +* 2}", out)
}

func TestEvaluateObject_WalksNestedShapes(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()
	vars := map[string]any{"n": 3.0}

	in := map[string]any{
		"title": "n is ${n}",
		"list":  []any{"${n * 2}", 7.0, true},
		"nested": map[string]any{
			"deep": "${n + 1}",
		},
	}

	out, ok := e.EvaluateObject(ctx, in, vars).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "n is 3", out["title"])
	assert.Equal(t, []any{"6", 7.0, true}, out["list"])
	assert.Equal(t, map[string]any{"deep": "4"}, out["nested"])
}

func TestResolvePath(t *testing.T) {
	vars := map[string]any{
		"plain": "top",
		"user":  map[string]any{"name": "Ada", "tags": []any{"x", "y"}},
	}

	assert.Equal(t, "top", ResolvePath(vars, "plain"))
	assert.Equal(t, "Ada", ResolvePath(vars, "user.name"))
	assert.Equal(t, "y", ResolvePath(vars, "user.tags.1"))
	assert.Nil(t, ResolvePath(vars, "user.missing"))
	assert.Nil(t, ResolvePath(vars, ""))
}
