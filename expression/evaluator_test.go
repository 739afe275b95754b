package expression

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/fault"
)

func testEvaluator() *Evaluator {
	return NewEvaluator(nil)
}

func TestEvaluate_Arithmetic(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	value, err := e.Evaluate(ctx, "a + b", map[string]any{"a": 5.0, "b": 12.0})
	require.NoError(t, err)
	assert.Equal(t, 17.0, value)
}

func TestEvaluate_HelperNamespaces(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	value, err := e.Evaluate(ctx, "Math.abs(-42) + 8", nil)
	require.NoError(t, err)
	assert.Equal(t, 50.0, value)

	value, err = e.Evaluate(ctx, `JSON.parse('{"x": 1}')`, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0}, value)

	value, err = e.Evaluate(ctx, `JSON.stringify(v)`, map[string]any{"v": map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, value)
}

func TestEvaluate_Ternary(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	value, err := e.Evaluate(ctx, `score > 50 ? "high" : "low"`, map[string]any{"score": 72.0})
	require.NoError(t, err)
	assert.Equal(t, "high", value)

	value, err = e.Evaluate(ctx, `score > 50 ? "high" : "low"`, map[string]any{"score": 12.0})
	require.NoError(t, err)
	assert.Equal(t, "low", value)
}

// Unknown identifiers resolve to nil instead of reaching anything on the host.
func TestEvaluate_MissingIdentifierIsNil(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	value, err := e.Evaluate(ctx, "certainlyNotDefined", nil)
	require.NoError(t, err)
	assert.Nil(t, value)

	value, err = e.Evaluate(ctx, "certainlyNotDefined == nil", nil)
	require.NoError(t, err)
	assert.Equal(t, true, value)
}

// The same expression against the same variables yields the same value, with
// and without a warm program cache.
func TestEvaluate_Deterministic(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()
	vars := map[string]any{"n": 7.0}

	first, err := e.Evaluate(ctx, "n * n + 1", vars)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())

	for i := 0; i < 10; i++ {
		again, err := e.Evaluate(ctx, "n * n + 1", vars)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 1, e.CacheSize())
}

func TestValidate_RejectsHostilePatterns(t *testing.T) {
	e := testEvaluator()

	hostile := []string{
		`require("fs")`,
		`eval("1+1")`,
		`process.exit(1)`,
		`globalThis.x`,
		`a.__proto__`,
		`while(true) {}`,
		`setTimeout(f, 10)`,
		`child_process`,
	}
	for _, code := range hostile {
		err := e.Validate(code)
		assert.Error(t, err, "expected %q to be rejected", code)
	}
}

func TestValidate_EmptyAndOversized(t *testing.T) {
	e := testEvaluator()

	assert.Error(t, e.Validate("   "))

	big := make([]byte, maxExpressionLen+1)
	for i := range big {
		big[i] = '1'
	}
	assert.Error(t, e.Validate(string(big)))
}

func TestValidate_SyntaxError(t *testing.T) {
	e := testEvaluator()
	assert.Error(t, e.Validate("a +* b"))
}

// Blocked variable names are dropped from the context, so referencing them
// behaves like any other undefined identifier.
func TestBuildEnv_DropsBlockedKeys(t *testing.T) {
	env := BuildEnv(map[string]any{
		"process": "hostile",
		"safe":    "ok",
	})
	assert.NotContains(t, env, "process")
	assert.Equal(t, "ok", env["safe"])
}

// Identifiers resolve through the variable context even when they collide
// with names the underlying VM ships as builtin functions.
func TestEvaluate_VariableNamesShadowNothing(t *testing.T) {
	e := testEvaluator()
	ctx := context.Background()

	value, err := e.Evaluate(ctx, "count + 1", map[string]any{"count": 42.0})
	require.NoError(t, err)
	assert.Equal(t, 43.0, value)

	value, err = e.Evaluate(ctx, "sum * 2", map[string]any{"sum": 10.0})
	require.NoError(t, err)
	assert.Equal(t, 20.0, value)
}

// A huge range trips the VM allocation budget and surfaces as a memory fault.
func TestEvaluate_MemoryBudget(t *testing.T) {
	e := testEvaluator()

	_, err := e.Evaluate(context.Background(), "1..2000000", nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindExprMemory, fault.KindOf(err))
}

func TestEvaluateBool_Truthiness(t *testing.T) {
	tests := []struct {
		value any
		want  bool
	}{
		{nil, false},
		{false, false},
		{true, true},
		{0.0, false},
		{1.0, true},
		{"", false},
		{"x", true},
		{[]any{}, false},
		{[]any{1}, true},
		{map[string]any{}, false},
		{map[string]any{"k": 1}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Truthy(tt.value), "value %#v", tt.value)
	}
}

func TestStringify_NaturalForms(t *testing.T) {
	assert.Equal(t, "150", Stringify(150.0))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "hi", Stringify("hi"))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
}
