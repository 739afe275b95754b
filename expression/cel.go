package expression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/flowengine/fault"
	"github.com/lyzr/flowengine/workflow"
)

// CELEvaluator evaluates connector-shaped condition records using CEL
// (Common Expression Language). It is the older condition dialect; the expr
// sublanguage in this package is the primary one.
type CELEvaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewCELEvaluator creates a new condition evaluator with caching
func NewCELEvaluator() *CELEvaluator {
	return &CELEvaluator{
		cache: make(map[string]cel.Program),
	}
}

// EvaluateCondition evaluates a condition record against a node output and
// the execution context and returns the boolean outcome
func (e *CELEvaluator) EvaluateCondition(cond *workflow.Condition, output any, context map[string]any) (bool, error) {
	if cond == nil {
		return false, fault.New(fault.KindValidation, "nil condition")
	}

	switch cond.Type {
	case "cel", "":
		result, err := e.evaluateCEL(cond.Expression, output, context)
		if err != nil {
			return false, err
		}
		if cond.Invert {
			return !result, nil
		}
		return result, nil
	default:
		return false, fault.New(fault.KindValidation, "unsupported condition type: %s", cond.Type)
	}
}

// evaluateCEL evaluates a CEL expression
func (e *CELEvaluator) evaluateCEL(expr string, output, context any) (bool, error) {
	// Convert JSONPath-style $.field to CEL output.field for compatibility
	normalizedExpr := strings.ReplaceAll(expr, "$.", "output.")

	e.mu.RLock()
	prg, exists := e.cache[normalizedExpr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compileCEL(normalizedExpr)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[normalizedExpr] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"output": output,
		"ctx":    context,
	})

	if err != nil {
		return false, fault.Wrap(fault.KindExpr, err, "CEL evaluation error: %s", sanitizeEvalError(err))
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fault.New(fault.KindExpr, "CEL expression did not return boolean, got %T", out.Value())
	}

	return result, nil
}

// compileCEL compiles a CEL expression
func (e *CELEvaluator) compileCEL(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fault.Wrap(fault.KindExpr, issues.Err(), "CEL compilation error: %s", sanitizeEvalError(issues.Err()))
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// ClearCache clears the compiled expression cache
func (e *CELEvaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions
func (e *CELEvaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
