// Package expression evaluates restricted expressions and interpolates
// templates against a per-execution variable context.
//
// Expressions never touch the host runtime: they run inside the expr-lang VM
// against a context assembled from caller variables plus the whitelisted
// helper tables, under a wall-clock and soft memory budget. A second, CEL
// dialect is kept for connector-shaped condition records.
package expression

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/fault"
)

const (
	// DefaultTimeout bounds a single evaluation's wall clock
	DefaultTimeout = 5 * time.Second

	// maxExpressionLen is the soft budget on expression source size
	maxExpressionLen = 16 * 1024

	// maxResultBytes is the soft allocation budget on an evaluation result
	maxResultBytes = 10 * 1024 * 1024
)

// blockedKeys are variable names that collide with runtime-internal keys and
// are dropped from the context before evaluation.
var blockedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
	"globalThis":  true,
	"global":      true,
	"process":     true,
	"require":     true,
	"module":      true,
	"eval":        true,
	"Function":    true,
}

// hostilePatterns are known-hostile token patterns rejected by Validate
// without execution.
var hostilePatterns = []string{
	"require(",
	"import ",
	"eval(",
	"Function(",
	"process.",
	"global.",
	"globalThis",
	"__proto__",
	"constructor",
	"prototype",
	"while(",
	"while (",
	"for(",
	"for (",
	"setTimeout",
	"setInterval",
	"child_process",
}

// Evaluator evaluates restricted expressions with a compiled-program cache
type Evaluator struct {
	cache   map[string]*vm.Program
	mu      sync.RWMutex
	timeout time.Duration
	logger  *logger.Logger
}

// NewEvaluator creates a new expression evaluator with caching
func NewEvaluator(log *logger.Logger) *Evaluator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Evaluator{
		cache:   make(map[string]*vm.Program),
		timeout: DefaultTimeout,
		logger:  log,
	}
}

// WithTimeout overrides the per-evaluation wall-clock budget
func (e *Evaluator) WithTimeout(timeout time.Duration) *Evaluator {
	if timeout > 0 {
		e.timeout = timeout
	}
	return e
}

// Validate checks an expression without executing it. It rejects
// syntactically invalid input and known-hostile token patterns.
func (e *Evaluator) Validate(code string) error {
	if strings.TrimSpace(code) == "" {
		return fault.New(fault.KindExpr, "empty expression")
	}
	if len(code) > maxExpressionLen {
		return fault.New(fault.KindExprMemory, "expression exceeds %d bytes", maxExpressionLen)
	}
	if pattern := firstHostilePattern(code); pattern != "" {
		return fault.New(fault.KindExpr, "expression contains forbidden pattern %q", pattern)
	}
	if _, err := e.compile(code); err != nil {
		return err
	}
	return nil
}

// Evaluate runs an expression against the variable context. Identifiers that
// resolve to nothing yield nil; they never reach host globals.
func (e *Evaluator) Evaluate(ctx context.Context, code string, vars map[string]any) (any, error) {
	if err := e.Validate(code); err != nil {
		return nil, err
	}

	program, err := e.compile(code)
	if err != nil {
		return nil, err
	}

	env := BuildEnv(vars)

	type evalResult struct {
		value any
		err   error
	}
	done := make(chan evalResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{err: fault.New(fault.KindExpr, "expression panicked: %v", r)}
			}
		}()
		value, runErr := expr.Run(program, env)
		done <- evalResult{value: value, err: runErr}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case result := <-done:
		if result.err != nil {
			if strings.Contains(result.err.Error(), "memory budget") {
				return nil, fault.Wrap(fault.KindExprMemory, result.err, "evaluation exceeded memory budget")
			}
			return nil, fault.Wrap(fault.KindExpr, result.err, "evaluation failed: %s", sanitizeEvalError(result.err))
		}
		if exceedsResultBudget(result.value) {
			return nil, fault.New(fault.KindExprMemory, "evaluation result exceeds memory budget")
		}
		return result.value, nil
	case <-timer.C:
		return nil, fault.New(fault.KindExprTimeout, "evaluation exceeded %s budget", e.timeout)
	case <-ctx.Done():
		return nil, fault.Cancelled(fault.ReasonUserCancelled)
	}
}

// EvaluateBool evaluates an expression and coerces the result to a boolean
// using truthiness rules (nil, false, 0 and "" are false)
func (e *Evaluator) EvaluateBool(ctx context.Context, code string, vars map[string]any) (bool, error) {
	value, err := e.Evaluate(ctx, code, vars)
	if err != nil {
		return false, err
	}
	return Truthy(value), nil
}

// Truthy converts any value to its boolean interpretation
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		if f, ok := asFloat(value); ok {
			return f != 0
		}
	}
	return true
}

// BuildEnv assembles the evaluation environment: helper tables overlaid with
// sanitized caller variables. Blocked keys are dropped, never resolved.
func BuildEnv(vars map[string]any) map[string]any {
	env := helperEnv()
	for name, value := range vars {
		if blockedKeys[name] {
			continue
		}
		env[name] = value
	}
	return env
}

// compile returns a cached program or compiles and caches one
func (e *Evaluator) compile(code string) (*vm.Program, error) {
	e.mu.RLock()
	program, exists := e.cache[code]
	e.mu.RUnlock()
	if exists {
		return program, nil
	}

	// VM builtins are disabled so identifiers like count or sum always
	// resolve through the variable context
	program, err := expr.Compile(code, expr.AllowUndefinedVariables(), expr.DisableAllBuiltins())
	if err != nil {
		return nil, fault.Wrap(fault.KindExpr, err, "compile error: %s", sanitizeEvalError(err))
	}

	e.mu.Lock()
	e.cache[code] = program
	e.mu.Unlock()

	return program, nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*vm.Program)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func firstHostilePattern(code string) string {
	for _, pattern := range hostilePatterns {
		if strings.Contains(code, pattern) {
			return pattern
		}
	}
	return ""
}

// sanitizeEvalError flattens an underlying evaluator error to a single line
// so host stack frames never reach subscribers
func sanitizeEvalError(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	return msg
}

func exceedsResultBudget(value any) bool {
	switch value.(type) {
	case nil, bool, float64, int, int64, time.Time:
		return false
	case string:
		return len(value.(string)) > maxResultBytes
	}
	raw, err := json.Marshal(value)
	if err != nil {
		// Unencodable results are rejected rather than guessed at
		return false
	}
	return len(raw) > maxResultBytes
}
