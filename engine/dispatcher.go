// Package engine runs workflow executions: a wave scheduler walks the plan,
// a dispatcher interprets each node type, and a facade exposes the public
// operations plus lifecycle persistence and events.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/connector"
	"github.com/lyzr/flowengine/events"
	"github.com/lyzr/flowengine/execution"
	"github.com/lyzr/flowengine/expression"
	"github.com/lyzr/flowengine/fault"
	"github.com/lyzr/flowengine/ports"
	"github.com/lyzr/flowengine/workflow"
)

const (
	// defaultMaxLoopIterations bounds loops without an explicit cap
	defaultMaxLoopIterations = 1000
	// defaultMaxSubworkflowDepth bounds subworkflow nesting
	defaultMaxSubworkflowDepth = 5
	// conditionPollInterval is the conditional-delay predicate poll period
	conditionPollInterval = 100 * time.Millisecond
	// defaultConditionMaxWait bounds a conditional delay without maxWaitMs
	defaultConditionMaxWait = 30 * time.Second
)

// subworkflowRunner executes a child workflow under a parent context
type subworkflowRunner func(ctx context.Context, workflowID string, input map[string]any, parent *execution.Context) (map[string]any, error)

// Dispatcher interprets individual nodes. Built-in node types are handled
// natively; anything else goes through the connector registry.
type Dispatcher struct {
	eval     *expression.Evaluator
	registry *connector.Registry
	store    ports.Store
	events   events.Publisher
	log      *logger.Logger

	runSubworkflow subworkflowRunner
	maxSubDepth    int
}

// DispatcherOptions configures a dispatcher
type DispatcherOptions struct {
	Evaluator           *expression.Evaluator
	Registry            *connector.Registry
	Store               ports.Store
	Events              events.Publisher
	Logger              *logger.Logger
	MaxSubworkflowDepth int
}

// NewDispatcher creates a node dispatcher
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	if opts.MaxSubworkflowDepth <= 0 {
		opts.MaxSubworkflowDepth = defaultMaxSubworkflowDepth
	}
	return &Dispatcher{
		eval:        opts.Evaluator,
		registry:    opts.Registry,
		store:       opts.Store,
		events:      opts.Events,
		log:         opts.Logger,
		maxSubDepth: opts.MaxSubworkflowDepth,
	}
}

// Execute runs one node and returns its result. Errors come back classified
// and tagged with the node id.
func (d *Dispatcher) Execute(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (result any, err error) {
	defer func() {
		if err != nil {
			err = fault.AsError(err).WithNode(node.ID)
		}
	}()

	switch node.Type {
	case workflow.NodeTypeStart, workflow.NodeTypeTriggerManual:
		return ec.Input, nil

	case workflow.NodeTypeEnd:
		return prevResults, nil

	case workflow.NodeTypeOutput:
		return d.executeOutput(ctx, node, prevResults, ec)

	case workflow.NodeTypeExpression:
		return d.executeExpression(ctx, node, prevResults, ec)

	case workflow.NodeTypeSetVariable:
		return d.executeSetVariable(ctx, node, prevResults, ec)

	case workflow.NodeTypeDelay:
		return d.executeDelay(ctx, node, prevResults, ec)

	case workflow.NodeTypeBranch:
		return d.executeBranch(ctx, node, prevResults, ec)

	case workflow.NodeTypeLoop:
		return d.executeLoop(ctx, node, prevResults, ec)

	case workflow.NodeTypeRetry:
		return d.executeRetry(ctx, node, prevResults, ec)

	case workflow.NodeTypeSubworkflow:
		return d.executeSubworkflow(ctx, node, prevResults, ec)

	case workflow.NodeTypeCondition:
		return d.registry.Execute(ctx, "conditional", node, prevResults, ec)

	case workflow.NodeTypeTransform:
		return d.registry.Execute(ctx, "transform", node, prevResults, ec)

	case workflow.NodeTypeHTTPRequest:
		return d.registry.Execute(ctx, "http-request", node, prevResults, ec)

	default:
		return d.registry.Execute(ctx, node.Type, node, prevResults, ec)
	}
}

type outputConfig struct {
	Value any `json:"value,omitempty"`
}

func (d *Dispatcher) executeOutput(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg outputConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid output config")
	}
	if cfg.Value == nil {
		return prevResults, nil
	}
	return d.eval.EvaluateObject(ctx, cfg.Value, d.evalVars(ec, prevResults)), nil
}

type expressionConfig struct {
	Expression     string `json:"expression"`
	OutputVariable string `json:"outputVariable,omitempty"`
	Scope          string `json:"scope,omitempty"`
}

func (d *Dispatcher) executeExpression(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg expressionConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid expression config")
	}
	if cfg.Expression == "" {
		return nil, fault.Validation("expression node requires an expression")
	}

	value, err := d.eval.Evaluate(ctx, cfg.Expression, d.evalVars(ec, prevResults))
	if err != nil {
		return nil, err
	}

	if cfg.OutputVariable != "" {
		ec.SetVariable(cfg.OutputVariable, value, variableScope(cfg.Scope))
	}
	// The raw value is the node result so successors can reference it by id
	return value, nil
}

type setVariableConfig struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
	Scope string `json:"scope,omitempty"`
}

func (d *Dispatcher) executeSetVariable(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg setVariableConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid set-variable config")
	}
	if cfg.Name == "" {
		return nil, fault.Validation("set-variable requires a name")
	}

	value := d.eval.EvaluateObject(ctx, cfg.Value, d.evalVars(ec, prevResults))
	coerced, err := coerceValue(value, cfg.Type)
	if err != nil {
		return nil, err
	}

	ec.SetVariable(cfg.Name, coerced, variableScope(cfg.Scope))
	d.events.Publish(ec.ExecutionID, events.Variables, node.ID, map[string]any{
		"name":  cfg.Name,
		"value": coerced,
		"scope": string(variableScope(cfg.Scope)),
	})
	return map[string]any{"name": cfg.Name, "value": coerced}, nil
}

// coerceValue converts a resolved value to the declared variable type.
// Unconvertible values are a validation failure, not a silent zero.
func coerceValue(value any, typeName string) (any, error) {
	switch typeName {
	case "", "json":
		return value, nil

	case "string":
		return expression.Stringify(value), nil

	case "number":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, fault.Validation("cannot coerce %q to number", v.String())
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fault.Validation("cannot coerce %q to number", v)
			}
			return f, nil
		case bool:
			if v {
				return float64(1), nil
			}
			return float64(0), nil
		default:
			return nil, fault.Validation("cannot coerce value of type %T to number", value)
		}

	case "boolean":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no", "":
				return false, nil
			default:
				return nil, fault.Validation("cannot coerce %q to boolean", v)
			}
		default:
			return expression.Truthy(value), nil
		}

	default:
		return nil, fault.Validation("unknown variable type %q", typeName)
	}
}

func variableScope(scope string) execution.VariableScope {
	if scope == string(execution.ScopeGlobal) {
		return execution.ScopeGlobal
	}
	return execution.ScopeLocal
}

type delayNodeConfig struct {
	Duration  float64 `json:"duration,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	Condition string  `json:"condition,omitempty"`
	MaxWaitMs float64 `json:"maxWaitMs,omitempty"`
}

func (d *Dispatcher) executeDelay(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg delayNodeConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid delay config")
	}

	if cfg.Condition == "" {
		// Fixed delay shares the connector implementation
		return d.registry.Execute(ctx, "delay", node, prevResults, ec)
	}

	maxWait := defaultConditionMaxWait
	if cfg.MaxWaitMs > 0 {
		maxWait = time.Duration(cfg.MaxWaitMs) * time.Millisecond
	}

	if ec.IsDryRun() {
		return map[string]any{"dryRun": true, "condition": cfg.Condition, "maxWaitMs": maxWait.Milliseconds()}, nil
	}

	start := time.Now()
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(conditionPollInterval)
	defer ticker.Stop()

	for {
		met, err := d.eval.EvaluateBool(ctx, cfg.Condition, d.evalVars(ec, prevResults))
		if err != nil {
			return nil, err
		}
		if met {
			return map[string]any{"waitedMs": time.Since(start).Milliseconds(), "conditionMet": true}, nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return map[string]any{"waitedMs": time.Since(start).Milliseconds(), "conditionMet": false}, nil
		case <-ctx.Done():
			return nil, fault.Cancelled(fault.ReasonUserCancelled)
		}
	}
}

// branchSide is one arm of a branch: a single action (a registered connector
// type dispatches that connector, anything else is an expression) or a nested
// node sequence. A bare string or array is accepted as shorthand.
type branchSide struct {
	Action       string           `json:"action,omitempty"`
	ActionConfig map[string]any   `json:"actionConfig,omitempty"`
	Nodes        []*workflow.Node `json:"nodes,omitempty"`
}

func (s *branchSide) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '"':
			return json.Unmarshal(trimmed, &s.Action)
		case '[':
			return json.Unmarshal(trimmed, &s.Nodes)
		}
	}
	type plain branchSide
	return json.Unmarshal(data, (*plain)(s))
}

type branchConfig struct {
	Condition   string      `json:"condition"`
	TrueBranch  *branchSide `json:"trueBranch,omitempty"`
	FalseBranch *branchSide `json:"falseBranch,omitempty"`
}

func (d *Dispatcher) executeBranch(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg branchConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid branch config")
	}
	if cfg.Condition == "" {
		return nil, fault.Validation("branch requires a condition")
	}

	met, err := d.eval.EvaluateBool(ctx, cfg.Condition, d.evalVars(ec, prevResults))
	if err != nil {
		return nil, err
	}

	side := cfg.FalseBranch
	if met {
		side = cfg.TrueBranch
	}

	// An absent selected side completes as a no-op
	var result any
	if side != nil {
		switch {
		case len(side.Nodes) > 0:
			result, err = d.executeSequence(ctx, side.Nodes, prevResults, ec)
		case side.Action != "":
			result, err = d.runAction(ctx, node.ID, side.Action, side.ActionConfig, prevResults, ec)
		}
		if err != nil {
			return nil, err
		}
	}

	return map[string]any{"branchTaken": met, "result": result}, nil
}

// executeSequence runs nested nodes in order, feeding each result to the next
func (d *Dispatcher) executeSequence(ctx context.Context, nodes []*workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	acc := make(map[string]any, len(prevResults))
	for id, r := range prevResults {
		acc[id] = r
	}

	var last any
	for _, nested := range nodes {
		result, err := d.Execute(ctx, nested, acc, ec)
		if err != nil {
			return nil, err
		}
		ec.SetNodeState(nested.ID, execution.StateCompleted, result, nil)
		acc[nested.ID] = result
		last = result
	}
	return last, nil
}

// loopBody is the per-iteration work: a transform expression evaluated with
// the iteration variables bound, or an action. A bare string is accepted as
// an action.
type loopBody struct {
	Transform    string         `json:"transform,omitempty"`
	Action       string         `json:"action,omitempty"`
	ActionConfig map[string]any `json:"actionConfig,omitempty"`
}

func (b *loopBody) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &b.Action)
	}
	type plain loopBody
	return json.Unmarshal(data, (*plain)(b))
}

type loopConfig struct {
	LoopType      string    `json:"loopType"`
	Condition     string    `json:"condition"`
	Body          *loopBody `json:"loopBody,omitempty"`
	Action        string    `json:"action,omitempty"`
	ItemVariable  string    `json:"itemVariable,omitempty"`
	MaxIterations float64   `json:"maxIterations,omitempty"`
}

func (d *Dispatcher) executeLoop(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg loopConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid loop config")
	}
	if cfg.Condition == "" {
		return nil, fault.Validation("loop requires a condition")
	}
	// Top-level action is shorthand for a body without a transform
	if cfg.Body == nil && cfg.Action != "" {
		cfg.Body = &loopBody{Action: cfg.Action}
	}

	maxIterations := defaultMaxLoopIterations
	if cfg.MaxIterations > 0 {
		maxIterations = int(cfg.MaxIterations)
	}

	itemName := cfg.ItemVariable
	if itemName == "" {
		itemName = "loopItem"
	}

	switch cfg.LoopType {
	case "forEach":
		return d.loopForEach(ctx, node.ID, cfg, itemName, maxIterations, prevResults, ec)
	case "while":
		return d.loopWhile(ctx, node.ID, cfg, maxIterations, prevResults, ec)
	default:
		return nil, fault.Validation("loop has unknown loopType %q", cfg.LoopType)
	}
}

// runLoopBody evaluates one iteration. Without a body the item passes through
// unchanged.
func (d *Dispatcher) runLoopBody(ctx context.Context, nodeID string, body *loopBody, item any, prevResults map[string]any, ec *execution.Context) (any, error) {
	if body == nil {
		return item, nil
	}
	if body.Transform != "" {
		return d.eval.Evaluate(ctx, body.Transform, d.evalVars(ec, prevResults))
	}
	if body.Action != "" {
		return d.runAction(ctx, nodeID, body.Action, body.ActionConfig, prevResults, ec)
	}
	return item, nil
}

func (d *Dispatcher) loopForEach(ctx context.Context, nodeID string, cfg loopConfig, itemName string, maxIterations int, prevResults map[string]any, ec *execution.Context) (any, error) {
	collection, err := d.eval.Evaluate(ctx, cfg.Condition, d.evalVars(ec, prevResults))
	if err != nil {
		return nil, err
	}
	items, ok := collection.([]any)
	if !ok {
		return nil, fault.Validation("forEach condition must evaluate to a list, got %T", collection)
	}
	if len(items) > maxIterations {
		return nil, fault.New(fault.KindLoopLimit, "forEach over %d items exceeds cap of %d", len(items), maxIterations)
	}

	results := make([]any, 0, len(items))
	for index, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, fault.Cancelled(fault.ReasonUserCancelled)
		}

		ec.SetVariable(itemName, item, execution.ScopeLocal)
		ec.SetVariable("loopIndex", index, execution.ScopeLocal)

		result, err := d.runLoopBody(ctx, nodeID, cfg.Body, item, prevResults, ec)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	var last any
	if len(results) > 0 {
		last = results[len(results)-1]
	}
	return map[string]any{"iterations": len(results), "results": results, "value": last}, nil
}

func (d *Dispatcher) loopWhile(ctx context.Context, nodeID string, cfg loopConfig, maxIterations int, prevResults map[string]any, ec *execution.Context) (any, error) {
	results := make([]any, 0)
	iterations := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, fault.Cancelled(fault.ReasonUserCancelled)
		}

		keep, err := d.eval.EvaluateBool(ctx, cfg.Condition, d.evalVars(ec, prevResults))
		if err != nil {
			return nil, err
		}
		if !keep {
			break
		}

		if iterations >= maxIterations {
			return nil, fault.New(fault.KindLoopLimit, "while loop exceeded %d iterations", maxIterations)
		}
		iterations++
		ec.SetVariable("loopIndex", iterations-1, execution.ScopeLocal)

		result, err := d.runLoopBody(ctx, nodeID, cfg.Body, nil, prevResults, ec)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	var last any
	if len(results) > 0 {
		last = results[len(results)-1]
	}
	return map[string]any{"iterations": iterations, "results": results, "value": last}, nil
}

type retryConfig struct {
	Action            string         `json:"action"`
	ActionConfig      map[string]any `json:"actionConfig,omitempty"`
	MaxAttempts       float64        `json:"maxAttempts,omitempty"`
	InitialDelayMs    float64        `json:"initialDelayMs,omitempty"`
	BackoffMs         float64        `json:"backoffMs,omitempty"`
	BackoffMultiplier float64        `json:"backoffMultiplier,omitempty"`
}

func (d *Dispatcher) executeRetry(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg retryConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid retry config")
	}
	if cfg.Action == "" {
		return nil, fault.Validation("retry requires an action")
	}

	maxAttempts := 3
	if cfg.MaxAttempts >= 1 {
		maxAttempts = int(cfg.MaxAttempts)
	}
	backoff := 100 * time.Millisecond
	switch {
	case cfg.InitialDelayMs > 0:
		backoff = time.Duration(cfg.InitialDelayMs) * time.Millisecond
	case cfg.BackoffMs > 0:
		backoff = time.Duration(cfg.BackoffMs) * time.Millisecond
	}
	multiplier := 2.0
	if cfg.BackoffMultiplier >= 1 {
		multiplier = cfg.BackoffMultiplier
	}

	var lastErr error
	wait := backoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			ec.SetNodeState(node.ID, execution.StateRetrying, nil, lastErr)
			retryMsg := fault.AsError(lastErr).Message
			ec.AddLog("warn", retryMsg, node.ID, map[string]any{"attempt": attempt - 1})
			d.events.Publish(ec.ExecutionID, events.Log, node.ID, map[string]any{
				"level":   "warn",
				"message": retryMsg,
			})
			d.events.Publish(ec.ExecutionID, events.NodeRetrying, node.ID, map[string]any{
				"attempt": attempt,
				"of":      maxAttempts,
			})

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, fault.Cancelled(fault.ReasonUserCancelled)
			}
			wait = time.Duration(float64(wait) * multiplier)
		}

		result, err := d.runAction(ctx, node.ID, cfg.Action, cfg.ActionConfig, prevResults, ec)
		if err == nil {
			return map[string]any{"result": result, "attempts": attempt}, nil
		}
		lastErr = err

		if !fault.IsRetryable(err) {
			return nil, err
		}
	}

	return nil, fault.Wrap(fault.KindRetryExhausted, lastErr,
		"action failed after %d attempts: %s", maxAttempts, fault.AsError(lastErr).Message)
}

// runAction resolves an action string: a registered connector type name
// dispatches that connector with actionConfig as its config, anything else
// evaluates as an expression
func (d *Dispatcher) runAction(ctx context.Context, nodeID, action string, actionConfig map[string]any, prevResults map[string]any, ec *execution.Context) (any, error) {
	if d.registry.Has(action) {
		actionNode := &workflow.Node{ID: nodeID, Type: action, Config: actionConfig}
		return d.registry.Execute(ctx, action, actionNode, prevResults, ec)
	}
	return d.eval.Evaluate(ctx, action, d.evalVars(ec, prevResults))
}

type subworkflowConfig struct {
	WorkflowID   string         `json:"workflowId"`
	InputMapping map[string]any `json:"inputMapping,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
}

func (d *Dispatcher) executeSubworkflow(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg subworkflowConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid subworkflow config")
	}
	if cfg.WorkflowID == "" {
		return nil, fault.Validation("subworkflow requires a workflowId")
	}

	// Depth is checked before any child resources are allocated
	if ec.SubworkflowDepth+1 > d.maxSubDepth {
		return nil, fault.New(fault.KindSubworkflowDepth,
			"subworkflow nesting exceeds maximum depth of %d", d.maxSubDepth)
	}

	if d.runSubworkflow == nil {
		return nil, fault.New(fault.KindInternal, "subworkflow runner not wired")
	}

	mapping := cfg.InputMapping
	if mapping == nil {
		mapping = cfg.Input
	}
	input := make(map[string]any, len(mapping))
	vars := d.evalVars(ec, prevResults)
	for key, value := range mapping {
		input[key] = d.eval.EvaluateObject(ctx, value, vars)
	}

	output, err := d.runSubworkflow(ctx, cfg.WorkflowID, input, ec)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workflowId": cfg.WorkflowID, "output": output}, nil
}

// evalVars merges context variables with immediate predecessor results
func (d *Dispatcher) evalVars(ec *execution.Context, prevResults map[string]any) map[string]any {
	vars := ec.EvalVars()
	if len(prevResults) > 0 {
		vars["prev"] = prevResults
	}
	return vars
}
