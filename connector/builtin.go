package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/execution"
	"github.com/lyzr/flowengine/expression"
	"github.com/lyzr/flowengine/fault"
	"github.com/lyzr/flowengine/ports"
	"github.com/lyzr/flowengine/workflow"
)

// BuiltinDeps carries the collaborators the built-in adapters need
type BuiltinDeps struct {
	Evaluator *expression.Evaluator
	CEL       *expression.CELEvaluator
	HTTP      ports.HTTPDoer
	Store     ports.Store
	Logger    *logger.Logger
}

// RegisterBuiltins registers the built-in connector set on a registry
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}

	builtins := map[string]*Definition{
		"http-request": {
			Category: "integration",
			Inputs:   []string{"method", "url", "headers", "body", "timeoutMs"},
			Outputs:  []string{"status", "headers", "data"},
			Adapter:  deps.httpAdapter,
		},
		"transform": {
			Category: "data",
			Inputs:   []string{"input", "transformations", "outputField"},
			Outputs:  []string{"result"},
			Adapter:  deps.transformAdapter,
		},
		"utility": {
			Category: "data",
			Inputs:   []string{"operation"},
			Outputs:  []string{"result"},
			Adapter:  deps.utilityAdapter,
		},
		"conditional": {
			Category: "control",
			Inputs:   []string{"condition"},
			Outputs:  []string{"conditionMet", "result"},
			Adapter:  deps.conditionalAdapter,
		},
		"delay": {
			Category: "control",
			Inputs:   []string{"duration", "unit"},
			Outputs:  []string{"delayedMs"},
			Adapter:  deps.delayAdapter,
		},
		"validation": {
			Category: "data",
			Inputs:   []string{"schema", "rules", "input"},
			Outputs:  []string{"valid", "errors"},
			Adapter:  deps.validationAdapter,
		},
		"file-process": {
			Category: "integration",
			Inputs:   []string{"path", "operation"},
			Outputs:  []string{"processed"},
			Adapter:  deps.fileProcessAdapter,
		},
		"email": {
			Category: "integration",
			Inputs:   []string{"to", "subject", "body"},
			Outputs:  []string{"queued"},
			Adapter:  deps.emailAdapter,
		},
		"database-query": {
			Category: "integration",
			Inputs:   []string{"query", "params"},
			Outputs:  []string{"rows"},
			Adapter:  deps.databaseAdapter,
		},
		"webhook": {
			Category: "integration",
			Inputs:   []string{"url", "payload"},
			Outputs:  []string{"status"},
			Adapter:  deps.webhookAdapter,
		},
	}

	for connectorType, def := range builtins {
		def.Version = "1.0"
		if err := r.Register(connectorType, def); err != nil {
			return err
		}
	}
	return nil
}

// httpConfig is the http-request node/connector config record
type httpConfig struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      any               `json:"body,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

func (d BuiltinDeps) httpAdapter(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg httpConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid http-request config")
	}
	if cfg.URL == "" {
		return nil, fault.Validation("http-request requires a url")
	}
	if cfg.Method == "" {
		cfg.Method = "GET"
	}
	cfg.Method = strings.ToUpper(cfg.Method)

	vars := evalVars(ec, prevResults)

	// Interpolate url, headers and body against the execution context
	url := d.Evaluator.EvaluateTemplate(ctx, cfg.URL, vars)
	headers := make(map[string]string, len(cfg.Headers))
	for key, value := range cfg.Headers {
		headers[key] = d.Evaluator.EvaluateTemplate(ctx, value, vars)
	}
	body := d.Evaluator.EvaluateObject(ctx, cfg.Body, vars)

	if ec.IsDryRun() {
		return map[string]any{
			"dryRun": true,
			"planned": map[string]any{
				"method":  cfg.Method,
				"url":     url,
				"headers": headers,
				"body":    body,
			},
		}, nil
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	resp, err := d.HTTP.Do(ctx, cfg.Method, url, headers, body, timeout)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"status":  resp.Status,
		"headers": resp.Headers,
		"data":    resp.Data,
	}, nil
}

func (d BuiltinDeps) transformAdapter(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg TransformConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid transform config")
	}
	return ApplyTransformations(ctx, d.Evaluator, &cfg, evalVars(ec, prevResults))
}

// utilityConfig covers the merge|filter|sort|group|unique|format operations
type utilityConfig struct {
	Operation string `json:"operation"`
	Input     string `json:"input,omitempty"`
	Patch     any    `json:"patch,omitempty"`
	Condition string `json:"condition,omitempty"`
	Field     string `json:"field,omitempty"`
	Order     string `json:"order,omitempty"`
	Template  string `json:"template,omitempty"`
}

func (d BuiltinDeps) utilityAdapter(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg utilityConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid utility config")
	}

	vars := evalVars(ec, prevResults)
	var source any
	if cfg.Input != "" {
		source = expression.ResolvePath(vars, cfg.Input)
	} else {
		source = vars["input"]
	}

	switch cfg.Operation {
	case "merge":
		return utilityMerge(source, d.Evaluator.EvaluateObject(ctx, cfg.Patch, vars))
	case "filter":
		items, _ := normalizeItems(source)
		step := TransformStep{Type: "filter", Condition: cfg.Condition}
		out, err := applyFilter(ctx, d.Evaluator, step, items, vars)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": out}, nil
	case "sort":
		return utilitySort(source, cfg.Field, cfg.Order)
	case "group":
		return utilityGroup(source, cfg.Field)
	case "unique":
		return utilityUnique(source, cfg.Field)
	case "format":
		items, _ := normalizeItems(source)
		step := TransformStep{Type: "format", Template: cfg.Template}
		out, err := applyFormat(ctx, d.Evaluator, step, items, vars)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": out}, nil
	default:
		return nil, fault.Validation("utility has unknown operation %q", cfg.Operation)
	}
}

// utilityMerge applies an RFC 7386 merge patch to the source document
func utilityMerge(source, patch any) (any, error) {
	original, err := json.Marshal(source)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "merge source is not encodable")
	}
	patchRaw, err := json.Marshal(patch)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "merge patch is not encodable")
	}

	merged, err := jsonpatch.MergePatch(original, patchRaw)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "merge patch failed")
	}

	var out any
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "merge result is not decodable")
	}
	return map[string]any{"result": out}, nil
}

func utilitySort(source any, field, order string) (any, error) {
	items, _ := normalizeItems(source)
	desc := strings.EqualFold(order, "desc")

	sort.SliceStable(items, func(i, j int) bool {
		less := compareValues(fieldValue(items[i], field), fieldValue(items[j], field)) < 0
		if desc {
			return !less
		}
		return less
	})
	return map[string]any{"result": items}, nil
}

func utilityGroup(source any, field string) (any, error) {
	if field == "" {
		return nil, fault.Validation("group operation requires a field")
	}
	items, _ := normalizeItems(source)
	groups := make(map[string][]any)
	for _, item := range items {
		key := expression.Stringify(fieldValue(item, field))
		groups[key] = append(groups[key], item)
	}
	out := make(map[string]any, len(groups))
	for key, group := range groups {
		out[key] = group
	}
	return map[string]any{"result": out}, nil
}

func utilityUnique(source any, field string) (any, error) {
	items, _ := normalizeItems(source)
	seen := make(map[string]bool, len(items))
	out := make([]any, 0, len(items))
	for _, item := range items {
		key := item
		if field != "" {
			key = fieldValue(item, field)
		}
		fingerprint, err := json.Marshal(key)
		if err != nil {
			fingerprint = []byte(fmt.Sprintf("%v", key))
		}
		if seen[string(fingerprint)] {
			continue
		}
		seen[string(fingerprint)] = true
		out = append(out, item)
	}
	return map[string]any{"result": out}, nil
}

func fieldValue(item any, field string) any {
	if field == "" {
		return item
	}
	obj, ok := item.(map[string]any)
	if !ok {
		return nil
	}
	return obj[field]
}

func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(expression.Stringify(a), expression.Stringify(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// conditionalConfig is the guarded alias of branch for connector-shaped
// callers. The condition is either an expression string or a condition
// record in the CEL dialect.
type conditionalConfig struct {
	Condition     string              `json:"condition,omitempty"`
	ConditionSpec *workflow.Condition `json:"conditionSpec,omitempty"`
	TrueValue     any                 `json:"trueValue,omitempty"`
	FalseValue    any                 `json:"falseValue,omitempty"`
}

func (d BuiltinDeps) conditionalAdapter(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg conditionalConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid conditional config")
	}

	vars := evalVars(ec, prevResults)

	var met bool
	var err error
	switch {
	case cfg.ConditionSpec != nil:
		met, err = d.CEL.EvaluateCondition(cfg.ConditionSpec, prevResults, vars)
	case cfg.Condition != "":
		met, err = d.Evaluator.EvaluateBool(ctx, cfg.Condition, vars)
	default:
		err = fault.Validation("conditional requires a condition")
	}
	if err != nil {
		return nil, err
	}

	result := cfg.FalseValue
	if met {
		result = cfg.TrueValue
	}
	return map[string]any{
		"conditionMet": met,
		"result":       d.Evaluator.EvaluateObject(ctx, result, vars),
	}, nil
}

// defaultDelayMaxWait caps a fixed delay without an explicit maxWaitMs
const defaultDelayMaxWait = 30 * time.Second

// delayConfig is the connector form of the delay node
type delayConfig struct {
	Duration  float64 `json:"duration"`
	Unit      string  `json:"unit"`
	MaxWaitMs float64 `json:"maxWaitMs,omitempty"`
}

func (d BuiltinDeps) delayAdapter(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg delayConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid delay config")
	}

	wait, err := DelayDuration(cfg.Duration, cfg.Unit)
	if err != nil {
		return nil, err
	}
	maxWait := defaultDelayMaxWait
	if cfg.MaxWaitMs > 0 {
		maxWait = time.Duration(cfg.MaxWaitMs) * time.Millisecond
	}
	if wait > maxWait {
		wait = maxWait
	}

	if ec.IsDryRun() {
		return map[string]any{"dryRun": true, "plannedMs": wait.Milliseconds()}, nil
	}

	select {
	case <-time.After(wait):
		return map[string]any{"delayedMs": wait.Milliseconds()}, nil
	case <-ctx.Done():
		return nil, fault.Cancelled(fault.ReasonUserCancelled)
	}
}

// DelayDuration converts a duration+unit pair into a time.Duration
func DelayDuration(duration float64, unit string) (time.Duration, error) {
	if duration <= 0 {
		return 0, fault.Validation("delay requires a positive duration")
	}
	switch unit {
	case "ms":
		return time.Duration(duration * float64(time.Millisecond)), nil
	case "s":
		return time.Duration(duration * float64(time.Second)), nil
	case "m":
		return time.Duration(duration * float64(time.Minute)), nil
	case "h":
		return time.Duration(duration * float64(time.Hour)), nil
	default:
		return 0, fault.Validation("delay has unrecognized unit %q", unit)
	}
}

// validationConfig validates input against a JSON schema and/or simple rules
type validationConfig struct {
	Input  string           `json:"input,omitempty"`
	Schema map[string]any   `json:"schema,omitempty"`
	Rules  []validationRule `json:"rules,omitempty"`
}

type validationRule struct {
	Field    string  `json:"field"`
	Rule     string  `json:"rule"`
	Value    any     `json:"value,omitempty"`
	Min      float64 `json:"min,omitempty"`
	Max      float64 `json:"max,omitempty"`
	Pattern  string  `json:"pattern,omitempty"`
	TypeName string  `json:"type,omitempty"`
}

func (d BuiltinDeps) validationAdapter(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg validationConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid validation config")
	}

	vars := evalVars(ec, prevResults)
	var subject any
	if cfg.Input != "" {
		subject = expression.ResolvePath(vars, cfg.Input)
	} else {
		subject = vars["input"]
	}

	var problems []string

	if len(cfg.Schema) > 0 {
		schemaRaw, err := json.Marshal(cfg.Schema)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "schema is not encodable")
		}
		schema, err := jsonschema.CompileString("config://schema.json", string(schemaRaw))
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "schema does not compile")
		}
		// Round-trip so typed values become plain JSON shapes
		subjectRaw, err := json.Marshal(subject)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "validation subject is not encodable")
		}
		var decoded any
		if err := json.Unmarshal(subjectRaw, &decoded); err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "validation subject is not decodable")
		}
		if err := schema.Validate(decoded); err != nil {
			problems = append(problems, firstLine(err.Error()))
		}
	}

	for _, rule := range cfg.Rules {
		if problem := checkRule(subject, rule); problem != "" {
			problems = append(problems, problem)
		}
	}

	return map[string]any{
		"valid":  len(problems) == 0,
		"errors": problems,
	}, nil
}

func checkRule(subject any, rule validationRule) string {
	value := fieldValue(subject, rule.Field)
	switch rule.Rule {
	case "required":
		if value == nil {
			return fmt.Sprintf("field %s is required", rule.Field)
		}
	case "type":
		if !matchesType(value, rule.TypeName) {
			return fmt.Sprintf("field %s is not of type %s", rule.Field, rule.TypeName)
		}
	case "min":
		if f, ok := toFloat(value); !ok || f < rule.Min {
			return fmt.Sprintf("field %s is below minimum %v", rule.Field, rule.Min)
		}
	case "max":
		if f, ok := toFloat(value); !ok || f > rule.Max {
			return fmt.Sprintf("field %s is above maximum %v", rule.Field, rule.Max)
		}
	case "pattern":
		s, ok := value.(string)
		if !ok || !strings.Contains(s, rule.Pattern) {
			return fmt.Sprintf("field %s does not match pattern", rule.Field)
		}
	}
	return ""
}

func matchesType(value any, typeName string) bool {
	switch typeName {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := toFloat(value)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return false
}

func (d BuiltinDeps) fileProcessAdapter(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	// Stub adapter: the engine has no filesystem access of its own. It
	// reports what an external file worker would be asked to do.
	return map[string]any{
		"processed": false,
		"stub":      true,
		"dryRun":    ec.IsDryRun(),
		"config":    node.Config,
	}, nil
}

type emailConfig struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

func (d BuiltinDeps) emailAdapter(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg emailConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid email config")
	}
	if cfg.To == "" {
		return nil, fault.Validation("email requires a recipient")
	}

	vars := evalVars(ec, prevResults)
	subject := d.Evaluator.EvaluateTemplate(ctx, cfg.Subject, vars)

	if ec.IsDryRun() {
		return map[string]any{"dryRun": true, "queued": false, "to": cfg.To, "subject": subject}, nil
	}

	// Stub adapter: a real deployment wires an email provider connector
	d.Logger.Info("email queued (stub)", "to", cfg.To, "subject", subject)
	return map[string]any{"queued": true, "to": cfg.To, "subject": subject}, nil
}

type databaseConfig struct {
	Query  string `json:"query"`
	Params []any  `json:"params,omitempty"`
}

func (d BuiltinDeps) databaseAdapter(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg databaseConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid database-query config")
	}
	if cfg.Query == "" {
		return nil, fault.Validation("database-query requires a query")
	}

	if ec.IsDryRun() {
		return map[string]any{"dryRun": true, "planned": map[string]any{"query": cfg.Query, "params": cfg.Params}}, nil
	}

	queryer, ok := d.Store.(ports.Queryer)
	if !ok {
		return nil, fault.Adapter(false, "persistence port does not support queries")
	}

	rows, err := queryer.Query(ctx, cfg.Query, cfg.Params...)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, err, "query failed")
	}
	return map[string]any{"rows": rows, "count": len(rows)}, nil
}

type webhookConfig struct {
	URL     string `json:"url"`
	Payload any    `json:"payload,omitempty"`
}

func (d BuiltinDeps) webhookAdapter(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	var cfg webhookConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid webhook config")
	}
	if cfg.URL == "" {
		return nil, fault.Validation("webhook requires a url")
	}

	vars := evalVars(ec, prevResults)
	url := d.Evaluator.EvaluateTemplate(ctx, cfg.URL, vars)
	payload := d.Evaluator.EvaluateObject(ctx, cfg.Payload, vars)

	if ec.IsDryRun() {
		return map[string]any{"dryRun": true, "planned": map[string]any{"url": url, "payload": payload}}, nil
	}

	resp, err := d.HTTP.Do(ctx, "POST", url, nil, payload, 0)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": resp.Status, "data": resp.Data}, nil
}

// evalVars merges the execution context variables with the immediate
// predecessor results under "prev"
func evalVars(ec *execution.Context, prevResults map[string]any) map[string]any {
	vars := ec.EvalVars()
	if len(prevResults) > 0 {
		vars["prev"] = prevResults
	}
	return vars
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
