package connector

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/lyzr/flowengine/expression"
	"github.com/lyzr/flowengine/fault"
)

// TransformStep is one step of a transform pipeline
type TransformStep struct {
	Type       string   `json:"type"`
	Expression string   `json:"expression,omitempty"`
	Field      string   `json:"field,omitempty"`
	Condition  string   `json:"condition,omitempty"`
	Fields     []string `json:"fields,omitempty"`
	Template   string   `json:"template,omitempty"`
}

// TransformConfig is the config record of a transform node or connector
type TransformConfig struct {
	Input           string          `json:"input,omitempty"`
	Transformations []TransformStep `json:"transformations"`
	OutputField     string          `json:"outputField,omitempty"`
}

// ApplyTransformations reads the input via dotted path and applies each step
// in order: map, filter, extract, format. The result is wrapped under the
// configured output field.
func ApplyTransformations(ctx context.Context, eval *expression.Evaluator, cfg *TransformConfig, vars map[string]any) (map[string]any, error) {
	var source any
	if cfg.Input != "" {
		source = expression.ResolvePath(vars, cfg.Input)
	} else {
		source = vars["input"]
	}

	items, scalar := normalizeItems(source)

	for i, step := range cfg.Transformations {
		var err error
		switch step.Type {
		case "map":
			items, err = applyMap(ctx, eval, step, items, vars)
		case "filter":
			items, err = applyFilter(ctx, eval, step, items, vars)
		case "extract":
			items, err = applyExtract(step, items)
		case "format":
			items, err = applyFormat(ctx, eval, step, items, vars)
		default:
			err = fault.Validation("unknown transformation step %q", step.Type)
		}
		if err != nil {
			return nil, fault.Wrap(fault.KindOf(err), err, "transformation %d (%s) failed: %s", i, step.Type, fault.AsError(err).Message)
		}
	}

	var result any = items
	if scalar && len(items) == 1 {
		result = items[0]
	}

	outputField := cfg.OutputField
	if outputField == "" {
		outputField = "result"
	}
	return map[string]any{outputField: result}, nil
}

// normalizeItems turns the source into a working slice; scalar sources are
// unwrapped again at the end
func normalizeItems(source any) ([]any, bool) {
	switch v := source.(type) {
	case nil:
		return []any{}, false
	case []any:
		return append([]any{}, v...), false
	default:
		return []any{v}, true
	}
}

func applyMap(ctx context.Context, eval *expression.Evaluator, step TransformStep, items []any, vars map[string]any) ([]any, error) {
	if step.Expression == "" {
		return nil, fault.Validation("map step requires an expression")
	}
	out := make([]any, 0, len(items))
	for index, item := range items {
		value, err := eval.Evaluate(ctx, step.Expression, itemVars(vars, item, index))
		if err != nil {
			return nil, err
		}
		if step.Field != "" {
			obj, ok := item.(map[string]any)
			if !ok {
				obj = map[string]any{}
			}
			merged := make(map[string]any, len(obj)+1)
			for k, v := range obj {
				merged[k] = v
			}
			merged[step.Field] = value
			out = append(out, merged)
		} else {
			out = append(out, value)
		}
	}
	return out, nil
}

func applyFilter(ctx context.Context, eval *expression.Evaluator, step TransformStep, items []any, vars map[string]any) ([]any, error) {
	condition := step.Condition
	if condition == "" {
		condition = step.Expression
	}
	if condition == "" {
		return nil, fault.Validation("filter step requires a condition")
	}
	out := make([]any, 0, len(items))
	for index, item := range items {
		keep, err := eval.EvaluateBool(ctx, condition, itemVars(vars, item, index))
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, item)
		}
	}
	return out, nil
}

func applyExtract(step TransformStep, items []any) ([]any, error) {
	if len(step.Fields) == 0 {
		return nil, fault.Validation("extract step requires fields")
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "extract source is not encodable")
		}
		picked := make(map[string]any, len(step.Fields))
		for _, field := range step.Fields {
			result := gjson.GetBytes(raw, field)
			if result.Exists() {
				picked[field] = result.Value()
			}
		}
		out = append(out, picked)
	}
	return out, nil
}

func applyFormat(ctx context.Context, eval *expression.Evaluator, step TransformStep, items []any, vars map[string]any) ([]any, error) {
	template := step.Template
	if template == "" {
		template = step.Expression
	}
	if template == "" {
		return nil, fault.Validation("format step requires a template")
	}
	out := make([]any, 0, len(items))
	for index, item := range items {
		out = append(out, eval.EvaluateTemplate(ctx, template, itemVars(vars, item, index)))
	}
	return out, nil
}

// itemVars overlays per-item bindings on the shared context
func itemVars(vars map[string]any, item any, index int) map[string]any {
	out := make(map[string]any, len(vars)+3)
	for k, v := range vars {
		out[k] = v
	}
	out["item"] = item
	out["index"] = index
	if obj, ok := item.(map[string]any); ok {
		// Common shorthand: fields of object items resolve directly
		for k, v := range obj {
			if _, taken := out[k]; !taken {
				out[k] = v
			}
		}
	}
	return out
}
