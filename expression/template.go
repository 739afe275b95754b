package expression

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Template holes:
//
//	{{ name.path }}  plain variable interpolation, pure path lookup
//	${ expression }  expression whose string form is spliced in
var (
	exprHolePattern = regexp.MustCompile(`\$\{([^{}]*)\}`)
	pathHolePattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)
)

// EvaluateTemplate interpolates both hole forms against the variable context.
// ${…} holes are evaluated right to left so earlier indices never shift; a
// hole that fails to evaluate keeps its original literal text.
func (e *Evaluator) EvaluateTemplate(ctx context.Context, template string, vars map[string]any) string {
	out := e.spliceExpressions(ctx, template, vars)
	return e.splicePaths(out, vars)
}

func (e *Evaluator) spliceExpressions(ctx context.Context, template string, vars map[string]any) string {
	matches := exprHolePattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return template
	}

	out := template
	for i := len(matches) - 1; i >= 0; i-- {
		start, end := matches[i][0], matches[i][1]
		code := strings.TrimSpace(template[matches[i][2]:matches[i][3]])

		value, err := e.Evaluate(ctx, code, vars)
		if err != nil {
			e.logger.Warn("template expression failed, keeping literal",
				"expression", code,
				"error", err)
			continue
		}

		out = out[:start] + Stringify(value) + out[end:]
	}
	return out
}

func (e *Evaluator) splicePaths(template string, vars map[string]any) string {
	matches := pathHolePattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return template
	}

	doc := marshalContext(vars)

	out := template
	for i := len(matches) - 1; i >= 0; i-- {
		start, end := matches[i][0], matches[i][1]
		path := strings.TrimSpace(template[matches[i][2]:matches[i][3]])

		out = out[:start] + lookupPath(doc, path) + out[end:]
	}
	return out
}

// lookupPath resolves a dotted path in the context document and stringifies
// the result: primitives by natural form, null and missing as empty, objects
// JSON-encoded.
func lookupPath(doc []byte, path string) string {
	if path == "" {
		return ""
	}
	result := gjson.GetBytes(doc, path)
	switch result.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return result.Str
	case gjson.JSON:
		return result.Raw
	default:
		return result.String()
	}
}

// EvaluateObject recursively walks arrays and objects, applying template
// evaluation to every string leaf. Non-string leaves are returned unchanged.
func (e *Evaluator) EvaluateObject(ctx context.Context, value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return e.EvaluateTemplate(ctx, v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = e.EvaluateObject(ctx, item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = e.EvaluateObject(ctx, item, vars)
		}
		return out
	default:
		return value
	}
}

// ResolvePath resolves a dotted path against the context, returning the
// decoded value or nil when missing
func ResolvePath(vars map[string]any, path string) any {
	if path == "" {
		return nil
	}
	// A bare top-level name avoids the JSON round-trip
	if !strings.ContainsAny(path, ".[") {
		if value, ok := vars[path]; ok {
			return value
		}
		return nil
	}
	result := gjson.GetBytes(marshalContext(vars), path)
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

// marshalContext renders the data half of the context (helper tables carry
// functions and are not addressable by path)
func marshalContext(vars map[string]any) []byte {
	data := make(map[string]any, len(vars))
	for name, value := range vars {
		if blockedKeys[name] {
			continue
		}
		if !jsonEncodable(value) {
			continue
		}
		data[name] = value
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

func jsonEncodable(value any) bool {
	switch value.(type) {
	case nil, bool, string, float64, float32, int, int64, json.Number,
		map[string]any, []any, []string, []float64, []int:
		return true
	default:
		_, err := json.Marshal(value)
		return err == nil
	}
}
