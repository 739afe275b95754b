package expression

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Helper tables exposed to every evaluation. Nothing outside these tables and
// the caller-supplied variables is in scope; identifier resolution can never
// fall through to the host environment.

func helperEnv() map[string]any {
	return map[string]any{
		"Math": mathNamespace(),
		"JSON": jsonNamespace(),

		// Date primitives
		"now":        func() time.Time { return time.Now() },
		"timestamp":  func() int64 { return time.Now().UnixMilli() },
		"formatDate": formatDate,

		// Type predicates
		"isString":  func(v any) bool { _, ok := v.(string); return ok },
		"isNumber":  func(v any) bool { _, ok := asFloat(v); return ok },
		"isBoolean": func(v any) bool { _, ok := v.(bool); return ok },
		"isArray":   func(v any) bool { _, ok := v.([]any); return ok },
		"isObject":  func(v any) bool { _, ok := v.(map[string]any); return ok },

		// Utility helpers
		"isEmpty":      isEmpty,
		"slugify":      slugify,
		"truncate":     truncate,
		"base64Encode": func(v any) string { return base64.StdEncoding.EncodeToString([]byte(Stringify(v))) },
		"base64Decode": base64Decode,
		"toString":     func(v any) string { return Stringify(v) },
		"toNumber":     toNumber,
	}
}

func mathNamespace() map[string]any {
	return map[string]any{
		"abs":   func(v any) float64 { return math.Abs(mustFloat(v)) },
		"ceil":  func(v any) float64 { return math.Ceil(mustFloat(v)) },
		"floor": func(v any) float64 { return math.Floor(mustFloat(v)) },
		"round": func(v any) float64 { return math.Round(mustFloat(v)) },
		"min": func(vs ...any) float64 {
			out := math.Inf(1)
			for _, v := range vs {
				out = math.Min(out, mustFloat(v))
			}
			return out
		},
		"max": func(vs ...any) float64 {
			out := math.Inf(-1)
			for _, v := range vs {
				out = math.Max(out, mustFloat(v))
			}
			return out
		},
		"pow":    func(a, b any) float64 { return math.Pow(mustFloat(a), mustFloat(b)) },
		"sqrt":   func(v any) float64 { return math.Sqrt(mustFloat(v)) },
		"random": func() float64 { return rand.Float64() },
		"PI":     math.Pi,
		"E":      math.E,
	}
}

func jsonNamespace() map[string]any {
	return map[string]any{
		"parse": func(v any) any {
			s, ok := v.(string)
			if !ok {
				return nil
			}
			var out any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil
			}
			return out
		},
		"stringify": func(v any) string {
			raw, err := json.Marshal(v)
			if err != nil {
				return ""
			}
			return string(raw)
		},
	}
}

// formatDate renders a date value in one of the supported formats:
// ISO, locale, date, time
func formatDate(value any, format string) string {
	t, ok := asTime(value)
	if !ok {
		return ""
	}
	switch format {
	case "ISO":
		return t.UTC().Format(time.RFC3339)
	case "locale":
		return t.Format("Jan 2, 2006, 3:04:05 PM")
	case "date":
		return t.Format("2006-01-02")
	case "time":
		return t.Format("15:04:05")
	default:
		return t.UTC().Format(time.RFC3339)
	}
}

func asTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t, true
		}
	default:
		if ms, ok := asFloat(value); ok {
			return time.UnixMilli(int64(ms)), true
		}
	}
	return time.Time{}, false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(v any) string {
	s := strings.ToLower(Stringify(v))
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func truncate(v any, max any) string {
	s := Stringify(v)
	n := int(mustFloat(max))
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func base64Decode(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return string(raw)
}

func toNumber(v any) float64 {
	if f, ok := asFloat(v); ok {
		return f
	}
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	if b, ok := v.(bool); ok && b {
		return 1
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func mustFloat(v any) float64 {
	f, _ := asFloat(v)
	return f
}

// Stringify renders a value the way templates splice it: primitives in their
// natural form, nil as empty, everything else JSON-encoded.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case json.Number:
		return t.String()
	case []byte:
		return string(t)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
