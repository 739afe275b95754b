package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ValidationResult holds the outcome of definition validation
type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Plan is the dependency graph computed from a valid definition
type Plan struct {
	Adjacency        map[string][]string
	ReverseAdjacency map[string][]string
	InDegree         map[string]int
	RootNodes        []string
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

var delayUnits = map[string]bool{"ms": true, "s": true, "m": true, "h": true}

var transformSteps = map[string]bool{"map": true, "filter": true, "extract": true, "format": true}

// Validate checks a definition's structural invariants and per-node config
// sanity. knownConnector reports whether a connector adapter is registered
// for a non-builtin node type; pass nil to reject all unknown types.
func Validate(def *Definition, knownConnector func(string) bool) *ValidationResult {
	result := &ValidationResult{}

	if def == nil || len(def.Nodes) == 0 {
		result.Errors = append(result.Errors, "workflow has no nodes")
		return result
	}

	// Unique ids
	byID := make(map[string]*Node, len(def.Nodes))
	for _, node := range def.Nodes {
		if node.ID == "" {
			result.Errors = append(result.Errors, "node with empty id")
			continue
		}
		if _, dup := byID[node.ID]; dup {
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate node id: %s", node.ID))
			continue
		}
		byID[node.ID] = node
	}

	// Edges: targets exist, no self-loops, duplicates are warnings
	startCount := 0
	for _, node := range def.Nodes {
		seen := make(map[string]bool, len(node.Connections))
		for _, target := range node.Connections {
			if target == node.ID {
				result.Errors = append(result.Errors, fmt.Sprintf("self-loop on node: %s", node.ID))
				continue
			}
			if _, exists := byID[target]; !exists {
				result.Errors = append(result.Errors, fmt.Sprintf("edge references non-existent node: %s -> %s", node.ID, target))
				continue
			}
			if seen[target] {
				result.Warnings = append(result.Warnings, fmt.Sprintf("duplicate edge: %s -> %s", node.ID, target))
				continue
			}
			seen[target] = true
		}

		if node.Type == NodeTypeStart || node.Type == NodeTypeTriggerManual {
			startCount++
		}

		validateNodeConfig(node, knownConnector, result)
	}

	if startCount > 1 {
		result.Errors = append(result.Errors, fmt.Sprintf("workflow must have at most one start node, found %d", startCount))
	}

	// Cycle detection via DFS with a recursion stack
	if cycle := findCycle(def, byID); len(cycle) > 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("cycle detected: %s", strings.Join(cycle, " -> ")))
	}

	// Reachability from start nodes is advisory only
	if startCount > 0 {
		for _, id := range unreachableFromStart(def, byID) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("node unreachable from start: %s", id))
		}
	}

	result.OK = len(result.Errors) == 0
	return result
}

// validateNodeConfig checks the type-specific config record of one node
func validateNodeConfig(node *Node, knownConnector func(string) bool, result *ValidationResult) {
	fail := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf("node %s: ", node.ID)+fmt.Sprintf(format, args...))
	}

	switch node.Type {
	case NodeTypeStart, NodeTypeTriggerManual, NodeTypeEnd, NodeTypeOutput, NodeTypeCondition:
		// No required config

	case NodeTypeExpression:
		if str, _ := node.Config["expression"].(string); str == "" {
			fail("expression node requires an expression")
		}

	case NodeTypeSetVariable:
		name, _ := node.Config["name"].(string)
		if !identifierPattern.MatchString(name) {
			fail("set-variable requires a valid identifier name, got %q", name)
		}
		if typ, ok := node.Config["type"].(string); ok && typ != "" {
			switch typ {
			case "string", "number", "boolean", "json":
			default:
				fail("set-variable has unknown type %q", typ)
			}
		}

	case NodeTypeTransform:
		steps, _ := node.Config["transformations"].([]any)
		if len(steps) == 0 {
			fail("transform requires at least one transformation step")
		}
		for i, raw := range steps {
			step, _ := raw.(map[string]any)
			name, _ := step["type"].(string)
			if !transformSteps[name] {
				fail("transformation %d has unknown step type %q", i, name)
			}
		}

	case NodeTypeHTTPRequest:
		if url, _ := node.Config["url"].(string); url == "" {
			fail("http-request requires a url")
		}
		if method, ok := node.Config["method"].(string); ok && method != "" && !httpMethods[strings.ToUpper(method)] {
			fail("http-request has unsupported method %q", method)
		}

	case NodeTypeDelay:
		if cond, _ := node.Config["condition"].(string); cond != "" {
			// Conditional delay polls the predicate instead of sleeping
			break
		}
		duration, ok := toNumber(node.Config["duration"])
		if !ok || duration <= 0 {
			fail("delay requires a positive duration")
		}
		if unit, _ := node.Config["unit"].(string); !delayUnits[unit] {
			fail("delay has unrecognized unit %q", node.Config["unit"])
		}

	case NodeTypeBranch:
		if cond, _ := node.Config["condition"].(string); cond == "" {
			fail("branch requires a condition")
		}

	case NodeTypeLoop:
		loopType, _ := node.Config["loopType"].(string)
		if loopType != "forEach" && loopType != "while" {
			fail("loop has unknown loopType %q", loopType)
		}
		if cond, _ := node.Config["condition"].(string); cond == "" {
			fail("loop requires a condition")
		}
		if max, ok := toNumber(node.Config["maxIterations"]); ok && max <= 0 {
			fail("loop maxIterations must be positive")
		}

	case NodeTypeRetry:
		if node.Config["action"] == nil {
			fail("retry requires an action")
		}
		if max, ok := toNumber(node.Config["maxAttempts"]); ok && max < 1 {
			fail("retry maxAttempts must be >= 1")
		}
		if mult, ok := toNumber(node.Config["backoffMultiplier"]); ok && mult < 1 {
			fail("retry backoffMultiplier must be >= 1")
		}

	case NodeTypeSubworkflow:
		if id, _ := node.Config["workflowId"].(string); id == "" {
			fail("subworkflow requires a workflowId")
		}

	default:
		if knownConnector == nil || !knownConnector(node.Type) {
			fail("unknown node type %q with no registered connector", node.Type)
		}
	}
}

// findCycle returns the first cycle found as a node id path, or nil
func findCycle(def *Definition, byID map[string]*Node) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(def.Nodes))
	recursionStack := make([]string, 0, len(def.Nodes))

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		recursionStack = append(recursionStack, id)

		node := byID[id]
		if node != nil {
			for _, target := range node.Connections {
				if _, exists := byID[target]; !exists {
					continue
				}
				switch color[target] {
				case gray:
					// Back edge: slice the stack from the first occurrence
					for i, stacked := range recursionStack {
						if stacked == target {
							return append(append([]string{}, recursionStack[i:]...), target)
						}
					}
				case white:
					if cycle := visit(target); cycle != nil {
						return cycle
					}
				}
			}
		}

		recursionStack = recursionStack[:len(recursionStack)-1]
		color[id] = black
		return nil
	}

	for _, node := range def.Nodes {
		if color[node.ID] == white {
			if cycle := visit(node.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// unreachableFromStart returns ids not reachable from any start-typed node
func unreachableFromStart(def *Definition, byID map[string]*Node) []string {
	reached := make(map[string]bool, len(def.Nodes))
	var walk func(id string)
	walk = func(id string) {
		if reached[id] {
			return
		}
		reached[id] = true
		if node := byID[id]; node != nil {
			for _, target := range node.Connections {
				walk(target)
			}
		}
	}
	for _, node := range def.Nodes {
		if node.Type == NodeTypeStart || node.Type == NodeTypeTriggerManual {
			walk(node.ID)
		}
	}

	var missing []string
	for _, node := range def.Nodes {
		if !reached[node.ID] {
			missing = append(missing, node.ID)
		}
	}
	sort.Strings(missing)
	return missing
}

// BuildPlan computes the dependency graph for a validated definition
func BuildPlan(def *Definition) *Plan {
	plan := &Plan{
		Adjacency:        make(map[string][]string, len(def.Nodes)),
		ReverseAdjacency: make(map[string][]string, len(def.Nodes)),
		InDegree:         make(map[string]int, len(def.Nodes)),
	}

	for _, node := range def.Nodes {
		if _, exists := plan.InDegree[node.ID]; !exists {
			plan.InDegree[node.ID] = 0
		}
		seen := make(map[string]bool, len(node.Connections))
		for _, target := range node.Connections {
			if target == node.ID || seen[target] {
				continue
			}
			seen[target] = true
			plan.Adjacency[node.ID] = append(plan.Adjacency[node.ID], target)
			plan.ReverseAdjacency[target] = append(plan.ReverseAdjacency[target], node.ID)
			plan.InDegree[target]++
		}
	}

	for _, node := range def.Nodes {
		if plan.InDegree[node.ID] == 0 {
			plan.RootNodes = append(plan.RootNodes, node.ID)
		}
	}
	sort.Strings(plan.RootNodes)

	return plan
}

// Ready returns every node whose not-yet-completed predecessor count is zero.
// This is the only scheduling primitive the executor needs.
func (p *Plan) Ready(completed map[string]bool) []string {
	var ready []string
	for id := range p.InDegree {
		if completed[id] {
			continue
		}
		pending := 0
		for _, pred := range p.ReverseAdjacency[id] {
			if !completed[pred] {
				pending++
			}
		}
		if pending == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
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
