// Package workflow defines workflow definitions and the execution plan built
// from them: validation, cycle detection and topological readiness.
package workflow

import "encoding/json"

// Node type constants
const (
	NodeTypeStart         = "start"
	NodeTypeTriggerManual = "trigger-manual"
	NodeTypeEnd           = "end"
	NodeTypeOutput        = "output"
	NodeTypeExpression    = "expression"
	NodeTypeSetVariable   = "set-variable"
	NodeTypeTransform     = "transform"
	NodeTypeHTTPRequest   = "http-request"
	NodeTypeDelay         = "delay"
	NodeTypeBranch        = "branch"
	NodeTypeLoop          = "loop"
	NodeTypeRetry         = "retry"
	NodeTypeSubworkflow   = "subworkflow"
	NodeTypeCondition     = "condition"
)

// Definition is a user-authored workflow: a directed graph of typed nodes.
// A definition is a pure description and holds no runtime state.
type Definition struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Nodes    []*Node        `json:"nodes"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is a single typed step in a definition. Connections list successor
// node ids; Config is a type-specific record.
type Node struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config,omitempty"`
	Connections []string       `json:"connections,omitempty"`
}

// DecodeConfig unmarshals the node config into a typed record
func (n *Node) DecodeConfig(out any) error {
	raw, err := json.Marshal(n.Config)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Condition describes a condition in connector-record form. Type selects the
// dialect ("cel" or "expr"); Invert negates the outcome.
type Condition struct {
	Type       string `json:"type"`
	Expression string `json:"expression,omitempty"`
	Invert     bool   `json:"invert,omitempty"`
}

// NodeByID returns the node with the given id, or nil
func (d *Definition) NodeByID(id string) *Node {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Clone returns a deep copy of the definition. The engine snapshots the
// definition at execution start so later edits cannot affect a running graph.
func (d *Definition) Clone() *Definition {
	raw, err := json.Marshal(d)
	if err != nil {
		return d
	}
	var out Definition
	if err := json.Unmarshal(raw, &out); err != nil {
		return d
	}
	return &out
}

// IsControlFlow reports whether the node routes without producing output of
// its own (start/end markers)
func IsControlFlow(nodeType string) bool {
	switch nodeType {
	case NodeTypeStart, NodeTypeTriggerManual, NodeTypeEnd, NodeTypeOutput:
		return true
	}
	return false
}

// builtinTypes is the closed set of node types the dispatcher interprets
// directly; anything else must be backed by a registered connector.
var builtinTypes = map[string]bool{
	NodeTypeStart:         true,
	NodeTypeTriggerManual: true,
	NodeTypeEnd:           true,
	NodeTypeOutput:        true,
	NodeTypeExpression:    true,
	NodeTypeSetVariable:   true,
	NodeTypeTransform:     true,
	NodeTypeHTTPRequest:   true,
	NodeTypeDelay:         true,
	NodeTypeBranch:        true,
	NodeTypeLoop:          true,
	NodeTypeRetry:         true,
	NodeTypeSubworkflow:   true,
	NodeTypeCondition:     true,
}

// IsBuiltinType reports whether the dispatcher handles this type natively
func IsBuiltinType(nodeType string) bool {
	return builtinTypes[nodeType]
}
