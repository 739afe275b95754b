package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linear(ids ...string) *Definition {
	def := &Definition{ID: "wf-linear"}
	for i, id := range ids {
		node := &Node{ID: id, Type: NodeTypeExpression, Config: map[string]any{"expression": "1"}}
		if i+1 < len(ids) {
			node.Connections = []string{ids[i+1]}
		}
		def.Nodes = append(def.Nodes, node)
	}
	return def
}

func TestValidate_LinearChain(t *testing.T) {
	result := Validate(linear("a", "b", "c"), nil)
	require.True(t, result.OK, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Nodes: []*Node{
			{ID: "a", Type: NodeTypeExpression, Config: map[string]any{"expression": "1"}},
			{ID: "a", Type: NodeTypeExpression, Config: map[string]any{"expression": "2"}},
		},
	}
	result := Validate(def, nil)
	require.False(t, result.OK)
	assert.Contains(t, result.Errors[0], "duplicate node id")
}

func TestValidate_EdgeToMissingNode(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Nodes: []*Node{
			{ID: "a", Type: NodeTypeExpression, Config: map[string]any{"expression": "1"}, Connections: []string{"ghost"}},
		},
	}
	result := Validate(def, nil)
	require.False(t, result.OK)
	assert.Contains(t, result.Errors[0], "non-existent node")
}

func TestValidate_SelfLoop(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Nodes: []*Node{
			{ID: "a", Type: NodeTypeExpression, Config: map[string]any{"expression": "1"}, Connections: []string{"a"}},
		},
	}
	result := Validate(def, nil)
	require.False(t, result.OK)
	assert.Contains(t, result.Errors[0], "self-loop")
}

// A two-node cycle must be rejected with a message naming both nodes.
func TestValidate_CycleNamesParticipants(t *testing.T) {
	def := &Definition{
		ID: "wf-cycle",
		Nodes: []*Node{
			{ID: "a", Type: NodeTypeExpression, Config: map[string]any{"expression": "1"}, Connections: []string{"b"}},
			{ID: "b", Type: NodeTypeExpression, Config: map[string]any{"expression": "2"}, Connections: []string{"a"}},
		},
	}
	result := Validate(def, nil)
	require.False(t, result.OK)

	var cycleMsg string
	for _, e := range result.Errors {
		if strings.Contains(e, "cycle detected") {
			cycleMsg = e
		}
	}
	require.NotEmpty(t, cycleMsg, "expected a cycle error, got %v", result.Errors)
	assert.Contains(t, cycleMsg, "a")
	assert.Contains(t, cycleMsg, "b")
}

func TestValidate_DuplicateEdgeIsWarning(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Nodes: []*Node{
			{ID: "a", Type: NodeTypeExpression, Config: map[string]any{"expression": "1"}, Connections: []string{"b", "b"}},
			{ID: "b", Type: NodeTypeExpression, Config: map[string]any{"expression": "2"}},
		},
	}
	result := Validate(def, nil)
	assert.True(t, result.OK)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "duplicate edge")
}

func TestValidate_MultipleStartNodes(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Nodes: []*Node{
			{ID: "s1", Type: NodeTypeStart},
			{ID: "s2", Type: NodeTypeTriggerManual},
		},
	}
	result := Validate(def, nil)
	require.False(t, result.OK)
	assert.Contains(t, result.Errors[0], "at most one start node")
}

func TestValidate_UnknownTypeNeedsConnector(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Nodes: []*Node{{ID: "x", Type: "custom-thing"}},
	}

	result := Validate(def, nil)
	require.False(t, result.OK)

	result = Validate(def, func(t string) bool { return t == "custom-thing" })
	assert.True(t, result.OK)
}

func TestValidate_NodeConfigChecks(t *testing.T) {
	tests := []struct {
		name string
		node *Node
		want string
	}{
		{"expression missing", &Node{ID: "n", Type: NodeTypeExpression}, "requires an expression"},
		{"set-variable bad name", &Node{ID: "n", Type: NodeTypeSetVariable, Config: map[string]any{"name": "9bad"}}, "valid identifier"},
		{"http missing url", &Node{ID: "n", Type: NodeTypeHTTPRequest}, "requires a url"},
		{"http bad method", &Node{ID: "n", Type: NodeTypeHTTPRequest, Config: map[string]any{"url": "http://x", "method": "FETCH"}}, "unsupported method"},
		{"delay bad unit", &Node{ID: "n", Type: NodeTypeDelay, Config: map[string]any{"duration": 5.0, "unit": "weeks"}}, "unrecognized unit"},
		{"delay zero duration", &Node{ID: "n", Type: NodeTypeDelay, Config: map[string]any{"duration": 0.0, "unit": "s"}}, "positive duration"},
		{"branch missing condition", &Node{ID: "n", Type: NodeTypeBranch}, "requires a condition"},
		{"loop bad type", &Node{ID: "n", Type: NodeTypeLoop, Config: map[string]any{"loopType": "until", "condition": "x"}}, "unknown loopType"},
		{"retry missing action", &Node{ID: "n", Type: NodeTypeRetry}, "requires an action"},
		{"subworkflow missing id", &Node{ID: "n", Type: NodeTypeSubworkflow}, "requires a workflowId"},
		{"transform no steps", &Node{ID: "n", Type: NodeTypeTransform}, "at least one transformation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(&Definition{ID: "wf", Nodes: []*Node{tt.node}}, nil)
			require.False(t, result.OK)
			found := false
			for _, e := range result.Errors {
				if strings.Contains(e, tt.want) {
					found = true
				}
			}
			assert.True(t, found, "expected error containing %q, got %v", tt.want, result.Errors)
		})
	}
}

func TestBuildPlan_DiamondReadiness(t *testing.T) {
	// start fans out to a and b, both feed m
	def := &Definition{
		ID: "wf-diamond",
		Nodes: []*Node{
			{ID: "start", Type: NodeTypeStart, Connections: []string{"a", "b"}},
			{ID: "a", Type: NodeTypeExpression, Config: map[string]any{"expression": "5"}, Connections: []string{"m"}},
			{ID: "b", Type: NodeTypeExpression, Config: map[string]any{"expression": "12"}, Connections: []string{"m"}},
			{ID: "m", Type: NodeTypeExpression, Config: map[string]any{"expression": "a+b"}},
		},
	}
	require.True(t, Validate(def, nil).OK)

	plan := BuildPlan(def)
	assert.Equal(t, []string{"start"}, plan.RootNodes)
	assert.Equal(t, 2, plan.InDegree["m"])

	completed := map[string]bool{}
	assert.Equal(t, []string{"start"}, plan.Ready(completed))

	completed["start"] = true
	assert.Equal(t, []string{"a", "b"}, plan.Ready(completed))

	// m is not ready until both predecessors are done
	completed["a"] = true
	assert.Equal(t, []string{"b"}, plan.Ready(completed))

	completed["b"] = true
	assert.Equal(t, []string{"m"}, plan.Ready(completed))
}

func TestBuildPlan_IgnoresDuplicateEdges(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Nodes: []*Node{
			{ID: "a", Type: NodeTypeStart, Connections: []string{"b", "b"}},
			{ID: "b", Type: NodeTypeEnd},
		},
	}
	plan := BuildPlan(def)
	assert.Equal(t, 1, plan.InDegree["b"])
}

func TestClone_IsIndependent(t *testing.T) {
	def := linear("a", "b")
	clone := def.Clone()
	clone.Nodes[0].Config["expression"] = "changed"
	assert.Equal(t, "1", def.Nodes[0].Config["expression"])
}
