package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/fault"
)

func newTestContext(opts Options) *Context {
	if opts.ExecutionID == "" {
		opts.ExecutionID = "exec-1"
	}
	if opts.WorkflowID == "" {
		opts.WorkflowID = "wf-1"
	}
	return NewContext(context.Background(), opts)
}

func TestContext_VariableScopes(t *testing.T) {
	parent := newTestContext(Options{})
	parent.SetVariable("shared", "from-parent", ScopeGlobal)
	parent.SetVariable("mine", "parent-local", ScopeLocal)

	child := newTestContext(Options{
		ExecutionID:      "exec-child",
		SubworkflowDepth: 1,
		Parent:           parent,
	})

	// Globals are shared across the subworkflow tree, locals are not
	value, ok := child.GetVariable("shared")
	require.True(t, ok)
	assert.Equal(t, "from-parent", value)

	_, ok = child.GetVariable("mine")
	assert.False(t, ok)

	// A child global write is visible to the parent
	child.SetVariable("fromChild", 42, ScopeGlobal)
	value, ok = parent.GetVariable("fromChild")
	require.True(t, ok)
	assert.Equal(t, 42, value)

	// Locals shadow globals of the same name
	child.SetVariable("shared", "shadowed", ScopeLocal)
	value, _ = child.GetVariable("shared")
	assert.Equal(t, "shadowed", value)
	value, _ = parent.GetVariable("shared")
	assert.Equal(t, "from-parent", value)
}

func TestContext_NodeStateMonotone(t *testing.T) {
	ec := newTestContext(Options{})

	assert.True(t, ec.SetNodeState("n1", StateRunning, nil, nil))
	assert.True(t, ec.SetNodeState("n1", StateCompleted, "done", nil))

	// Terminal states are final
	assert.False(t, ec.SetNodeState("n1", StateFailed, nil, errors.New("late")))
	assert.False(t, ec.SetNodeState("n1", StateCompleted, "again", nil))

	status, ok := ec.GetNodeState("n1")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, status.State)

	result, ok := ec.NodeResult("n1")
	require.True(t, ok)
	assert.Equal(t, "done", result)

	counters := ec.CountersSnapshot()
	assert.Equal(t, 1, counters.NodesExecuted)
	assert.Equal(t, 0, counters.NodesFailed)
}

func TestContext_RetryingCountsAttempts(t *testing.T) {
	ec := newTestContext(Options{})

	ec.SetNodeState("n1", StateRunning, nil, nil)
	ec.SetNodeState("n1", StateRetrying, nil, errors.New("transient"))
	ec.SetNodeState("n1", StateRetrying, nil, errors.New("transient"))
	ec.SetNodeState("n1", StateCompleted, "ok", nil)

	status, _ := ec.GetNodeState("n1")
	assert.Equal(t, 2, status.Attempts)
	assert.Equal(t, 2, ec.CountersSnapshot().Retries)
}

func TestContext_LogRingEvictsOldest(t *testing.T) {
	ec := newTestContext(Options{LogRingSize: 3})

	ec.AddLog("info", "one", "", nil)
	ec.AddLog("info", "two", "", nil)
	ec.AddLog("info", "three", "", nil)
	ec.AddLog("info", "four", "", nil)

	logs := ec.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "two", logs[0].Message)
	assert.Equal(t, "four", logs[2].Message)
}

func TestContext_CancelFirstReasonWins(t *testing.T) {
	ec := newTestContext(Options{})

	ec.Cancel(fault.ReasonExecutionTimeout)
	ec.Cancel(fault.ReasonUserCancelled)

	cancelled, reason := ec.Cancelled()
	assert.True(t, cancelled)
	assert.Equal(t, fault.ReasonExecutionTimeout, reason)

	select {
	case <-ec.Done():
	default:
		t.Fatal("Done channel should be closed after Cancel")
	}
}

func TestContext_EvalVars(t *testing.T) {
	ec := newTestContext(Options{Input: map[string]any{"x": 1.0}})
	ec.SetVariable("threshold", 10.0, ScopeLocal)
	ec.SetNodeState("a", StateCompleted, 5.0, nil)

	vars := ec.EvalVars()
	assert.Equal(t, map[string]any{"x": 1.0}, vars["input"])
	assert.Equal(t, 10.0, vars["threshold"])
	assert.Equal(t, 5.0, vars["a"])
}

func TestContext_SnapshotIsCopy(t *testing.T) {
	ec := newTestContext(Options{})
	ec.SetNodeState("a", StateCompleted, 1.0, nil)

	snap := ec.Snapshot()
	snap.NodeResults["a"] = 99.0

	result, _ := ec.NodeResult("a")
	assert.Equal(t, 1.0, result)
	assert.Equal(t, "exec-1", snap.ExecutionID)
}

func TestNodeState_IsTerminal(t *testing.T) {
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateSkipped.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())
	assert.False(t, StatePending.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
	assert.False(t, StateRetrying.IsTerminal())
}
