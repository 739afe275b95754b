// Package execution holds the per-execution mutable state: scoped variables,
// node results and states, a bounded log ring, counters and cancellation.
// All mutation serializes on a single mutex per context.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/flowengine/fault"
)

// NodeState describes where a node is in its lifecycle
type NodeState string

const (
	StatePending   NodeState = "pending"
	StateRunning   NodeState = "running"
	StateRetrying  NodeState = "retrying"
	StateCompleted NodeState = "completed"
	StateFailed    NodeState = "failed"
	StateSkipped   NodeState = "skipped"
	StateCancelled NodeState = "cancelled"
)

// IsTerminal reports whether the state is final
func (s NodeState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// VariableScope controls visibility of a variable across subworkflow contexts
type VariableScope string

const (
	ScopeLocal  VariableScope = "local"
	ScopeGlobal VariableScope = "global"
)

// Variable is one context variable with its scope and last-write timestamp
type Variable struct {
	Value     any           `json:"value"`
	Scope     VariableScope `json:"scope"`
	Timestamp time.Time     `json:"ts"`
}

// NodeStatus is the tracked state of one node plus its last transition time
type NodeStatus struct {
	State     NodeState `json:"state"`
	Timestamp time.Time `json:"ts"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
}

// LogEntry is one row in the bounded log ring
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp time.Time      `json:"ts"`
	NodeID    string         `json:"nodeId,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Counters accumulate per-execution statistics
type Counters struct {
	NodesExecuted    int `json:"nodesExecuted"`
	NodesFailed      int `json:"nodesFailed"`
	Retries          int `json:"retries"`
	ParallelBranches int `json:"parallelBranches"`
}

// DefaultLogRingSize bounds the log ring when no size is configured
const DefaultLogRingSize = 1000

// globalStore holds scope=global variables shared by every context in one
// subworkflow tree
type globalStore struct {
	mu   sync.Mutex
	vars map[string]Variable
}

func newGlobalStore() *globalStore {
	return &globalStore{vars: make(map[string]Variable)}
}

// Context is the per-execution mutable state. It is created by the
// scheduler, mutated by the dispatcher and scheduler, and destroyed on
// terminal transition.
type Context struct {
	ExecutionID       string
	WorkflowID        string
	StartedAt         time.Time
	DryRun            bool
	SubworkflowDepth  int
	ParentExecutionID string
	Input             map[string]any

	mu          sync.Mutex
	locals      map[string]Variable
	globals     *globalStore
	nodeResults map[string]any
	nodeStates  map[string]NodeStatus
	logs        []LogEntry
	logHead     int
	logCount    int
	logSize     int
	counters    Counters

	cancelled    bool
	cancelReason fault.CancelReason
	cancelCtx    context.Context
	cancelFunc   context.CancelFunc
}

// Options configures a new execution context
type Options struct {
	ExecutionID       string
	WorkflowID        string
	DryRun            bool
	SubworkflowDepth  int
	ParentExecutionID string
	Input             map[string]any
	LogRingSize       int
	Parent            *Context
}

// NewContext creates an execution context. When Parent is set the child
// shares the parent's global variable store and cancellation.
func NewContext(ctx context.Context, opts Options) *Context {
	size := opts.LogRingSize
	if size <= 0 {
		size = DefaultLogRingSize
	}

	var globals *globalStore
	if opts.Parent != nil {
		globals = opts.Parent.globals
	} else {
		globals = newGlobalStore()
	}

	cancelCtx, cancelFunc := context.WithCancel(ctx)

	c := &Context{
		ExecutionID:       opts.ExecutionID,
		WorkflowID:        opts.WorkflowID,
		StartedAt:         time.Now(),
		DryRun:            opts.DryRun,
		SubworkflowDepth:  opts.SubworkflowDepth,
		ParentExecutionID: opts.ParentExecutionID,
		Input:             opts.Input,
		locals:            make(map[string]Variable),
		globals:           globals,
		nodeResults:       make(map[string]any),
		nodeStates:        make(map[string]NodeStatus),
		logs:              make([]LogEntry, size),
		logSize:           size,
	}
	c.cancelCtx = cancelCtx
	c.cancelFunc = cancelFunc
	return c
}

// Done exposes the cancellation channel for cooperative aborts
func (c *Context) Done() <-chan struct{} {
	return c.cancelCtx.Done()
}

// Ctx returns the context.Context that tracks this execution's cancellation
func (c *Context) Ctx() context.Context {
	return c.cancelCtx
}

// IsDryRun reports whether side-effecting adapters must return placeholders
func (c *Context) IsDryRun() bool {
	return c.DryRun
}

// Cancel flags the execution as cancelled with a reason. The first reason
// wins; later calls are no-ops.
func (c *Context) Cancel(reason fault.CancelReason) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	c.cancelReason = reason
	c.mu.Unlock()
	c.cancelFunc()
}

// Cancelled returns the cancellation flag and reason
func (c *Context) Cancelled() (bool, fault.CancelReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled, c.cancelReason
}

// SetVariable writes a variable under the given scope, timestamping the entry
func (c *Context) SetVariable(name string, value any, scope VariableScope) {
	entry := Variable{Value: value, Scope: scope, Timestamp: time.Now()}
	if scope == ScopeGlobal {
		c.globals.mu.Lock()
		c.globals.vars[name] = entry
		c.globals.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.locals[name] = entry
	c.mu.Unlock()
}

// GetVariable resolves a variable; locals shadow globals
func (c *Context) GetVariable(name string) (any, bool) {
	c.mu.Lock()
	if v, ok := c.locals[name]; ok {
		c.mu.Unlock()
		return v.Value, true
	}
	c.mu.Unlock()

	c.globals.mu.Lock()
	defer c.globals.mu.Unlock()
	if v, ok := c.globals.vars[name]; ok {
		return v.Value, true
	}
	return nil, false
}

// Variables returns a merged copy of the visible variables
func (c *Context) Variables() map[string]Variable {
	out := make(map[string]Variable)

	c.globals.mu.Lock()
	for name, v := range c.globals.vars {
		out[name] = v
	}
	c.globals.mu.Unlock()

	c.mu.Lock()
	for name, v := range c.locals {
		out[name] = v
	}
	c.mu.Unlock()
	return out
}

// SetNodeState records a node transition. Transitions are monotone: once a
// node is terminal further transitions are ignored, and a terminal state is
// recorded at most once per node.
func (c *Context) SetNodeState(nodeID string, state NodeState, result any, nodeErr error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.nodeStates[nodeID]
	if exists && current.State.IsTerminal() {
		return false
	}

	status := NodeStatus{State: state, Timestamp: time.Now(), Attempts: current.Attempts}
	if state == StateRetrying {
		status.Attempts++
	}
	if nodeErr != nil {
		_, msg, _ := fault.Public(nodeErr)
		status.Error = msg
	}
	c.nodeStates[nodeID] = status

	switch state {
	case StateCompleted:
		c.nodeResults[nodeID] = result
		c.counters.NodesExecuted++
	case StateFailed:
		c.counters.NodesFailed++
	case StateRetrying:
		c.counters.Retries++
	}
	return true
}

// GetNodeState returns the tracked state of a node
func (c *Context) GetNodeState(nodeID string) (NodeStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.nodeStates[nodeID]
	return status, ok
}

// NodeResult returns the last successful result of a node
func (c *Context) NodeResult(nodeID string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.nodeResults[nodeID]
	return result, ok
}

// NodeResults returns a copy of all successful node results
func (c *Context) NodeResults() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.nodeResults))
	for id, result := range c.nodeResults {
		out[id] = result
	}
	return out
}

// AddLog appends a log entry to the bounded ring, evicting the oldest entry
// when full
func (c *Context) AddLog(level, message, nodeID string, data map[string]any) {
	entry := LogEntry{
		Level:     level,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		Message:   message,
		Data:      data,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := (c.logHead + c.logCount) % c.logSize
	c.logs[idx] = entry
	if c.logCount < c.logSize {
		c.logCount++
	} else {
		c.logHead = (c.logHead + 1) % c.logSize
	}
}

// Logs returns the ring contents oldest-first
func (c *Context) Logs() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogEntry, 0, c.logCount)
	for i := 0; i < c.logCount; i++ {
		out = append(out, c.logs[(c.logHead+i)%c.logSize])
	}
	return out
}

// AddParallelBranches bumps the parallel-branch counter
func (c *Context) AddParallelBranches(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.ParallelBranches += n
}

// CountersSnapshot returns a copy of the counters
func (c *Context) CountersSnapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Duration returns elapsed wall-clock time since the execution started
func (c *Context) Duration() time.Duration {
	return time.Since(c.StartedAt)
}

// Snapshot is a consistent read-only view of the execution state
type Snapshot struct {
	ExecutionID       string                `json:"executionId"`
	WorkflowID        string                `json:"workflowId"`
	StartedAt         time.Time             `json:"startedAt"`
	DryRun            bool                  `json:"dryRun"`
	SubworkflowDepth  int                   `json:"subworkflowDepth"`
	ParentExecutionID string                `json:"parentExecutionId,omitempty"`
	Variables         map[string]Variable   `json:"variables"`
	NodeStates        map[string]NodeStatus `json:"nodeStates"`
	NodeResults       map[string]any        `json:"nodeResults"`
	Counters          Counters              `json:"counters"`
	Cancelled         bool                  `json:"cancelled"`
	CancelReason      fault.CancelReason    `json:"cancelReason,omitempty"`
	DurationMs        int64                 `json:"durationMs"`
}

// Snapshot captures the current execution state under the context lock
func (c *Context) Snapshot() *Snapshot {
	variables := c.Variables()

	c.mu.Lock()
	defer c.mu.Unlock()

	states := make(map[string]NodeStatus, len(c.nodeStates))
	for id, status := range c.nodeStates {
		states[id] = status
	}
	results := make(map[string]any, len(c.nodeResults))
	for id, result := range c.nodeResults {
		results[id] = result
	}

	return &Snapshot{
		ExecutionID:       c.ExecutionID,
		WorkflowID:        c.WorkflowID,
		StartedAt:         c.StartedAt,
		DryRun:            c.DryRun,
		SubworkflowDepth:  c.SubworkflowDepth,
		ParentExecutionID: c.ParentExecutionID,
		Variables:         variables,
		NodeStates:        states,
		NodeResults:       results,
		Counters:          c.counters,
		Cancelled:         c.cancelled,
		CancelReason:      c.cancelReason,
		DurationMs:        time.Since(c.StartedAt).Milliseconds(),
	}
}

// EvalVars assembles the variable map handed to the expression evaluator:
// input, visible variables by name, and node results by node id.
func (c *Context) EvalVars() map[string]any {
	vars := make(map[string]any)
	vars["input"] = c.Input

	for name, v := range c.Variables() {
		vars[name] = v.Value
	}
	for id, result := range c.NodeResults() {
		vars[id] = result
	}
	return vars
}
