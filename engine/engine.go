package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/connector"
	"github.com/lyzr/flowengine/events"
	"github.com/lyzr/flowengine/execution"
	"github.com/lyzr/flowengine/expression"
	"github.com/lyzr/flowengine/fault"
	"github.com/lyzr/flowengine/ports"
	"github.com/lyzr/flowengine/workflow"
)

// Engine is the workflow execution facade. It owns validation, capacity,
// scheduling, events and lifecycle persistence.
type Engine struct {
	cfg      config.EngineConfig
	log      *logger.Logger
	eval     *expression.Evaluator
	cel      *expression.CELEvaluator
	registry *connector.Registry
	store    ports.Store
	hub      *events.Hub

	dispatcher *Dispatcher
	scheduler  *Scheduler

	slots chan struct{}

	mu       sync.Mutex
	active   map[string]*execution.Context
	finished map[string]*finishedExecution

	closeOnce sync.Once
}

type finishedExecution struct {
	snapshot *execution.Snapshot
	status   ports.ExecutionStatus
	at       time.Time
}

// Options wires an engine
type Options struct {
	Config config.EngineConfig
	Store  ports.Store
	HTTP   ports.HTTPDoer
	// Sink receives a copy of every event, e.g. a Redis relay
	Sink   events.Publisher
	Logger *logger.Logger
}

// New creates an engine with the built-in connector set registered
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Store == nil {
		opts.Store = ports.NewNullStore()
	}
	if opts.HTTP == nil {
		opts.HTTP = ports.NewHTTPClient(opts.Config.HTTPTimeout)
	}
	cfg := withDefaults(opts.Config)

	eval := expression.NewEvaluator(opts.Logger).WithTimeout(cfg.ExpressionTimeout)
	cel := expression.NewCELEvaluator()

	hub := events.NewHub(events.HubOptions{
		HeartbeatInterval: cfg.HeartbeatInterval,
		TerminalRetention: cfg.TerminalRetention,
		Sink:              opts.Sink,
		Logger:            opts.Logger,
	})

	registry := connector.NewRegistry()
	if err := connector.RegisterBuiltins(registry, connector.BuiltinDeps{
		Evaluator: eval,
		CEL:       cel,
		HTTP:      opts.HTTP,
		Store:     opts.Store,
		Logger:    opts.Logger,
	}); err != nil {
		return nil, err
	}

	dispatcher := NewDispatcher(DispatcherOptions{
		Evaluator:           eval,
		Registry:            registry,
		Store:               opts.Store,
		Events:              hub,
		Logger:              opts.Logger,
		MaxSubworkflowDepth: cfg.SubworkflowDepthLimit,
	})

	scheduler := NewScheduler(SchedulerOptions{
		Dispatcher:  dispatcher,
		Events:      hub,
		Logger:      opts.Logger,
		Parallelism: cfg.MaxParallelBranches,
	})

	e := &Engine{
		cfg:        cfg,
		log:        opts.Logger,
		eval:       eval,
		cel:        cel,
		registry:   registry,
		store:      opts.Store,
		hub:        hub,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		slots:      make(chan struct{}, cfg.MaxConcurrentExecutions),
		active:     make(map[string]*execution.Context),
		finished:   make(map[string]*finishedExecution),
	}
	dispatcher.runSubworkflow = e.runSubworkflow
	return e, nil
}

func withDefaults(cfg config.EngineConfig) config.EngineConfig {
	if cfg.MaxParallelBranches <= 0 {
		cfg.MaxParallelBranches = defaultParallelism
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = 100
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 5 * time.Minute
	}
	if cfg.ExpressionTimeout <= 0 {
		cfg.ExpressionTimeout = 5 * time.Second
	}
	if cfg.LogRingSize <= 0 {
		cfg.LogRingSize = execution.DefaultLogRingSize
	}
	if cfg.SubworkflowDepthLimit <= 0 {
		cfg.SubworkflowDepthLimit = defaultMaxSubworkflowDepth
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = time.Hour
	}
	if cfg.StaleRunningAfter <= 0 {
		cfg.StaleRunningAfter = 24 * time.Hour
	}
	return cfg
}

// Close shuts the event hub down and cancels every active execution
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		for _, ec := range e.active {
			ec.Cancel(fault.ReasonSchedulerShutdown)
		}
		e.mu.Unlock()
		e.hub.Close()
	})
}

// ExecuteOptions controls one workflow run
type ExecuteOptions struct {
	ExecutionID string
	DryRun      bool
}

// Result is the terminal outcome of an execution
type Result struct {
	ExecutionID string                `json:"executionId"`
	WorkflowID  string                `json:"workflowId"`
	Status      ports.ExecutionStatus `json:"status"`
	Output      map[string]any        `json:"output,omitempty"`
	Error       string                `json:"error,omitempty"`
	ErrorKind   string                `json:"errorKind,omitempty"`
	Counters    execution.Counters    `json:"counters"`
	DurationMs  int64                 `json:"durationMs"`
	DryRun      bool                  `json:"dryRun,omitempty"`
}

// ValidateWorkflow checks a definition without executing it
func (e *Engine) ValidateWorkflow(def *workflow.Definition) *workflow.ValidationResult {
	return workflow.Validate(def, e.registry.Has)
}

// ExecuteWorkflowByID loads a stored definition and executes it
func (e *Engine) ExecuteWorkflowByID(ctx context.Context, workflowID string, input map[string]any, opts ExecuteOptions) (*Result, error) {
	def, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.ExecuteWorkflow(ctx, def, input, opts)
}

// ExecuteWorkflow validates and runs a definition to completion. The call is
// synchronous; progress is observable through Subscribe while it runs.
func (e *Engine) ExecuteWorkflow(ctx context.Context, def *workflow.Definition, input map[string]any, opts ExecuteOptions) (*Result, error) {
	vr := e.ValidateWorkflow(def)
	if !vr.OK {
		return nil, fault.Validation("workflow validation failed: %s", strings.Join(vr.Errors, "; "))
	}

	// Fail fast at capacity instead of queueing
	select {
	case e.slots <- struct{}{}:
	default:
		return nil, fault.New(fault.KindCapacity,
			"engine at capacity (%d concurrent executions)", e.cfg.MaxConcurrentExecutions)
	}
	defer func() { <-e.slots }()

	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}

	// Executions run against a snapshot of the definition
	def = def.Clone()
	plan := workflow.BuildPlan(def)

	ec := execution.NewContext(ctx, execution.Options{
		ExecutionID: executionID,
		WorkflowID:  def.ID,
		DryRun:      opts.DryRun,
		Input:       input,
		LogRingSize: e.cfg.LogRingSize,
	})

	e.mu.Lock()
	e.active[executionID] = ec
	e.mu.Unlock()

	if !opts.DryRun {
		record := &ports.ExecutionRecord{
			ID:         executionID,
			WorkflowID: def.ID,
			Status:     ports.StatusRunning,
			StartedAt:  ec.StartedAt,
			InputData:  input,
		}
		if err := e.store.CreateExecution(ctx, record); err != nil {
			e.mu.Lock()
			delete(e.active, executionID)
			e.mu.Unlock()
			return nil, fault.Wrap(fault.KindTransport, err, "failed to persist execution start")
		}
	}

	e.hub.Publish(executionID, events.ExecutionStarted, "", map[string]any{
		"workflowId": def.ID,
		"dryRun":     opts.DryRun,
	})

	output, runErr := e.runWithTimeout(def, plan, ec)
	return e.finish(ctx, def, ec, output, runErr, opts.DryRun)
}

// runWithTimeout executes the plan under the configured execution deadline
func (e *Engine) runWithTimeout(def *workflow.Definition, plan *workflow.Plan, ec *execution.Context) (map[string]any, error) {
	runCtx, cancel := context.WithTimeout(ec.Ctx(), e.cfg.ExecutionTimeout)
	defer cancel()

	// Deadline expiry cancels the execution with its own reason
	go func() {
		<-runCtx.Done()
		if runCtx.Err() == context.DeadlineExceeded {
			ec.Cancel(fault.ReasonExecutionTimeout)
		}
	}()

	return e.scheduler.Run(runCtx, def, plan, ec)
}

// finish classifies the terminal state, persists it and publishes the
// terminal event
func (e *Engine) finish(ctx context.Context, def *workflow.Definition, ec *execution.Context, output map[string]any, runErr error, dryRun bool) (*Result, error) {
	status := ports.StatusCompleted
	kind := events.ExecutionCompleted
	var errMessage, errKind string

	if runErr != nil {
		status = ports.StatusFailed
		kind = events.ExecutionFailed
		k, msg, nodeID := fault.Public(runErr)
		errMessage, errKind = msg, string(k)
		if nodeID != "" {
			errMessage = msg + " (node " + nodeID + ")"
		}

		// Any cancellation reason classifies as cancelled; a node failure
		// that triggered the cancellation keeps the run failed
		if fault.KindOf(runErr) == fault.KindCancelled {
			status = ports.StatusCancelled
			kind = events.ExecutionCancelled
		}
	}

	counters := ec.CountersSnapshot()
	result := &Result{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  def.ID,
		Status:      status,
		Output:      output,
		Error:       errMessage,
		ErrorKind:   errKind,
		Counters:    counters,
		DurationMs:  ec.Duration().Milliseconds(),
		DryRun:      dryRun,
	}

	if !dryRun {
		metrics := map[string]any{
			"nodesExecuted":    counters.NodesExecuted,
			"nodesFailed":      counters.NodesFailed,
			"retries":          counters.Retries,
			"parallelBranches": counters.ParallelBranches,
			"durationMs":       result.DurationMs,
		}
		// Persistence uses a fresh context so a cancelled run still records
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.store.CompleteExecution(persistCtx, ec.ExecutionID, status, output, errMessage, metrics); err != nil {
			e.log.Error("failed to persist terminal state", "error", err.Error(), "execution_id", ec.ExecutionID)
		}
		if logs := ec.Logs(); len(logs) > 0 {
			if err := e.store.AppendExecutionLog(persistCtx, ec.ExecutionID, logs); err != nil {
				e.log.Error("failed to persist execution log", "error", err.Error(), "execution_id", ec.ExecutionID)
			}
		}
	}

	e.hub.Publish(ec.ExecutionID, kind, "", map[string]any{
		"status":     string(status),
		"error":      errMessage,
		"errorKind":  errKind,
		"durationMs": result.DurationMs,
	})

	e.mu.Lock()
	delete(e.active, ec.ExecutionID)
	e.finished[ec.ExecutionID] = &finishedExecution{
		snapshot: ec.Snapshot(),
		status:   status,
		at:       time.Now(),
	}
	e.mu.Unlock()

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// runSubworkflow executes a child workflow synchronously under the parent's
// cancellation and global variable scope
func (e *Engine) runSubworkflow(ctx context.Context, workflowID string, input map[string]any, parent *execution.Context) (map[string]any, error) {
	def, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	vr := e.ValidateWorkflow(def)
	if !vr.OK {
		return nil, fault.Validation("subworkflow validation failed: %s", strings.Join(vr.Errors, "; "))
	}

	def = def.Clone()
	plan := workflow.BuildPlan(def)

	child := execution.NewContext(ctx, execution.Options{
		ExecutionID:       uuid.New().String(),
		WorkflowID:        def.ID,
		DryRun:            parent.IsDryRun(),
		SubworkflowDepth:  parent.SubworkflowDepth + 1,
		ParentExecutionID: parent.ExecutionID,
		Input:             input,
		LogRingSize:       e.cfg.LogRingSize,
		Parent:            parent,
	})

	// Parent cancellation propagates to the child
	go func() {
		<-parent.Done()
		if cancelled, reason := parent.Cancelled(); cancelled {
			child.Cancel(reason)
		}
	}()

	return e.scheduler.Run(ctx, def, plan, child)
}

// CancelExecution requests cooperative cancellation of a running execution
func (e *Engine) CancelExecution(executionID string, reason fault.CancelReason) error {
	e.mu.Lock()
	ec, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return fault.Validation("no active execution: %s", executionID)
	}
	if reason == "" {
		reason = fault.ReasonUserCancelled
	}
	ec.Cancel(reason)
	return nil
}

// ExecutionSnapshot returns the live or retained snapshot of an execution
func (e *Engine) ExecutionSnapshot(executionID string) (*execution.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ec, ok := e.active[executionID]; ok {
		return ec.Snapshot(), true
	}
	if fin, ok := e.finished[executionID]; ok {
		return fin.snapshot, true
	}
	return nil, false
}

// ActiveExecutions returns the ids of currently running executions
func (e *Engine) ActiveExecutions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe attaches to an execution's event stream
func (e *Engine) Subscribe(executionID, connectionID string, fromSeq uint64) <-chan events.Event {
	return e.hub.Subscribe(executionID, connectionID, fromSeq)
}

// Unsubscribe detaches a connection from an execution's event stream
func (e *Engine) Unsubscribe(executionID, connectionID string) {
	e.hub.Unsubscribe(executionID, connectionID)
}

// EventSeq returns the latest event sequence of an execution stream
func (e *Engine) EventSeq(executionID string) uint64 {
	return e.hub.CurrentSeq(executionID)
}

// RegisterConnector registers a custom connector adapter
func (e *Engine) RegisterConnector(connectorType string, def *connector.Definition) error {
	return e.registry.Register(connectorType, def)
}

// Connectors lists the registered connector definitions
func (e *Engine) Connectors() []*connector.Definition {
	return e.registry.List()
}

// ConnectorStats returns the per-connector execution counters
func (e *Engine) ConnectorStats() map[string]connector.Stats {
	return e.registry.Statistics()
}

// ValidateExpression checks an expression without evaluating it
func (e *Engine) ValidateExpression(code string) error {
	return e.eval.Validate(code)
}

// TestExpression evaluates an expression against caller-supplied variables
func (e *Engine) TestExpression(ctx context.Context, code string, vars map[string]any) (any, error) {
	return e.eval.Evaluate(ctx, code, vars)
}

// RenderTemplate resolves expression and path holes in a template string
func (e *Engine) RenderTemplate(ctx context.Context, template string, vars map[string]any) string {
	return e.eval.EvaluateTemplate(ctx, template, vars)
}

// pruneFinished drops retained snapshots older than the retention window
func (e *Engine) pruneFinished(olderThan time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for id, fin := range e.finished {
		if fin.at.Before(olderThan) {
			delete(e.finished, id)
			count++
		}
	}
	return count
}
