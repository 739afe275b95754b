package engine

import (
	"context"

	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/events"
	"github.com/lyzr/flowengine/execution"
	"github.com/lyzr/flowengine/fault"
	"github.com/lyzr/flowengine/workflow"
)

// defaultParallelism caps concurrently running nodes per execution
const defaultParallelism = 10

// Scheduler walks a plan in dependency waves. Every node whose predecessors
// have completed is dispatched, up to the parallelism cap; a fatal node
// failure cancels the rest of the graph.
type Scheduler struct {
	dispatcher  *Dispatcher
	events      events.Publisher
	log         *logger.Logger
	parallelism int
}

// SchedulerOptions configures a scheduler
type SchedulerOptions struct {
	Dispatcher  *Dispatcher
	Events      events.Publisher
	Logger      *logger.Logger
	Parallelism int
}

// NewScheduler creates a wave scheduler
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &Scheduler{
		dispatcher:  opts.Dispatcher,
		events:      opts.Events,
		log:         opts.Logger,
		parallelism: opts.Parallelism,
	}
}

type nodeOutcome struct {
	id     string
	result any
	err    error
}

// Run executes the plan to completion and returns the workflow output.
// The context carries execution timeout and cancellation.
func (s *Scheduler) Run(ctx context.Context, def *workflow.Definition, plan *workflow.Plan, ec *execution.Context) (map[string]any, error) {
	byID := make(map[string]*workflow.Node, len(def.Nodes))
	for _, node := range def.Nodes {
		byID[node.ID] = node
	}

	completed := make(map[string]bool, len(def.Nodes))
	inFlight := make(map[string]bool)
	outcomes := make(chan nodeOutcome)
	sem := make(chan struct{}, s.parallelism)

	var firstErr error

	for len(completed) < len(def.Nodes) {
		// Dispatch gate: a cancelled execution starts no new nodes
		cancelled, reason := ec.Cancelled()
		if cancelled && firstErr == nil {
			firstErr = fault.Cancelled(reason)
		}

		if firstErr == nil {
			wave := 0
			for _, id := range plan.Ready(completed) {
				if inFlight[id] {
					continue
				}
				inFlight[id] = true
				wave++
				s.startNode(ctx, byID[id], ec, sem, outcomes)
			}
			if wave > 1 {
				ec.AddParallelBranches(wave)
			}
		}

		if len(inFlight) == 0 {
			break
		}

		outcome := <-outcomes
		delete(inFlight, outcome.id)
		completed[outcome.id] = true

		if outcome.err != nil {
			// A cancelled node is not a failure of its own
			if fault.KindOf(outcome.err) == fault.KindCancelled {
				ec.SetNodeState(outcome.id, execution.StateCancelled, nil, outcome.err)
				if firstErr == nil {
					if cancelled, reason := ec.Cancelled(); cancelled {
						firstErr = fault.Cancelled(reason)
					} else {
						firstErr = outcome.err
					}
				}
				continue
			}

			ec.SetNodeState(outcome.id, execution.StateFailed, nil, outcome.err)
			_, msg, _ := fault.Public(outcome.err)
			ec.AddLog("error", msg, outcome.id, map[string]any{
				"kind": string(fault.KindOf(outcome.err)),
			})
			s.events.Publish(ec.ExecutionID, events.Log, outcome.id, map[string]any{
				"level":   "error",
				"message": msg,
			})
			s.events.Publish(ec.ExecutionID, events.NodeFailed, outcome.id, map[string]any{
				"error": msg,
				"kind":  string(fault.KindOf(outcome.err)),
			})
			if firstErr == nil {
				firstErr = outcome.err
				ec.Cancel(fault.ReasonFatalNodeFailure)
			}
			continue
		}

		ec.SetNodeState(outcome.id, execution.StateCompleted, outcome.result, nil)
		s.events.Publish(ec.ExecutionID, events.NodeCompleted, outcome.id, map[string]any{
			"result": outcome.result,
		})
		s.publishProgress(ec, len(completed), len(def.Nodes))
	}

	if firstErr != nil {
		s.markUnfinished(def, completed, ec)
		return nil, firstErr
	}

	return s.collectOutput(def, ec), nil
}

// startNode runs one node on its own goroutine. The node stays pending until
// a semaphore slot frees, so at most parallelism nodes are ever in the
// running state.
func (s *Scheduler) startNode(ctx context.Context, node *workflow.Node, ec *execution.Context, sem chan struct{}, outcomes chan<- nodeOutcome) {
	prevResults := s.predecessorResults(node, ec)

	go func() {
		sem <- struct{}{}
		defer func() { <-sem }()

		if cancelled, reason := ec.Cancelled(); cancelled {
			outcomes <- nodeOutcome{id: node.ID, err: fault.Cancelled(reason)}
			return
		}

		ec.SetNodeState(node.ID, execution.StateRunning, nil, nil)
		s.events.Publish(ec.ExecutionID, events.NodeStarted, node.ID, map[string]any{
			"type": node.Type,
		})

		result, err := s.dispatcher.Execute(ctx, node, prevResults, ec)
		outcomes <- nodeOutcome{id: node.ID, result: result, err: err}
	}()
}

// predecessorResults gathers the completed results feeding into a node
func (s *Scheduler) predecessorResults(node *workflow.Node, ec *execution.Context) map[string]any {
	out := make(map[string]any)
	for id, result := range ec.NodeResults() {
		out[id] = result
	}
	return out
}

// markUnfinished marks never-started nodes after a fatal failure
func (s *Scheduler) markUnfinished(def *workflow.Definition, completed map[string]bool, ec *execution.Context) {
	cancelled, _ := ec.Cancelled()
	state := execution.StateSkipped
	if cancelled {
		state = execution.StateCancelled
	}
	for _, node := range def.Nodes {
		if !completed[node.ID] {
			ec.SetNodeState(node.ID, state, nil, nil)
		}
	}
}

// collectOutput assembles the workflow output: results of end/output nodes
// when present, otherwise the results of the leaf nodes
func (s *Scheduler) collectOutput(def *workflow.Definition, ec *execution.Context) map[string]any {
	output := make(map[string]any)

	for _, node := range def.Nodes {
		if node.Type == workflow.NodeTypeEnd || node.Type == workflow.NodeTypeOutput {
			if result, ok := ec.NodeResult(node.ID); ok {
				output[node.ID] = result
			}
		}
	}
	if len(output) > 0 {
		return output
	}

	for _, node := range def.Nodes {
		if len(node.Connections) == 0 {
			if result, ok := ec.NodeResult(node.ID); ok {
				output[node.ID] = result
			}
		}
	}
	return output
}

func (s *Scheduler) publishProgress(ec *execution.Context, done, total int) {
	counters := ec.CountersSnapshot()
	s.events.Publish(ec.ExecutionID, events.Progress, "", map[string]any{
		"completed": done,
		"total":     total,
		"counters":  counters,
	})
}
