// Package connector maps connector type identifiers to executable adapters
// and records per-connector statistics. Built-in adapters cover HTTP, data
// transforms, utility operations, conditionals, delays, validation and a few
// integration stubs; anything else is registered by the embedding process.
package connector

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyzr/flowengine/execution"
	"github.com/lyzr/flowengine/fault"
	"github.com/lyzr/flowengine/workflow"
)

// Adapter executes a connector-typed node. It must be total: failures are
// reported only through the returned error, and when ctx.IsDryRun() is set
// the adapter returns a shape-compatible placeholder without side effects.
type Adapter func(ctx context.Context, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error)

// Definition describes a registered connector
type Definition struct {
	Type     string   `json:"type"`
	Version  string   `json:"version,omitempty"`
	Category string   `json:"category,omitempty"`
	Inputs   []string `json:"inputs,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`
	Adapter  Adapter  `json:"-"`
}

// Stats is the per-connector counter snapshot
type Stats struct {
	Executions      int64 `json:"executions"`
	Failures        int64 `json:"failures"`
	TotalDurationMs int64 `json:"totalDurationMs"`
	LastUsedTs      int64 `json:"lastUsedTs"`
}

// counters backs Stats with atomics; no stronger consistency is required
type counters struct {
	executions      atomic.Int64
	failures        atomic.Int64
	totalDurationMs atomic.Int64
	lastUsedUnixMs  atomic.Int64
}

// Registry maintains the connector type mapping. Reads dominate after
// startup, so a RWMutex over the definition map is sufficient.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	stats map[string]*counters
}

// NewRegistry creates an empty connector registry
func NewRegistry() *Registry {
	return &Registry{
		defs:  make(map[string]*Definition),
		stats: make(map[string]*counters),
	}
}

// Register adds a connector definition under its type identifier
func (r *Registry) Register(connectorType string, def *Definition) error {
	if connectorType == "" {
		return fault.Validation("connector type must not be empty")
	}
	if def == nil || def.Adapter == nil {
		return fault.Validation("connector %s has no adapter", connectorType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *def
	clone.Type = connectorType
	r.defs[connectorType] = &clone
	if _, exists := r.stats[connectorType]; !exists {
		r.stats[connectorType] = &counters{}
	}
	return nil
}

// Get returns the definition for a connector type
func (r *Registry) Get(connectorType string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[connectorType]
	return def, ok
}

// Has reports whether an adapter is registered for the type
func (r *Registry) Has(connectorType string) bool {
	_, ok := r.Get(connectorType)
	return ok
}

// List returns the registered definitions sorted by type
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Execute runs the adapter for a connector type, recording execution count,
// duration and failures
func (r *Registry) Execute(ctx context.Context, connectorType string, node *workflow.Node, prevResults map[string]any, ec *execution.Context) (any, error) {
	def, ok := r.Get(connectorType)
	if !ok {
		return nil, fault.Validation("no connector registered for type %q", connectorType)
	}

	r.mu.RLock()
	stat := r.stats[connectorType]
	r.mu.RUnlock()

	stat.executions.Add(1)
	stat.lastUsedUnixMs.Store(time.Now().UnixMilli())

	start := time.Now()
	result, err := def.Adapter(ctx, node, prevResults, ec)
	stat.totalDurationMs.Add(time.Since(start).Milliseconds())

	if err != nil {
		stat.failures.Add(1)
		return nil, err
	}
	return result, nil
}

// Statistics returns a snapshot of all connector counters
func (r *Registry) Statistics() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.stats))
	for connectorType, stat := range r.stats {
		out[connectorType] = Stats{
			Executions:      stat.executions.Load(),
			Failures:        stat.failures.Load(),
			TotalDurationMs: stat.totalDurationMs.Load(),
			LastUsedTs:      stat.lastUsedUnixMs.Load(),
		}
	}
	return out
}
