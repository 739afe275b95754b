// Package ports defines the external collaborator interfaces the engine is
// consumed through, plus in-memory implementations for tests and embedding.
package ports

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/flowengine/execution"
	"github.com/lyzr/flowengine/fault"
	"github.com/lyzr/flowengine/workflow"
)

// ExecutionStatus is the persisted status of an execution record
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionRecord is the persisted form of an execution. It is written at
// start and on terminal transition only; live progress goes through events.
type ExecutionRecord struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflowId"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	InputData    map[string]any  `json:"inputData,omitempty"`
	OutputData   map[string]any  `json:"outputData,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Metrics      map[string]any  `json:"metrics,omitempty"`
}

// Store is the persistence port. Implementations are opaque to the engine;
// the core must tolerate a null implementation for tests.
type Store interface {
	LoadWorkflow(ctx context.Context, id string) (*workflow.Definition, error)
	CreateExecution(ctx context.Context, record *ExecutionRecord) error
	CompleteExecution(ctx context.Context, id string, status ExecutionStatus, output map[string]any, errorMessage string, metrics map[string]any) error
	AppendExecutionLog(ctx context.Context, id string, entries []execution.LogEntry) error
}

// Queryer is an optional extension of Store used by the database-query
// connector. Stores that cannot run queries simply don't implement it.
type Queryer interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// StaleMarker is an optional extension of Store used by the reaper to mark
// executions stuck in running as failed.
type StaleMarker interface {
	MarkStaleFailed(ctx context.Context, olderThan time.Time, message string) (int, error)
}

// NullStore is an in-memory Store for tests and storeless embedding
type NullStore struct {
	mu        sync.Mutex
	workflows map[string]*workflow.Definition
	records   map[string]*ExecutionRecord
	logs      map[string][]execution.LogEntry
}

// NewNullStore creates an empty in-memory store
func NewNullStore() *NullStore {
	return &NullStore{
		workflows: make(map[string]*workflow.Definition),
		records:   make(map[string]*ExecutionRecord),
		logs:      make(map[string][]execution.LogEntry),
	}
}

// AddWorkflow registers a definition so subworkflow nodes can resolve it
func (s *NullStore) AddWorkflow(def *workflow.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[def.ID] = def
}

// LoadWorkflow resolves a stored definition by id
func (s *NullStore) LoadWorkflow(ctx context.Context, id string) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.workflows[id]
	if !ok {
		return nil, fault.New(fault.KindValidation, "workflow not found: %s", id)
	}
	return def, nil
}

// CreateExecution stores the initial execution record
func (s *NullStore) CreateExecution(ctx context.Context, record *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.records[record.ID] = &clone
	return nil
}

// CompleteExecution records the terminal transition
func (s *NullStore) CompleteExecution(ctx context.Context, id string, status ExecutionStatus, output map[string]any, errorMessage string, metrics map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		record = &ExecutionRecord{ID: id}
		s.records[id] = record
	}
	now := time.Now()
	record.Status = status
	record.CompletedAt = &now
	record.OutputData = output
	record.ErrorMessage = errorMessage
	record.Metrics = metrics
	return nil
}

// AppendExecutionLog appends log entries for an execution
func (s *NullStore) AppendExecutionLog(ctx context.Context, id string, entries []execution.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = append(s.logs[id], entries...)
	return nil
}

// Record returns the stored record for inspection in tests
func (s *NullStore) Record(id string) (*ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, false
	}
	clone := *record
	return &clone, true
}

// ExecutionLog returns the appended log entries for an execution
func (s *NullStore) ExecutionLog(id string) []execution.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]execution.LogEntry{}, s.logs[id]...)
}

// MarkStaleFailed marks in-memory records stuck in running as failed
func (s *NullStore) MarkStaleFailed(ctx context.Context, olderThan time.Time, message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	now := time.Now()
	for _, record := range s.records {
		if record.Status == StatusRunning && record.StartedAt.Before(olderThan) {
			record.Status = StatusFailed
			record.ErrorMessage = message
			record.CompletedAt = &now
			count++
		}
	}
	return count, nil
}
