// Package events is the progress event surface of the engine. Every state
// change during an execution is published as an ordered event; subscribers
// observe progress without polling the store.
package events

import (
	"time"
)

// Kind names one event type on the progress stream
type Kind string

const (
	ExecutionStarted   Kind = "execution_started"
	ExecutionCompleted Kind = "execution_completed"
	ExecutionFailed    Kind = "execution_failed"
	ExecutionCancelled Kind = "execution_cancelled"
	NodeStarted        Kind = "node_started"
	NodeCompleted      Kind = "node_completed"
	NodeFailed         Kind = "node_failed"
	NodeRetrying       Kind = "node_retrying"
	Log                Kind = "log"
	Progress           Kind = "progress"
	Variables          Kind = "variables"
	Heartbeat          Kind = "heartbeat"
	Connected          Kind = "connected"
)

// IsTerminal reports whether this event ends the execution stream
func (k Kind) IsTerminal() bool {
	switch k {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Event is one entry on an execution's progress stream. Seq is assigned by
// the hub and is strictly monotonic per execution.
type Event struct {
	ExecutionID string         `json:"executionId"`
	Seq         uint64         `json:"seq"`
	Kind        Kind           `json:"kind"`
	Timestamp   time.Time      `json:"ts"`
	NodeID      string         `json:"nodeId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Publisher is the event port the engine emits through
type Publisher interface {
	Publish(executionID string, kind Kind, nodeID string, data map[string]any)
}

// NopPublisher discards all events
type NopPublisher struct{}

// Publish drops the event
func (NopPublisher) Publish(string, Kind, string, map[string]any) {}
