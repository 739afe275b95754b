// Package fault defines the error taxonomy shared by the workflow engine.
//
// Every failure that crosses a component boundary is classified with a Kind so
// the scheduler can decide on retries and the event surface can report errors
// without leaking host internals.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure
type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindExpr             Kind = "ExprError"
	KindExprTimeout      Kind = "ExprTimeout"
	KindExprMemory       Kind = "ExprMemory"
	KindTransport        Kind = "TransportError"
	KindAdapter          Kind = "AdapterError"
	KindRetryExhausted   Kind = "RetryExhausted"
	KindLoopLimit        Kind = "LoopLimitExceeded"
	KindSubworkflowDepth Kind = "SubworkflowDepthExceeded"
	KindCancelled        Kind = "Cancelled"
	KindCapacity         Kind = "CapacityExceeded"
	KindInternal         Kind = "Internal"
)

// CancelReason describes why an execution was cancelled
type CancelReason string

const (
	ReasonUserCancelled     CancelReason = "UserCancelled"
	ReasonExecutionTimeout  CancelReason = "ExecutionTimeout"
	ReasonSchedulerShutdown CancelReason = "SchedulerShutdown"
	ReasonFatalNodeFailure  CancelReason = "FatalNodeFailure"
)

// Error is a classified engine error. Message is safe for subscribers; wrapped
// causes may carry host detail and must not cross the event surface.
type Error struct {
	Kind      Kind
	Message   string
	NodeID    string
	Retryable bool
	cause     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %s)", e.Kind, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// WithNode returns a copy of the error tagged with a node id. The first node
// tag wins so subworkflow failures keep their origin.
func (e *Error) WithNode(nodeID string) *Error {
	if e.NodeID != "" {
		return e
	}
	clone := *e
	clone.NodeID = nodeID
	return &clone
}

// New creates a classified error
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(kind),
	}
}

// Wrap classifies an underlying error without exposing its text to subscribers
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(kind),
		cause:     cause,
	}
}

// Validation creates a non-retryable validation error
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// Adapter creates a connector failure with explicit retryability
func Adapter(retryable bool, format string, args ...any) *Error {
	err := New(KindAdapter, format, args...)
	err.Retryable = retryable
	return err
}

// Cancelled creates a cancellation error carrying its reason
func Cancelled(reason CancelReason) *Error {
	return New(KindCancelled, "execution cancelled: %s", reason)
}

// KindOf extracts the Kind from any error; unclassified errors are Internal
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a retry wrapper may re-run the failed action
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	// Unclassified errors are treated as transient
	return true
}

// AsError coerces any error into a classified *Error
func AsError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(KindInternal, err, "internal error")
}

// Public returns the subscriber-safe view of an error
func Public(err error) (kind Kind, message, nodeID string) {
	fe := AsError(err)
	return fe.Kind, fe.Message, fe.NodeID
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindValidation, KindCancelled, KindCapacity, KindSubworkflowDepth, KindLoopLimit, KindRetryExhausted, KindExprMemory:
		return false
	default:
		return true
	}
}
