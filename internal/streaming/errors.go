package streaming

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrManagerClosed is returned by operations issued after Manager.Close.
	ErrManagerClosed = errors.New("query manager closed")
	// ErrAlreadyActive is returned when a run of the same query id is still active.
	ErrAlreadyActive = errors.New("query already active")
	// ErrNilListener is returned when registering a nil listener.
	ErrNilListener = errors.New("listener is nil")
)

// ConfigurationError reports an invalid query specification.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid query configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid query configuration: %s %s", e.Field, e.Reason)
}

// DuplicateNameError reports a name collision with a non-terminated query.
type DuplicateNameError struct {
	Name        string
	ActiveRunID uuid.UUID
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("query name %q is already used by active run %s", e.Name, e.ActiveRunID)
}

// StreamingQueryError is the terminal failure of a query run.
type StreamingQueryError struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	Name        string
	StartOffset string
	EndOffset   string
	Cause       error
}

func (e *StreamingQueryError) Error() string {
	msg := fmt.Sprintf("query %s [id=%s, runId=%s] terminated with exception", e.displayName(), e.ID, e.RunID)
	if e.StartOffset != "" || e.EndOffset != "" {
		msg += fmt.Sprintf(" (offsets %s..%s)", e.StartOffset, e.EndOffset)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause chain.
func (e *StreamingQueryError) Unwrap() error {
	return e.Cause
}

func (e *StreamingQueryError) displayName() string {
	if e.Name == "" {
		return "<unnamed>"
	}
	return e.Name
}

// ListenerDispatchError wraps a failure raised by one listener handler. It is
// logged by the Registry and never returned to the emitter.
type ListenerDispatchError struct {
	Listener string
	Kind     EventKind
	Cause    error
}

func (e *ListenerDispatchError) Error() string {
	return fmt.Sprintf("listener %s failed handling %s: %v", e.Listener, e.Kind, e.Cause)
}

// Unwrap exposes the handler error.
func (e *ListenerDispatchError) Unwrap() error {
	return e.Cause
}

// BatchFailure is the error an Engine reports through OnQueryFailed when a
// micro-batch cannot complete. The offsets describe the failed batch's input.
type BatchFailure struct {
	BatchID     int64
	StartOffset string
	EndOffset   string
	Err         error
}

func (e *BatchFailure) Error() string {
	return fmt.Sprintf("batch %d failed: %v", e.BatchID, e.Err)
}

// Unwrap exposes the batch error.
func (e *BatchFailure) Unwrap() error {
	return e.Err
}

func newQueryError(h *Handle, cause error) *StreamingQueryError {
	qe := &StreamingQueryError{ID: h.id, RunID: h.runID, Name: h.name, Cause: cause}
	var bf *BatchFailure
	if errors.As(cause, &bf) {
		qe.StartOffset = bf.StartOffset
		qe.EndOffset = bf.EndOffset
	}
	return qe
}
