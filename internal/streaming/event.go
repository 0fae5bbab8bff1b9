package streaming

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a lifecycle event variant.
type EventKind string

// Lifecycle event kinds.
const (
	KindStarted    EventKind = "QueryStarted"
	KindProgress   EventKind = "QueryProgress"
	KindIdle       EventKind = "QueryIdle"
	KindTerminated EventKind = "QueryTerminated"
)

// Event is one lifecycle notification. Concrete values are
// QueryStartedEvent, QueryProgressEvent, QueryIdleEvent and QueryTerminatedEvent.
type Event interface {
	Kind() EventKind
	QueryRunID() uuid.UUID
}

// QueryStartedEvent is emitted once a run finished initializing.
type QueryStartedEvent struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"runId"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// Kind implements Event.
func (QueryStartedEvent) Kind() EventKind { return KindStarted }

// QueryRunID implements Event.
func (e QueryStartedEvent) QueryRunID() uuid.UUID { return e.RunID }

// QueryProgressEvent carries the snapshot of one completed micro-batch.
type QueryProgressEvent struct {
	Progress *ProgressSnapshot `json:"progress"`
}

// Kind implements Event.
func (QueryProgressEvent) Kind() EventKind { return KindProgress }

// QueryRunID implements Event.
func (e QueryProgressEvent) QueryRunID() uuid.UUID {
	if e.Progress == nil {
		return uuid.Nil
	}
	return e.Progress.RunID
}

// QueryIdleEvent is emitted when a trigger found no new input.
type QueryIdleEvent struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
}

// Kind implements Event.
func (QueryIdleEvent) Kind() EventKind { return KindIdle }

// QueryRunID implements Event.
func (e QueryIdleEvent) QueryRunID() uuid.UUID { return e.RunID }

// QueryTerminatedEvent is the last event of every run. Exception is nil for
// runs that were stopped cleanly.
type QueryTerminatedEvent struct {
	ID        uuid.UUID            `json:"id"`
	RunID     uuid.UUID            `json:"runId"`
	Exception *StreamingQueryError `json:"-"`
}

// Kind implements Event.
func (QueryTerminatedEvent) Kind() EventKind { return KindTerminated }

// QueryRunID implements Event.
func (e QueryTerminatedEvent) QueryRunID() uuid.UUID { return e.RunID }

// ExceptionMessage returns the failure text or "" for clean stops.
func (e QueryTerminatedEvent) ExceptionMessage() string {
	if e.Exception == nil {
		return ""
	}
	return e.Exception.Error()
}
