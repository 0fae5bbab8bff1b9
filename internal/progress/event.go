package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/streamq/internal/streaming"
)

// Event captures one query lifecycle notification.
type Event struct {
	// Kind is the lifecycle variant.
	Kind streaming.EventKind `json:"kind"`
	// QueryID is stable across restarts from the same checkpoint.
	QueryID uuid.UUID `json:"id"`
	// RunID is unique per start.
	RunID uuid.UUID `json:"runId"`
	// Name is set on started and progress events of named queries.
	Name string `json:"name,omitempty"`
	// TS is when the event happened, or when the hub received it for
	// events that carry no timestamp of their own.
	TS time.Time `json:"timestamp"`
	// Progress is set on progress events only.
	Progress *streaming.ProgressSnapshot `json:"progress,omitempty"`
	// Exception holds the failure text of failed runs.
	Exception string `json:"exception,omitempty"`
}

// FromStreaming flattens evt. now stamps events without their own timestamp.
func FromStreaming(evt streaming.Event, now time.Time) Event {
	out := Event{Kind: evt.Kind(), RunID: evt.QueryRunID(), TS: now}
	switch e := evt.(type) {
	case streaming.QueryStartedEvent:
		out.QueryID, out.Name, out.TS = e.ID, e.Name, e.Timestamp
	case streaming.QueryProgressEvent:
		if e.Progress != nil {
			out.QueryID, out.Name, out.TS = e.Progress.ID, e.Progress.Name, e.Progress.Timestamp
			out.Progress = e.Progress
		}
	case streaming.QueryIdleEvent:
		out.QueryID, out.TS = e.ID, e.Timestamp
	case streaming.QueryTerminatedEvent:
		out.QueryID = e.ID
		out.Exception = e.ExceptionMessage()
	}
	if out.TS.IsZero() {
		out.TS = now
	}
	return out
}

// Failed reports whether a terminated event carries a failure.
func (e Event) Failed() bool {
	return e.Kind == streaming.KindTerminated && e.Exception != ""
}

// Attributes returns the message attributes used by publishers.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"kind":     string(e.Kind),
		"query_id": e.QueryID.String(),
		"run_id":   e.RunID.String(),
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case streaming.KindStarted, streaming.KindIdle, streaming.KindTerminated:
	case streaming.KindProgress:
		if e.Progress == nil {
			return errors.New("progress event requires a snapshot")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// OrderingKey keeps the events of one run in order on ordered transports.
func (e Event) OrderingKey() string {
	return e.RunID.String()
}
