package microbatch

import (
	"time"
)

// Row is one record flowing through a query.
type Row struct {
	EventTime time.Time
	Key       string
	Value     int64
}

// TransformFunc maps one input row. A returned error fails the query.
type TransformFunc func(Row) (Row, error)

// Plan is the logical plan carried in streaming.QuerySpec.Plan.
type Plan struct {
	// Transform runs on every input row before aggregation.
	Transform TransformFunc
	// Window enables a tumbling-window count keyed on event time.
	Window time.Duration
	// Watermark is how late rows may arrive before their window is finalized.
	Watermark time.Duration
	// ShufflePartitions overrides the engine's state partition count.
	ShufflePartitions int
	// ObserveName publishes per-batch row statistics under this name.
	ObserveName string
}

const eventTimeLayout = "2006-01-02T15:04:05.000Z"

func formatEventTime(t time.Time) string {
	return t.UTC().Format(eventTimeLayout)
}
