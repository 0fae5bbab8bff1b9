package streaming

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// StateOperatorProgress reports one stateful operator of a micro-batch.
type StateOperatorProgress struct {
	OperatorName              string           `json:"operatorName"`
	NumRowsTotal              int64            `json:"numRowsTotal"`
	NumRowsUpdated            int64            `json:"numRowsUpdated"`
	NumRowsRemoved            int64            `json:"numRowsRemoved"`
	NumRowsDroppedByWatermark int64            `json:"numRowsDroppedByWatermark"`
	MemoryUsedBytes           int64            `json:"memoryUsedBytes"`
	NumShufflePartitions      int              `json:"numShufflePartitions"`
	CustomMetrics             map[string]int64 `json:"customMetrics"`
}

// SourceProgress reports the input consumed from one source.
type SourceProgress struct {
	Description            string  `json:"description"`
	StartOffset            string  `json:"startOffset"`
	EndOffset              string  `json:"endOffset"`
	LatestOffset           string  `json:"latestOffset"`
	NumInputRows           int64   `json:"numInputRows"`
	InputRowsPerSecond     float64 `json:"inputRowsPerSecond"`
	ProcessedRowsPerSecond float64 `json:"processedRowsPerSecond"`
}

// SinkProgress reports the output written by a micro-batch.
type SinkProgress struct {
	Description   string `json:"description"`
	NumOutputRows int64  `json:"numOutputRows"`
}

// BatchMetrics are the raw metrics an Engine reports for a completed batch.
type BatchMetrics struct {
	BatchID                int64
	Timestamp              time.Time
	NumInputRows           int64
	InputRowsPerSecond     float64
	ProcessedRowsPerSecond float64
	DurationMs             map[string]int64
	EventTime              map[string]string
	StateOperators         []StateOperatorProgress
	Sources                []SourceProgress
	Sink                   SinkProgress
	ObservedMetrics        map[string]map[string]any
}

// ProgressSnapshot is the immutable progress report of one completed
// micro-batch. Snapshots are shared between handles and listeners and must not
// be modified.
type ProgressSnapshot struct {
	ID                     uuid.UUID                 `json:"id"`
	RunID                  uuid.UUID                 `json:"runId"`
	Name                   string                    `json:"name"`
	Timestamp              time.Time                 `json:"timestamp"`
	BatchID                int64                     `json:"batchId"`
	NumInputRows           int64                     `json:"numInputRows"`
	InputRowsPerSecond     float64                   `json:"inputRowsPerSecond"`
	ProcessedRowsPerSecond float64                   `json:"processedRowsPerSecond"`
	DurationMs             map[string]int64          `json:"durationMs"`
	EventTime              map[string]string         `json:"eventTime"`
	StateOperators         []StateOperatorProgress   `json:"stateOperators"`
	Sources                []SourceProgress          `json:"sources"`
	Sink                   SinkProgress              `json:"sink"`
	ObservedMetrics        map[string]map[string]any `json:"observedMetrics"`
}

// NewSnapshot builds a snapshot for the run from engine metrics. All maps and
// slices are copied so later engine reuse cannot leak into the snapshot.
func NewSnapshot(h *Handle, m BatchMetrics, now time.Time) *ProgressSnapshot {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = now
	}
	snap := &ProgressSnapshot{
		ID:                     h.id,
		RunID:                  h.runID,
		Name:                   h.name,
		Timestamp:              ts.UTC(),
		BatchID:                m.BatchID,
		NumInputRows:           m.NumInputRows,
		InputRowsPerSecond:     m.InputRowsPerSecond,
		ProcessedRowsPerSecond: m.ProcessedRowsPerSecond,
		DurationMs:             copyMap(m.DurationMs),
		EventTime:              copyMap(m.EventTime),
		Sources:                append([]SourceProgress{}, m.Sources...),
		Sink:                   m.Sink,
		ObservedMetrics:        make(map[string]map[string]any, len(m.ObservedMetrics)),
	}
	snap.StateOperators = make([]StateOperatorProgress, 0, len(m.StateOperators))
	for _, op := range m.StateOperators {
		op.CustomMetrics = copyMap(op.CustomMetrics)
		snap.StateOperators = append(snap.StateOperators, op)
	}
	for name, row := range m.ObservedMetrics {
		snap.ObservedMetrics[name] = copyMap(row)
	}
	return snap
}

// JSON renders the snapshot in its compact wire form.
func (p *ProgressSnapshot) JSON() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal progress: %w", err)
	}
	return string(data), nil
}

// PrettyJSON renders the snapshot indented for humans.
func (p *ProgressSnapshot) PrettyJSON() (string, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal progress: %w", err)
	}
	return string(data), nil
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	maps.Copy(out, in)
	return out
}
