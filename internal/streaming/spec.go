package streaming

import (
	"strings"
	"time"
)

// SourceSpec names the input of a query and its format-specific options.
type SourceSpec struct {
	Format  string
	Options map[string]string
}

// SinkSpec names the output of a query and its format-specific options.
type SinkSpec struct {
	Format  string
	Options map[string]string
}

// QuerySpec describes a query to start. Plan carries engine-specific logical
// plan details and is validated by the Engine.
type QuerySpec struct {
	// Name is optional and unique among non-terminated queries.
	Name string
	// CheckpointLocation ties runs to a logical query id across restarts.
	CheckpointLocation string
	Source             SourceSpec
	Sink               SinkSpec
	// Trigger is the micro-batch interval; zero lets the engine choose.
	Trigger time.Duration
	Plan    any
}

// Validate checks the engine-independent fields.
func (s QuerySpec) Validate() error {
	if s.Name != strings.TrimSpace(s.Name) {
		return &ConfigurationError{Field: "name", Reason: "must not have leading or trailing whitespace"}
	}
	if strings.TrimSpace(s.Source.Format) == "" {
		return &ConfigurationError{Field: "source.format", Reason: "is required"}
	}
	if strings.TrimSpace(s.Sink.Format) == "" {
		return &ConfigurationError{Field: "sink.format", Reason: "is required"}
	}
	if s.Trigger < 0 {
		return &ConfigurationError{Field: "trigger", Reason: "must be >= 0"}
	}
	return nil
}
