package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/streamq/internal/engine/microbatch"
	"github.com/JakeFAU/streamq/internal/streaming"
)

// QueryTemplate describes a query that can be started by template name.
type QueryTemplate struct {
	Source             string            `mapstructure:"source"`
	SourceOptions      map[string]string `mapstructure:"source_options"`
	Sink               string            `mapstructure:"sink"`
	CheckpointLocation string            `mapstructure:"checkpoint_location"`
	TriggerMs          int               `mapstructure:"trigger_ms"`
	WindowSeconds      int               `mapstructure:"window_seconds"`
	WatermarkSeconds   int               `mapstructure:"watermark_seconds"`
	ShufflePartitions  int               `mapstructure:"shuffle_partitions"`
	ObserveName        string            `mapstructure:"observe_name"`
	Multiply           int64             `mapstructure:"multiply"`
	FailOnValue        *int64            `mapstructure:"fail_on_value"`
}

// ErrRejectedValue is returned by template transforms for the configured
// fail_on_value.
var ErrRejectedValue = errors.New("rejected value")

func (t QueryTemplate) validate() error {
	switch {
	case t.Source == "":
		return errors.New("source is required")
	case t.Sink == "":
		return errors.New("sink is required")
	case t.TriggerMs < 0:
		return errors.New("trigger_ms must be >= 0")
	case t.WindowSeconds < 0 || t.WatermarkSeconds < 0:
		return errors.New("window_seconds and watermark_seconds must be >= 0")
	case t.WatermarkSeconds > 0 && t.WindowSeconds == 0:
		return errors.New("watermark_seconds requires window_seconds")
	case t.ShufflePartitions < 0:
		return errors.New("shuffle_partitions must be >= 0")
	}
	return nil
}

// Spec builds a query spec named name from the template.
func (t QueryTemplate) Spec(name string) (streaming.QuerySpec, error) {
	if err := t.validate(); err != nil {
		return streaming.QuerySpec{}, fmt.Errorf("template: %w", err)
	}
	opts := make(map[string]string, len(t.SourceOptions))
	for k, v := range t.SourceOptions {
		opts[k] = v
	}
	plan := microbatch.Plan{
		Window:            time.Duration(t.WindowSeconds) * time.Second,
		Watermark:         time.Duration(t.WatermarkSeconds) * time.Second,
		ShufflePartitions: t.ShufflePartitions,
		ObserveName:       t.ObserveName,
		Transform:         t.transform(),
	}
	return streaming.QuerySpec{
		Name:               name,
		CheckpointLocation: t.CheckpointLocation,
		Source:             streaming.SourceSpec{Format: t.Source, Options: opts},
		Sink:               streaming.SinkSpec{Format: t.Sink},
		Trigger:            time.Duration(t.TriggerMs) * time.Millisecond,
		Plan:               plan,
	}, nil
}

func (t QueryTemplate) transform() microbatch.TransformFunc {
	if t.FailOnValue == nil && t.Multiply == 0 {
		return nil
	}
	factor := t.Multiply
	if factor == 0 {
		factor = 1
	}
	var fail int64
	failing := t.FailOnValue != nil
	if failing {
		fail = *t.FailOnValue
	}
	return func(r microbatch.Row) (microbatch.Row, error) {
		if failing && r.Value == fail {
			return r, fmt.Errorf("%w %d", ErrRejectedValue, r.Value)
		}
		r.Value *= factor
		return r, nil
	}
}

func defaultTemplates() map[string]QueryTemplate {
	failAt := int64(5)
	return map[string]QueryTemplate{
		"windowed-rate": {
			Source:            microbatch.FormatRate,
			SourceOptions:     map[string]string{"rowsPerSecond": "10"},
			Sink:              microbatch.FormatNoop,
			WindowSeconds:     5,
			WatermarkSeconds:  10,
			ShufflePartitions: 1,
		},
		"failing-transform": {
			Source:        microbatch.FormatRate,
			SourceOptions: map[string]string{"rowsPerSecond": "10"},
			Sink:          microbatch.FormatNoop,
			FailOnValue:   &failAt,
		},
	}
}

// withDefaultTemplates adds built-in templates the configuration does not
// override.
func withDefaultTemplates(in map[string]QueryTemplate) map[string]QueryTemplate {
	out := make(map[string]QueryTemplate, len(in)+2)
	for name, tmpl := range defaultTemplates() {
		out[name] = tmpl
	}
	for name, tmpl := range in {
		out[name] = tmpl
	}
	return out
}
