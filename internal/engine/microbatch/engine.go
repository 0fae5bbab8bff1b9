package microbatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/streamq/internal/streaming"
)

// Supported formats.
const (
	FormatRate   = "rate"
	FormatMemory = "memory"
	FormatLog    = "log"
	FormatNoop   = "noop"
)

// Config controls an Engine.
//   - TriggerInterval: default micro-batch interval (default 100ms).
//   - NoDataProgressInterval: minimum gap between idle notifications (default 10s).
//   - ShufflePartitions: default state partitions (default 1).
//   - Checkpoints: optional; batch ids resume from the last committed batch.
type Config struct {
	TriggerInterval        time.Duration
	NoDataProgressInterval time.Duration
	ShufflePartitions      int
	Checkpoints            streaming.CheckpointStore
	Logger                 *zap.Logger
	Now                    func() time.Time
}

const (
	defaultTriggerInterval        = 100 * time.Millisecond
	defaultNoDataProgressInterval = 10 * time.Second
)

// Engine runs streaming.QuerySpec values as micro-batch loops.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.RWMutex
	streams map[string]*MemoryStream
	sinks   map[string]*MemorySink
}

// New returns an Engine.
func New(cfg Config) *Engine {
	if cfg.TriggerInterval <= 0 {
		cfg.TriggerInterval = defaultTriggerInterval
	}
	if cfg.NoDataProgressInterval <= 0 {
		cfg.NoDataProgressInterval = defaultNoDataProgressInterval
	}
	if cfg.ShufflePartitions <= 0 {
		cfg.ShufflePartitions = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/JakeFAU/streamq/internal/engine/microbatch"),
		streams: make(map[string]*MemoryStream),
		sinks:   make(map[string]*MemorySink),
	}
}

// RegisterStream makes stream available to the "memory" source format.
func (e *Engine) RegisterStream(stream *MemoryStream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streams[stream.name] = stream
}

// Stream returns the registered memory stream called name, registering an
// empty one first if needed.
func (e *Engine) Stream(name string) *MemoryStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[name]
	if !ok {
		s = NewMemoryStream(name)
		e.streams[name] = s
	}
	return s
}

// MemorySink returns the memory sink that queries named name write to.
func (e *Engine) MemorySink(name string) *MemorySink {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sinks[name]
	if !ok {
		s = NewMemorySink()
		e.sinks[name] = s
	}
	return s
}

// Validate implements streaming.Engine.
func (e *Engine) Validate(spec streaming.QuerySpec) error {
	switch spec.Source.Format {
	case FormatRate:
		if _, err := rowsPerSecond(spec.Source.Options); err != nil {
			return err
		}
	case FormatMemory:
		if _, err := e.stream(spec.Source.Options); err != nil {
			return err
		}
	default:
		return &streaming.ConfigurationError{
			Field:  "source.format",
			Reason: fmt.Sprintf("%q is not supported", spec.Source.Format),
		}
	}
	switch spec.Sink.Format {
	case FormatMemory:
		if spec.Name == "" {
			return &streaming.ConfigurationError{Field: "name", Reason: "is required by the memory sink"}
		}
	case FormatLog, FormatNoop:
	default:
		return &streaming.ConfigurationError{
			Field:  "sink.format",
			Reason: fmt.Sprintf("%q is not supported", spec.Sink.Format),
		}
	}
	_, err := planOf(spec)
	return err
}

// Start implements streaming.Engine.
func (e *Engine) Start(ctx context.Context, run streaming.Run, cb streaming.Callbacks) (streaming.Execution, error) {
	if err := e.Validate(run.Spec); err != nil {
		return nil, err
	}
	plan, _ := planOf(run.Spec)

	// A restarted run continues after the last committed batch and reads
	// only input past its end offset.
	var nextBatch, startOffset int64
	if loc := run.Spec.CheckpointLocation; loc != "" && e.cfg.Checkpoints != nil {
		last, ok, err := e.cfg.Checkpoints.LastBatch(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("resume checkpoint: %w", err)
		}
		if ok {
			nextBatch, startOffset = last.BatchID+1, last.EndOffset
		}
	}

	var src source
	switch run.Spec.Source.Format {
	case FormatRate:
		rps, _ := rowsPerSecond(run.Spec.Source.Options)
		src = newRateSource(rps, startOffset, e.cfg.Now)
	case FormatMemory:
		stream, _ := e.stream(run.Spec.Source.Options)
		src = memoryReader{stream}
	}

	var out sink
	switch run.Spec.Sink.Format {
	case FormatMemory:
		out = e.MemorySink(run.Name)
	case FormatLog:
		out = logSink{logger: e.logger.Named("sink").With(zap.Stringer("run_id", run.RunID))}
	default:
		out = noopSink{}
	}

	trigger := run.Spec.Trigger
	if trigger <= 0 {
		trigger = e.cfg.TriggerInterval
	}
	x := &execution{
		run:       run,
		cb:        cb,
		plan:      plan,
		source:    src,
		sink:      out,
		trigger:   trigger,
		idleGap:   e.cfg.NoDataProgressInterval,
		store:     e.cfg.Checkpoints,
		now:       e.cfg.Now,
		tracer:    e.tracer,
		logger:    e.logger.With(zap.Stringer("run_id", run.RunID)),
		batchID:   nextBatch,
		offset:    startOffset,
		stopCh:    make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		committed: make(chan struct{}),
	}
	if plan.Window > 0 {
		partitions := plan.ShufflePartitions
		if partitions <= 0 {
			partitions = e.cfg.ShufflePartitions
		}
		x.agg = newWindowAggregator(plan.Window, plan.Watermark, partitions)
	}
	go x.loop()
	return x, nil
}

func (e *Engine) stream(opts map[string]string) (*MemoryStream, error) {
	name := opts["stream"]
	if name == "" {
		return nil, &streaming.ConfigurationError{Field: "source.options.stream", Reason: "is required"}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	stream, ok := e.streams[name]
	if !ok {
		return nil, &streaming.ConfigurationError{
			Field:  "source.options.stream",
			Reason: fmt.Sprintf("%q is not registered", name),
		}
	}
	return stream, nil
}

func rowsPerSecond(opts map[string]string) (int, error) {
	raw, ok := opts["rowsPerSecond"]
	if !ok {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &streaming.ConfigurationError{
			Field:  "source.options.rowsPerSecond",
			Reason: fmt.Sprintf("must be a positive integer, got %q", raw),
		}
	}
	return n, nil
}

func planOf(spec streaming.QuerySpec) (Plan, error) {
	var plan Plan
	switch p := spec.Plan.(type) {
	case nil:
	case Plan:
		plan = p
	case *Plan:
		if p != nil {
			plan = *p
		}
	default:
		return Plan{}, &streaming.ConfigurationError{Field: "plan", Reason: fmt.Sprintf("unsupported type %T", spec.Plan)}
	}
	switch {
	case plan.Window < 0:
		return Plan{}, &streaming.ConfigurationError{Field: "plan.window", Reason: "must be >= 0"}
	case plan.Watermark < 0:
		return Plan{}, &streaming.ConfigurationError{Field: "plan.watermark", Reason: "must be >= 0"}
	case plan.Watermark > 0 && plan.Window == 0:
		return Plan{}, &streaming.ConfigurationError{Field: "plan.watermark", Reason: "requires a window"}
	case plan.ShufflePartitions < 0:
		return Plan{}, &streaming.ConfigurationError{Field: "plan.shuffle_partitions", Reason: "must be >= 0"}
	}
	return plan, nil
}
