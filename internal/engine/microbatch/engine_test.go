package microbatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/streamq/internal/checkpoint"
	"github.com/JakeFAU/streamq/internal/streaming"
)

func newTestManager(t *testing.T, eng *Engine, ckpt streaming.CheckpointStore) *streaming.Manager {
	t.Helper()
	mgr, err := streaming.NewManager(eng, streaming.Config{Checkpoints: ckpt})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, mgr.Close(ctx))
	})
	return mgr
}

func memorySpec(name, stream string) streaming.QuerySpec {
	return streaming.QuerySpec{
		Name:   name,
		Source: streaming.SourceSpec{Format: FormatMemory, Options: map[string]string{"stream": stream}},
		Sink:   streaming.SinkSpec{Format: FormatMemory},
	}
}

// TestWindowedAggregationReportsStateMetrics runs a rate source through a
// watermarked window and checks the state operator metrics.
func TestWindowedAggregationReportsStateMetrics(t *testing.T) {
	t.Parallel()

	eng := New(Config{TriggerInterval: 50 * time.Millisecond})
	mgr := newTestManager(t, eng, nil)

	h, err := mgr.Start(context.Background(), streaming.QuerySpec{
		Name:   "windowed_counts",
		Source: streaming.SourceSpec{Format: FormatRate, Options: map[string]string{"rowsPerSecond": "10"}},
		Sink:   streaming.SinkSpec{Format: FormatMemory},
		Plan: &Plan{
			Window:            5 * time.Second,
			Watermark:         10 * time.Second,
			ShufflePartitions: 1,
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		last := h.LastProgress()
		return last != nil && len(last.StateOperators) > 0 && len(h.RecentProgress()) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	last := h.LastProgress()
	op := last.StateOperators[0]
	keys := make([]string, 0, len(op.CustomMetrics))
	for k := range op.CustomMetrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	require.Equal(t, []string{
		"loadedMapCacheHitCount",
		"loadedMapCacheMissCount",
		"stateOnCurrentVersionSizeBytes",
	}, keys)
	require.Equal(t, int64(1), op.CustomMetrics["loadedMapCacheMissCount"])
	require.Positive(t, op.CustomMetrics["loadedMapCacheHitCount"])
	require.Positive(t, op.CustomMetrics["stateOnCurrentVersionSizeBytes"])
	require.Equal(t, 1, op.NumShufflePartitions)
	require.Contains(t, last.EventTime, "watermark")
	require.Equal(t, "RateSource[rowsPerSecond=10]", last.Sources[0].Description)
	require.Equal(t, "MemorySink", last.Sink.Description)
	require.Contains(t, last.DurationMs, "triggerExecution")

	require.NoError(t, h.Stop(context.Background()))
	require.NotEmpty(t, eng.MemorySink("windowed_counts").Rows())
}

// TestFailingTransformTerminatesQuery covers a per-row failure end to end.
func TestFailingTransformTerminatesQuery(t *testing.T) {
	t.Parallel()

	eng := New(Config{TriggerInterval: 10 * time.Millisecond})
	stream := NewMemoryStream("failing-input")
	eng.RegisterStream(stream)
	mgr := newTestManager(t, eng, nil)

	errBadValue := errors.New("value 3 is not allowed")
	spec := memorySpec("failing", "failing-input")
	spec.Plan = &Plan{Transform: func(r Row) (Row, error) {
		if r.Value == 3 {
			return Row{}, errBadValue
		}
		return r, nil
	}}
	ctx := context.Background()
	h, err := mgr.Start(ctx, spec)
	require.NoError(t, err)

	stream.AddValues(1, 2, 3, 4)

	terminated, err := h.AwaitTermination(ctx, 0)
	require.True(t, terminated)
	var qe *streaming.StreamingQueryError
	require.ErrorAs(t, err, &qe)
	require.ErrorIs(t, err, errBadValue)
	require.Equal(t, h.ID(), qe.ID)
	require.Equal(t, h.RunID(), qe.RunID)
	require.Equal(t, "0", qe.StartOffset)
	require.Equal(t, "4", qe.EndOffset)
	require.Equal(t, streaming.StatusTerminated, h.Status())
	require.Same(t, qe, h.Exception())

	_, anyErr := mgr.AwaitAnyTermination(ctx, 0)
	require.Same(t, qe, anyErr)
	require.Empty(t, eng.MemorySink("failing").Rows())
}

// TestTransformPanicFailsQuery ensures a panicking transform is contained.
func TestTransformPanicFailsQuery(t *testing.T) {
	t.Parallel()

	eng := New(Config{TriggerInterval: 10 * time.Millisecond})
	stream := NewMemoryStream("panic-input")
	eng.RegisterStream(stream)
	mgr := newTestManager(t, eng, nil)

	spec := memorySpec("panics", "panic-input")
	spec.Plan = &Plan{Transform: func(r Row) (Row, error) {
		var m map[string]int
		m["boom"] = int(r.Value)
		return r, nil
	}}
	h, err := mgr.Start(context.Background(), spec)
	require.NoError(t, err)
	stream.AddValues(7)

	_, err = h.AwaitTermination(context.Background(), 0)
	require.ErrorContains(t, err, "panic in query plan")
}

// TestProcessAllAvailableDrainsInput verifies the blocking drain and sink output.
func TestProcessAllAvailableDrainsInput(t *testing.T) {
	t.Parallel()

	eng := New(Config{TriggerInterval: time.Hour})
	stream := NewMemoryStream("drain-input")
	eng.RegisterStream(stream)
	mgr := newTestManager(t, eng, nil)

	spec := memorySpec("drain", "drain-input")
	spec.Plan = Plan{
		Transform:   func(r Row) (Row, error) { r.Value *= 10; return r, nil },
		ObserveName: "values",
	}
	h, err := mgr.Start(context.Background(), spec)
	require.NoError(t, err)

	stream.AddValues(1, 2, 3)
	require.NoError(t, h.ProcessAllAvailable(context.Background()))
	stream.AddValues(4)
	require.NoError(t, h.ProcessAllAvailable(context.Background()))

	var total int64
	for _, p := range h.RecentProgress() {
		total += p.NumInputRows
	}
	require.Equal(t, int64(4), total)

	rows := eng.MemorySink("drain").Rows()
	require.Len(t, rows, 4)
	require.Equal(t, int64(40), rows[3].Value)

	last := h.LastProgress()
	require.Equal(t, int64(40), last.ObservedMetrics["values"]["max_value"])
	require.Equal(t, "3", last.Sources[0].StartOffset)
	require.Equal(t, "4", last.Sources[0].EndOffset)
}

// TestIdleNotifications checks idle events and the Idle/Active transitions.
func TestIdleNotifications(t *testing.T) {
	t.Parallel()

	eng := New(Config{TriggerInterval: 10 * time.Millisecond, NoDataProgressInterval: 20 * time.Millisecond})
	stream := NewMemoryStream("idle-input")
	eng.RegisterStream(stream)
	mgr := newTestManager(t, eng, nil)

	var (
		mu    sync.Mutex
		idles int
	)
	require.NoError(t, mgr.AddListener(&streaming.IdleListenerFuncs{
		Idle: func(context.Context, streaming.QueryIdleEvent) error {
			mu.Lock()
			defer mu.Unlock()
			idles++
			return nil
		},
	}))

	h, err := mgr.Start(context.Background(), memorySpec("idler", "idle-input"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return idles > 0 && h.Status() == streaming.StatusIdle
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, h.IsActive())

	stream.AddValues(1)
	require.NoError(t, h.ProcessAllAvailable(context.Background()))
	require.Equal(t, int64(1), h.LastProgress().NumInputRows)
}

// TestBatchIDsResumeFromCheckpoint restarts a query against the same checkpoint.
func TestBatchIDsResumeFromCheckpoint(t *testing.T) {
	t.Parallel()

	ckpt := checkpoint.NewMemoryStore()
	eng := New(Config{TriggerInterval: time.Hour, Checkpoints: ckpt})
	stream := NewMemoryStream("resume-input")
	eng.RegisterStream(stream)
	mgr := newTestManager(t, eng, ckpt)
	ctx := context.Background()

	spec := memorySpec("resumable", "resume-input")
	spec.CheckpointLocation = "mem://resumable"

	first, err := mgr.Start(ctx, spec)
	require.NoError(t, err)
	stream.AddValues(1)
	require.NoError(t, first.ProcessAllAvailable(ctx))
	stream.AddValues(2)
	require.NoError(t, first.ProcessAllAvailable(ctx))
	require.Equal(t, int64(1), first.LastProgress().BatchID)
	require.NoError(t, first.Stop(ctx))

	second, err := mgr.Start(ctx, spec)
	require.NoError(t, err)
	stream.AddValues(3)
	require.NoError(t, second.ProcessAllAvailable(ctx))
	require.NoError(t, second.Stop(ctx))

	require.Equal(t, first.ID(), second.ID())
	resumed := second.RecentProgress()
	require.Len(t, resumed, 1)
	require.Equal(t, int64(2), resumed[0].BatchID)
	require.Equal(t, int64(1), resumed[0].NumInputRows, "committed input must not be read again")
	require.Equal(t, "2", resumed[0].Sources[0].StartOffset)
	require.Equal(t, "3", resumed[0].Sources[0].EndOffset)

	var values []int64
	for _, r := range eng.MemorySink("resumable").Rows() {
		values = append(values, r.Value)
	}
	require.Equal(t, []int64{1, 2, 3}, values)

	last, ok, err := ckpt.LastBatch(ctx, "mem://resumable")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, streaming.BatchCommit{BatchID: 2, EndOffset: 3}, last)
}

// TestRateSourceResumesFromCommittedOffset continues offsets and values after
// a restart instead of generating from zero.
func TestRateSourceResumesFromCommittedOffset(t *testing.T) {
	t.Parallel()

	ckpt := checkpoint.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ckpt.CommitBatch(ctx, "mem://rate", streaming.BatchCommit{BatchID: 6, EndOffset: 40}))

	eng := New(Config{TriggerInterval: 20 * time.Millisecond, Checkpoints: ckpt})
	mgr := newTestManager(t, eng, ckpt)
	h, err := mgr.Start(ctx, streaming.QuerySpec{
		Name:               "rate-resume",
		Source:             streaming.SourceSpec{Format: FormatRate, Options: map[string]string{"rowsPerSecond": "50"}},
		Sink:               streaming.SinkSpec{Format: FormatMemory},
		CheckpointLocation: "mem://rate",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.LastProgress() != nil }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Stop(ctx))

	first := h.RecentProgress()[0]
	require.Equal(t, int64(7), first.BatchID)
	require.Equal(t, "40", first.Sources[0].StartOffset)
	rows := eng.MemorySink("rate-resume").Rows()
	require.NotEmpty(t, rows)
	require.Equal(t, int64(40), rows[0].Value)
}

// TestValidate covers engine-specific configuration errors.
func TestValidate(t *testing.T) {
	t.Parallel()

	eng := New(Config{})
	eng.RegisterStream(NewMemoryStream("known"))

	rate := func(opts map[string]string) streaming.SourceSpec {
		return streaming.SourceSpec{Format: FormatRate, Options: opts}
	}
	noop := streaming.SinkSpec{Format: FormatNoop}
	tests := []struct {
		name  string
		spec  streaming.QuerySpec
		field string
	}{
		{name: "rate default", spec: streaming.QuerySpec{Source: rate(nil), Sink: noop}},
		{name: "rate bad rps", spec: streaming.QuerySpec{Source: rate(map[string]string{"rowsPerSecond": "0"}), Sink: noop}, field: "source.options.rowsPerSecond"},
		{name: "unknown source", spec: streaming.QuerySpec{Source: streaming.SourceSpec{Format: "kafka"}, Sink: noop}, field: "source.format"},
		{name: "memory missing stream", spec: streaming.QuerySpec{Source: streaming.SourceSpec{Format: FormatMemory}, Sink: noop}, field: "source.options.stream"},
		{name: "memory unknown stream", spec: streaming.QuerySpec{Source: streaming.SourceSpec{Format: FormatMemory, Options: map[string]string{"stream": "nope"}}, Sink: noop}, field: "source.options.stream"},
		{name: "memory sink needs name", spec: streaming.QuerySpec{Source: rate(nil), Sink: streaming.SinkSpec{Format: FormatMemory}}, field: "name"},
		{name: "unknown sink", spec: streaming.QuerySpec{Source: rate(nil), Sink: streaming.SinkSpec{Format: "parquet"}}, field: "sink.format"},
		{name: "watermark without window", spec: streaming.QuerySpec{Source: rate(nil), Sink: noop, Plan: &Plan{Watermark: time.Second}}, field: "plan.watermark"},
		{name: "bad plan type", spec: streaming.QuerySpec{Source: rate(nil), Sink: noop, Plan: "select 1"}, field: "plan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := eng.Validate(tt.spec)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var ce *streaming.ConfigurationError
			require.ErrorAs(t, err, &ce)
			require.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestStreamRegistersOnDemand(t *testing.T) {
	eng := New(Config{})
	s := eng.Stream("feed")
	require.Same(t, s, eng.Stream("feed"))

	s.AddValues(1, 2)
	_, err := eng.stream(map[string]string{"stream": "feed"})
	require.NoError(t, err)
	require.Equal(t, int64(2), s.latest())
}
