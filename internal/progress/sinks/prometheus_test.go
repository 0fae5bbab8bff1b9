package sinks

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	_, _, batch := lifecycle("")
	require.NoError(t, sink.Consume(context.Background(), batch[:4]))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.queriesStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.queriesActive))
	require.InDelta(t, 30.0, testutil.ToFloat64(sink.inputRows.WithLabelValues("clicks")), 1e-9)
	require.Equal(t, 2.0, testutil.ToFloat64(sink.batches.WithLabelValues("clicks")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.stateRows.WithLabelValues("clicks")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.idleEvents.WithLabelValues("clicks")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.batchDuration, "streamq_query_batch_duration_seconds"))

	require.NoError(t, sink.Consume(context.Background(), batch[4:]))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.queriesActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.queriesTerminated.WithLabelValues("stopped")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.queriesTerminated.WithLabelValues("failed")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.queryRuntime, "streamq_query_runtime_seconds"))

	// A replayed terminated event must not drive the gauge negative.
	require.NoError(t, sink.Consume(context.Background(), batch[4:]))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.queriesActive))
}

// TestPrometheusSinkFailedRuns labels failures separately.
func TestPrometheusSinkFailedRuns(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)
	_, _, batch := lifecycle("boom")
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.queriesTerminated.WithLabelValues("failed")))
}

// TestPrometheusSinkDuplicateRegistration reports collector conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}
