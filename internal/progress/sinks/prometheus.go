package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/streamq/internal/progress"
	"github.com/JakeFAU/streamq/internal/streaming"
)

const unnamedQuery = "<unnamed>"

// PrometheusSink exports query lifecycle and progress metrics via Prometheus.
type PrometheusSink struct {
	queriesStarted    prometheus.Counter
	queriesTerminated *prometheus.CounterVec
	queriesActive     prometheus.Gauge
	queryRuntime      *prometheus.HistogramVec

	inputRows     *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	idleEvents    *prometheus.CounterVec
	stateRows     *prometheus.GaugeVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		queriesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamq_queries_started_total",
			Help: "Total query runs that have started.",
		}),
		queriesTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamq_queries_terminated_total",
			Help: "Total query runs terminated partitioned by result.",
		}, []string{"result"}),
		queriesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamq_queries_active",
			Help: "Current number of started, not yet terminated runs.",
		}),
		queryRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamq_query_runtime_seconds",
			Help:    "Wall time per terminated run.",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
		}, []string{"result"}),
		inputRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamq_query_input_rows_total",
			Help: "Input rows processed partitioned by query name.",
		}, []string{"query"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamq_query_batches_total",
			Help: "Completed micro-batches partitioned by query name.",
		}, []string{"query"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamq_query_batch_duration_seconds",
			Help:    "Trigger execution time per micro-batch.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"query"}),
		idleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamq_query_idle_total",
			Help: "Triggers that found no new input partitioned by query name.",
		}, []string{"query"}),
		stateRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamq_query_state_rows",
			Help: "Rows held by stateful operators after the latest batch.",
		}, []string{"query"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.queriesStarted,
		s.queriesTerminated,
		s.queriesActive,
		s.queryRuntime,
		s.inputRows,
		s.batches,
		s.batchDuration,
		s.idleEvents,
		s.stateRows,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case streaming.KindStarted:
		s.queriesStarted.Inc()
		if s.tracker.start(evt.RunID, evt.Name, evt.TS) {
			s.queriesActive.Inc()
		}
	case streaming.KindProgress:
		s.handleProgress(evt)
	case streaming.KindIdle:
		s.idleEvents.WithLabelValues(s.tracker.name(evt.RunID)).Inc()
	case streaming.KindTerminated:
		s.handleTerminated(evt)
	}
}

func (s *PrometheusSink) handleProgress(evt progress.Event) {
	p := evt.Progress
	query := queryLabel(p.Name)
	s.batches.WithLabelValues(query).Inc()
	s.inputRows.WithLabelValues(query).Add(float64(p.NumInputRows))
	if ms, ok := p.DurationMs["triggerExecution"]; ok {
		s.batchDuration.WithLabelValues(query).Observe((time.Duration(ms) * time.Millisecond).Seconds())
	}
	if len(p.StateOperators) > 0 {
		var total int64
		for _, op := range p.StateOperators {
			total += op.NumRowsTotal
		}
		s.stateRows.WithLabelValues(query).Set(float64(total))
	}
}

func (s *PrometheusSink) handleTerminated(evt progress.Event) {
	result := "stopped"
	if evt.Failed() {
		result = "failed"
	}
	s.queriesTerminated.WithLabelValues(result).Inc()
	started, ok := s.tracker.complete(evt.RunID)
	if !ok {
		return
	}
	s.queriesActive.Dec()
	if d := evt.TS.Sub(started); d > 0 {
		s.queryRuntime.WithLabelValues(result).Observe(d.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func queryLabel(name string) string {
	if name == "" {
		return unnamedQuery
	}
	return name
}

type trackedRun struct {
	name    string
	started time.Time
}

type runTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]trackedRun
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[uuid.UUID]trackedRun)}
}

func (t *runTracker) start(id uuid.UUID, name string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = trackedRun{name: name, started: at}
	return true
}

func (t *runTracker) name(id uuid.UUID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return queryLabel(t.running[id].name)
}

func (t *runTracker) complete(id uuid.UUID) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.running[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, id)
	return run.started, true
}
