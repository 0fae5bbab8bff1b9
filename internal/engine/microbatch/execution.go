package microbatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/streamq/internal/streaming"
)

// execution is the loop of one query run. Only the loop goroutine touches the
// batch state; offset and committed are shared with ProcessAllAvailable.
type execution struct {
	run     streaming.Run
	cb      streaming.Callbacks
	plan    Plan
	agg     *windowAggregator
	source  source
	sink    sink
	trigger time.Duration
	idleGap time.Duration
	store   streaming.CheckpointStore
	now     func() time.Time
	tracer  trace.Tracer
	logger  *zap.Logger

	batchID     int64
	lastTrigger time.Time
	lastNotice  time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wakeCh   chan struct{}
	done     chan struct{}

	mu        sync.Mutex
	offset    int64
	committed chan struct{}
}

// Stop implements streaming.Execution.
func (x *execution) Stop() {
	x.stopOnce.Do(func() { close(x.stopCh) })
}

// Done implements streaming.Execution.
func (x *execution) Done() <-chan struct{} {
	return x.done
}

// ProcessAllAvailable implements streaming.Execution.
func (x *execution) ProcessAllAvailable(ctx context.Context) error {
	target := x.source.LatestOffset()
	x.wake()
	for {
		x.mu.Lock()
		offset, committed := x.offset, x.committed
		x.mu.Unlock()
		if offset >= target {
			return nil
		}
		select {
		case <-committed:
		case <-x.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("process all available: %w", ctx.Err())
		}
	}
}

func (x *execution) wake() {
	select {
	case x.wakeCh <- struct{}{}:
	default:
	}
}

func (x *execution) advance(offset int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.offset = offset
	close(x.committed)
	x.committed = make(chan struct{})
}

func (x *execution) loop() {
	defer close(x.done)
	defer x.source.Close()

	ticker := time.NewTicker(x.trigger)
	defer ticker.Stop()
	x.lastNotice = x.now()
	x.logger.Debug("micro-batch loop started", zap.Duration("trigger", x.trigger), zap.Int64("batch_id", x.batchID))
	for {
		select {
		case <-x.stopCh:
			return
		default:
		}
		if !x.runTrigger() {
			return
		}
		select {
		case <-x.stopCh:
			return
		case <-ticker.C:
		case <-x.wakeCh:
		}
	}
}

// runTrigger executes one trigger and reports false when the query failed.
func (x *execution) runTrigger() bool {
	triggerStart := x.now()
	latest := x.source.LatestOffset()
	latestDur := x.now().Sub(triggerStart)

	x.mu.Lock()
	start := x.offset
	x.mu.Unlock()
	if latest <= start {
		if triggerStart.Sub(x.lastNotice) >= x.idleGap {
			x.lastNotice = triggerStart
			x.cb.OnQueryIdle(x.run.RunID, triggerStart)
		}
		return true
	}

	ctx, span := x.tracer.Start(context.Background(), "microbatch.batch", trace.WithAttributes(
		attribute.String("query.run_id", x.run.RunID.String()),
		attribute.Int64("query.batch_id", x.batchID),
	))
	defer span.End()

	getStart := x.now()
	rows := x.source.Read(start, latest)
	getDur := x.now().Sub(getStart)

	addStart := x.now()
	out, err := x.process(ctx, rows)
	addDur := x.now().Sub(addStart)
	if err == nil {
		err = x.commitCheckpoint(ctx, latest)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		x.logger.Warn("batch failed", zap.Int64("batch_id", x.batchID), zap.Error(err))
		x.cb.OnQueryFailed(x.run.RunID, &streaming.BatchFailure{
			BatchID:     x.batchID,
			StartOffset: strconv.FormatInt(start, 10),
			EndOffset:   strconv.FormatInt(latest, 10),
			Err:         err,
		})
		return false
	}
	walDur := x.now().Sub(addStart) - addDur
	x.source.Commit(latest)

	triggerDur := x.now().Sub(triggerStart)
	numRows := int64(len(rows))
	inputRate, processedRate := x.rates(numRows, triggerStart, triggerDur)
	metrics := streaming.BatchMetrics{
		BatchID:                x.batchID,
		Timestamp:              triggerStart,
		NumInputRows:           numRows,
		InputRowsPerSecond:     inputRate,
		ProcessedRowsPerSecond: processedRate,
		DurationMs: map[string]int64{
			"latestOffset":     latestDur.Milliseconds(),
			"getBatch":         getDur.Milliseconds(),
			"addBatch":         addDur.Milliseconds(),
			"walCommit":        walDur.Milliseconds(),
			"triggerExecution": triggerDur.Milliseconds(),
		},
		EventTime:      out.eventTime,
		StateOperators: out.stateOperators,
		Sources: []streaming.SourceProgress{{
			Description:            x.source.Description(),
			StartOffset:            strconv.FormatInt(start, 10),
			EndOffset:              strconv.FormatInt(latest, 10),
			LatestOffset:           strconv.FormatInt(latest, 10),
			NumInputRows:           numRows,
			InputRowsPerSecond:     inputRate,
			ProcessedRowsPerSecond: processedRate,
		}},
		Sink:            streaming.SinkProgress{Description: x.sink.Description(), NumOutputRows: int64(len(out.rows))},
		ObservedMetrics: out.observed,
	}
	span.SetAttributes(attribute.Int64("query.num_input_rows", numRows))
	x.cb.OnBatchComplete(x.run.RunID, metrics)

	x.lastTrigger = triggerStart
	x.lastNotice = x.now()
	x.batchID++
	x.advance(latest)
	return true
}

func (x *execution) rates(rows int64, triggerStart time.Time, triggerDur time.Duration) (float64, float64) {
	var input, processed float64
	if !x.lastTrigger.IsZero() {
		if gap := triggerStart.Sub(x.lastTrigger).Seconds(); gap > 0 {
			input = float64(rows) / gap
		}
	}
	if secs := triggerDur.Seconds(); secs > 0 {
		processed = float64(rows) / secs
	}
	return input, processed
}

type batchOutput struct {
	rows           []Row
	eventTime      map[string]string
	stateOperators []streaming.StateOperatorProgress
	observed       map[string]map[string]any
}

func (x *execution) process(ctx context.Context, rows []Row) (out batchOutput, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in query plan: %v", p)
		}
	}()

	input := rows
	if x.plan.Transform != nil {
		input = make([]Row, 0, len(rows))
		for _, r := range rows {
			mapped, err := x.plan.Transform(r)
			if err != nil {
				return batchOutput{}, fmt.Errorf("transform row %d: %w", r.Value, err)
			}
			input = append(input, mapped)
		}
	}

	out.eventTime = make(map[string]string)
	out.rows = input
	if x.agg != nil {
		if x.agg.delay > 0 {
			wm := x.agg.watermark()
			if wm.IsZero() {
				wm = time.UnixMilli(0)
			}
			out.eventTime["watermark"] = formatEventTime(wm)
		}
		res := x.agg.apply(input)
		out.rows = res.rows
		out.stateOperators = []streaming.StateOperatorProgress{res.progress}
	}
	addEventTimeStats(out.eventTime, input)
	if x.plan.ObserveName != "" {
		out.observed = map[string]map[string]any{x.plan.ObserveName: observe(input)}
	}

	if err := x.sink.AddBatch(ctx, x.batchID, out.rows); err != nil {
		return batchOutput{}, fmt.Errorf("write %s: %w", x.sink.Description(), err)
	}
	return out, nil
}

func (x *execution) commitCheckpoint(ctx context.Context, end int64) error {
	loc := x.run.Spec.CheckpointLocation
	if loc == "" || x.store == nil {
		return nil
	}
	commit := streaming.BatchCommit{BatchID: x.batchID, EndOffset: end}
	if err := x.store.CommitBatch(ctx, loc, commit); err != nil {
		return fmt.Errorf("commit batch %d: %w", x.batchID, err)
	}
	return nil
}

func addEventTimeStats(dst map[string]string, rows []Row) {
	var (
		minT, maxT time.Time
		sum        int64
		n          int64
	)
	for _, r := range rows {
		if r.EventTime.IsZero() {
			continue
		}
		if minT.IsZero() || r.EventTime.Before(minT) {
			minT = r.EventTime
		}
		if r.EventTime.After(maxT) {
			maxT = r.EventTime
		}
		sum += r.EventTime.UnixMilli()
		n++
	}
	if n == 0 {
		return
	}
	dst["min"] = formatEventTime(minT)
	dst["max"] = formatEventTime(maxT)
	dst["avg"] = formatEventTime(time.UnixMilli(sum / n))
}

func observe(rows []Row) map[string]any {
	stats := map[string]any{"rows": int64(len(rows))}
	if len(rows) == 0 {
		return stats
	}
	lo, hi, sum := rows[0].Value, rows[0].Value, int64(0)
	for _, r := range rows {
		lo = min(lo, r.Value)
		hi = max(hi, r.Value)
		sum += r.Value
	}
	stats["min_value"] = lo
	stats["max_value"] = hi
	stats["sum_value"] = sum
	return stats
}
