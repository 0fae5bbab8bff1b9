package microbatch

import (
	"fmt"
	"slices"
	"time"

	"github.com/JakeFAU/streamq/internal/streaming"
)

// windowAggregator counts rows per tumbling event-time window. Windows whose
// end is at or before the watermark are finalized: late rows for them are
// dropped and their state is evicted.
type windowAggregator struct {
	window       time.Duration
	delay        time.Duration
	partitions   int
	state        *stateStore
	maxEventTime time.Time
}

func newWindowAggregator(window, delay time.Duration, partitions int) *windowAggregator {
	return &windowAggregator{
		window:     window,
		delay:      delay,
		partitions: partitions,
		state:      newStateStore(partitions),
	}
}

// watermark returns the current watermark, zero before any event was seen or
// when no delay is configured.
func (a *windowAggregator) watermark() time.Time {
	if a.delay <= 0 || a.maxEventTime.IsZero() {
		return time.Time{}
	}
	return a.maxEventTime.Add(-a.delay)
}

type aggregateResult struct {
	rows     []Row
	progress streaming.StateOperatorProgress
}

// apply folds rows into state and returns the updated windows.
func (a *windowAggregator) apply(rows []Row) aggregateResult {
	wm := a.watermark()
	a.state.begin()

	var dropped int64
	updated := make(map[int64]struct{})
	for _, r := range rows {
		start := r.EventTime.Truncate(a.window)
		end := start.Add(a.window)
		if !wm.IsZero() && !end.After(wm) {
			dropped++
			continue
		}
		key := start.UnixMilli()
		a.state.increment(key)
		updated[key] = struct{}{}
		if r.EventTime.After(a.maxEventTime) {
			a.maxEventTime = r.EventTime
		}
	}

	keys := make([]int64, 0, len(updated))
	for key := range updated {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	out := make([]Row, 0, len(keys))
	for _, key := range keys {
		start := time.UnixMilli(key).UTC()
		out = append(out, Row{
			EventTime: start,
			Key:       fmt.Sprintf("[%s, %s)", formatEventTime(start), formatEventTime(start.Add(a.window))),
			Value:     a.state.get(key),
		})
	}

	removed := int64(0)
	if next := a.watermark(); !next.IsZero() {
		windowMs := a.window.Milliseconds()
		cutoff := next.UnixMilli()
		removed = a.state.evict(func(key int64) bool { return key+windowMs <= cutoff })
	}
	a.state.commit()

	return aggregateResult{
		rows: out,
		progress: streaming.StateOperatorProgress{
			OperatorName:              "stateStoreSave",
			NumRowsTotal:              a.state.numRows(),
			NumRowsUpdated:            int64(len(keys)),
			NumRowsRemoved:            removed,
			NumRowsDroppedByWatermark: dropped,
			MemoryUsedBytes:           a.state.memoryUsedBytes(),
			NumShufflePartitions:      a.partitions,
			CustomMetrics:             a.state.customMetrics(),
		},
	}
}
