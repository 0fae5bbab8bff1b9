package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/streamq/internal/streaming"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
//   - Now: clock used to stamp events without a timestamp (defaults to time.Now).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
	Now            func() time.Time
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub aggregates Event streams and fans them out to registered sinks. It is
// safe for concurrent use by multiple goroutines and never blocks callers.
// Registered on a streaming.Manager it receives every lifecycle event,
// including idle ones, and is closed together with the manager.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropLog rate.Sometimes
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Event for batching. It never blocks; if the buffer is full
// the event is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			count := h.dropped.Swap(0)
			h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", count))
		})
	}
}

// Name identifies the hub in listener logs.
func (h *Hub) Name() string { return "progress-hub" }

// OnQueryStarted implements streaming.Listener.
func (h *Hub) OnQueryStarted(_ context.Context, evt streaming.QueryStartedEvent) error {
	h.Emit(FromStreaming(evt, h.cfg.Now()))
	return nil
}

// OnQueryProgress implements streaming.Listener.
func (h *Hub) OnQueryProgress(_ context.Context, evt streaming.QueryProgressEvent) error {
	h.Emit(FromStreaming(evt, h.cfg.Now()))
	return nil
}

// OnQueryIdle implements streaming.IdleListener.
func (h *Hub) OnQueryIdle(_ context.Context, evt streaming.QueryIdleEvent) error {
	h.Emit(FromStreaming(evt, h.cfg.Now()))
	return nil
}

// OnQueryTerminated implements streaming.Listener.
func (h *Hub) OnQueryTerminated(_ context.Context, evt streaming.QueryTerminatedEvent) error {
	h.Emit(FromStreaming(evt, h.cfg.Now()))
	return nil
}

// Close drains remaining events, flushes sinks, and blocks until the background
// goroutine exits. It is safe to call multiple times; subsequent calls are
// ignored once shutdown begins.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// run batches events until MaxBatchEvents queue up, MaxBatchWait passes since
// the first pending event, or a run terminates. Terminal events flush at once
// so run history never lags behind a stopped query.
func (h *Hub) run() {
	defer close(h.doneCh)
	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	wait := time.NewTimer(h.cfg.MaxBatchWait)
	wait.Stop()
	flush := func() {
		wait.Stop()
		h.flush(pending)
		pending = pending[:0]
	}
	for {
		select {
		case evt := <-h.events:
			if len(pending) == 0 {
				wait.Reset(h.cfg.MaxBatchWait)
			}
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents || evt.Kind == streaming.KindTerminated {
				flush()
			}
		case <-wait.C:
			flush()
		case <-h.stopCh:
			wait.Stop()
			h.drain(pending)
			return
		}
	}
}

// drain flushes whatever is still buffered after Close, then closes the sinks.
func (h *Hub) drain(pending []Event) {
	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				h.flush(pending)
				pending = pending[:0]
			}
		default:
			h.flush(pending)
			h.closeSinks()
			return
		}
	}
}

// flush hands one copy of the batch to every sink concurrently and waits for
// all of them, so each sink still sees batches in order.
func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	shared := append([]Event(nil), batch...)
	var wg sync.WaitGroup
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		wg.Go(func() {
			ctx, cancel := h.sinkContext()
			defer cancel()
			if err := sink.Consume(ctx, shared); err != nil {
				h.logger.Warn("progress sink consume failed",
					zap.String("sink", sinkName(sink)),
					zap.Int("events", len(shared)),
					zap.Error(err))
			}
		})
	}
	wg.Wait()
}

func (h *Hub) sinkContext() (context.Context, context.CancelFunc) {
	if h.cfg.SinkTimeout > 0 {
		return context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
	}
	return context.WithCancel(h.cfg.BaseContext)
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", sinkName(sink)), zap.Error(err))
		}
	}
}

func sinkName(s Sink) string {
	return fmt.Sprintf("%T", s)
}
