package streaming

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/streamq/internal/clock/system"
	idgen "github.com/JakeFAU/streamq/internal/id/uuid"
)

// Config controls a Manager.
//   - ProgressRetention: snapshots kept per run (default 100).
//   - ListenerTimeout: deadline handed to each listener call (default 10s).
//   - BaseContext: parent context for listener calls and checkpoint writes.
//   - Logger, IDs, Clock: optional collaborators with production defaults.
//   - Checkpoints: optional; enables stable query ids across restarts.
type Config struct {
	ProgressRetention int
	ListenerTimeout   time.Duration
	BaseContext       context.Context
	Logger            *zap.Logger
	IDs               IDGenerator
	Clock             Clock
	Checkpoints       CheckpointStore
}

// Manager owns the query runs of one session. It is safe for concurrent use.
type Manager struct {
	engine   Engine
	cfg      Config
	logger   *zap.Logger
	registry *Registry
	recorder *Recorder

	mu      sync.RWMutex
	cond    *sync.Cond
	handles map[uuid.UUID]*Handle
	order   []*Handle
	failure *StreamingQueryError
	closed  bool
}

// NewManager builds a Manager that runs queries on engine.
func NewManager(engine Engine, cfg Config) (*Manager, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.ProgressRetention <= 0 {
		cfg.ProgressRetention = DefaultProgressRetention
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	registry := NewRegistry(RegistryConfig{
		Timeout:     cfg.ListenerTimeout,
		BaseContext: cfg.BaseContext,
		Logger:      cfg.Logger.Named("listeners"),
	})
	m := &Manager{
		engine:   engine,
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: registry,
		recorder: NewRecorder(cfg.ProgressRetention, registry),
		handles:  make(map[uuid.UUID]*Handle),
	}
	m.cond = sync.NewCond(&m.mu)
	return m, nil
}

// ProgressRetention returns the per-run history capacity.
func (m *Manager) ProgressRetention() int {
	return m.recorder.Capacity()
}

// Start validates spec, registers a new run and hands it to the engine. The
// returned handle is Active, or Terminated if Stop raced initialization.
func (m *Manager) Start(ctx context.Context, spec QuerySpec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := m.engine.Validate(spec); err != nil {
		return nil, asConfigurationError(err)
	}
	id, known, err := m.resolveQueryID(ctx, spec.CheckpointLocation)
	if err != nil {
		return nil, err
	}
	runID, err := m.cfg.IDs.NewRawID()
	if err != nil {
		return nil, fmt.Errorf("allocate run id: %w", err)
	}
	run := Run{ID: id, RunID: runID, Name: spec.Name, Spec: spec}
	h, err := m.register(run)
	if err != nil {
		return nil, err
	}

	exec, err := m.engine.Start(ctx, run, m)
	if err != nil {
		m.abandon(h)
		return nil, fmt.Errorf("start query %s: %w", runID, err)
	}
	if !known && spec.CheckpointLocation != "" {
		if err := m.cfg.Checkpoints.BindQueryID(m.cfg.BaseContext, spec.CheckpointLocation, id); err != nil {
			m.logger.Warn("bind checkpoint location failed",
				zap.String("checkpoint", spec.CheckpointLocation), zap.Error(err))
		}
	}
	m.activate(h, exec)
	return h, nil
}

func (m *Manager) resolveQueryID(ctx context.Context, location string) (uuid.UUID, bool, error) {
	if location != "" && m.cfg.Checkpoints != nil {
		id, ok, err := m.cfg.Checkpoints.QueryID(ctx, location)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("load checkpoint %q: %w", location, err)
		}
		if ok {
			return id, true, nil
		}
	}
	id, err := m.cfg.IDs.NewRawID()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("allocate query id: %w", err)
	}
	return id, false, nil
}

func (m *Manager) register(run Run) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	for _, existing := range m.order {
		if existing.terminal() {
			continue
		}
		if run.Name != "" && existing.name == run.Name {
			return nil, &DuplicateNameError{Name: run.Name, ActiveRunID: existing.runID}
		}
		if existing.id == run.ID {
			return nil, fmt.Errorf("%w: id %s is running as %s", ErrAlreadyActive, run.ID, existing.runID)
		}
	}
	h := newHandle(m, run, m.recorder.Capacity(), m.cfg.Clock.Now())
	m.handles[run.RunID] = h
	m.order = append(m.order, h)
	return h, nil
}

// abandon drops a run whose initialization failed.
func (m *Manager) abandon(h *Handle) {
	h.mu.Lock()
	h.status = StatusTerminated
	h.finishedAt = m.cfg.Clock.Now()
	h.mu.Unlock()
	close(h.ready)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, h.runID)
	m.order = slices.DeleteFunc(m.order, func(x *Handle) bool { return x == h })
	h.finished = true
	m.cond.Broadcast()
}

func (m *Manager) activate(h *Handle, exec Execution) {
	h.mu.Lock()
	h.exec = exec
	stopRequested := h.stopRequested
	if !stopRequested {
		h.status = StatusActive
	}
	h.mu.Unlock()

	m.logger.Info("query started",
		zap.Stringer("id", h.id), zap.Stringer("run_id", h.runID), zap.String("name", h.name))
	m.registry.Dispatch(QueryStartedEvent{ID: h.id, RunID: h.runID, Name: h.name, Timestamp: m.cfg.Clock.Now()})
	close(h.ready)

	go m.watch(h, exec)
	if stopRequested {
		exec.Stop()
	}
}

// watch terminates the run once its loop exited for any reason.
func (m *Manager) watch(h *Handle, exec Execution) {
	<-exec.Done()
	m.terminate(h, nil)
}

func (m *Manager) terminate(h *Handle, exc *StreamingQueryError) {
	h.mu.Lock()
	if h.status == StatusTerminated {
		h.mu.Unlock()
		return
	}
	h.status = StatusTerminated
	h.exception = exc
	h.finishedAt = m.cfg.Clock.Now()
	h.mu.Unlock()

	if exc != nil {
		m.logger.Warn("query failed", zap.Stringer("run_id", h.runID), zap.Error(exc.Cause))
	} else {
		m.logger.Info("query terminated", zap.Stringer("run_id", h.runID))
	}
	m.registry.Dispatch(QueryTerminatedEvent{ID: h.id, RunID: h.runID, Exception: exc})

	m.mu.Lock()
	defer m.mu.Unlock()
	h.finished = true
	if exc != nil {
		m.failure = exc
	}
	m.cond.Broadcast()
}

// Stop terminates h and waits until its Terminated event was delivered. For a
// run that already terminated it only waits for that delivery to complete.
// ctx bounds the wait, not the shutdown itself.
// Calling Stop from a listener of the same run blocks until ctx is done.
func (m *Manager) Stop(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	switch h.status {
	case StatusTerminated:
		// terminate may still be delivering the Terminated event; the wait
		// below returns at once when it already finished.
		h.mu.Unlock()
	case StatusInitializing:
		h.stopRequested = true
		h.mu.Unlock()
	case StatusStopping:
		h.mu.Unlock()
	default:
		h.status = StatusStopping
		exec := h.exec
		h.mu.Unlock()
		exec.Stop()
	}
	if _, err := m.waitFor(ctx, 0, func() bool { return h.finished }); err != nil {
		return fmt.Errorf("stop query %s: %w", h.runID, err)
	}
	return nil
}

// Get returns the most recent run of the query id, or nil.
func (m *Manager) Get(id uuid.UUID) *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		if m.order[i].id == id {
			return m.order[i]
		}
	}
	return nil
}

// GetRun returns the run with runID, or nil.
func (m *Manager) GetRun(runID uuid.UUID) *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handles[runID]
}

// Active returns the Active or Idle runs in start order.
func (m *Manager) Active() []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Handle, 0, len(m.order))
	for _, h := range m.order {
		if h.IsActive() {
			out = append(out, h)
		}
	}
	return out
}

// All returns every retained run in start order, terminated ones included.
func (m *Manager) All() []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Purge forgets the terminated runs of id and returns how many were dropped.
func (m *Manager) Purge(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.order)
	m.order = slices.DeleteFunc(m.order, func(h *Handle) bool {
		if h.id != id || !h.finished {
			return false
		}
		delete(m.handles, h.runID)
		return true
	})
	return before - len(m.order)
}

// AwaitAnyTermination blocks until some run terminates with a failure. Without
// a timeout (timeout <= 0) the failure is returned as the error. With a timeout
// it reports whether a failure was seen in time. A failure observed before the
// call returns immediately until ResetTerminated clears it.
func (m *Manager) AwaitAnyTermination(ctx context.Context, timeout time.Duration) (bool, error) {
	var failure *StreamingQueryError
	ok, err := m.waitFor(ctx, timeout, func() bool {
		failure = m.failure
		return failure != nil
	})
	if err != nil || !ok {
		return ok, err
	}
	if timeout <= 0 {
		return true, failure
	}
	return true, nil
}

// ResetTerminated forgets previously observed failures so the next
// AwaitAnyTermination waits for a new one.
func (m *Manager) ResetTerminated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = nil
}

// waitFor blocks on the manager condition until done holds, the absolute
// deadline derived from timeout passes, or ctx ends. done runs under m.mu.
func (m *Manager) waitFor(ctx context.Context, timeout time.Duration, done func() bool) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, m.broadcast)
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, m.broadcast)
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for !done() {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("await termination: %w", err)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false, nil
		}
		m.cond.Wait()
	}
	return true, nil
}

func (m *Manager) broadcast() {
	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
}

// AddListener registers l for events of every run.
func (m *Manager) AddListener(l Listener) error {
	return m.registry.Add(l)
}

// RemoveListener drops the first registration of l.
func (m *Manager) RemoveListener(l Listener) bool {
	return m.registry.Remove(l)
}

// Listeners returns the registered listeners in registration order.
func (m *Manager) Listeners() []Listener {
	return m.registry.List()
}

// Close stops every live run, closes the listeners and forgets all handles.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	live := make([]*Handle, 0, len(m.order))
	for _, h := range m.order {
		if !h.finished {
			live = append(live, h)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range live {
		g.Go(func() error {
			return m.Stop(gctx, h)
		})
	}
	err := g.Wait()
	if cerr := m.registry.Close(ctx); cerr != nil {
		err = errors.Join(err, cerr)
	}

	m.mu.Lock()
	m.handles = make(map[uuid.UUID]*Handle)
	m.order = nil
	m.mu.Unlock()
	return err
}

// OnBatchComplete implements Callbacks.
func (m *Manager) OnBatchComplete(runID uuid.UUID, metrics BatchMetrics) {
	h := m.awaitReady(runID)
	if h == nil || h.terminal() {
		return
	}
	h.markActive()
	m.recorder.Record(h, NewSnapshot(h, metrics, m.cfg.Clock.Now()))
}

// OnQueryIdle implements Callbacks.
func (m *Manager) OnQueryIdle(runID uuid.UUID, ts time.Time) {
	h := m.awaitReady(runID)
	if h == nil || !h.markIdle() {
		return
	}
	m.registry.Dispatch(QueryIdleEvent{ID: h.id, RunID: h.runID, Timestamp: ts.UTC()})
}

// OnQueryFailed implements Callbacks.
func (m *Manager) OnQueryFailed(runID uuid.UUID, err error) {
	h := m.awaitReady(runID)
	if h == nil {
		return
	}
	m.terminate(h, newQueryError(h, err))
}

// awaitReady returns the run once its Started event was delivered so engine
// callbacks never overtake it.
func (m *Manager) awaitReady(runID uuid.UUID) *Handle {
	m.mu.RLock()
	h := m.handles[runID]
	m.mu.RUnlock()
	if h == nil {
		m.logger.Debug("callback for unknown run", zap.Stringer("run_id", runID))
		return nil
	}
	<-h.ready
	return h
}

func asConfigurationError(err error) error {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	return &ConfigurationError{Reason: err.Error()}
}
