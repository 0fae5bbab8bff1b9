package streaming

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Listener receives query lifecycle events. Handlers run synchronously on the
// goroutine that produced the event, so slow listeners delay the query that
// emitted it. Returned errors and panics are logged and isolated.
//
// Listeners are matched by identity (==) on removal; use pointer receivers.
type Listener interface {
	OnQueryStarted(ctx context.Context, evt QueryStartedEvent) error
	OnQueryProgress(ctx context.Context, evt QueryProgressEvent) error
	OnQueryTerminated(ctx context.Context, evt QueryTerminatedEvent) error
}

// IdleListener is a Listener that also wants idle notifications. Listeners
// that do not implement it never see QueryIdleEvent.
type IdleListener interface {
	Listener
	OnQueryIdle(ctx context.Context, evt QueryIdleEvent) error
}

// closer is implemented by listeners holding resources.
type closer interface {
	Close(ctx context.Context) error
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields ignore the
// event. Register a pointer so removal can find it.
type ListenerFuncs struct {
	Started    func(ctx context.Context, evt QueryStartedEvent) error
	Progress   func(ctx context.Context, evt QueryProgressEvent) error
	Terminated func(ctx context.Context, evt QueryTerminatedEvent) error
}

// OnQueryStarted implements Listener.
func (f *ListenerFuncs) OnQueryStarted(ctx context.Context, evt QueryStartedEvent) error {
	if f.Started == nil {
		return nil
	}
	return f.Started(ctx, evt)
}

// OnQueryProgress implements Listener.
func (f *ListenerFuncs) OnQueryProgress(ctx context.Context, evt QueryProgressEvent) error {
	if f.Progress == nil {
		return nil
	}
	return f.Progress(ctx, evt)
}

// OnQueryTerminated implements Listener.
func (f *ListenerFuncs) OnQueryTerminated(ctx context.Context, evt QueryTerminatedEvent) error {
	if f.Terminated == nil {
		return nil
	}
	return f.Terminated(ctx, evt)
}

// IdleListenerFuncs extends ListenerFuncs with an idle handler.
type IdleListenerFuncs struct {
	ListenerFuncs
	Idle func(ctx context.Context, evt QueryIdleEvent) error
}

// OnQueryIdle implements IdleListener.
func (f *IdleListenerFuncs) OnQueryIdle(ctx context.Context, evt QueryIdleEvent) error {
	if f.Idle == nil {
		return nil
	}
	return f.Idle(ctx, evt)
}

// RegistryConfig controls listener dispatch.
//   - Timeout: deadline of the context handed to each handler (default 10s).
//   - BaseContext: parent of handler contexts (defaults to context.Background()).
//   - Logger: receives ListenerDispatchError warnings.
type RegistryConfig struct {
	Timeout     time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
}

const defaultListenerTimeout = 10 * time.Second

type registration struct {
	listener Listener
	removed  atomic.Bool
}

// Registry keeps listeners in registration order and dispatches events to
// them one at a time.
type Registry struct {
	cfg    RegistryConfig
	logger *zap.Logger

	mu   sync.RWMutex
	regs []*registration
}

// NewRegistry returns an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultListenerTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{cfg: cfg, logger: logger}
}

// Add appends a registration. Adding the same listener twice registers it
// twice and it receives every event twice.
func (r *Registry) Add(l Listener) error {
	if isNilListener(l) {
		return ErrNilListener
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, &registration{listener: l})
	return nil
}

// Remove drops the first registration of l and reports whether one existed.
func (r *Registry) Remove(l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.regs {
		if sameListener(reg.listener, l) {
			reg.removed.Store(true)
			r.regs = append(r.regs[:i:i], r.regs[i+1:]...)
			return true
		}
	}
	return false
}

// List returns the registered listeners in registration order.
func (r *Registry) List() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listener, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg.listener)
	}
	return out
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// Dispatch delivers evt to every listener registered when the call began, in
// registration order. Listeners removed while the dispatch is in flight are
// skipped if not yet reached. Handler failures are logged and never returned.
func (r *Registry) Dispatch(evt Event) {
	r.mu.RLock()
	regs := append([]*registration(nil), r.regs...)
	r.mu.RUnlock()

	for _, reg := range regs {
		if reg.removed.Load() {
			continue
		}
		if err := r.deliver(reg.listener, evt); err != nil {
			r.logger.Warn("query listener failed",
				zap.String("event", string(evt.Kind())),
				zap.Stringer("run_id", evt.QueryRunID()),
				zap.Error(err),
			)
		}
	}
}

func (r *Registry) deliver(l Listener, evt Event) (err error) {
	ctx, cancel := context.WithTimeout(r.cfg.BaseContext, r.cfg.Timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = &ListenerDispatchError{Listener: ListenerName(l), Kind: evt.Kind(), Cause: fmt.Errorf("panic: %v", p)}
		}
	}()

	var cause error
	switch e := evt.(type) {
	case QueryStartedEvent:
		cause = l.OnQueryStarted(ctx, e)
	case QueryProgressEvent:
		cause = l.OnQueryProgress(ctx, e)
	case QueryIdleEvent:
		idle, ok := l.(IdleListener)
		if !ok {
			return nil
		}
		cause = idle.OnQueryIdle(ctx, e)
	case QueryTerminatedEvent:
		cause = l.OnQueryTerminated(ctx, e)
	default:
		cause = fmt.Errorf("unsupported event %T", evt)
	}
	if cause != nil {
		return &ListenerDispatchError{Listener: ListenerName(l), Kind: evt.Kind(), Cause: cause}
	}
	return nil
}

// Close removes every registration and closes listeners that hold resources.
// A listener registered more than once is closed once.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	regs := r.regs
	r.regs = nil
	r.mu.Unlock()

	var (
		errs   []error
		closed []Listener
	)
	for _, reg := range regs {
		reg.removed.Store(true)
		c, ok := reg.listener.(closer)
		if !ok || containsListener(closed, reg.listener) {
			continue
		}
		closed = append(closed, reg.listener)
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close listener %s: %w", ListenerName(reg.listener), err))
		}
	}
	return errors.Join(errs...)
}

// ListenerName returns l's Name() when it has one and its type otherwise.
func ListenerName(l Listener) string {
	if named, ok := l.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", l)
}

// sameListener compares by identity, treating uncomparable values as distinct.
func sameListener(a, b Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil || !ta.Comparable() {
		return false
	}
	return a == b
}

func containsListener(list []Listener, l Listener) bool {
	for _, existing := range list {
		if sameListener(existing, l) {
			return true
		}
	}
	return false
}

func isNilListener(l Listener) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
