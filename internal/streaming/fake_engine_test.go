package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeEngine runs each query as a loop that executes steps pushed by tests.
type fakeEngine struct {
	mu          sync.Mutex
	validateErr error
	startErr    error
	startGate   chan struct{}
	execs       map[uuid.UUID]*fakeExec
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{execs: make(map[uuid.UUID]*fakeExec)}
}

func (e *fakeEngine) Validate(QuerySpec) error {
	return e.validateErr
}

func (e *fakeEngine) Start(ctx context.Context, run Run, cb Callbacks) (Execution, error) {
	if e.startGate != nil {
		select {
		case <-e.startGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.startErr != nil {
		return nil, e.startErr
	}
	x := &fakeExec{
		run:    run,
		cb:     cb,
		steps:  make(chan func() bool),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	e.execs[run.RunID] = x
	e.mu.Unlock()
	go x.loop()
	return x, nil
}

func (e *fakeEngine) exec(runID uuid.UUID) *fakeExec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execs[runID]
}

type fakeExec struct {
	run      Run
	cb       Callbacks
	steps    chan func() bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	batchID  int64
}

func (x *fakeExec) loop() {
	defer close(x.done)
	for {
		select {
		case <-x.stopCh:
			return
		case step := <-x.steps:
			if !step() {
				return
			}
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (x *fakeExec) do(fn func() bool) {
	finished := make(chan struct{})
	select {
	case x.steps <- func() bool {
		defer close(finished)
		return fn()
	}:
		<-finished
	case <-x.done:
	}
}

func (x *fakeExec) batch(rows int64) {
	x.do(func() bool {
		x.cb.OnBatchComplete(x.run.RunID, BatchMetrics{
			BatchID:      x.batchID,
			NumInputRows: rows,
			DurationMs:   map[string]int64{"triggerExecution": 5},
		})
		x.batchID++
		return true
	})
}

func (x *fakeExec) idle() {
	x.do(func() bool {
		x.cb.OnQueryIdle(x.run.RunID, time.Now())
		return true
	})
}

func (x *fakeExec) fail(err error) {
	x.do(func() bool {
		x.cb.OnQueryFailed(x.run.RunID, err)
		return false
	})
}

func (x *fakeExec) Stop() {
	x.stopOnce.Do(func() { close(x.stopCh) })
}

func (x *fakeExec) Done() <-chan struct{} {
	return x.done
}

func (x *fakeExec) ProcessAllAvailable(ctx context.Context) error {
	x.batch(0)
	return nil
}

// recordingListener remembers every event it saw, idle included.
type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *recordingListener) record(evt Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *recordingListener) OnQueryStarted(_ context.Context, evt QueryStartedEvent) error {
	return l.record(evt)
}

func (l *recordingListener) OnQueryProgress(_ context.Context, evt QueryProgressEvent) error {
	return l.record(evt)
}

func (l *recordingListener) OnQueryTerminated(_ context.Context, evt QueryTerminatedEvent) error {
	return l.record(evt)
}

func (l *recordingListener) OnQueryIdle(_ context.Context, evt QueryIdleEvent) error {
	return l.record(evt)
}

func (l *recordingListener) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *recordingListener) Kinds() []EventKind {
	var kinds []EventKind
	for _, evt := range l.Events() {
		kinds = append(kinds, evt.Kind())
	}
	return kinds
}

// v1Recorder builds a listener without idle support that records into rec.
func v1Recorder(rec *recordingListener) *ListenerFuncs {
	return &ListenerFuncs{
		Started:    rec.OnQueryStarted,
		Progress:   rec.OnQueryProgress,
		Terminated: rec.OnQueryTerminated,
	}
}

// fakeCheckpoints is a map-backed CheckpointStore.
type fakeCheckpoints struct {
	mu      sync.Mutex
	ids     map[string]uuid.UUID
	commits map[string]BatchCommit
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{ids: make(map[string]uuid.UUID), commits: make(map[string]BatchCommit)}
}

func (c *fakeCheckpoints) QueryID(_ context.Context, location string) (uuid.UUID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[location]
	return id, ok, nil
}

func (c *fakeCheckpoints) BindQueryID(_ context.Context, location string, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[location] = id
	return nil
}

func (c *fakeCheckpoints) LastBatch(_ context.Context, location string) (BatchCommit, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	commit, ok := c.commits[location]
	return commit, ok, nil
}

func (c *fakeCheckpoints) CommitBatch(_ context.Context, location string, commit BatchCommit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits[location] = commit
	return nil
}
