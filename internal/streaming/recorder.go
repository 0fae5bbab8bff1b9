package streaming

// DefaultProgressRetention is the number of snapshots kept per run.
const DefaultProgressRetention = 100

// progressRing is a fixed-capacity FIFO of snapshots. Callers synchronize.
type progressRing struct {
	buf   []*ProgressSnapshot
	start int
	size  int
}

func newProgressRing(capacity int) *progressRing {
	if capacity <= 0 {
		capacity = DefaultProgressRetention
	}
	return &progressRing{buf: make([]*ProgressSnapshot, capacity)}
}

func (r *progressRing) push(p *ProgressSnapshot) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = p
		r.size++
		return
	}
	r.buf[r.start] = p
	r.start = (r.start + 1) % len(r.buf)
}

func (r *progressRing) last() *ProgressSnapshot {
	if r.size == 0 {
		return nil
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)]
}

// items returns the retained snapshots oldest first.
func (r *progressRing) items() []*ProgressSnapshot {
	out := make([]*ProgressSnapshot, 0, r.size)
	for i := range r.size {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// Recorder appends snapshots to a run's bounded history and announces them.
type Recorder struct {
	capacity int
	registry *Registry
}

// NewRecorder returns a Recorder keeping capacity snapshots per run.
func NewRecorder(capacity int, registry *Registry) *Recorder {
	if capacity <= 0 {
		capacity = DefaultProgressRetention
	}
	return &Recorder{capacity: capacity, registry: registry}
}

// Capacity returns the per-run history size.
func (r *Recorder) Capacity() int {
	return r.capacity
}

// Record appends snap to h's history, evicting the oldest entry when full,
// then dispatches a QueryProgressEvent.
func (r *Recorder) Record(h *Handle, snap *ProgressSnapshot) {
	h.mu.Lock()
	h.history.push(snap)
	h.mu.Unlock()
	if r.registry != nil {
		r.registry.Dispatch(QueryProgressEvent{Progress: snap})
	}
}
