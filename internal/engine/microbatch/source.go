package microbatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// source is the engine-side view of a stream's input. Offsets count rows.
type source interface {
	Description() string
	LatestOffset() int64
	Read(start, end int64) []Row
	Commit(end int64)
	Close()
}

// rowBuffer holds uncommitted rows addressed by absolute offset.
type rowBuffer struct {
	mu   sync.Mutex
	base int64
	rows []Row
}

func (b *rowBuffer) append(rows ...Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = append(b.rows, rows...)
}

func (b *rowBuffer) latest() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base + int64(len(b.rows))
}

func (b *rowBuffer) read(start, end int64) []Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	lo := max(start-b.base, 0)
	hi := min(end-b.base, int64(len(b.rows)))
	if lo >= hi {
		return nil
	}
	return append([]Row(nil), b.rows[lo:hi]...)
}

func (b *rowBuffer) commit(end int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := min(max(end-b.base, 0), int64(len(b.rows)))
	b.rows = append([]Row(nil), b.rows[n:]...)
	b.base += n
}

// rateSource generates rows {EventTime: now, Value: n} paced by a token bucket.
// Offsets and values start at the offset the run resumes from.
type rateSource struct {
	rowBuffer
	rowsPerSecond int
	cancel        context.CancelFunc
	done          chan struct{}
}

func newRateSource(rowsPerSecond int, start int64, now func() time.Time) *rateSource {
	ctx, cancel := context.WithCancel(context.Background())
	s := &rateSource{
		rowBuffer:     rowBuffer{base: start},
		rowsPerSecond: rowsPerSecond,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	limiter := rate.NewLimiter(rate.Limit(rowsPerSecond), 1)
	go s.generate(ctx, limiter, start, now)
	return s
}

func (s *rateSource) generate(ctx context.Context, limiter *rate.Limiter, next int64, now func() time.Time) {
	defer close(s.done)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		s.append(Row{EventTime: now(), Value: next})
		next++
	}
}

func (s *rateSource) Description() string {
	return fmt.Sprintf("RateSource[rowsPerSecond=%d]", s.rowsPerSecond)
}

func (s *rateSource) LatestOffset() int64         { return s.latest() }
func (s *rateSource) Read(start, end int64) []Row { return s.read(start, end) }
func (s *rateSource) Commit(end int64)            { s.commit(end) }

func (s *rateSource) Close() {
	s.cancel()
	<-s.done
}

// MemoryStream is an input fed by application code, typically tests. Register
// it with Engine.RegisterStream and reference it with the "stream" option of
// the "memory" source format.
type MemoryStream struct {
	rowBuffer
	name string
	now  func() time.Time
}

// NewMemoryStream returns an empty stream.
func NewMemoryStream(name string) *MemoryStream {
	return &MemoryStream{name: name, now: time.Now}
}

// AddData appends rows.
func (m *MemoryStream) AddData(rows ...Row) {
	m.append(rows...)
}

// AddValues appends one row per value stamped with the current time.
func (m *MemoryStream) AddValues(values ...int64) {
	ts := m.now()
	rows := make([]Row, 0, len(values))
	for _, v := range values {
		rows = append(rows, Row{EventTime: ts, Value: v})
	}
	m.append(rows...)
}

// memoryReader adapts a stream to one query. The stream outlives the query and
// may feed several, so commits do not discard its rows.
type memoryReader struct {
	*MemoryStream
}

func (r memoryReader) Description() string {
	return fmt.Sprintf("MemoryStream[%s]", r.name)
}

func (r memoryReader) LatestOffset() int64         { return r.latest() }
func (r memoryReader) Read(start, end int64) []Row { return r.read(start, end) }
func (r memoryReader) Commit(int64)                {}
func (r memoryReader) Close()                      {}
