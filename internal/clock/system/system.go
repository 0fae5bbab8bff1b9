// Package system provides the wall clock used for query lifecycle timestamps.
package system

import "time"

// Clock implements streaming.Clock. Timestamps are UTC and truncated to the
// clock's precision so they survive a round trip through progress JSON, which
// renders milliseconds.
type Clock struct {
	precision time.Duration
}

// New returns a millisecond-precision clock.
func New() *Clock {
	return &Clock{precision: time.Millisecond}
}

// WithPrecision returns a clock truncating to d. d <= 0 disables truncation.
func WithPrecision(d time.Duration) *Clock {
	return &Clock{precision: d}
}

// Now returns the current UTC time without a monotonic reading.
func (c *Clock) Now() time.Time {
	now := time.Now().UTC()
	if c.precision <= 0 {
		return now.Round(0)
	}
	return now.Truncate(c.precision)
}
