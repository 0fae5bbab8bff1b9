package system

import (
	"testing"
	"time"
)

func TestClockNowIsUTCMilliseconds(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Nanosecond()%int(time.Millisecond) != 0 {
		t.Fatalf("expected millisecond precision, got %v", got)
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestClockRoundTripsThroughRFC3339Millis(t *testing.T) {
	t.Parallel()

	got := New().Now()
	text := got.Format("2006-01-02T15:04:05.000Z07:00")
	parsed, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		t.Fatalf("parse %q: %v", text, err)
	}
	if !parsed.Equal(got) {
		t.Fatalf("round trip changed timestamp: %v -> %v", got, parsed)
	}
}

func TestWithPrecision(t *testing.T) {
	t.Parallel()

	got := WithPrecision(time.Second).Now()
	if got.Nanosecond() != 0 {
		t.Fatalf("expected whole seconds, got %v", got)
	}

	first := WithPrecision(0).Now()
	second := WithPrecision(0).Now()
	if second.Before(first) {
		t.Fatalf("expected second call %v to be >= first %v", second, first)
	}
}
