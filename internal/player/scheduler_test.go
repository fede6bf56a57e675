package player

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestScheduler(t *testing.T, lookahead time.Duration, clock func() time.Time) *Scheduler {
	t.Helper()
	graph := NewGraph(context.Background(), NullSink{}, newTestLogger(), WithClock(clock))
	return NewScheduler(graph, lookahead, newTestLogger())
}

func testSegment(t *testing.T, d time.Duration) Segment {
	t.Helper()
	frames := int(d * 48000 / time.Second)
	seg, err := Decode(make([]byte, frames*4), 48000, 2)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return seg
}

func TestFirstSegmentScheduledLookaheadAhead(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, time.Second, func() time.Time { return now })

	start := s.OnSegment(testSegment(t, 500*time.Millisecond))
	if want := now.Add(time.Second); !start.Equal(want) {
		t.Fatalf("expected first start %v, got %v", want, start)
	}
}

func TestSegmentsScheduledBackToBack(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, time.Second, func() time.Time { return now })

	durations := []time.Duration{
		500 * time.Millisecond,
		250 * time.Millisecond,
		750 * time.Millisecond,
		100 * time.Millisecond,
	}
	first := s.OnSegment(testSegment(t, durations[0]))
	expected := first.Add(durations[0])
	for _, d := range durations[1:] {
		start := s.OnSegment(testSegment(t, d))
		if !start.Equal(expected) {
			t.Fatalf("expected gapless start %v, got %v", expected, start)
		}
		expected = expected.Add(d)
	}
}

func TestUnderrunSnapsCursorToNow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := newTestScheduler(t, 100*time.Millisecond, clock)

	s.OnSegment(testSegment(t, 200*time.Millisecond))

	// The clock jumps well past the cursor: generation stalled.
	now = now.Add(5 * time.Second)
	start := s.OnSegment(testSegment(t, 200*time.Millisecond))
	if !start.Equal(now) {
		t.Fatalf("expected underrun start at now %v, got %v", now, start)
	}
	if next := s.NextStart(); !next.Equal(now.Add(200 * time.Millisecond)) {
		t.Fatalf("cursor did not advance from snapped start: %v", next)
	}
}

func TestResetRestoresLookaheadMargin(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, time.Second, func() time.Time { return now })

	s.OnSegment(testSegment(t, 500*time.Millisecond))
	s.Reset()
	if !s.NextStart().IsZero() {
		t.Fatalf("expected cursor cleared after reset")
	}

	start := s.OnSegment(testSegment(t, 500*time.Millisecond))
	if want := now.Add(time.Second); !start.Equal(want) {
		t.Fatalf("expected lookahead re-established after reset, got %v", start)
	}
}
