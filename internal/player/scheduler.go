package player

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Scheduler places decoded segments on the output graph back to back. The
// timeline cursor is the only mutable state: it marks where the next segment
// begins on the output clock. A zero cursor is the unset sentinel; the first
// segment after a (re)start is scheduled lookahead in the future so a safety
// margin builds before audible playback, and a cursor that has fallen behind
// the clock (underrun) snaps forward to now.
type Scheduler struct {
	graph     *Graph
	lookahead time.Duration
	log       *slog.Logger

	mu        sync.Mutex
	nextStart time.Time

	scheduled metric.Int64Counter
	underruns metric.Int64Counter
}

func NewScheduler(graph *Graph, lookahead time.Duration, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		graph:     graph,
		lookahead: lookahead,
		log:       log.With(slog.String("component", "buffer-scheduler")),
	}

	meter := otel.Meter("github.com/loqalabs/muse-core/player")
	var err error
	if s.scheduled, err = meter.Int64Counter("muse.player.segments_scheduled"); err != nil {
		s.log.Warn("failed to create segments counter", slog.String("error", err.Error()))
	}
	if s.underruns, err = meter.Int64Counter("muse.player.underruns"); err != nil {
		s.log.Warn("failed to create underrun counter", slog.String("error", err.Error()))
	}

	return s
}

// OnSegment schedules one decoded segment and advances the cursor by its
// duration. Returns the scheduled start time.
func (s *Scheduler) OnSegment(seg Segment) time.Time {
	now := s.graph.Now()

	s.mu.Lock()
	if s.nextStart.IsZero() {
		s.nextStart = now.Add(s.lookahead)
	} else if s.nextStart.Before(now) {
		behind := now.Sub(s.nextStart)
		s.log.Warn("scheduler fell behind output clock", slog.Duration("behind", behind))
		if s.underruns != nil {
			s.underruns.Add(context.Background(), 1)
		}
		s.nextStart = now
	}
	start := s.nextStart
	s.nextStart = s.nextStart.Add(seg.Duration)
	s.mu.Unlock()

	s.graph.ScheduleSegment(seg, start)
	if s.scheduled != nil {
		s.scheduled.Add(context.Background(), 1)
	}
	return start
}

// Reset clears the cursor. Called on stop and on session disconnect so the
// next segment re-establishes the lookahead margin.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.nextStart = time.Time{}
	s.mu.Unlock()
}

// NextStart exposes the cursor for inspection. Zero means unset.
func (s *Scheduler) NextStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
