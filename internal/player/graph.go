package player

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Graph is the persistent signal path from decoded segments to the output
// sink. It owns the output clock, a level tap for metering, and a recording
// tap. Segments are played at their scheduled start time; a start time in
// the past means play immediately.
type Graph struct {
	sink  Sink
	clock func() time.Time
	log   *slog.Logger

	queue chan scheduledSegment

	mu      sync.Mutex
	lastRMS float64
	tap     chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type scheduledSegment struct {
	seg Segment
	at  time.Time
}

// GraphOption customizes graph construction.
type GraphOption func(*Graph)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) GraphOption {
	return func(g *Graph) { g.clock = clock }
}

func NewGraph(parent context.Context, sink Sink, log *slog.Logger, opts ...GraphOption) *Graph {
	ctx, cancel := context.WithCancel(parent)
	g := &Graph{
		sink:   sink,
		clock:  time.Now,
		log:    log.With(slog.String("component", "audio-graph")),
		queue:  make(chan scheduledSegment, 128),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) Start() error {
	if err := g.sink.Start(); err != nil {
		return err
	}
	g.wg.Add(1)
	go g.run()
	return nil
}

// Now reads the output clock.
func (g *Graph) Now() time.Time { return g.clock() }

// ScheduleSegment enqueues a segment to play at the given start time. The
// queue is bounded; if playback has wedged the segment is dropped with a
// warning rather than blocking the session dispatch path.
func (g *Graph) ScheduleSegment(seg Segment, at time.Time) {
	select {
	case g.queue <- scheduledSegment{seg: seg, at: at}:
	default:
		g.log.Warn("output queue full, dropping segment",
			slog.Duration("duration", seg.Duration))
	}
}

// TapRecording attaches the recording tap and returns the chunk stream plus
// a detach func. Only one tap is active at a time; attaching replaces any
// prior tap.
func (g *Graph) TapRecording() (<-chan []byte, func()) {
	ch := make(chan []byte, 64)
	g.mu.Lock()
	g.tap = ch
	g.mu.Unlock()
	detach := func() {
		g.mu.Lock()
		if g.tap == ch {
			g.tap = nil
		}
		g.mu.Unlock()
	}
	return ch, detach
}

// Level returns the RMS of the most recently played segment, in [0, 1].
func (g *Graph) Level() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRMS
}

func (g *Graph) run() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case item := <-g.queue:
			if wait := item.at.Sub(g.clock()); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-g.ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			g.play(item.seg)
		}
	}
}

func (g *Graph) play(seg Segment) {
	if err := g.sink.Write(seg.PCM); err != nil {
		g.log.Warn("sink write failed", slog.String("error", err.Error()))
	}

	rms := rmsPCM16(seg.PCM)

	g.mu.Lock()
	g.lastRMS = rms
	tap := g.tap
	g.mu.Unlock()

	if tap != nil {
		chunk := make([]byte, len(seg.PCM))
		copy(chunk, seg.PCM)
		select {
		case tap <- chunk:
		default:
			g.log.Warn("recording tap backlogged, dropping chunk")
		}
	}
}

func (g *Graph) Close() {
	g.cancel()
	g.wg.Wait()
	if err := g.sink.Close(); err != nil {
		g.log.Warn("sink close failed", slog.String("error", err.Error()))
	}
}

func rmsPCM16(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
