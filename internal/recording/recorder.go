package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/muse-core/internal/protocol"
)

// State is the recording pipeline state machine.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateAvailable State = "recorded_available"

	// stateFinalizing is internal: Stop has detached the tap and is waiting
	// for the accumulator to drain. Concurrent Stop and Release calls must
	// not touch the tap or the stop channel in this window.
	stateFinalizing State = "finalizing"
)

// ErrNotRecording is returned by Stop when no recording is in progress.
var ErrNotRecording = errors.New("no recording in progress")

// Artifact is one finalized, immutable recording.
type Artifact struct {
	ID        string
	Data      []byte
	MIME      string
	Format    string
	CreatedAt time.Time
}

// Tap attaches to the output graph's recording tap.
type Tap interface {
	TapRecording() (<-chan []byte, func())
}

// PlaybackView reports whether audio is flowing.
type PlaybackView interface {
	State() protocol.PlaybackState
}

// Notifier shows a transient user-facing message.
type Notifier interface {
	Notify(message string, duration time.Duration)
}

// Journal records completed recordings for the session timeline.
type Journal interface {
	RecordingCompleted(id, format string, size int)
}

// Recorder accumulates chunks from the output tap into one artifact. It
// only ever reads from the tap, never writes upstream.
type Recorder struct {
	tap        Tap
	playback   PlaybackView
	notifier   Notifier
	journal    Journal
	formats    []string
	sampleRate int
	channels   int
	log        *slog.Logger
	clock      func() time.Time

	mu       sync.Mutex
	state    State
	enc      Encoder
	chunks   [][]byte
	detach   func()
	stop     chan struct{}
	wg       sync.WaitGroup
	artifact *Artifact
}

func NewRecorder(tap Tap, playback PlaybackView, notifier Notifier, journal Journal, formats []string, sampleRate, channels int, log *slog.Logger) *Recorder {
	return &Recorder{
		tap:        tap,
		playback:   playback,
		notifier:   notifier,
		journal:    journal,
		formats:    formats,
		sampleRate: sampleRate,
		channels:   channels,
		log:        log.With(slog.String("component", "recorder")),
		clock:      time.Now,
		state:      StateIdle,
	}
}

// State returns the current pipeline state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start begins a new recording. A prior artifact is released first; the
// encoding format is negotiated from the preference list.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRecording || r.state == stateFinalizing {
		return errors.New("recording already in progress")
	}

	switch r.playback.State() {
	case protocol.PlaybackPlaying, protocol.PlaybackLoading:
	default:
		return errors.New("cannot record while playback is stopped")
	}

	enc, err := NegotiateEncoder(r.formats)
	if err != nil {
		r.notifier.Notify("Recording unavailable: no supported format.", 5*time.Second)
		return fmt.Errorf("negotiate encoder: %w", err)
	}

	// A new recording supersedes any prior artifact.
	r.artifact = nil
	r.enc = enc
	r.chunks = nil
	r.stop = make(chan struct{})

	tapCh, detach := r.tap.TapRecording()
	r.detach = detach
	r.state = StateRecording

	r.wg.Add(1)
	go r.accumulate(tapCh, r.stop)

	r.log.Info("recording started", slog.String("format", enc.Name()))
	return nil
}

func (r *Recorder) accumulate(tapCh <-chan []byte, stop <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-stop:
			return
		case chunk := <-tapCh:
			r.mu.Lock()
			// Chunks taken off the tap before Stop detached it still count,
			// even if Stop has already moved the state to finalizing.
			if r.state == StateRecording || r.state == stateFinalizing {
				r.chunks = append(r.chunks, chunk)
			}
			r.mu.Unlock()
		}
	}
}

// Stop finalizes accumulated chunks into one immutable artifact. With zero
// captured chunks the recorder reverts to idle with a warning instead of
// producing an empty artifact.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	// Leave StateRecording before dropping the lock so a concurrent Stop or
	// Release takes the ErrNotRecording path instead of re-detaching.
	r.state = stateFinalizing
	if r.detach != nil {
		r.detach()
		r.detach = nil
	}
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	chunks := r.chunks
	r.chunks = nil

	if len(chunks) == 0 {
		r.state = StateIdle
		r.log.Warn("recording stopped with no captured audio")
		r.notifier.Notify("Recording discarded: no audio was captured.", 4*time.Second)
		return nil
	}

	data, err := r.enc.Encode(chunks, r.sampleRate, r.channels)
	if err != nil {
		r.state = StateIdle
		r.log.Warn("failed to encode recording", slog.String("error", err.Error()))
		r.notifier.Notify("Recording failed: could not encode audio.", 5*time.Second)
		return fmt.Errorf("encode recording: %w", err)
	}

	artifact := &Artifact{
		ID:        uuid.NewString(),
		Data:      data,
		MIME:      r.enc.MIME(),
		Format:    r.enc.Name(),
		CreatedAt: r.clock().UTC(),
	}
	r.artifact = artifact
	r.state = StateAvailable

	if r.journal != nil {
		r.journal.RecordingCompleted(artifact.ID, artifact.Format, len(artifact.Data))
	}
	r.log.Info("recording finalized",
		slog.String("id", artifact.ID),
		slog.String("format", artifact.Format),
		slog.Int("bytes", len(artifact.Data)))
	return nil
}

// Take hands out the artifact for a one-shot save action. State returns to
// idle, but the artifact stays referenced until a new recording starts or
// Release is called.
func (r *Recorder) Take() (*Artifact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateAvailable || r.artifact == nil {
		return nil, false
	}
	r.state = StateIdle
	return r.artifact, true
}

// Artifact peeks at the current artifact without consuming it.
func (r *Recorder) Artifact() (*Artifact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.artifact == nil {
		return nil, false
	}
	return r.artifact, true
}

// Release drops the artifact and stops any in-progress recording. Called on
// teardown so the underlying buffer is not leaked.
func (r *Recorder) Release() {
	r.mu.Lock()
	if r.state == StateRecording {
		r.state = stateFinalizing
		if r.detach != nil {
			r.detach()
			r.detach = nil
		}
		close(r.stop)
	}
	r.mu.Unlock()
	r.wg.Wait()

	r.mu.Lock()
	r.chunks = nil
	r.artifact = nil
	r.state = StateIdle
	r.mu.Unlock()
}
