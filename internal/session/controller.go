package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/muse-core/internal/backend"
	"github.com/loqalabs/muse-core/internal/bus"
	"github.com/loqalabs/muse-core/internal/eventstore"
	"github.com/loqalabs/muse-core/internal/player"
	"github.com/loqalabs/muse-core/internal/protocol"
	"github.com/loqalabs/muse-core/internal/recording"
)

// BackendSession is the live connection owned by the controller. At most
// one exists at a time; *backend.Session is the production implementation.
type BackendSession interface {
	ID() string
	Play() error
	Pause() error
	Stop() error
	UpdatePrompts(prompts []backend.WeightedPrompt) error
	Events() <-chan backend.Event
	Close() error
}

// Dialer establishes a new backend session.
type Dialer func(ctx context.Context) (BackendSession, error)

// Notifier shows a transient user-facing message.
type Notifier interface {
	Notify(message string, duration time.Duration)
}

// ErrNoSession is returned by commands issued while disconnected.
var ErrNoSession = errors.New("no live backend session")

// Controller owns the session lifecycle: connect/reconnect/close, the
// playback state machine, the backend-reported filtered prompt set, and the
// routing of inbound messages to the scheduler and recorder. It is the
// single writer of PlaybackState, the error flag, and the filtered set.
type Controller struct {
	model    string
	dial     Dialer
	sched    *player.Scheduler
	rec      *recording.Recorder
	notifier Notifier
	journal  *eventstore.Store
	bus      *bus.Client
	log      *slog.Logger
	resync   func()

	mu        sync.Mutex
	sess      BackendSession
	sessionID string
	gen       int
	state     protocol.PlaybackState
	errFlag   bool
	filtered  map[string]struct{}

	wg sync.WaitGroup
}

func NewController(model string, dial Dialer, sched *player.Scheduler, rec *recording.Recorder, notifier Notifier, journal *eventstore.Store, busClient *bus.Client, log *slog.Logger) *Controller {
	return &Controller{
		model:    model,
		dial:     dial,
		sched:    sched,
		rec:      rec,
		notifier: notifier,
		journal:  journal,
		bus:      busClient,
		log:      log.With(slog.String("component", "session-controller")),
		state:    protocol.PlaybackStopped,
		filtered: make(map[string]struct{}),
	}
}

// SetResync wires the prompt synchronizer's kick. Called once during
// composition, before any traffic flows.
func (c *Controller) SetResync(resync func()) { c.resync = resync }

// Connect establishes exactly one live session, closing and discarding any
// prior session first. Close errors on the prior session are non-fatal.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	prior := c.sess
	c.sess = nil
	c.gen++ // invalidate the prior session's event stream
	c.mu.Unlock()

	if prior != nil {
		if err := prior.Close(); err != nil {
			c.log.Warn("closing prior session failed", slog.String("error", err.Error()))
		}
	}

	sess, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.errFlag = true
		ch := c.setStateLocked(protocol.PlaybackStopped)
		c.mu.Unlock()
		c.emitState(ch)
		c.notifier.Notify("Connection to the music service failed.", 5*time.Second)
		return fmt.Errorf("connect backend: %w", err)
	}

	c.mu.Lock()
	c.sess = sess
	c.sessionID = sess.ID()
	c.errFlag = false
	gen := c.gen
	ch := c.setStateLocked(protocol.PlaybackStopped)
	c.mu.Unlock()
	c.emitState(ch)

	c.journalSession(sess.ID())

	c.wg.Add(1)
	go c.consumeEvents(gen, sess)

	return nil
}

// Play starts or resumes generation. With no session or a flagged error it
// reconnects and resynchronizes prompts first; the state moves to loading
// optimistically and is confirmed by an inbound state message.
func (c *Controller) Play(ctx context.Context) error {
	c.mu.Lock()
	needReconnect := c.sess == nil || c.errFlag
	c.mu.Unlock()

	if needReconnect {
		if err := c.Connect(ctx); err != nil {
			c.notifier.Notify("Could not reconnect. Playback remains stopped.", 5*time.Second)
			return err
		}
		if c.resync != nil {
			c.resync()
		}
	}

	// Fresh lookahead window: the first segment after this reset is
	// scheduled a full margin ahead of the output clock.
	c.sched.Reset()

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}

	if err := sess.Play(); err != nil {
		c.commandFailed("play", err)
		return err
	}
	c.setState(protocol.PlaybackLoading)
	return nil
}

// Pause suspends generation without resetting the timeline cursor, so
// resuming continues smoothly under a fresh lookahead window.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	if err := sess.Pause(); err != nil {
		c.commandFailed("pause", err)
		return err
	}
	c.setState(protocol.PlaybackPaused)
	return nil
}

// Stop halts generation, resets the timeline cursor, and stops any
// in-progress recording; recording never outlives playback intent.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Stop(); err != nil {
			c.log.Warn("stop command failed", slog.String("error", err.Error()))
		}
	}
	c.setState(protocol.PlaybackStopped)
	c.sched.Reset()
	c.stopRecording()
	return nil
}

// RequestPause implements the synchronizer's pause policy hook.
func (c *Controller) RequestPause(reason string) {
	c.log.Info("pause requested", slog.String("reason", reason))
	if err := c.Pause(context.Background()); err != nil && err != ErrNoSession {
		c.log.Warn("requested pause failed", slog.String("error", err.Error()))
	}
}

// UpdatePrompts forwards a weighted prompt set to the live session.
func (c *Controller) UpdatePrompts(prompts []backend.WeightedPrompt) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	return sess.UpdatePrompts(prompts)
}

// SessionID returns the identity of the most recent session, live or not.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the current playback state.
func (c *Controller) State() protocol.PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrorFlagged reports whether the last backend interaction failed.
func (c *Controller) ErrorFlagged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errFlag
}

// Contains reports whether a prompt text is in the backend's filtered set.
func (c *Controller) Contains(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.filtered[text]
	return ok
}

// FilteredPrompts returns the current filtered set.
func (c *Controller) FilteredPrompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.filtered))
	for text := range c.filtered {
		out = append(out, text)
	}
	return out
}

// Close tears down the live session and waits for its event stream to
// drain. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.gen++
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	c.wg.Wait()
}

func (c *Controller) consumeEvents(gen int, sess BackendSession) {
	defer c.wg.Done()
	for ev := range sess.Events() {
		c.dispatch(gen, ev)
	}
}

// dispatch applies one inbound event. Events from a superseded session are
// dropped by generation comparison before any effect is applied.
func (c *Controller) dispatch(gen int, ev backend.Event) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	switch ev.Type {
	case backend.EventError:
		c.errFlag = true
		ch := c.setStateLocked(protocol.PlaybackStopped)
		c.mu.Unlock()
		c.emitState(ch)
		c.sched.Reset()
		c.stopRecording()
		c.notifier.Notify(ev.Message, 5*time.Second)

	case backend.EventFilteredPrompts:
		// Authoritative replacement: a prompt no longer echoed as
		// rejected drops out of the set.
		replaced := make(map[string]struct{}, len(ev.Prompts))
		for _, text := range ev.Prompts {
			replaced[text] = struct{}{}
		}
		c.filtered = replaced
		sessionID := c.sessionID
		c.mu.Unlock()
		c.journalEvent(sessionID, "prompts.filtered", ev.Prompts)
		if len(ev.Prompts) > 0 {
			c.notifier.Notify("Some prompts were rejected by the content filter.", 5*time.Second)
		}
		if c.resync != nil {
			c.resync()
		}

	case backend.EventState:
		state, ok := mapServerState(ev.State)
		if !ok {
			c.mu.Unlock()
			c.log.Warn("unknown server playback state", slog.String("state", ev.State))
			return
		}
		ch := c.setStateLocked(state)
		c.mu.Unlock()
		c.emitState(ch)
		if state == protocol.PlaybackStopped {
			c.sched.Reset()
			c.stopRecording()
		}

	case backend.EventAudioChunk:
		if c.sess == nil || c.state == protocol.PlaybackPaused || c.state == protocol.PlaybackStopped {
			// The user has paused or stopped; never schedule late audio.
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		seg, err := player.Decode(ev.Chunk.PCM, ev.Chunk.SampleRate, ev.Chunk.Channels)
		if err != nil {
			c.log.Warn("dropping malformed segment", slog.String("error", err.Error()))
			return
		}
		c.sched.OnSegment(seg)

	case backend.EventClosed:
		c.sess = nil
		if !ev.Clean {
			c.errFlag = true
		}
		ch := c.setStateLocked(protocol.PlaybackStopped)
		c.mu.Unlock()
		c.emitState(ch)
		c.sched.Reset()
		c.stopRecording()
		if !ev.Clean {
			c.notifier.Notify("Connection to the music service was lost.", 5*time.Second)
		}

	default:
		c.mu.Unlock()
	}
}

func mapServerState(state string) (protocol.PlaybackState, bool) {
	switch state {
	case "buffering":
		return protocol.PlaybackLoading, true
	case "playing":
		return protocol.PlaybackPlaying, true
	case "paused":
		return protocol.PlaybackPaused, true
	case "stopped":
		return protocol.PlaybackStopped, true
	}
	return "", false
}

func (c *Controller) commandFailed(command string, err error) {
	c.log.Warn("backend command failed",
		slog.String("command", command),
		slog.String("error", err.Error()))
	c.mu.Lock()
	c.errFlag = true
	ch := c.setStateLocked(protocol.PlaybackStopped)
	c.mu.Unlock()
	c.emitState(ch)
	c.notifier.Notify("The music service did not respond. Try reconnecting.", 5*time.Second)
}

// stateChange is a recorded transition to be emitted after c.mu is released.
type stateChange struct {
	sessionID string
	state     protocol.PlaybackState
	changed   bool
}

func (c *Controller) setState(state protocol.PlaybackState) {
	c.mu.Lock()
	ch := c.setStateLocked(state)
	c.mu.Unlock()
	c.emitState(ch)
}

func (c *Controller) setStateLocked(state protocol.PlaybackState) stateChange {
	if c.state == state {
		return stateChange{}
	}
	c.state = state
	return stateChange{sessionID: c.sessionID, state: state, changed: true}
}

// emitState journals and broadcasts a transition. The journal write and the
// bus publish block on I/O, so this never runs with c.mu held.
func (c *Controller) emitState(ch stateChange) {
	if !ch.changed {
		return
	}
	c.journalEvent(ch.sessionID, "playback.state", string(ch.state))
	c.broadcastState(ch.sessionID, ch.state)
}

func (c *Controller) broadcastState(sessionID string, state protocol.PlaybackState) {
	if c.bus == nil {
		return
	}
	msg := protocol.StateBroadcast{
		SessionID: sessionID,
		State:     state,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Warn("failed to marshal state broadcast", slog.String("error", err.Error()))
		return
	}
	if err := c.bus.Conn().Publish(protocol.SubjectPlaybackState, data); err != nil {
		c.log.Warn("failed to publish state broadcast", slog.String("error", err.Error()))
	}
}

func (c *Controller) stopRecording() {
	if c.rec == nil {
		return
	}
	if err := c.rec.Stop(); err != nil && err != recording.ErrNotRecording {
		c.log.Warn("failed to stop recording", slog.String("error", err.Error()))
	}
}

func (c *Controller) journalSession(sessionID string) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.journal.AppendSession(ctx, sessionID, c.model); err != nil {
		c.log.Warn("failed to journal session", slog.String("error", err.Error()))
		return
	}
	c.journalEvent(sessionID, "session.connect", map[string]string{"model": c.model})
}

func (c *Controller) journalEvent(sessionID, eventType string, payload any) {
	if c.journal == nil || sessionID == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.journal.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		Type:      eventType,
		Payload:   data,
	}); err != nil {
		c.log.Warn("failed to journal event", slog.String("error", err.Error()))
	}
}
