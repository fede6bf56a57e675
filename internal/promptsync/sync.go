package promptsync

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/muse-core/internal/backend"
	"github.com/loqalabs/muse-core/internal/bus"
	"github.com/loqalabs/muse-core/internal/protocol"
)

// Updater pushes a weighted prompt set to the live backend session.
type Updater interface {
	UpdatePrompts(prompts []backend.WeightedPrompt) error
}

// Transport exposes the playback state machine to the synchronizer's
// silence policy.
type Transport interface {
	State() protocol.PlaybackState
	RequestPause(reason string)
}

// Filter reports whether a prompt text is currently rejected by the
// backend's safety policy.
type Filter interface {
	Contains(text string) bool
}

// Notifier shows a transient user-facing message.
type Notifier interface {
	Notify(message string, duration time.Duration)
}

// Synchronizer converts the current prompt snapshot into backend updates,
// rate limited to one flush per interval with trailing-edge coalescing:
// calls landing inside the interval are folded into the next flush, which
// sends the most recent snapshot, and every caller receives the result of
// the flush that covered its data.
type Synchronizer struct {
	store     *Store
	updater   Updater
	transport Transport
	filter    Filter
	notifier  Notifier
	bus       *bus.Client
	interval  time.Duration
	clock     func() time.Time
	log       *slog.Logger

	mu          sync.Mutex
	state       int
	pendingNext bool
	waiters     []chan error
	nextWaiters []chan error
	lastRun     time.Time
	lastErr     error
	hasRun      bool
	timer       *time.Timer
	closed      bool
	idle        sync.WaitGroup
}

const (
	syncIdle = iota
	syncScheduled
	syncExecuting
)

func NewSynchronizer(store *Store, updater Updater, transport Transport, filter Filter, notifier Notifier, busClient *bus.Client, interval time.Duration, log *slog.Logger) *Synchronizer {
	return &Synchronizer{
		store:     store,
		updater:   updater,
		transport: transport,
		filter:    filter,
		notifier:  notifier,
		bus:       busClient,
		interval:  interval,
		clock:     time.Now,
		log:       log.With(slog.String("component", "prompt-sync")),
	}
}

// Kick requests a synchronization cycle without waiting for its result.
func (s *Synchronizer) Kick() { _ = s.Sync() }

// Sync requests a synchronization cycle. The returned channel receives the
// result of the flush that covers this call's data.
func (s *Synchronizer) Sync() <-chan error {
	ch := make(chan error, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		ch <- nil
		return ch
	}

	switch s.state {
	case syncExecuting:
		s.pendingNext = true
		s.nextWaiters = append(s.nextWaiters, ch)
	case syncScheduled:
		s.waiters = append(s.waiters, ch)
	default:
		s.waiters = append(s.waiters, ch)
		s.state = syncScheduled
		delay := time.Duration(0)
		if s.hasRun {
			if elapsed := s.clock().Sub(s.lastRun); elapsed < s.interval {
				delay = s.interval - elapsed
			}
		}
		s.idle.Add(1)
		s.timer = time.AfterFunc(delay, s.flush)
	}
	return ch
}

// LastResult returns the outcome of the most recent executed flush.
func (s *Synchronizer) LastResult() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close cancels any scheduled flush and waits for an executing one.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	if s.state == syncScheduled && s.timer != nil && s.timer.Stop() {
		s.state = syncIdle
		for _, w := range s.waiters {
			w <- nil
		}
		s.waiters = nil
		s.idle.Done()
	}
	s.mu.Unlock()
	s.idle.Wait()
}

func (s *Synchronizer) flush() {
	defer s.idle.Done()

	s.mu.Lock()
	if s.closed {
		for _, w := range s.waiters {
			w <- nil
		}
		s.waiters = nil
		s.state = syncIdle
		s.mu.Unlock()
		return
	}
	s.state = syncExecuting
	covered := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	err := s.execute()

	s.mu.Lock()
	s.lastRun = s.clock()
	s.lastErr = err
	s.hasRun = true
	for _, w := range covered {
		w <- err
	}
	if s.pendingNext && !s.closed {
		s.pendingNext = false
		s.waiters = s.nextWaiters
		s.nextWaiters = nil
		s.state = syncScheduled
		s.idle.Add(1)
		s.timer = time.AfterFunc(s.interval, s.flush)
	} else {
		for _, w := range s.nextWaiters {
			w <- err
		}
		s.nextWaiters = nil
		s.pendingNext = false
		s.state = syncIdle
	}
	s.mu.Unlock()
}

// execute builds the outgoing set from the latest snapshot and sends it.
// A prompt goes out only if its weight is positive and its text non-empty;
// filtered prompts are reported to the UI but never resent. An empty
// outgoing set during active playback is treated as a pause request, not
// transmitted as zero prompts.
func (s *Synchronizer) execute() error {
	snapshot := s.store.Snapshot()

	outgoing := make([]backend.WeightedPrompt, 0, len(snapshot))
	statuses := make([]protocol.PromptStatus, 0, len(snapshot))
	for _, p := range snapshot {
		status := protocol.PromptStatus{ID: p.ID, Text: p.Text}
		switch {
		case p.Text == "" || p.Weight <= 0:
			// excluded
		case s.filter.Contains(p.Text):
			status.Filtered = true
		default:
			status.Included = true
			outgoing = append(outgoing, backend.WeightedPrompt{Text: p.Text, Weight: p.Weight})
		}
		statuses = append(statuses, status)
	}
	s.publishStatuses(statuses)

	if len(outgoing) == 0 {
		switch s.transport.State() {
		case protocol.PlaybackPlaying, protocol.PlaybackLoading:
			s.log.Info("no active prompts, pausing playback")
			s.transport.RequestPause("no active prompts")
			s.notifier.Notify("Playback paused: all prompts are muted or filtered.", 4*time.Second)
		}
		return nil
	}

	if err := s.updater.UpdatePrompts(outgoing); err != nil {
		s.log.Warn("prompt update failed", slog.String("error", err.Error()))
		s.notifier.Notify("Failed to update prompts: "+err.Error(), 5*time.Second)
		s.transport.RequestPause("prompt update failed")
		return err
	}
	return nil
}

func (s *Synchronizer) publishStatuses(statuses []protocol.PromptStatus) {
	if s.bus == nil {
		return
	}
	for _, status := range statuses {
		data, err := json.Marshal(status)
		if err != nil {
			s.log.Warn("failed to marshal prompt status", slog.String("error", err.Error()))
			continue
		}
		if err := s.bus.Conn().Publish(protocol.SubjectPromptStatus, data); err != nil {
			s.log.Warn("failed to publish prompt status", slog.String("error", err.Error()))
		}
	}
}
