package promptsync

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/muse-core/internal/backend"
	"github.com/loqalabs/muse-core/internal/protocol"
)

type fakeUpdater struct {
	mu    sync.Mutex
	calls [][]backend.WeightedPrompt
	err   error
}

func (f *fakeUpdater) UpdatePrompts(prompts []backend.WeightedPrompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prompts)
	return f.err
}

func (f *fakeUpdater) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeUpdater) lastCall() []backend.WeightedPrompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type fakeTransport struct {
	mu     sync.Mutex
	state  protocol.PlaybackState
	pauses []string
}

func (f *fakeTransport) State() protocol.PlaybackState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) RequestPause(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses = append(f.pauses, reason)
}

func (f *fakeTransport) pauseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pauses)
}

type fakeFilter struct{ rejected map[string]bool }

func (f *fakeFilter) Contains(text string) bool { return f.rejected[text] }

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeNotifier) Notify(message string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, message)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type syncFixture struct {
	store     *Store
	updater   *fakeUpdater
	transport *fakeTransport
	filter    *fakeFilter
	notifier  *fakeNotifier
	sync      *Synchronizer
}

func newSyncFixture(t *testing.T, interval time.Duration) *syncFixture {
	t.Helper()
	f := &syncFixture{
		store:     NewStore(2.0),
		updater:   &fakeUpdater{},
		transport: &fakeTransport{state: protocol.PlaybackPlaying},
		filter:    &fakeFilter{rejected: map[string]bool{}},
		notifier:  &fakeNotifier{},
	}
	f.sync = NewSynchronizer(f.store, f.updater, f.transport, f.filter, f.notifier, nil, interval, testLogger())
	t.Cleanup(f.sync.Close)
	return f
}

func (f *syncFixture) await(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for sync result")
		return nil
	}
}

func TestFirstSyncFlushesImmediately(t *testing.T) {
	f := newSyncFixture(t, 100*time.Millisecond)
	f.store.Apply(protocol.PromptUpdate{ID: "a", Text: "warm pads", Weight: 1})

	if err := f.await(t, f.sync.Sync()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if f.updater.callCount() != 1 {
		t.Fatalf("expected 1 update, got %d", f.updater.callCount())
	}
	got := f.updater.lastCall()
	if len(got) != 1 || got[0].Text != "warm pads" || got[0].Weight != 1 {
		t.Fatalf("unexpected outgoing set: %+v", got)
	}
}

func TestBurstCoalescesIntoOneFlushWithLatestData(t *testing.T) {
	f := newSyncFixture(t, 100*time.Millisecond)
	f.store.Apply(protocol.PromptUpdate{ID: "a", Text: "warm pads", Weight: 0.5})
	if err := f.await(t, f.sync.Sync()); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// Burst of edits inside the interval: one flush, carrying the final
	// snapshot.
	var results []<-chan error
	for _, w := range []float64{0.6, 0.7, 0.8, 0.9} {
		f.store.Apply(protocol.PromptUpdate{ID: "a", Text: "warm pads", Weight: w})
		results = append(results, f.sync.Sync())
	}
	for _, ch := range results {
		if err := f.await(t, ch); err != nil {
			t.Fatalf("burst sync: %v", err)
		}
	}

	if f.updater.callCount() != 2 {
		t.Fatalf("expected burst coalesced into 1 extra update, got %d total", f.updater.callCount())
	}
	if got := f.updater.lastCall(); got[0].Weight != 0.9 {
		t.Fatalf("expected latest weight 0.9, got %v", got[0].Weight)
	}
}

func TestFlushesSpacedByInterval(t *testing.T) {
	interval := 80 * time.Millisecond
	f := newSyncFixture(t, interval)
	f.store.Apply(protocol.PromptUpdate{ID: "a", Text: "warm pads", Weight: 1})

	start := time.Now()
	if err := f.await(t, f.sync.Sync()); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := f.await(t, f.sync.Sync()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if elapsed := time.Since(start); elapsed < interval-10*time.Millisecond {
		t.Fatalf("second flush ran after %v, want at least %v", elapsed, interval)
	}
}

func TestZeroWeightPromptsExcluded(t *testing.T) {
	f := newSyncFixture(t, 50*time.Millisecond)
	f.store.Apply(protocol.PromptUpdate{ID: "a", Text: "warm pads", Weight: 1})
	f.store.Apply(protocol.PromptUpdate{ID: "b", Text: "muted", Weight: 0})

	if err := f.await(t, f.sync.Sync()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got := f.updater.lastCall()
	if len(got) != 1 || got[0].Text != "warm pads" {
		t.Fatalf("expected only weighted prompt sent, got %+v", got)
	}
}

func TestFilteredPromptsNeverResent(t *testing.T) {
	f := newSyncFixture(t, 50*time.Millisecond)
	f.filter.rejected["forbidden lyrics"] = true
	f.store.Apply(protocol.PromptUpdate{ID: "a", Text: "warm pads", Weight: 1})
	f.store.Apply(protocol.PromptUpdate{ID: "b", Text: "forbidden lyrics", Weight: 1})

	if err := f.await(t, f.sync.Sync()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got := f.updater.lastCall()
	if len(got) != 1 || got[0].Text != "warm pads" {
		t.Fatalf("filtered prompt leaked into update: %+v", got)
	}
}

func TestEmptySetDuringPlaybackRequestsPause(t *testing.T) {
	f := newSyncFixture(t, 50*time.Millisecond)
	f.transport.state = protocol.PlaybackPlaying

	if err := f.await(t, f.sync.Sync()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if f.updater.callCount() != 0 {
		t.Fatalf("empty set must not be transmitted")
	}
	if f.transport.pauseCount() != 1 {
		t.Fatalf("expected pause request, got %d", f.transport.pauseCount())
	}
	if f.notifier.count() == 0 {
		t.Fatalf("expected user notification for silence pause")
	}
}

func TestEmptySetWhileStoppedDoesNothing(t *testing.T) {
	f := newSyncFixture(t, 50*time.Millisecond)
	f.transport.state = protocol.PlaybackStopped

	if err := f.await(t, f.sync.Sync()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if f.transport.pauseCount() != 0 {
		t.Fatalf("stopped playback should not trigger pause")
	}
}

func TestUpdateFailurePausesAndReports(t *testing.T) {
	f := newSyncFixture(t, 50*time.Millisecond)
	f.updater.err = errors.New("socket gone")
	f.store.Apply(protocol.PromptUpdate{ID: "a", Text: "warm pads", Weight: 1})

	err := f.await(t, f.sync.Sync())
	if err == nil {
		t.Fatalf("expected propagated update error")
	}
	if f.transport.pauseCount() != 1 {
		t.Fatalf("expected pause on update failure")
	}
	if f.notifier.count() == 0 {
		t.Fatalf("expected user notification on update failure")
	}
	if f.sync.LastResult() == nil {
		t.Fatalf("expected LastResult to surface the failure")
	}
}

func TestCloseDrainsScheduledFlush(t *testing.T) {
	f := newSyncFixture(t, time.Hour)
	f.store.Apply(protocol.PromptUpdate{ID: "a", Text: "warm pads", Weight: 1})
	if err := f.await(t, f.sync.Sync()); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// Second sync is scheduled an hour out; Close must release the waiter.
	ch := f.sync.Sync()
	f.sync.Close()
	if err := f.await(t, ch); err != nil {
		t.Fatalf("expected nil result for cancelled flush, got %v", err)
	}
	if f.updater.callCount() != 1 {
		t.Fatalf("cancelled flush must not execute")
	}
}
