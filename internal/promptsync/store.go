package promptsync

import (
	"sort"
	"sync"

	"github.com/loqalabs/muse-core/internal/protocol"
)

// Prompt is the daemon's view of one editable prompt. The editing surface
// owns the authoring; the store only holds the latest snapshot.
type Prompt struct {
	ID      string
	Text    string
	Weight  float64
	Bound   bool
	Channel int
	CC      int
	Color   string
}

// Store holds the current prompt set. Bus handlers are the only writers;
// the synchronizer reads snapshots.
type Store struct {
	mu        sync.Mutex
	prompts   map[string]Prompt
	maxWeight float64
}

func NewStore(maxWeight float64) *Store {
	return &Store{
		prompts:   make(map[string]Prompt),
		maxWeight: maxWeight,
	}
}

// Apply folds one edit event into the store, clamping weight to [0, max].
func (s *Store) Apply(u protocol.PromptUpdate) {
	if u.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[u.ID] = Prompt{
		ID:      u.ID,
		Text:    u.Text,
		Weight:  s.clamp(u.Weight),
		Bound:   u.Bound,
		Channel: u.Channel,
		CC:      u.CC,
		Color:   u.Color,
	}
}

// ApplyControlChange maps a MIDI CC value onto every prompt bound to that
// channel/controller pair and returns the ids that changed.
func (s *Store) ApplyControlChange(cc protocol.MIDIControlChange) []string {
	if cc.Value < 0 {
		cc.Value = 0
	}
	if cc.Value > 127 {
		cc.Value = 127
	}
	weight := float64(cc.Value) / 127.0 * s.maxWeight

	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for id, p := range s.prompts {
		if !p.Bound || p.Channel != cc.Channel || p.CC != cc.Control {
			continue
		}
		p.Weight = weight
		s.prompts[id] = p
		changed = append(changed, id)
	}
	sort.Strings(changed)
	return changed
}

// Remove drops a prompt from the store.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prompts, id)
}

// Snapshot returns the prompts in stable id order.
func (s *Store) Snapshot() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) clamp(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > s.maxWeight {
		return s.maxWeight
	}
	return w
}
