package promptsync

import (
	"testing"

	"github.com/loqalabs/muse-core/internal/protocol"
)

func TestApplyClampsWeight(t *testing.T) {
	s := NewStore(2.0)
	s.Apply(protocol.PromptUpdate{ID: "a", Text: "ambient pads", Weight: 9.5})
	s.Apply(protocol.PromptUpdate{ID: "b", Text: "tape hiss", Weight: -1})

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(snap))
	}
	if snap[0].Weight != 2.0 {
		t.Fatalf("expected weight clamped to max, got %v", snap[0].Weight)
	}
	if snap[1].Weight != 0 {
		t.Fatalf("expected negative weight clamped to zero, got %v", snap[1].Weight)
	}
}

func TestApplyIgnoresEmptyID(t *testing.T) {
	s := NewStore(2.0)
	s.Apply(protocol.PromptUpdate{Text: "orphan", Weight: 1})
	if len(s.Snapshot()) != 0 {
		t.Fatalf("prompt without id should be dropped")
	}
}

func TestControlChangeMapsOntoBoundPrompts(t *testing.T) {
	s := NewStore(2.0)
	s.Apply(protocol.PromptUpdate{ID: "a", Text: "strings", Weight: 1, Bound: true, Channel: 1, CC: 20})
	s.Apply(protocol.PromptUpdate{ID: "b", Text: "drums", Weight: 1, Bound: true, Channel: 1, CC: 21})
	s.Apply(protocol.PromptUpdate{ID: "c", Text: "bass", Weight: 1, Bound: true, Channel: 1, CC: 20})

	changed := s.ApplyControlChange(protocol.MIDIControlChange{Channel: 1, Control: 20, Value: 127})
	if len(changed) != 2 || changed[0] != "a" || changed[1] != "c" {
		t.Fatalf("unexpected changed set: %v", changed)
	}

	for _, p := range s.Snapshot() {
		switch p.ID {
		case "a", "c":
			if p.Weight != 2.0 {
				t.Fatalf("prompt %s expected full weight, got %v", p.ID, p.Weight)
			}
		case "b":
			if p.Weight != 1.0 {
				t.Fatalf("unbound prompt weight changed: %v", p.Weight)
			}
		}
	}
}

func TestControlChangeIgnoresUnboundPrompts(t *testing.T) {
	s := NewStore(2.0)
	// No binding set: the zero-value channel/cc pair must never match.
	s.Apply(protocol.PromptUpdate{ID: "a", Text: "strings", Weight: 1})

	changed := s.ApplyControlChange(protocol.MIDIControlChange{Channel: 0, Control: 0, Value: 127})
	if len(changed) != 0 {
		t.Fatalf("unbound prompt matched a control change: %v", changed)
	}
	if w := s.Snapshot()[0].Weight; w != 1 {
		t.Fatalf("unbound prompt weight rewritten to %v", w)
	}
}

func TestControlChangeClampsRawValue(t *testing.T) {
	s := NewStore(2.0)
	s.Apply(protocol.PromptUpdate{ID: "a", Text: "strings", Weight: 1, Bound: true, Channel: 1, CC: 20})

	s.ApplyControlChange(protocol.MIDIControlChange{Channel: 1, Control: 20, Value: 200})
	if w := s.Snapshot()[0].Weight; w != 2.0 {
		t.Fatalf("expected over-range value clamped to max weight, got %v", w)
	}
}

func TestRemove(t *testing.T) {
	s := NewStore(2.0)
	s.Apply(protocol.PromptUpdate{ID: "a", Text: "strings", Weight: 1})
	s.Remove("a")
	if len(s.Snapshot()) != 0 {
		t.Fatalf("expected empty store after remove")
	}
}
