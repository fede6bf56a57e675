package protocol

import "time"

// PlaybackState is the coarse playback state machine, broadcast to UI
// surfaces on every transition. The session controller is its only writer.
type PlaybackState string

const (
	PlaybackStopped PlaybackState = "stopped"
	PlaybackLoading PlaybackState = "loading"
	PlaybackPlaying PlaybackState = "playing"
	PlaybackPaused  PlaybackState = "paused"
)

// PromptUpdate is an edit event from the prompt editing surface. Channel and
// CC are only meaningful when Bound is set; an unbound prompt ignores MIDI
// control changes entirely.
type PromptUpdate struct {
	ID      string  `json:"id"`
	Text    string  `json:"text"`
	Weight  float64 `json:"weight"`
	Bound   bool    `json:"cc_bound"`
	Channel int     `json:"channel"`
	CC      int     `json:"cc"`
	Color   string  `json:"color,omitempty"`
}

// MIDIControlChange is a control-change event from the MIDI bridge.
// Value is the raw 0..127 controller value.
type MIDIControlChange struct {
	Channel int `json:"channel"`
	Control int `json:"control"`
	Value   int `json:"value"`
}

// PromptStatus reports per-prompt synchronization outcome back to the UI.
type PromptStatus struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Included bool   `json:"included"`
	Filtered bool   `json:"filtered"`
}

// StateBroadcast announces a playback state transition.
type StateBroadcast struct {
	SessionID string        `json:"session_id"`
	State     PlaybackState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

// Notification is a transient user-facing message, fire-and-forget.
type Notification struct {
	Message    string `json:"message"`
	DurationMS int    `json:"duration_ms"`
}

// LevelSample carries output level metering for UI visualization.
type LevelSample struct {
	RMS       float64   `json:"rms"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectPromptUpdate   = "muse.prompt.update"
	SubjectPromptStatus   = "muse.prompt.status"
	SubjectMIDIControl    = "muse.midi.cc"
	SubjectPlaybackState  = "muse.playback.state"
	SubjectNotify         = "muse.notify"
	SubjectPlayerLevel    = "muse.player.level"
	SubjectTransportPlay  = "muse.transport.play"
	SubjectTransportPause = "muse.transport.pause"
	SubjectTransportStop  = "muse.transport.stop"
	SubjectRecordingStart = "muse.recording.start"
	SubjectRecordingStop  = "muse.recording.stop"
)
