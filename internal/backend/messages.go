package backend

// WeightedPrompt is one entry in an outgoing prompt update.
type WeightedPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// clientMessage is the envelope for all outbound commands.
type clientMessage struct {
	Type    string           `json:"type"`
	Model   string           `json:"model,omitempty"`
	Prompts []WeightedPrompt `json:"prompts,omitempty"`
}

// serverMessage is the envelope for all inbound messages.
type serverMessage struct {
	Type    string        `json:"type"`
	Error   *serverError  `json:"error,omitempty"`
	Prompts []string      `json:"prompts,omitempty"`
	State   string        `json:"state,omitempty"`
	Audio   *serverAudio  `json:"audio,omitempty"`
}

type serverError struct {
	Message string `json:"message"`
}

type serverAudio struct {
	Data       string `json:"data"` // base64 s16le PCM
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// EventType discriminates inbound session events.
type EventType string

const (
	EventError           EventType = "error"
	EventFilteredPrompts EventType = "filtered_prompts"
	EventState           EventType = "state"
	EventAudioChunk      EventType = "audio_chunk"
	EventClosed          EventType = "closed"
)

// AudioChunk is a decoded inbound audio payload.
type AudioChunk struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Event is one inbound session event, delivered in arrival order.
type Event struct {
	Type    EventType
	Message string   // EventError
	Prompts []string // EventFilteredPrompts
	State   string   // EventState: buffering|playing|stopped|paused
	Chunk   AudioChunk
	Clean   bool // EventClosed
}
