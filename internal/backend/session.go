package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/muse-core/internal/config"
)

// ErrSessionClosed is returned by commands issued after Close.
var ErrSessionClosed = errors.New("backend session closed")

// Session is one live bidirectional connection to the generation service.
// Commands are queued on an async write channel so callers never block on
// socket latency; inbound messages are delivered on Events in arrival order.
type Session struct {
	id      string
	conn    *websocket.Conn
	writeCh chan []byte
	events  chan Event

	closed    chan struct{}
	done      chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once

	log *slog.Logger
}

// Dial connects to the generation backend with exponential backoff and sends
// the session setup message naming the model.
func Dial(ctx context.Context, cfg config.BackendConfig, log *slog.Logger) (*Session, error) {
	header := http.Header{}
	if cfg.APIKeyEnv != "" {
		if key := os.Getenv(cfg.APIKeyEnv); key != "" {
			header.Set("Authorization", "Bearer "+key)
		}
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.DialTimeout)*time.Millisecond)
		defer cancel()
	}

	var conn *websocket.Conn
	var err error

	backoff := time.Second
	for attempt := 0; attempt < cfg.DialAttempts; attempt++ {
		dialer := websocket.Dialer{}
		conn, _, err = dialer.DialContext(dialCtx, cfg.URL, header)
		if err == nil {
			break
		}
		log.Warn("backend dial failed",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", cfg.DialAttempts),
			slog.Duration("retry_in", backoff),
			slog.String("error", err.Error()))
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-dialCtx.Done():
			return nil, dialCtx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to backend after %d attempts: %w", cfg.DialAttempts, err)
	}

	setup := clientMessage{Type: "setup", Model: cfg.Model}
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send session setup: %w", err)
	}

	depth := cfg.WriteQueueDepth
	if depth <= 0 {
		depth = 256
	}
	s := &Session{
		id:        uuid.NewString(),
		conn:      conn,
		writeCh:   make(chan []byte, depth),
		events:    make(chan Event, 64),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
		log:       log.With(slog.String("component", "backend-session")),
	}

	s.log.Info("backend session established", slog.String("session_id", s.id), slog.String("model", cfg.Model))

	go s.readLoop()
	go s.writeLoop()

	return s, nil
}

// ID returns the locally-assigned session identity.
func (s *Session) ID() string { return s.id }

// Events delivers inbound session events. The channel is closed after the
// terminal EventClosed has been delivered.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Play() error  { return s.command(clientMessage{Type: "play"}) }
func (s *Session) Pause() error { return s.command(clientMessage{Type: "pause"}) }
func (s *Session) Stop() error  { return s.command(clientMessage{Type: "stop"}) }

// UpdatePrompts sends the current weighted prompt set.
func (s *Session) UpdatePrompts(prompts []WeightedPrompt) error {
	return s.command(clientMessage{Type: "update_prompts", Prompts: prompts})
}

func (s *Session) command(msg clientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", msg.Type, err)
	}
	select {
	case <-s.closed:
		return ErrSessionClosed
	case s.writeCh <- data:
		return nil
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			select {
			case <-s.closed:
				clean = true
			default:
			}
			if !clean {
				s.log.Warn("backend read error", slog.String("error", err.Error()))
			}
			s.events <- Event{Type: EventClosed, Clean: clean}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Warn("failed to decode backend message", slog.String("error", err.Error()))
			continue
		}

		switch msg.Type {
		case "error":
			message := "backend error"
			if msg.Error != nil {
				message = msg.Error.Message
			}
			s.events <- Event{Type: EventError, Message: message}
		case "filtered_prompts":
			s.events <- Event{Type: EventFilteredPrompts, Prompts: msg.Prompts}
		case "state":
			s.events <- Event{Type: EventState, State: msg.State}
		case "audio_chunk":
			if msg.Audio == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio.Data)
			if err != nil {
				s.log.Warn("failed to decode audio payload", slog.String("error", err.Error()))
				continue
			}
			s.events <- Event{Type: EventAudioChunk, Chunk: AudioChunk{
				PCM:        pcm,
				SampleRate: msg.Audio.SampleRate,
				Channels:   msg.Audio.Channels,
			}}
		default:
			// Unknown message types are forward compatible: skip.
		}
	}
}

// writeLoop drains the command queue onto the socket, decoupling command
// issuers from socket I/O latency.
func (s *Session) writeLoop() {
	defer close(s.writeDone)
	for {
		select {
		case <-s.closed:
			return
		case data := <-s.writeCh:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn("backend write error", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Close tears the session down. Safe to call multiple times and on a
// session whose connection has already failed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.conn.Close()
		<-s.writeDone
		<-s.done
		s.log.Info("backend session closed", slog.String("session_id", s.id))
	})
	return nil
}
