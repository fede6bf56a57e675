package promptsync

import (
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/muse-core/internal/bus"
	"github.com/loqalabs/muse-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service subscribes to prompt edit and MIDI control-change subjects and
// feeds them through the store into the synchronizer.
type Service struct {
	store  *Store
	sync   *Synchronizer
	bus    *bus.Client
	logger *slog.Logger

	subPrompt *nats.Subscription
	subMIDI   *nats.Subscription
}

func NewService(store *Store, synchronizer *Synchronizer, busClient *bus.Client, log *slog.Logger) *Service {
	return &Service{
		store:  store,
		sync:   synchronizer,
		bus:    busClient,
		logger: log.With(slog.String("component", "prompt-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectPromptUpdate, s.handlePromptUpdate)
	if err != nil {
		return err
	}
	s.subPrompt = sub

	subMIDI, err := s.bus.Conn().Subscribe(protocol.SubjectMIDIControl, s.handleControlChange)
	if err != nil {
		_ = s.subPrompt.Drain()
		return err
	}
	s.subMIDI = subMIDI
	return nil
}

func (s *Service) Close() {
	if s.subPrompt != nil {
		_ = s.subPrompt.Drain()
	}
	if s.subMIDI != nil {
		_ = s.subMIDI.Drain()
	}
	s.sync.Close()
}

func (s *Service) Healthy() bool {
	return s.subPrompt != nil && s.subMIDI != nil
}

func (s *Service) handlePromptUpdate(msg *nats.Msg) {
	var update protocol.PromptUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		s.logger.Warn("failed to decode prompt update", slogError(err))
		return
	}
	s.store.Apply(update)
	s.sync.Kick()
}

func (s *Service) handleControlChange(msg *nats.Msg) {
	var cc protocol.MIDIControlChange
	if err := json.Unmarshal(msg.Data, &cc); err != nil {
		s.logger.Warn("failed to decode control change", slogError(err))
		return
	}
	if changed := s.store.ApplyControlChange(cc); len(changed) > 0 {
		s.sync.Kick()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
