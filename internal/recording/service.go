package recording

import (
	"log/slog"

	"github.com/loqalabs/muse-core/internal/bus"
	"github.com/loqalabs/muse-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service exposes recorder start/stop over the bus for UI surfaces.
type Service struct {
	rec    *Recorder
	bus    *bus.Client
	logger *slog.Logger

	subStart *nats.Subscription
	subStop  *nats.Subscription
}

func NewService(rec *Recorder, busClient *bus.Client, log *slog.Logger) *Service {
	return &Service{
		rec:    rec,
		bus:    busClient,
		logger: log.With(slog.String("component", "recording-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRecordingStart, func(*nats.Msg) {
		if err := s.rec.Start(); err != nil {
			s.logger.Warn("failed to start recording", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return err
	}
	s.subStart = sub

	subStop, err := s.bus.Conn().Subscribe(protocol.SubjectRecordingStop, func(*nats.Msg) {
		if err := s.rec.Stop(); err != nil && err != ErrNotRecording {
			s.logger.Warn("failed to stop recording", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		_ = s.subStart.Drain()
		return err
	}
	s.subStop = subStop
	return nil
}

func (s *Service) Close() {
	if s.subStart != nil {
		_ = s.subStart.Drain()
	}
	if s.subStop != nil {
		_ = s.subStop.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.subStart != nil && s.subStop != nil
}
