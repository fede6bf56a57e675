package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/muse-core/internal/bus"
	"github.com/loqalabs/muse-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service exposes transport commands over the bus for UI surfaces.
type Service struct {
	ctrl   *Controller
	bus    *bus.Client
	logger *slog.Logger

	subs []*nats.Subscription
}

func NewService(ctrl *Controller, busClient *bus.Client, log *slog.Logger) *Service {
	return &Service{
		ctrl:   ctrl,
		bus:    busClient,
		logger: log.With(slog.String("component", "transport-service")),
	}
}

func (s *Service) Start() error {
	handlers := []struct {
		subject string
		fn      func(ctx context.Context) error
	}{
		{protocol.SubjectTransportPlay, s.ctrl.Play},
		{protocol.SubjectTransportPause, s.ctrl.Pause},
		{protocol.SubjectTransportStop, s.ctrl.Stop},
	}
	for _, h := range handlers {
		fn := h.fn
		subject := h.subject
		sub, err := s.bus.Conn().Subscribe(subject, func(*nats.Msg) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := fn(ctx); err != nil && err != ErrNoSession {
				s.logger.Warn("transport command failed",
					slog.String("subject", subject),
					slog.String("error", err.Error()))
			}
		})
		if err != nil {
			s.Close()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return len(s.subs) == 3
}
