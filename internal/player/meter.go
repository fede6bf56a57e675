package player

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/muse-core/internal/bus"
	"github.com/loqalabs/muse-core/internal/protocol"
)

// Meter polls the graph's level tap on a fixed interval and publishes
// samples for UI visualization.
type Meter struct {
	graph    *Graph
	bus      *bus.Client
	interval time.Duration
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMeter(parent context.Context, graph *Graph, busClient *bus.Client, interval time.Duration, log *slog.Logger) *Meter {
	ctx, cancel := context.WithCancel(parent)
	return &Meter{
		graph:    graph,
		bus:      busClient,
		interval: interval,
		log:      log.With(slog.String("component", "level-meter")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Meter) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Meter) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Meter) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.publish()
		}
	}
}

func (m *Meter) publish() {
	sample := protocol.LevelSample{
		RMS:       m.graph.Level(),
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(sample)
	if err != nil {
		m.log.Warn("failed to marshal level sample", slog.String("error", err.Error()))
		return
	}
	if err := m.bus.Conn().Publish(protocol.SubjectPlayerLevel, data); err != nil {
		m.log.Warn("failed to publish level sample", slog.String("error", err.Error()))
	}
}
