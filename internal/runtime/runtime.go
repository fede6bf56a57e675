package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loqalabs/muse-core/internal/backend"
	"github.com/loqalabs/muse-core/internal/bus"
	"github.com/loqalabs/muse-core/internal/config"
	"github.com/loqalabs/muse-core/internal/eventstore"
	"github.com/loqalabs/muse-core/internal/natsserver"
	"github.com/loqalabs/muse-core/internal/player"
	"github.com/loqalabs/muse-core/internal/promptsync"
	"github.com/loqalabs/muse-core/internal/protocol"
	"github.com/loqalabs/muse-core/internal/recording"
	"github.com/loqalabs/muse-core/internal/session"
)

// Runtime composes the daemon: embedded bus, journal, output graph, prompt
// synchronizer, session controller, and the HTTP surface. Start blocks until
// the context is cancelled, then tears everything down in dependency order.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	embedded *natsserver.EmbeddedServer
	busc     *bus.Client
	journal  *eventstore.Store
	graph    *player.Graph
	sched    *player.Scheduler
	meter    *player.Meter
	recorder *recording.Recorder
	ctrl     *session.Controller
	sync     *promptsync.Synchronizer

	promptService    *promptsync.Service
	transportService *session.Service
	recordingService *recording.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busc, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busc = busc

	journal, err := eventstore.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		r.closeInfra()
		return fmt.Errorf("failed to open session journal: %w", err)
	}
	r.journal = journal

	if err := r.buildPipeline(ctx); err != nil {
		r.closeInfra()
		return err
	}

	if err := r.startServices(); err != nil {
		r.closePipeline()
		r.closeInfra()
		return err
	}

	r.startHTTP(metricHandler)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.httpServer.Addr),
		slog.String("backend", r.cfg.Backend.URL))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.closeServices()
	r.closePipeline()
	r.closeInfra()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildPipeline wires the audio path and the session controller. The
// recorder needs the controller's playback state and the journal adapter
// needs its session identity, so both go through late-bound holders.
func (r *Runtime) buildPipeline(ctx context.Context) error {
	notifier := &busNotifier{bus: r.busc, log: r.logger}

	var sink player.Sink
	switch r.cfg.Player.SinkMode {
	case "exec":
		execSink, err := player.NewExecSink(r.cfg.Player.SinkCommand)
		if err != nil {
			return fmt.Errorf("failed to build output sink: %w", err)
		}
		sink = execSink
	default:
		sink = player.NullSink{}
	}

	r.graph = player.NewGraph(ctx, sink, r.logger)
	if err := r.graph.Start(); err != nil {
		return fmt.Errorf("failed to start output graph: %w", err)
	}

	lookahead := time.Duration(r.cfg.Player.LookaheadMS) * time.Millisecond
	r.sched = player.NewScheduler(r.graph, lookahead, r.logger)
	r.meter = player.NewMeter(ctx, r.graph, r.busc,
		time.Duration(r.cfg.Player.MeterIntervalMS)*time.Millisecond, r.logger)

	pv := &playbackView{}
	recJournal := &recordingJournal{store: r.journal, log: r.logger}

	if r.cfg.Recording.Enabled {
		r.recorder = recording.NewRecorder(r.graph, pv, notifier, recJournal,
			r.cfg.Recording.Formats, r.cfg.Player.SampleRate, r.cfg.Player.Channels, r.logger)
	}

	backendCfg := r.cfg.Backend
	log := r.logger
	dial := func(ctx context.Context) (session.BackendSession, error) {
		return backend.Dial(ctx, backendCfg, log)
	}

	r.ctrl = session.NewController(backendCfg.Model, dial, r.sched, r.recorder,
		notifier, r.journal, r.busc, r.logger)
	pv.ctrl = r.ctrl
	recJournal.ctrl = r.ctrl

	store := promptsync.NewStore(r.cfg.Sync.MaxWeight)
	r.sync = promptsync.NewSynchronizer(store, r.ctrl, r.ctrl, r.ctrl, notifier,
		r.busc, time.Duration(r.cfg.Sync.IntervalMS)*time.Millisecond, r.logger)
	r.ctrl.SetResync(r.sync.Kick)

	r.promptService = promptsync.NewService(store, r.sync, r.busc, r.logger)
	r.transportService = session.NewService(r.ctrl, r.busc, r.logger)
	if r.recorder != nil {
		r.recordingService = recording.NewService(r.recorder, r.busc, r.logger)
	}

	r.meter.Start()
	return nil
}

func (r *Runtime) startServices() error {
	if err := r.promptService.Start(); err != nil {
		return fmt.Errorf("failed to start prompt service: %w", err)
	}
	if err := r.transportService.Start(); err != nil {
		r.promptService.Close()
		return fmt.Errorf("failed to start transport service: %w", err)
	}
	if r.recordingService != nil {
		if err := r.recordingService.Start(); err != nil {
			r.transportService.Close()
			r.promptService.Close()
			return fmt.Errorf("failed to start recording service: %w", err)
		}
	}
	return nil
}

func (r *Runtime) startHTTP(metricHandler http.Handler) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	router.Post("/v1/transport/play", r.handleTransport(r.ctrl.Play))
	router.Post("/v1/transport/pause", r.handleTransport(r.ctrl.Pause))
	router.Post("/v1/transport/stop", r.handleTransport(r.ctrl.Stop))
	router.Post("/v1/reconnect", r.handleReconnect)
	router.Get("/v1/state", r.handleState)
	router.Get("/v1/session/events", r.handleSessionEvents)
	if r.recorder != nil {
		router.Get("/v1/recording", r.handleRecordingDownload)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func (r *Runtime) closeServices() {
	if r.recordingService != nil {
		r.recordingService.Close()
	}
	if r.transportService != nil {
		r.transportService.Close()
	}
	if r.promptService != nil {
		r.promptService.Close()
	}
}

func (r *Runtime) closePipeline() {
	if r.ctrl != nil {
		r.ctrl.Close()
	}
	if r.recorder != nil {
		r.recorder.Release()
	}
	if r.meter != nil {
		r.meter.Close()
	}
	if r.graph != nil {
		r.graph.Close()
	}
}

func (r *Runtime) closeInfra() {
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close failed", slog.String("error", err.Error()))
		}
	}
	if r.busc != nil {
		r.busc.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busc.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleTransport(cmd func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := cmd(req.Context()); err != nil {
			if err == session.ErrNoSession {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (r *Runtime) handleReconnect(w http.ResponseWriter, req *http.Request) {
	if err := r.ctrl.Connect(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	r.sync.Kick()
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		SessionID string                 `json:"session_id"`
		State     protocol.PlaybackState `json:"state"`
		Error     bool                   `json:"error"`
		Filtered  []string               `json:"filtered_prompts"`
	}{
		SessionID: r.ctrl.SessionID(),
		State:     r.ctrl.State(),
		Error:     r.ctrl.ErrorFlagged(),
		Filtered:  r.ctrl.FilteredPrompts(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	sessionID := r.ctrl.SessionID()
	if sessionID == "" {
		http.Error(w, "no session yet", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.journal.ListSessionEvents(req.Context(), sessionID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type eventResp struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}
	out := make([]eventResp, 0, len(events))
	for _, e := range events {
		out = append(out, eventResp{Type: e.Type, Payload: e.Payload, CreatedAt: e.CreatedAt})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleRecordingDownload hands out the finalized artifact. Take is a
// one-shot: a successful download returns the recorder to idle.
func (r *Runtime) handleRecordingDownload(w http.ResponseWriter, _ *http.Request) {
	artifact, ok := r.recorder.Take()
	if !ok {
		http.Error(w, "no recording available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", artifact.MIME)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "muse-"+artifact.ID+"."+artifact.Format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Data)
}

// playbackView defers the recorder's view of playback state until the
// controller exists.
type playbackView struct {
	ctrl *session.Controller
}

func (p *playbackView) State() protocol.PlaybackState {
	if p.ctrl == nil {
		return protocol.PlaybackStopped
	}
	return p.ctrl.State()
}

// recordingJournal writes completed recordings onto the session timeline.
type recordingJournal struct {
	store *eventstore.Store
	ctrl  *session.Controller
	log   *slog.Logger
}

func (j *recordingJournal) RecordingCompleted(id, format string, size int) {
	if j.ctrl == nil {
		return
	}
	sessionID := j.ctrl.SessionID()
	if sessionID == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{"id": id, "format": format, "bytes": size})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := j.store.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		Type:      "recording.completed",
		Payload:   payload,
	}); err != nil {
		j.log.Warn("failed to journal recording", slog.String("error", err.Error()))
	}
}

// busNotifier publishes transient user-facing notifications.
type busNotifier struct {
	bus *bus.Client
	log *slog.Logger
}

func (n *busNotifier) Notify(message string, duration time.Duration) {
	msg := protocol.Notification{
		Message:    message,
		DurationMS: int(duration / time.Millisecond),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := n.bus.Conn().Publish(protocol.SubjectNotify, data); err != nil {
		n.log.Warn("failed to publish notification", slog.String("error", err.Error()))
	}
}
