package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audiolevel"
	"github.com/murmurlabs/murmur-core/internal/bus"
	"github.com/murmurlabs/murmur-core/internal/capability"
	"github.com/murmurlabs/murmur-core/internal/capture"
	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/eventstore"
	"github.com/murmurlabs/murmur-core/internal/natsserver"
	"github.com/murmurlabs/murmur-core/internal/protocol"
	"github.com/murmurlabs/murmur-core/internal/recognition"
)

// Runtime wires the capture controller to its collaborators and exposes the
// host-facing control surface.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	controller *capture.Controller
	busClient  *bus.Client
	store      *eventstore.Store
	announcer  *capability.Announcer
	tel        *telemetry
	runCtx     context.Context
	ready      atomic.Bool
	wg         sync.WaitGroup
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
	r.runCtx = ctx

	tel, err := newTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tel = tel

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()
	r.busClient = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()
	r.store = store

	stream, err := r.buildStream()
	if err != nil {
		return err
	}
	source, err := r.buildLevelSource()
	if err != nil {
		return err
	}

	var caps []string
	if stream != nil {
		caps = append(caps, protocol.CapabilityRecognition)
	}
	if source != nil {
		caps = append(caps, protocol.CapabilityLevel)
	}
	announcer, err := capability.NewAnnouncer(ctx, r.cfg.Node, busClient, caps, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability announcer: %w", err)
	}
	defer announcer.Close()
	r.announcer = announcer

	var publisher capture.Publisher
	if r.cfg.Capture.PublishEvents {
		publisher = capture.NewBusPublisher(busClient, r.logger)
	}

	var onSend func(string)
	if r.cfg.Capture.SendOnStop {
		onSend = r.deliverSend
	}

	r.controller = capture.NewController(capture.Options{
		Stream:        stream,
		LevelSource:   source,
		Publisher:     publisher,
		Recorder:      &storeRecorder{store: store, tel: tel, log: r.logger},
		OnTranscript:  r.deliverTranscript,
		OnSend:        onSend,
		Separator:     r.cfg.Capture.Separator,
		TimerTick:     time.Duration(r.cfg.Capture.TimerTickMS) * time.Millisecond,
		LevelInterval: time.Duration(r.cfg.Capture.LevelIntervalMS) * time.Millisecond,
		RestartDelay:  time.Duration(r.cfg.Recognition.RestartDelayMS) * time.Millisecond,
		Logger:        r.logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if tel.metricsHandler != nil {
		mux.Handle("/metrics", tel.metricsHandler)
	}
	mux.HandleFunc("GET /v1/capabilities", r.handleCapabilities)
	mux.HandleFunc("POST /v1/session/start", r.handleStart)
	mux.HandleFunc("POST /v1/session/pause", r.handlePause)
	mux.HandleFunc("POST /v1/session/resume", r.handleResume)
	mux.HandleFunc("POST /v1/session/stop", r.handleStop)
	mux.HandleFunc("POST /v1/session/clear", r.handleClear)
	mux.HandleFunc("GET /v1/session", r.handleSnapshot)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleSessionEvents)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")

	// An in-flight session gets a clean stop so the host still receives
	// whatever was finalized.
	r.controller.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := tel.shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

func (r *Runtime) buildStream() (recognition.Stream, error) {
	switch r.cfg.Recognition.Mode {
	case "none":
		return nil, nil
	case "mock":
		return recognition.NewMockStream(), nil
	case "exec":
		return recognition.NewExecStream(r.cfg.Recognition, r.logger)
	default:
		return nil, fmt.Errorf("unknown recognition mode %q", r.cfg.Recognition.Mode)
	}
}

func (r *Runtime) buildLevelSource() (audiolevel.Source, error) {
	switch r.cfg.Level.Mode {
	case "none":
		return nil, nil
	case "mock":
		src := audiolevel.NewMockSource()
		src.SetLevelByte(96)
		return src, nil
	case "wav":
		return audiolevel.NewWavSource(r.cfg.Level.WavPath), nil
	default:
		return nil, fmt.Errorf("unknown level mode %q", r.cfg.Level.Mode)
	}
}

// deliverTranscript is the host callback: the consolidated transcript goes
// out on its own subject, once per session.
func (r *Runtime) deliverTranscript(text string) {
	r.tel.transcriptsDelivered.Add(context.Background(), 1)
	r.broadcastTranscript(protocol.SubjectSessionTranscript, text)
}

// deliverSend follows deliverTranscript when send_on_stop is configured; chat
// hosts subscribe to it to submit the transcript without a second round trip.
func (r *Runtime) deliverSend(text string) {
	r.broadcastTranscript(protocol.SubjectSessionSend, text)
}

func (r *Runtime) broadcastTranscript(subject, text string) {
	evt := protocol.TranscriptEvent{
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		r.logger.Warn("failed to marshal session transcript", slog.String("error", err.Error()))
		return
	}
	if err := r.busClient.Conn().Publish(subject, data); err != nil {
		r.logger.Warn("failed to publish session transcript",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStart(w http.ResponseWriter, req *http.Request) {
	// The session must outlive the request; it is bound to the runtime
	// context, not the request context.
	err := r.controller.Start(r.runCtx)
	switch {
	case errors.Is(err, capture.ErrUnsupportedPlatform):
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	case errors.Is(err, capture.ErrSessionActive):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.tel.sessionsStarted.Add(req.Context(), 1)
	r.writeSnapshot(w)
}

// handleCapabilities tells hosts which capture features this node serves, so
// they can gray out the controls the platform cannot honor.
func (r *Runtime) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	caps := map[string]bool{
		"recognition": r.announcer.Has(protocol.CapabilityRecognition),
		"level":       r.announcer.Has(protocol.CapabilityLevel),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(caps); err != nil {
		r.logger.Warn("failed to encode capabilities", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handlePause(w http.ResponseWriter, _ *http.Request) {
	r.controller.Pause()
	r.writeSnapshot(w)
}

func (r *Runtime) handleResume(w http.ResponseWriter, _ *http.Request) {
	r.controller.Resume()
	r.writeSnapshot(w)
}

func (r *Runtime) handleStop(w http.ResponseWriter, _ *http.Request) {
	r.controller.Stop()
	r.writeSnapshot(w)
}

func (r *Runtime) handleClear(w http.ResponseWriter, _ *http.Request) {
	r.controller.Clear()
	r.writeSnapshot(w)
}

func (r *Runtime) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	r.writeSnapshot(w)
}

// handleSessionEvents serves a session's lifecycle timeline for diagnostics.
func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), 200)
	if err != nil {
		r.logger.Warn("failed to list session events", slog.String("error", err.Error()))
		http.Error(w, "failed to list session events", http.StatusInternalServerError)
		return
	}

	type timelineEntry struct {
		Type      string    `json:"type"`
		Detail    string    `json:"detail,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]timelineEntry, 0, len(events))
	for _, e := range events {
		out = append(out, timelineEntry{Type: e.Type, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		r.logger.Warn("failed to encode session events", slog.String("error", err.Error()))
	}
}

func (r *Runtime) writeSnapshot(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.controller.Snapshot()); err != nil {
		r.logger.Warn("failed to encode snapshot", slog.String("error", err.Error()))
	}
}

// storeRecorder adapts the event store to the controller's Recorder port and
// feeds the failure counter on the way through.
type storeRecorder struct {
	store *eventstore.Store
	tel   *telemetry
	log   *slog.Logger
}

func (s *storeRecorder) RecordSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AppendSession(ctx, sessionID); err != nil {
		s.log.Warn("failed to record session", slog.String("error", err.Error()))
	}
}

func (s *storeRecorder) RecordEvent(sessionID, eventType, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if eventType == "error" && detail != "permission_denied" {
		s.tel.recognitionFailures.Add(ctx, 1)
	}
	if err := s.store.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		Type:      eventType,
		Detail:    detail,
	}); err != nil {
		s.log.Warn("failed to record session event", slog.String("error", err.Error()))
	}
}
