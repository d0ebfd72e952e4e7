package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dispatch/internal/audio"
	"github.com/loqalabs/loqa-dispatch/internal/bus"
	"github.com/loqalabs/loqa-dispatch/internal/config"
	"github.com/loqalabs/loqa-dispatch/internal/dispatch"
	"github.com/loqalabs/loqa-dispatch/internal/eventstore"
	"github.com/loqalabs/loqa-dispatch/internal/natsserver"
	"github.com/loqalabs/loqa-dispatch/internal/pipeline"
	"github.com/loqalabs/loqa-dispatch/internal/protocol"
	"github.com/loqalabs/loqa-dispatch/internal/stt"
	"github.com/loqalabs/loqa-dispatch/internal/trigger"
	"github.com/loqalabs/loqa-dispatch/internal/tts"
)

type runner interface {
	Run(ctx context.Context, trigger string) (protocol.PipelineResult, error)
	Cancel()
	Wait()
}

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	telemetryClose func(context.Context) error
	metrics        http.Handler
	ready          atomic.Bool
	wg             sync.WaitGroup

	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	dispatcher *dispatch.Dispatcher
	runner     runner
	wake       *trigger.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires the pipeline, serves HTTP and the wake listener, and blocks
// until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.setup(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	if r.bus != nil {
		r.wake = trigger.NewService(ctx, r.cfg.Wake, r.bus, r.runner, r.logger)
		if err := r.wake.Start(); err != nil {
			r.teardown(context.Background())
			return fmt.Errorf("failed to start wake listener: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)
	return nil
}

// RunOnce wires the pipeline, performs a single run and tears everything down.
func (r *Runtime) RunOnce(ctx context.Context) (protocol.PipelineResult, error) {
	if err := r.setup(ctx); err != nil {
		r.teardown(context.Background())
		return protocol.PipelineResult{Error: err.Error()}, err
	}
	result, err := r.runner.Run(ctx, pipeline.TriggerCLI)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.teardown(shutdownCtx)
	return result, err
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metrics = metricsHandler

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			srv, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
			if err != nil {
				return fmt.Errorf("failed to start embedded nats: %w", err)
			}
			r.embedded = srv
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
	}

	p, err := r.buildPipeline(ctx)
	if err != nil {
		return err
	}
	r.runner = p
	return nil
}

func (r *Runtime) buildPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	capturer, err := audio.NewCapturerFromConfig(r.cfg.Capture, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build capturer: %w", err)
	}

	transcriber, err := stt.NewFromConfig(r.cfg.STT, r.logger)
	if errors.Is(err, config.ErrMissingCredential) {
		// Each run fails its preflight check until the key is configured.
		r.logger.Warn("transcription credential missing, runs will fail", slogError(err))
		transcriber = stt.New(stt.NewHTTPBackend(r.cfg.STT.Endpoint, "", nil), 0, r.logger)
	} else if err != nil {
		return nil, fmt.Errorf("failed to build transcriber: %w", err)
	}

	fast, err := dispatch.NewExecutor(ctx, "fast", r.cfg.Dispatch.Fast, r.bus, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build fast executor: %w", err)
	}
	full, err := dispatch.NewExecutor(ctx, "full", r.cfg.Dispatch.Full, r.bus, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build full executor: %w", err)
	}
	framing, err := dispatch.FramingFor(r.cfg.Dispatch.Protocol)
	if err != nil {
		return nil, err
	}
	r.dispatcher = dispatch.New(fast, full, framing, r.logger)

	stages := pipeline.Stages{
		Capturer:    capturer,
		Transcriber: transcriber,
		Dispatcher:  r.dispatcher,
		Journal:     r.store,
	}
	if r.cfg.TTS.Enabled && r.cfg.Pipeline.Announce {
		announcer, err := tts.NewAnnouncerFromConfig(r.cfg.TTS, r.cfg.SynthesisKey(), r.logger)
		if err != nil {
			r.logger.Warn("confirmations disabled", slogError(err))
		} else {
			stages.Announcer = announcer
		}
	}

	return pipeline.New(stages, pipeline.Options{
		Language:  r.cfg.TranscriptionLanguage(),
		TempDir:   r.cfg.Capture.TempDir,
		Preflight: []func() error{r.cfg.STT.RequireTranscriptionKey},
	}, r.logger)
}

func (r *Runtime) teardown(ctx context.Context) {
	if r.wake != nil {
		r.wake.Close()
	}
	if r.runner != nil {
		r.runner.Cancel()
		r.runner.Wait()
	}
	if r.dispatcher != nil {
		if err := r.dispatcher.Close(ctx); err != nil {
			r.logger.Error("dispatcher close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("POST /v1/trigger", r.handleTrigger)
	mux.HandleFunc("POST /v1/cancel", r.handleCancel)
	mux.HandleFunc("GET /v1/runs", r.handleRuns)
	mux.HandleFunc("GET /v1/runs/{id}/events", r.handleRunEvents)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if r.bus != nil && !r.bus.Healthy() {
		ready = false
	}
	if r.wake != nil && !r.wake.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleTrigger(w http.ResponseWriter, req *http.Request) {
	result, err := r.runner.Run(req.Context(), pipeline.TriggerHTTP)
	status := http.StatusOK
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		status = http.StatusConflict
	case err != nil:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (r *Runtime) handleCancel(w http.ResponseWriter, _ *http.Request) {
	r.runner.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

type runView struct {
	SessionID  string    `json:"session_id"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Transcript string    `json:"transcript,omitempty"`
	Escalated  bool      `json:"escalated"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

func (r *Runtime) handleRuns(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	runs, err := r.store.RecentRuns(req.Context(), limit)
	if err != nil {
		r.logger.Error("failed to list runs", slogError(err))
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, runView{
			SessionID:  run.SessionID,
			Trigger:    run.Trigger,
			Status:     run.Status,
			Transcript: run.Transcript,
			Escalated:  run.Escalated,
			Error:      run.Error,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type eventView struct {
	Type      string          `json:"type"`
	TraceID   string          `json:"trace_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleRunEvents(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	if _, err := r.store.GetRun(req.Context(), sessionID); err != nil {
		if errors.Is(err, eventstore.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		r.logger.Error("failed to load run", slogError(err), slog.String("session_id", sessionID))
		http.Error(w, "failed to load run", http.StatusInternalServerError)
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), sessionID, 0)
	if err != nil {
		r.logger.Error("failed to list events", slogError(err), slog.String("session_id", sessionID))
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, evt := range events {
		view := eventView{Type: evt.Type, TraceID: evt.TraceID, CreatedAt: evt.CreatedAt}
		if json.Valid(evt.Payload) {
			view.Payload = evt.Payload
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
