package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dispatch/internal/audio"
	"github.com/loqalabs/loqa-dispatch/internal/dispatch"
	"github.com/loqalabs/loqa-dispatch/internal/eventstore"
	"github.com/loqalabs/loqa-dispatch/internal/protocol"
	"github.com/loqalabs/loqa-dispatch/internal/stt"
)

var (
	ErrBusy            = errors.New("pipeline busy")
	ErrNoTranscription = errors.New("no transcription result")
)

const (
	TriggerHTTP = "http"
	TriggerBus  = "nats"
	TriggerCLI  = "cli"
)

type Capturer interface {
	Start(ctx context.Context, dest string) (*audio.Recording, error)
	Stop()
}

type Transcriber interface {
	Transcribe(ctx context.Context, rec *audio.Recording, language string) (*stt.Result, error)
}

type Announcer interface {
	Announce(ctx context.Context)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, text string) dispatch.Result
	Cancel()
}

// Journal records each run and its stage events. *eventstore.Store satisfies it.
type Journal interface {
	BeginRun(ctx context.Context, sessionID, trigger string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	FinishRun(ctx context.Context, run eventstore.Run) error
	Prune(ctx context.Context) error
}

type Options struct {
	Language string
	TempDir  string
	// Preflight checks run before the microphone is opened. The first
	// failure ends the run.
	Preflight []func() error
	NewID     func() string
}

type Stages struct {
	Capturer    Capturer
	Transcriber Transcriber
	Announcer   Announcer // optional
	Dispatcher  Dispatcher
	Journal     Journal // optional
}

// Pipeline runs capture, transcription, confirmation and dispatch for one
// trigger at a time.
type Pipeline struct {
	stages Stages
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	runs        metric.Int64Counter
	escalations metric.Int64Counter
	captureDur  metric.Float64Histogram

	running  atomic.Bool
	mu       sync.Mutex
	cancel   context.CancelFunc
	announce sync.WaitGroup
}

func New(stages Stages, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if stages.Capturer == nil || stages.Transcriber == nil || stages.Dispatcher == nil {
		return nil, errors.New("pipeline requires a capturer, transcriber and dispatcher")
	}
	if opts.Language == "" {
		opts.Language = stt.DefaultLanguage
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	meter := otel.Meter("loqa-dispatch/pipeline")
	runs, err := meter.Int64Counter("loqa_pipeline_runs", metric.WithDescription("Pipeline runs by result"))
	if err != nil {
		return nil, err
	}
	escalations, err := meter.Int64Counter("loqa_dispatch_escalations", metric.WithDescription("Escalations to the full executor by reason"))
	if err != nil {
		return nil, err
	}
	captureDur, err := meter.Float64Histogram("loqa_capture_duration",
		metric.WithUnit("s"),
		metric.WithDescription("Length of captured utterances"),
	)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		stages:      stages,
		opts:        opts,
		logger:      logger.With(slog.String("component", "pipeline")),
		tracer:      otel.Tracer("loqa-dispatch/pipeline"),
		runs:        runs,
		escalations: escalations,
		captureDur:  captureDur,
	}, nil
}

// Busy reports whether a run is in progress.
func (p *Pipeline) Busy() bool {
	return p.running.Load()
}

// Run executes one capture-and-dispatch cycle. The returned result is always
// populated; err carries the cause when result.Success is false.
func (p *Pipeline) Run(ctx context.Context, trigger string) (protocol.PipelineResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "busy")))
		return protocol.PipelineResult{Error: ErrBusy.Error()}, ErrBusy
	}
	defer p.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
	}()

	sessionID := p.opts.NewID()
	runCtx, span := p.tracer.Start(runCtx, "pipeline.run", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("trigger", trigger),
	))
	defer span.End()

	logger := p.logger.With(slog.String("session_id", sessionID))
	logger.Info("pipeline run started", slog.String("trigger", trigger))
	if p.stages.Journal != nil {
		if err := p.stages.Journal.BeginRun(runCtx, sessionID, trigger); err != nil {
			logger.Warn("journal begin failed", slogError(err))
		}
	}

	r := &run{p: p, ctx: runCtx, sessionID: sessionID, traceID: span.SpanContext().TraceID().String(), logger: logger}
	text, dres, err := r.execute()

	result := protocol.PipelineResult{
		Success:   err == nil,
		Text:      text,
		SessionID: sessionID,
		Escalated: dres.Escalated,
	}
	status := eventstore.RunSucceeded
	if err != nil {
		result.Error = err.Error()
		status = eventstore.RunFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("pipeline run failed", slogError(err))
	} else {
		logger.Info("pipeline run finished", slog.Bool("escalated", dres.Escalated))
	}
	p.runs.Add(runCtx, 1, metric.WithAttributes(attribute.String("result", status)))

	if p.stages.Journal != nil {
		// The run context may already be cancelled; the journal entry is still wanted.
		jctx := context.WithoutCancel(runCtx)
		if err := p.stages.Journal.FinishRun(jctx, eventstore.Run{
			SessionID:  sessionID,
			Trigger:    trigger,
			Status:     status,
			Transcript: text,
			Escalated:  dres.Escalated,
			Error:      result.Error,
		}); err != nil {
			logger.Warn("journal finish failed", slogError(err))
		}
		if err := p.stages.Journal.Prune(jctx); err != nil {
			logger.Warn("journal prune failed", slogError(err))
		}
	}
	return result, err
}

// Cancel stops the capture process and the in-flight executor. It is a no-op
// when idle.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.stages.Capturer.Stop()
	p.stages.Dispatcher.Cancel()
}

// Wait blocks until background confirmations have finished.
func (p *Pipeline) Wait() {
	p.announce.Wait()
}

type run struct {
	p         *Pipeline
	ctx       context.Context
	sessionID string
	traceID   string
	logger    *slog.Logger
}

func (r *run) execute() (string, dispatch.Result, error) {
	for _, check := range r.p.opts.Preflight {
		if err := check(); err != nil {
			return "", dispatch.Result{}, err
		}
	}

	rec, err := r.capture()
	if err != nil {
		return "", dispatch.Result{}, err
	}
	text, err := r.transcribe(rec)
	if err != nil {
		return "", dispatch.Result{}, err
	}

	if r.p.stages.Announcer != nil {
		r.p.announce.Add(1)
		go func(ctx context.Context) {
			defer r.p.announce.Done()
			r.p.stages.Announcer.Announce(ctx)
		}(context.WithoutCancel(r.ctx))
	}

	dres := r.p.stages.Dispatcher.Dispatch(dispatch.WithSessionID(r.ctx, r.sessionID), text)
	if dres.Escalated {
		r.p.escalations.Add(r.ctx, 1, metric.WithAttributes(attribute.String("reason", string(dres.Reason))))
		r.record("dispatch.escalated", map[string]any{
			"reason":         dres.Reason,
			"fallback_input": dres.FallbackInput,
		})
	}
	if !dres.Success {
		r.record("dispatch.failed", map[string]any{"error": errString(dres.Error)})
		if dres.Error == nil {
			return text, dres, errors.New("dispatch failed")
		}
		return text, dres, dres.Error
	}
	r.record("dispatch.completed", map[string]any{"escalated": dres.Escalated})
	return text, dres, nil
}

// capture records the utterance into a per-session temp file.
func (r *run) capture() (*audio.Recording, error) {
	ctx, span := r.p.tracer.Start(r.ctx, "capture")
	defer span.End()

	dest := filepath.Join(r.p.opts.TempDir, fmt.Sprintf("recording_%d_%s.wav", time.Now().UnixMilli(), r.sessionID))
	rec, err := r.p.stages.Capturer.Start(ctx, dest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.record("capture.failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("capture: %w", err)
	}
	r.p.captureDur.Record(ctx, rec.Duration.Seconds())
	span.SetAttributes(attribute.Int64("bytes", rec.Size))
	r.record("capture.completed", map[string]any{
		"bytes":       rec.Size,
		"duration_ms": rec.Duration.Milliseconds(),
	})
	return rec, nil
}

// transcribe hands rec to the transcriber and deletes it afterwards whatever
// the outcome.
func (r *run) transcribe(rec *audio.Recording) (string, error) {
	defer func() {
		if err := rec.Remove(); err != nil {
			r.logger.Warn("failed to remove recording", slogError(err), slog.String("path", rec.Path))
		}
	}()

	ctx, span := r.p.tracer.Start(r.ctx, "transcribe")
	defer span.End()

	result, err := r.p.stages.Transcriber.Transcribe(ctx, rec, r.p.opts.Language)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("transcribe: %w", err)
	}
	if result == nil {
		r.record("transcribe.empty", nil)
		return "", ErrNoTranscription
	}
	text, ok := result.Text()
	if !ok {
		r.record("transcribe.empty", nil)
		return "", ErrNoTranscription
	}
	span.SetAttributes(attribute.Int("chars", len(text)))
	r.record("transcribe.completed", map[string]any{"text": text})
	return text, nil
}

func (r *run) record(eventType string, payload map[string]any) {
	journal := r.p.stages.Journal
	if journal == nil {
		return
	}
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			r.logger.Warn("journal payload encode failed", slogError(err))
			return
		}
	}
	evt := eventstore.Event{SessionID: r.sessionID, TraceID: r.traceID, Type: eventType, Payload: data}
	if err := journal.AppendEvent(context.WithoutCancel(r.ctx), evt); err != nil {
		r.logger.Warn("journal append failed", slogError(err), slog.String("event", eventType))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
