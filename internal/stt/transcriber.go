package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dispatch/internal/audio"
	"github.com/loqalabs/loqa-dispatch/internal/config"
)

var (
	ErrRecordingNotFound = errors.New("recording not found")
	ErrEmptyRecording    = errors.New("recording is empty")
)

const DefaultLanguage = "en"

// Backend sends one recording to a speech-to-text service and returns the
// decoded response object.
type Backend interface {
	Recognize(ctx context.Context, path string, language string) (map[string]any, error)
}

// Result is the decoded transcription response.
type Result struct {
	raw map[string]any
}

func NewResult(raw map[string]any) *Result {
	return &Result{raw: raw}
}

// Text returns the transcript, preferring the "text" field over
// "transcription". ok is false when neither holds a non-blank string.
func (r *Result) Text() (string, bool) {
	if r == nil {
		return "", false
	}
	for _, key := range []string{"text", "transcription"} {
		if value, ok := r.raw[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

func (r *Result) Raw() map[string]any {
	if r == nil {
		return nil
	}
	return r.raw
}

type Transcriber struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger
}

func New(backend Backend, timeout time.Duration, logger *slog.Logger) *Transcriber {
	return &Transcriber{
		backend: backend,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "stt")),
	}
}

// NewFromConfig selects the backend named by cfg.Mode.
func NewFromConfig(cfg config.STTConfig, logger *slog.Logger) (*Transcriber, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Mode {
	case "http":
		if err := cfg.RequireTranscriptionKey(); err != nil {
			return nil, err
		}
		backend = NewHTTPBackend(cfg.Endpoint, cfg.APIKey, nil)
	case "exec":
		backend, err = NewExecBackend(cfg)
		if err != nil {
			return nil, err
		}
	case "mock":
		backend = NewMockBackend("")
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
	return New(backend, time.Duration(cfg.TimeoutMS)*time.Millisecond, logger), nil
}

// Transcribe checks the recording and submits it once. A missing or empty file
// is an error; a failed call to the service is logged and yields a nil
// result with a nil error.
func (t *Transcriber) Transcribe(ctx context.Context, rec *audio.Recording, language string) (*Result, error) {
	if rec == nil || rec.Path == "" {
		return nil, ErrRecordingNotFound
	}
	info, err := os.Stat(rec.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRecordingNotFound, rec.Path)
		}
		return nil, fmt.Errorf("stat recording: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyRecording, rec.Path)
	}
	if language == "" {
		language = DefaultLanguage
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	started := time.Now()
	raw, err := t.backend.Recognize(ctx, rec.Path, language)
	if err != nil {
		t.logger.Warn("transcription failed", slogError(err), slog.String("path", rec.Path))
		return nil, nil
	}
	t.logger.Debug("transcription received",
		slog.Duration("elapsed", time.Since(started)),
		slog.Int("fields", len(raw)),
	)
	return NewResult(raw), nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
