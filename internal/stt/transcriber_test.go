package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-dispatch/internal/audio"
	"github.com/loqalabs/loqa-dispatch/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRecording(t *testing.T, contents string) *audio.Recording {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recording.wav")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write recording: %v", err)
	}
	return &audio.Recording{Path: path, SampleRate: 16000, Channels: 1, BitDepth: 16, Size: int64(len(contents))}
}

func TestResultText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  map[string]any
		want string
		ok   bool
	}{
		{"text", map[string]any{"text": "hello"}, "hello", true},
		{"transcription", map[string]any{"transcription": "hello"}, "hello", true},
		{"prefers text", map[string]any{"text": "first", "transcription": "second"}, "first", true},
		{"blank text falls back", map[string]any{"text": "  ", "transcription": "second"}, "second", true},
		{"neither", map[string]any{"duration": 1.5}, "", false},
		{"wrong type", map[string]any{"text": 42}, "", false},
	}
	for _, tc := range cases {
		got, ok := NewResult(tc.raw).Text()
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%s: got (%q, %v), want (%q, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}

	var nilResult *Result
	if _, ok := nilResult.Text(); ok {
		t.Fatal("nil result must not yield text")
	}
}

func TestHTTPTranscribe(t *testing.T) {
	t.Parallel()

	var gotAuth, gotLanguage, gotTimestamps string
	var gotAudio []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotLanguage = r.FormValue("language")
		gotTimestamps = r.FormValue("ignore_timestamps")
		file, _, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotAudio, _ = io.ReadAll(file)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transcription":"turn on the lights","duration":1.2}`))
	}))
	defer server.Close()

	rec := writeRecording(t, "RIFFfakewav")
	transcriber := New(NewHTTPBackend(server.URL, "secret", server.Client()), 0, newLogger())

	result, err := transcriber.Transcribe(context.Background(), rec, "")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	text, ok := result.Text()
	if !ok || text != "turn on the lights" {
		t.Fatalf("unexpected text %q (ok=%v)", text, ok)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotLanguage != "en" || gotTimestamps != "true" {
		t.Fatalf("unexpected fields language=%q ignore_timestamps=%q", gotLanguage, gotTimestamps)
	}
	if string(gotAudio) != "RIFFfakewav" {
		t.Fatalf("unexpected audio payload %q", gotAudio)
	}
}

func TestHTTPFailureYieldsNilResult(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	transcriber := New(NewHTTPBackend(server.URL, "secret", server.Client()), 0, newLogger())
	result, err := transcriber.Transcribe(context.Background(), writeRecording(t, "wav"), "en")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result, got %+v", result.Raw())
	}
}

func TestUnreachableServiceYieldsNilResult(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	transcriber := New(NewHTTPBackend(url, "secret", nil), 0, newLogger())
	result, err := transcriber.Transcribe(context.Background(), writeRecording(t, "wav"), "en")
	if err != nil || result != nil {
		t.Fatalf("expected nil, nil; got %v, %v", result, err)
	}
}

func TestMissingRecordingFailsBeforeNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"text":"unexpected"}`))
	}))
	defer server.Close()

	transcriber := New(NewHTTPBackend(server.URL, "secret", server.Client()), 0, newLogger())

	missing := &audio.Recording{Path: filepath.Join(t.TempDir(), "gone.wav")}
	if _, err := transcriber.Transcribe(context.Background(), missing, "en"); !errors.Is(err, ErrRecordingNotFound) {
		t.Fatalf("expected ErrRecordingNotFound, got %v", err)
	}
	if _, err := transcriber.Transcribe(context.Background(), nil, "en"); !errors.Is(err, ErrRecordingNotFound) {
		t.Fatalf("expected ErrRecordingNotFound for nil recording, got %v", err)
	}
	if _, err := transcriber.Transcribe(context.Background(), writeRecording(t, ""), "en"); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("expected ErrEmptyRecording, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no network calls, got %d", hits.Load())
	}
}

func TestExecBackend(t *testing.T) {
	t.Parallel()

	script := filepath.Join(t.TempDir(), "recognizer.sh")
	body := "#!/usr/bin/env bash\n" +
		"lang=''\n" +
		"while [ $# -gt 0 ]; do case \"$1\" in --language) lang=\"$2\"; shift;; esac; shift; done\n" +
		"printf '{\"text\":\"hola from %s\"}' \"$lang\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	backend, err := NewExecBackend(config.STTConfig{Command: script})
	if err != nil {
		t.Fatalf("new exec backend: %v", err)
	}
	transcriber := New(backend, 0, newLogger())
	result, err := transcriber.Transcribe(context.Background(), writeRecording(t, "wav"), "es")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text, ok := result.Text(); !ok || text != "hola from es" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default().STT
	if _, err := NewFromConfig(cfg, newLogger()); !errors.Is(err, config.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}

	cfg.Mode = "mock"
	transcriber, err := NewFromConfig(cfg, newLogger())
	if err != nil {
		t.Fatalf("mock transcriber: %v", err)
	}
	result, err := transcriber.Transcribe(context.Background(), writeRecording(t, "wav"), "")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if _, ok := result.Text(); !ok {
		t.Fatal("mock backend should produce text")
	}
}
