package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dispatch/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.db != nil {
		t.Fatal("ephemeral store should not open a database")
	}
	if err := es.BeginRun(ctx, "s", "http"); err != nil {
		t.Fatalf("ephemeral begin should be a no-op: %v", err)
	}
	if _, err := es.GetRun(ctx, "s"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if events, err := es.ListSessionEvents(ctx, "s", 10); err != nil || len(events) != 0 {
		t.Fatalf("ephemeral events should be empty: %v %v", events, err)
	}
}

func TestRunLifecycle(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	sessionID := "session-123"
	if err := es.BeginRun(ctx, sessionID, "nats"); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Type: "capture.completed", Payload: []byte(`{"bytes":3200}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Type: "dispatch.escalated"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.FinishRun(ctx, Run{SessionID: sessionID, Status: RunSucceeded, Transcript: "open mail", Escalated: true}); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	run, err := es.GetRun(ctx, sessionID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != RunSucceeded || run.Trigger != "nats" || run.Transcript != "open mail" || !run.Escalated {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.FinishedAt.IsZero() || run.StartedAt.IsZero() {
		t.Fatalf("expected timestamps, got %+v", run)
	}

	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "capture.completed" || string(events[0].Payload) != `{"bytes":3200}` {
		t.Fatalf("unexpected first event: %+v", events[0])
	}

	runs, err := es.RecentRuns(ctx, 5)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 || runs[0].SessionID != sessionID {
		t.Fatalf("unexpected recent runs %+v", runs)
	}

	if err := es.FinishRun(ctx, Run{SessionID: "unknown", Status: RunFailed}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRun(context.Background(), "old-session", "http"); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRun(context.Background(), "new-session", "http"); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetRun(context.Background(), "new-session"); err != nil {
		t.Fatalf("new session should survive: %v", err)
	}
}
