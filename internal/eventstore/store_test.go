package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/config"
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
	if err := es.AppendTurn(ctx, Turn{SessionID: "s", Outcome: "audio"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	turns, err := es.ListTurns(ctx, "s", 10)
	if err != nil || turns != nil {
		t.Fatalf("expected no turns from ephemeral store, got %v %v", turns, err)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var es *Store
	if err := es.OpenSession(context.Background(), "s", "127.0.0.1"); err != nil {
		t.Fatalf("nil open session: %v", err)
	}
	if err := es.AppendTurn(context.Background(), Turn{SessionID: "s"}); err != nil {
		t.Fatalf("nil append: %v", err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.OpenSession(context.Background(), sessionID, "10.0.0.2:5555"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	turn := Turn{
		SessionID:  sessionID,
		Outcome:    "audio",
		Transcript: "what time is it",
		Reply:      "It is 10:15",
		Tools:      []string{"get_time", "get_weather"},
		AudioBytes: 4096,
		Latency:    1500 * time.Millisecond,
	}
	if err := es.AppendTurn(context.Background(), turn); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if err := es.CloseSession(context.Background(), sessionID); err != nil {
		t.Fatalf("close session: %v", err)
	}
	turns, err := es.ListTurns(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	got := turns[0]
	if got.Transcript != "what time is it" || got.Reply != "It is 10:15" {
		t.Fatalf("unexpected turn: %+v", got)
	}
	if len(got.Tools) != 2 || got.Tools[1] != "get_weather" {
		t.Fatalf("unexpected tools: %v", got.Tools)
	}
	if got.Latency != 1500*time.Millisecond {
		t.Fatalf("unexpected latency: %v", got.Latency)
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
	if err := es.OpenSession(context.Background(), "old-session", "a"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.AppendTurn(context.Background(), Turn{SessionID: "old-session", Outcome: "no_speech"}); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(context.Background(), "new-session", "b"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	turns, err := es.ListTurns(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
