package queue

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/scribelabs/scribe-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEnqueueListRemove(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.QueueConfig{Path: filepath.Join(tmp, "pending.db")}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open queue store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := PendingRecording{SessionID: "session-1", Transcript: "hello world", DurationSeconds: 42, Append: true}
	if err := store.Enqueue(context.Background(), &rec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated id")
	}

	pending, err := store.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending recording, got %d", len(pending))
	}
	got := pending[0]
	if got.SessionID != "session-1" || got.Transcript != "hello world" || got.DurationSeconds != 42 || !got.Append {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	if err := store.Remove(context.Background(), rec.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	count, err := store.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty queue, got %d", count)
	}
}

func TestPendingOrderIsCaptureOrder(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.QueueConfig{Path: filepath.Join(tmp, "pending.db")}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open queue store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		store.clock = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		if err := store.Enqueue(context.Background(), &PendingRecording{ID: id, SessionID: "s"}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	pending, err := store.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	for i, want := range []string{"a", "b", "c"} {
		if pending[i].ID != want {
			t.Fatalf("wrong order at %d: got %s", i, pending[i].ID)
		}
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.QueueConfig{Path: filepath.Join(tmp, "pending.db")}

	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open queue store: %v", err)
	}
	if err := store.Enqueue(context.Background(), &PendingRecording{ID: "persisted", SessionID: "s", Transcript: "kept"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen queue store: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	pending, err := reopened.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "persisted" || pending[0].Transcript != "kept" {
		t.Fatalf("recording lost across restart: %+v", pending)
	}
}
