package history

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

func TestOpenEphemeralIsNoOp(t *testing.T) {
	ctx := context.Background()
	cfg := config.HistoryConfig{RetentionMode: "ephemeral"}
	s, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Record(ctx, Entry{SessionID: "sess-1", Transcript: "hi"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	entries, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if entries != nil {
		t.Fatalf("ephemeral store should retain nothing, got %v", entries)
	}
}

func TestRecordAndRecent(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.clock = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) }
	if err := s.Record(context.Background(), Entry{SessionID: "sess-old", Transcript: "first", Disposition: "submitted", DurationSeconds: 30}); err != nil {
		t.Fatalf("record: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC) }
	if err := s.Record(context.Background(), Entry{SessionID: "sess-new", Transcript: "second", Disposition: "queued", DurationSeconds: 12}); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].SessionID != "sess-new" {
		t.Fatalf("expected newest first, got %s", entries[0].SessionID)
	}
	if entries[1].Transcript != "first" || entries[1].Disposition != "submitted" {
		t.Fatalf("unexpected entry %+v", entries[1])
	}
}

func TestRecordSameSessionKeepsLatestOutcome(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.Record(ctx, Entry{SessionID: "sess-1", Transcript: "draft", Disposition: "queued"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Record(ctx, Entry{SessionID: "sess-1", Transcript: "draft", Disposition: "submitted"}); err != nil {
		t.Fatalf("record again: %v", err)
	}

	entries, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single entry, got %d", len(entries))
	}
	if entries[0].Disposition != "submitted" {
		t.Fatalf("expected latest disposition, got %s", entries[0].Disposition)
	}
}

func TestPruneByDaysAndMaxSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.Record(context.Background(), Entry{SessionID: "sess-old", Transcript: "stale"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.Record(context.Background(), Entry{SessionID: "sess-new", Transcript: "fresh"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != "sess-new" {
		t.Fatalf("expected only the fresh session to survive, got %+v", entries)
	}
}
