package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/scribelabs/scribe-core/internal/config"
)

// PendingRecording is a captured-but-unsubmitted recording. It is owned
// exclusively by the queue until delivered, never mutated after creation,
// and deleted only once submission succeeds (at-least-once delivery).
type PendingRecording struct {
	ID              string
	SessionID       string
	Transcript      string
	DurationSeconds int
	Append          bool
	CreatedAt       time.Time
}

// Store is the SQLite-backed durable queue. Recordings captured while
// offline survive a full process restart.
type Store struct {
	db    *sql.DB
	cfg   config.QueueConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the queue store according to config.
func Open(ctx context.Context, cfg config.QueueConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("queue store vacuum failed", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS pending_recordings (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    transcript TEXT NOT NULL,
    duration_seconds INTEGER NOT NULL,
    append_transcript INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_recordings(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue persists a recording. An empty ID gets a generated one; CreatedAt
// defaults to now.
func (s *Store) Enqueue(ctx context.Context, rec *PendingRecording) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_recordings(id, session_id, transcript, duration_seconds, append_transcript, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Transcript, rec.DurationSeconds, boolToInt(rec.Append), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue recording: %w", err)
	}
	return nil
}

// ListPending returns all pending recordings in capture order.
func (s *Store) ListPending(ctx context.Context) ([]PendingRecording, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, transcript, duration_seconds, append_transcript, created_at
		 FROM pending_recordings ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingRecording
	for rows.Next() {
		var rec PendingRecording
		var appendFlag int
		var created string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Transcript, &rec.DurationSeconds, &appendFlag, &created); err != nil {
			return nil, err
		}
		rec.Append = appendFlag != 0
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = ts
		}
		pending = append(pending, rec)
	}
	return pending, rows.Err()
}

// Remove deletes a recording after successful delivery.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove recording: %w", err)
	}
	return nil
}

// PendingCount returns the number of undelivered recordings.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_recordings`).Scan(&count)
	return count, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
