// Package activity records one row per relayed request in a SQLite file so
// operators can see which upstream key served what, and when rotations
// happened.
package activity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is a single relayed request.
type Entry struct {
	ID           string        `json:"id"`
	RequestID    string        `json:"request_id"`
	KeyIndex     int           `json:"key_index"`
	Status       int           `json:"status"`
	Streaming    bool          `json:"streaming"`
	Rotated      bool          `json:"rotated"`
	PromptTokens int           `json:"prompt_tokens"`
	BytesOut     int64         `json:"bytes_out"`
	Duration     time.Duration `json:"duration_ns"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Recorder is what the relay needs from an activity log.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

// Store is a SQLite-backed Recorder.
type Store struct {
	db *sql.DB
}

var _ Recorder = (*Store)(nil)

// Open opens (creating if needed) the activity database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS relays (
			id TEXT PRIMARY KEY,
			request_id TEXT,
			key_index INTEGER NOT NULL,
			status INTEGER NOT NULL,
			streaming INTEGER NOT NULL DEFAULT 0,
			rotated INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER NOT NULL,
			error TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relays_created ON relays(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_relays_status ON relays(status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record inserts e, filling ID and CreatedAt when unset.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relays (id, request_id, key_index, status, streaming, rotated,
			prompt_tokens, bytes_out, duration_ns, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, e.KeyIndex, e.Status, e.Streaming, e.Rotated,
		e.PromptTokens, e.BytesOut, int64(e.Duration), e.Error, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert relay: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, key_index, status, streaming, rotated,
			prompt_tokens, bytes_out, duration_ns, error, created_at
		FROM relays
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query relays: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			requestID sql.NullString
			errText   sql.NullString
			duration  int64
		)
		if err := rows.Scan(&e.ID, &requestID, &e.KeyIndex, &e.Status, &e.Streaming, &e.Rotated,
			&e.PromptTokens, &e.BytesOut, &duration, &errText, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relay: %w", err)
		}
		e.RequestID = requestID.String
		e.Error = errText.String
		e.Duration = time.Duration(duration)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
