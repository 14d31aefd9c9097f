package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements storage.Store using SQLite
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := storage.EnsureDir(dir); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer keeps append order equal to sequence order
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate creates the database schema
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS usage_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			started INTEGER NOT NULL,
			reason TEXT NOT NULL,
			UNIQUE (user_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_usage_events_user ON usage_events(user_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Events returns the usage event log
func (s *Store) Events() storage.EventLog {
	return s
}

// Append inserts the event unless its ID is already recorded for the user
func (s *Store) Append(ctx context.Context, event storage.UsageEvent) error {
	if event.ID == "" || event.UserID == "" {
		return fmt.Errorf("event requires id and user_id")
	}
	reason := event.Reason
	if reason == "" {
		reason = storage.ReasonUser
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO usage_events (id, user_id, ts, started, reason)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, event.UserID, event.Timestamp.UnixNano(), event.Started, string(reason))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Load returns the user's events in append order
func (s *Store) Load(ctx context.Context, userID string) ([]storage.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, ts, started, reason
		FROM usage_events
		WHERE user_id = ?
		ORDER BY seq
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	events := make([]storage.UsageEvent, 0)
	for rows.Next() {
		var (
			event  storage.UsageEvent
			ts     int64
			reason string
		)
		if err := rows.Scan(&event.ID, &event.UserID, &ts, &event.Started, &reason); err != nil {
			return nil, err
		}
		event.Timestamp = time.Unix(0, ts).UTC()
		event.Reason = storage.Reason(reason)
		events = append(events, event)
	}
	return events, rows.Err()
}

// Users returns every user with at least one event
func (s *Store) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM usage_events ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]string, 0)
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// DeleteBefore removes the leading run of events older than cutoff
func (s *Store) DeleteBefore(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_events
		WHERE user_id = ?
		  AND seq < COALESCE(
			(SELECT MIN(seq) FROM usage_events WHERE user_id = ? AND ts >= ?),
			?
		  )
	`, userID, userID, cutoff.UnixNano(), int64(math.MaxInt64))
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
