package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Events() EventLog
}

// EventLog persists per-user usage transitions as an ordered, append-only log.
//
// Append must be idempotent on UsageEvent.ID: appending an event whose ID is
// already present for the user is a successful no-op. Load returns events in
// append order.
type EventLog interface {
	Append(ctx context.Context, event UsageEvent) error
	Load(ctx context.Context, userID string) ([]UsageEvent, error)
	Users(ctx context.Context) ([]string, error)
	DeleteBefore(ctx context.Context, userID string, cutoff time.Time) (int, error)
}
