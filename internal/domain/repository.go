package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when no session exists for an identifier.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned by Create when another caller already
	// stored a session with the same identifier.
	ErrDuplicateSession = errors.New("session already exists")
	// ErrPersistenceFailure marks a commit that the store rejected or timed out.
	// The batch is returned to the buffer and retried.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrInvalidEvent is returned for events rejected at the ingestion boundary.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrBufferClosed is returned once the buffer has started shutting down.
	ErrBufferClosed = errors.New("event buffer closed")
	// ErrBatchRequeued is reported to a waiting caller whose batch went back
	// to the buffer instead of being committed.
	ErrBatchRequeued = errors.New("batch returned to buffer")
)

// SessionRepository persists sessions.
type SessionRepository interface {
	// GetByID returns ErrSessionNotFound when the session does not exist.
	GetByID(ctx context.Context, id string) (*Session, error)

	// Create stores a new session. A uniqueness violation is reported as
	// ErrDuplicateSession.
	Create(ctx context.Context, s *Session) error

	// UpdateLastActivity sets the session's last-activity timestamp.
	UpdateLastActivity(ctx context.Context, id string, at time.Time) error

	// DeleteInactiveBefore removes sessions whose last activity predates cutoff,
	// together with their events, and returns the removed identifiers.
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// EventRepository persists events.
type EventRepository interface {
	// InsertEvents stores events in order. Events whose ID is already stored
	// are skipped, so replaying a batch is harmless.
	InsertEvents(ctx context.Context, events []Event) error

	// ListBySession returns a session's events ordered by event timestamp,
	// ties broken by insertion order.
	ListBySession(ctx context.Context, sessionID string) ([]Event, error)
}

// EventPublisher hands committed events to downstream consumers.
// Publishing is best-effort; callers log and ignore errors.
type EventPublisher interface {
	Publish(ctx context.Context, events []Event) error
	Close() error
}
