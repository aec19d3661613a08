package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

// EventRepository implements domain.EventRepository on SQLite.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger.With("component", "sqlite_events")}
}

// InsertEvents writes the events in one transaction, in order. Events whose
// id is already stored are skipped.
func (r *EventRepository) InsertEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tracking_events (id, session_id, action_type, context, action_data, metadata, event_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := toUnix(time.Now())
	skipped := 0
	for _, e := range events {
		data, err := encodeMap(e.ActionData)
		if err != nil {
			return fmt.Errorf("encode action_data of event %s: %w", e.ID, err)
		}
		meta, err := encodeMap(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of event %s: %w", e.ID, err)
		}
		res, err := stmt.ExecContext(ctx, e.ID, e.SessionID, string(e.ActionType), e.Context, data, meta, toUnix(e.Timestamp), now)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if skipped > 0 {
		r.logger.Info("skipped already stored events", "skipped", skipped, "session_id", events[0].SessionID)
	}
	return nil
}

func (r *EventRepository) ListBySession(ctx context.Context, sessionID string) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, action_type, context, action_data, metadata, event_time, created_at
		FROM tracking_events
		WHERE session_id = ?
		ORDER BY event_time ASC, seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			e                  domain.Event
			action, data, meta string
			eventTime, created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &action, &e.Context, &data, &meta, &eventTime, &created); err != nil {
			return nil, err
		}
		e.ActionType = domain.ActionType(action)
		e.Timestamp = fromUnix(eventTime)
		e.CreatedAt = fromUnix(created)
		if e.ActionData, err = decodeMap(data); err != nil {
			return nil, fmt.Errorf("decode action_data of event %s: %w", e.ID, err)
		}
		if e.Metadata, err = decodeMap(meta); err != nil {
			return nil, fmt.Errorf("decode metadata of event %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
