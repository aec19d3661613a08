package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

const importTableName = "tracking_events_import"

// EventRepository implements domain.EventRepository for PostgreSQL.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventRepository creates a new PostgreSQL event repository.
func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger.With("component", "postgres_events")}
}

// InsertEvents bulk-loads events with the COPY protocol into a staging table,
// then moves them into tracking_events in batch order. Rows whose id already
// exists are skipped, which makes replaying a batch harmless.
func (r *EventRepository) InsertEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	_, err = txn.ExecContext(ctx, `CREATE TEMP TABLE `+importTableName+` (
		ord INTEGER NOT NULL,
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		context TEXT NOT NULL,
		action_data TEXT NOT NULL,
		metadata TEXT NOT NULL,
		event_time TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	) ON COMMIT DROP`)
	if err != nil {
		return fmt.Errorf("create staging table: %w", err)
	}

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(importTableName,
		"ord", "id", "session_id", "action_type", "context", "action_data", "metadata", "event_time", "created_at"))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i, e := range events {
		data, err := encodeMap(e.ActionData)
		if err != nil {
			_ = stmt.Close()
			return fmt.Errorf("encode action_data of event %s: %w", e.ID, err)
		}
		meta, err := encodeMap(e.Metadata)
		if err != nil {
			_ = stmt.Close()
			return fmt.Errorf("encode metadata of event %s: %w", e.ID, err)
		}
		if _, err = stmt.ExecContext(ctx, i, e.ID, e.SessionID, string(e.ActionType), e.Context, data, meta, e.Timestamp.UTC(), now); err != nil {
			_ = stmt.Close()
			return err
		}
	}

	// Flush the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}

	res, err := txn.ExecContext(ctx, `
		INSERT INTO tracking_events (id, session_id, action_type, context, action_data, metadata, event_time, created_at)
		SELECT id, session_id, action_type, context, action_data::jsonb, metadata::jsonb, event_time, created_at
		FROM `+importTableName+`
		ORDER BY ord
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return err
	}
	if inserted, err := res.RowsAffected(); err == nil && int(inserted) < len(events) {
		r.logger.Info("skipped already stored events", "skipped", len(events)-int(inserted), "session_id", events[0].SessionID)
	}

	return txn.Commit()
}

// ListBySession returns a session's events ordered by event time, then by
// insertion order.
func (r *EventRepository) ListBySession(ctx context.Context, sessionID string) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, action_type, context, action_data, metadata, event_time, created_at
		FROM tracking_events
		WHERE session_id = $1
		ORDER BY event_time ASC, seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			e          domain.Event
			action     string
			data, meta []byte
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &action, &e.Context, &data, &meta, &e.Timestamp, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActionType = domain.ActionType(action)
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

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
