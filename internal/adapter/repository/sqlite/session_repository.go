package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

// SessionRepository implements domain.SessionRepository on SQLite.
type SessionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSessionRepository(db *sql.DB, logger *slog.Logger) *SessionRepository {
	return &SessionRepository{db: db, logger: logger.With("component", "sqlite_sessions")}
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var (
		s                         domain.Session
		browser, platform, osName sql.NullString
		mobile                    sql.NullBool
		lastActivity, createdAt   int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, browser, platform, os, is_mobile, last_activity, created_at
		FROM tracking_sessions WHERE id = ?`, id).
		Scan(&s.ID, &browser, &platform, &osName, &mobile, &lastActivity, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	s.LastActivity = fromUnix(lastActivity)
	s.CreatedAt = fromUnix(createdAt)
	if browser.Valid || platform.Valid || osName.Valid {
		s.Device = &domain.DeviceInfo{
			Browser:  browser.String,
			Platform: platform.String,
			OS:       osName.String,
			Mobile:   mobile.Bool,
		}
	}
	return &s, nil
}

func (r *SessionRepository) Create(ctx context.Context, s *domain.Session) error {
	var browser, platform, osName sql.NullString
	var mobile sql.NullBool
	if d := s.Device; d != nil {
		browser = sql.NullString{String: d.Browser, Valid: true}
		platform = sql.NullString{String: d.Platform, Valid: true}
		osName = sql.NullString{String: d.OS, Valid: true}
		mobile = sql.NullBool{Bool: d.Mobile, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tracking_sessions (id, browser, platform, os, is_mobile, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, browser, platform, osName, mobile, toUnix(s.LastActivity), toUnix(s.CreatedAt))
	if isUniqueViolation(err) {
		return domain.ErrDuplicateSession
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) UpdateLastActivity(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tracking_sessions SET last_activity = ? WHERE id = ?`, toUnix(at), id)
	if err != nil {
		return fmt.Errorf("update last activity: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// DeleteInactiveBefore removes events explicitly before their sessions so the
// sweep does not depend on the foreign_keys pragma being honored.
func (r *SessionRepository) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c := toUnix(cutoff)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM tracking_events
		WHERE session_id IN (SELECT id FROM tracking_sessions WHERE last_activity < ?)`, c); err != nil {
		return nil, fmt.Errorf("delete events: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `DELETE FROM tracking_sessions WHERE last_activity < ? RETURNING id`, c)
	if err != nil {
		return nil, fmt.Errorf("delete sessions: %w", err)
	}
	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		removed = append(removed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		r.logger.Info("deleted inactive sessions", "count", len(removed), "cutoff", cutoff)
	}
	return removed, nil
}
