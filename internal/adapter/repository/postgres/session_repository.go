package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

const uniqueViolation = "23505"

// SessionRepository implements domain.SessionRepository for PostgreSQL.
type SessionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSessionRepository(db *sql.DB, logger *slog.Logger) *SessionRepository {
	return &SessionRepository{db: db, logger: logger.With("component", "postgres_sessions")}
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var (
		s                         domain.Session
		browser, platform, osName sql.NullString
		mobile                    sql.NullBool
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, browser, platform, os, is_mobile, last_activity, created_at
		FROM tracking_sessions WHERE id = $1`, id).
		Scan(&s.ID, &browser, &platform, &osName, &mobile, &s.LastActivity, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

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

// Create inserts a session. A primary key violation means another request
// created it first and is reported as domain.ErrDuplicateSession.
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, browser, platform, osName, mobile, s.LastActivity.UTC(), s.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return domain.ErrDuplicateSession
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (r *SessionRepository) UpdateLastActivity(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tracking_sessions SET last_activity = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// DeleteInactiveBefore relies on ON DELETE CASCADE to remove the events.
func (r *SessionRepository) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `DELETE FROM tracking_sessions WHERE last_activity < $1 RETURNING id`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		removed = append(removed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		r.logger.Info("deleted inactive sessions", "count", len(removed), "cutoff", cutoff)
	}
	return removed, nil
}
