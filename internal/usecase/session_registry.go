package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BuildsAndChill/mynextbook/internal/adapter/metrics"
	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

// DeviceParser extracts device info from a User-Agent header. It returns nil
// when nothing useful can be derived.
type DeviceParser interface {
	Parse(userAgent string) *domain.DeviceInfo
}

// SessionRegistry resolves session identifiers to durable session records.
type SessionRegistry struct {
	sessions domain.SessionRepository
	events   domain.EventRepository
	parser   DeviceParser
	logger   *slog.Logger
	metrics  *metrics.TrackerMetrics
	now      func() time.Time
}

// NewSessionRegistry creates a SessionRegistry. parser may be nil, in which
// case sessions are created without device info.
func NewSessionRegistry(sessions domain.SessionRepository, events domain.EventRepository, parser DeviceParser, logger *slog.Logger, m *metrics.TrackerMetrics) *SessionRegistry {
	return &SessionRegistry{
		sessions: sessions,
		events:   events,
		parser:   parser,
		logger:   logger.With("component", "session_registry"),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the session for id, creating it on first sight. A concurrent
// creation of the same id is reconciled by fetching the winner's record.
func (r *SessionRegistry) Resolve(ctx context.Context, id string, rc domain.RequestContext) (*domain.Session, error) {
	s, err := r.sessions.GetByID(ctx, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	now := r.now()
	s = &domain.Session{
		ID:           id,
		Device:       r.parseDevice(rc.UserAgent),
		LastActivity: now,
		CreatedAt:    now,
	}

	err = r.sessions.Create(ctx, s)
	switch {
	case err == nil:
		r.metrics.SessionCreated()
		r.logger.Debug("session created", "session_id", id, "has_device", s.Device != nil)
		return s, nil
	case errors.Is(err, domain.ErrDuplicateSession):
		r.logger.Debug("session created concurrently, fetching existing record", "session_id", id)
		existing, getErr := r.sessions.GetByID(ctx, id)
		if getErr != nil {
			return nil, fmt.Errorf("get session %s after duplicate create: %w", id, getErr)
		}
		return existing, nil
	default:
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
}

func (r *SessionRegistry) parseDevice(userAgent string) (info *domain.DeviceInfo) {
	if r.parser == nil || userAgent == "" {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("user agent parser panicked", "panic", rec)
			info = nil
		}
	}()
	return r.parser.Parse(userAgent)
}

// BumpActivity sets the session's last activity to at.
func (r *SessionRegistry) BumpActivity(ctx context.Context, s *domain.Session, at time.Time) error {
	if err := r.sessions.UpdateLastActivity(ctx, s.ID, at); err != nil {
		return fmt.Errorf("bump activity for session %s: %w", s.ID, err)
	}
	s.LastActivity = at
	return nil
}

// Stats summarizes the persisted events of a session. Buffered events are not
// included until their batch commits.
func (r *SessionRegistry) Stats(ctx context.Context, id string) (*domain.SessionStats, error) {
	if _, err := r.sessions.GetByID(ctx, id); err != nil {
		return nil, err
	}
	events, err := r.events.ListBySession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list events for session %s: %w", id, err)
	}
	return computeStats(id, events), nil
}

func computeStats(id string, events []domain.Event) *domain.SessionStats {
	stats := &domain.SessionStats{
		SessionID:          id,
		TotalEvents:        len(events),
		CountsByActionType: make(map[domain.ActionType]int),
	}
	contexts := make(map[string]struct{})
	for i := range events {
		e := &events[i]
		ts := e.Timestamp
		if stats.FirstEventAt == nil || ts.Before(*stats.FirstEventAt) {
			stats.FirstEventAt = &ts
		}
		if stats.LastEventAt == nil || ts.After(*stats.LastEventAt) {
			stats.LastEventAt = &ts
		}
		if e.Context != "" {
			contexts[e.Context] = struct{}{}
		}
		stats.CountsByActionType[e.ActionType.Bucket()]++
	}
	stats.DistinctContexts = len(contexts)
	return stats
}

// Cleanup deletes sessions inactive since before cutoff, with their events.
func (r *SessionRegistry) Cleanup(ctx context.Context, cutoff time.Time) ([]string, error) {
	removed, err := r.sessions.DeleteInactiveBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete sessions inactive before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	r.metrics.Swept(len(removed))
	r.logger.Info("retention sweep finished", "cutoff", cutoff, "removed", len(removed))
	return removed, nil
}
