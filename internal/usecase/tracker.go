package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BuildsAndChill/mynextbook/internal/adapter/metrics"
	"github.com/BuildsAndChill/mynextbook/internal/adapter/pii"
	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

// TrackRequest is one interaction as reported by the web layer.
type TrackRequest struct {
	SessionID  string         `json:"session_id"`
	ActionType string         `json:"action_type"`
	Context    string         `json:"context"`
	ActionData map[string]any `json:"action_data"`
	Metadata   map[string]any `json:"metadata"`
	// Timestamp defaults to the time the event is received.
	Timestamp time.Time `json:"timestamp"`
}

// TrackingService is the entry point of the tracking pipeline.
type TrackingService struct {
	cfg      domain.TrackingConfig
	filter   *EventFilter
	buffer   *EventBuffer
	registry *SessionRegistry
	analyzer *FunnelAnalyzer
	redactor *pii.Redactor
	logger   *slog.Logger
	metrics  *metrics.TrackerMetrics
	spill    SpillJournal
	now      func() time.Time
}

const spillTimeout = 5 * time.Second

// NewTrackingService creates a TrackingService. redactor may be nil.
func NewTrackingService(
	cfg domain.TrackingConfig,
	filter *EventFilter,
	buffer *EventBuffer,
	registry *SessionRegistry,
	analyzer *FunnelAnalyzer,
	redactor *pii.Redactor,
	logger *slog.Logger,
	m *metrics.TrackerMetrics,
) *TrackingService {
	return &TrackingService{
		cfg:      cfg,
		filter:   filter,
		buffer:   buffer,
		registry: registry,
		analyzer: analyzer,
		redactor: redactor,
		logger:   logger.With("component", "tracking_service"),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Track filters, enriches and buffers one event and returns the session it
// was attributed to. Only a missing action type is reported as an error;
// storage problems are logged and never reach the caller.
func (s *TrackingService) Track(ctx context.Context, req TrackRequest) (string, error) {
	action, known := domain.ParseActionType(stripNUL(req.ActionType))
	if action == "" {
		s.metrics.Event("rejected")
		return "", domain.ErrInvalidEvent
	}

	sessionID := strings.TrimSpace(stripNUL(req.SessionID))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if !s.filter.ShouldTrack(action) {
		s.metrics.Event("filtered")
		s.logger.Debug("event filtered out", "action_type", action, "level", s.filter.Level())
		return sessionID, nil
	}
	if !known {
		s.logger.Debug("tracking unrecognized action type", "action_type", action)
	}

	event := domain.Event{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ActionType: action,
		Context:    strings.TrimSpace(stripNUL(req.Context)),
		ActionData: sanitizeMap(req.ActionData),
		Metadata:   sanitizeMap(req.Metadata),
		Timestamp:  req.Timestamp.UTC(),
	}
	if req.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if s.redactor != nil {
		s.redactor.Redact(&event)
	}

	if err := s.buffer.Enqueue(ctx, domain.PendingEvent{SessionID: sessionID, Event: event}); err != nil {
		if errors.Is(err, domain.ErrBufferClosed) {
			s.metrics.Event("dropped")
			s.logger.Warn("event dropped, buffer is shutting down", "event_id", event.ID, "session_id", sessionID)
			return sessionID, nil
		}
		s.logger.Error("critical event not yet durable", "error", err, "event_id", event.ID, "session_id", sessionID, "action_type", action)
	}
	s.metrics.Event("accepted")

	if s.cfg.Debug {
		s.logger.Debug("event tracked", "event_id", event.ID, "session_id", sessionID, "action_type", action, "context", event.Context)
	}
	return sessionID, nil
}

// SessionStats summarizes a session's persisted events.
func (s *TrackingService) SessionStats(ctx context.Context, sessionID string) (*domain.SessionStats, error) {
	return s.registry.Stats(ctx, sessionID)
}

// AnalyzeFunnel reconstructs a session's funnel and engagement score.
func (s *TrackingService) AnalyzeFunnel(ctx context.Context, sessionID string) (*domain.FunnelReport, error) {
	return s.analyzer.Analyze(ctx, sessionID)
}

// Cleanup deletes sessions inactive since before cutoff.
func (s *TrackingService) Cleanup(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.registry.Cleanup(ctx, cutoff)
}

// CleanupExpired applies the configured retention window.
func (s *TrackingService) CleanupExpired(ctx context.Context) ([]string, error) {
	return s.Cleanup(ctx, s.cfg.RetentionCutoff(s.now()))
}

// Flush commits everything pending regardless of thresholds.
func (s *TrackingService) Flush(ctx context.Context) (int, error) {
	return s.buffer.ForceFlush(ctx)
}

func (s *TrackingService) BufferState() BufferState {
	return s.buffer.State()
}

// SpillJournal keeps events that could not be committed before shutdown.
type SpillJournal interface {
	Write(ctx context.Context, events []domain.Event) error
	Replay(ctx context.Context, handler func(domain.Event) error) error
	Truncate(ctx context.Context) error
}

// UseSpillJournal makes Shutdown write leftover events to j instead of
// dropping them.
func (s *TrackingService) UseSpillJournal(j SpillJournal) {
	s.spill = j
}

// RecoverSpilled reloads events spilled by a previous shutdown into the
// buffer and commits them. The journal is cleared only after that commit
// succeeds; on failure the events stay buffered and journaled.
func (s *TrackingService) RecoverSpilled(ctx context.Context) (int, error) {
	if s.spill == nil {
		return 0, nil
	}

	var restored []domain.PendingEvent
	err := s.spill.Replay(ctx, func(e domain.Event) error {
		restored = append(restored, domain.PendingEvent{SessionID: e.SessionID, Event: e})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replay spill journal: %w", err)
	}
	if len(restored) == 0 {
		return 0, nil
	}

	s.buffer.Restore(restored)
	if _, err := s.buffer.ForceFlush(ctx); err != nil {
		s.logger.Warn("spilled events restored but not yet committed", "events", len(restored), "error", err)
		return len(restored), nil
	}
	if err := s.spill.Truncate(ctx); err != nil {
		return len(restored), fmt.Errorf("truncate spill journal: %w", err)
	}
	s.logger.Info("recovered spilled events", "events", len(restored))
	return len(restored), nil
}

// Shutdown flushes the buffer and stops its goroutines. Events that are
// still pending afterwards go to the spill journal when one is configured.
func (s *TrackingService) Shutdown(ctx context.Context) error {
	err := s.buffer.Shutdown(ctx)
	if serr := s.saveLeftovers(s.buffer.TakePending()); serr != nil {
		err = errors.Join(err, serr)
	}

	// A commit still running when ctx expired returns its batch to the
	// buffer only after the leftovers above were taken.
	waitCtx, cancel := context.WithTimeout(context.Background(), s.buffer.opts.CommitTimeout)
	defer cancel()
	if !s.buffer.WaitCommitter(waitCtx) {
		s.logger.Error("committer still running at exit, its batch is lost")
		return err
	}
	if serr := s.saveLeftovers(s.buffer.TakePending()); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

// saveLeftovers spills events the buffer could not commit, or counts them as
// dropped when no journal is configured.
func (s *TrackingService) saveLeftovers(left []domain.PendingEvent) error {
	if len(left) == 0 {
		return nil
	}
	if s.spill == nil {
		s.metrics.Dropped(len(left))
		s.logger.Error("buffered events lost at shutdown", "events", len(left))
		return nil
	}

	events := make([]domain.Event, len(left))
	for i, pe := range left {
		events[i] = pe.Event
	}
	// The shutdown ctx may already be spent on the flush; the spill gets its
	// own deadline.
	spillCtx, cancel := context.WithTimeout(context.Background(), spillTimeout)
	defer cancel()
	if err := s.spill.Write(spillCtx, events); err != nil {
		s.metrics.Dropped(len(left))
		s.logger.Error("failed to spill buffered events, they are lost", "events", len(left), "error", err)
		return err
	}
	s.logger.Warn("buffered events spilled to journal", "events", len(left))
	return nil
}
