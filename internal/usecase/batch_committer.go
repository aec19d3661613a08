package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/BuildsAndChill/mynextbook/internal/adapter/metrics"
	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

// publishTimeout bounds the downstream publish that follows a commit. It is
// independent of the commit deadline.
const publishTimeout = 5 * time.Second

// BatchCommitter persists swapped-out batches, one session group at a time.
type BatchCommitter struct {
	registry  *SessionRegistry
	events    domain.EventRepository
	publisher domain.EventPublisher
	logger    *slog.Logger
	metrics   *metrics.TrackerMetrics
	now       func() time.Time
}

// NewBatchCommitter creates a BatchCommitter. publisher may be nil.
func NewBatchCommitter(registry *SessionRegistry, events domain.EventRepository, publisher domain.EventPublisher, logger *slog.Logger, m *metrics.TrackerMetrics) *BatchCommitter {
	return &BatchCommitter{
		registry:  registry,
		events:    events,
		publisher: publisher,
		logger:    logger.With("component", "batch_committer"),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type sessionGroup struct {
	sessionID string
	events    []domain.Event
}

// groupBySession keeps sessions in order of first appearance and events in
// batch order within each session.
func groupBySession(batch []domain.PendingEvent) []sessionGroup {
	index := make(map[string]int)
	var groups []sessionGroup
	for _, pe := range batch {
		i, ok := index[pe.SessionID]
		if !ok {
			i = len(groups)
			index[pe.SessionID] = i
			groups = append(groups, sessionGroup{sessionID: pe.SessionID})
		}
		groups[i].events = append(groups[i].events, pe.Event)
	}
	return groups
}

// Commit resolves each session once, stores its events and bumps its last
// activity. Any failure fails the whole batch; groups stored before the
// failure are skipped by the store when the batch is retried, since event
// IDs are unique. Committed events are published only once every group is
// stored, so a slow or unavailable downstream never fails persistence.
func (c *BatchCommitter) Commit(ctx context.Context, batch []domain.PendingEvent) error {
	ctx, span := otel.Tracer("tracking").Start(ctx, "CommitBatch")
	defer span.End()

	groups := groupBySession(batch)
	span.SetAttributes(attribute.Int("batch.events", len(batch)), attribute.Int("batch.sessions", len(groups)))

	for _, g := range groups {
		if err := c.commitGroup(ctx, g); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "commit failed")
			return fmt.Errorf("%w: session %s: %w", domain.ErrPersistenceFailure, g.sessionID, err)
		}
	}

	c.logger.Debug("batch persisted", "events", len(batch), "sessions", len(groups))
	c.publish(ctx, batch)
	return nil
}

func (c *BatchCommitter) commitGroup(ctx context.Context, g sessionGroup) error {
	rc := domain.RequestContextFromMetadata(g.events[0].Metadata)
	session, err := c.registry.Resolve(ctx, g.sessionID, rc)
	if err != nil {
		return err
	}

	if err := c.events.InsertEvents(ctx, g.events); err != nil {
		return fmt.Errorf("insert %d events: %w", len(g.events), err)
	}

	if err := c.registry.BumpActivity(ctx, session, c.now()); err != nil {
		return err
	}
	return nil
}

// publish is best-effort; committed events are never rolled back because a
// downstream consumer is unavailable. It runs on its own deadline, detached
// from the commit context.
func (c *BatchCommitter) publish(ctx context.Context, batch []domain.PendingEvent) {
	if c.publisher == nil {
		return
	}
	events := make([]domain.Event, len(batch))
	for i, pe := range batch {
		events[i] = pe.Event
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := c.publisher.Publish(pubCtx, events); err != nil {
		c.metrics.PublishFailed()
		c.logger.Warn("failed to publish committed events", "error", err, "events", len(events))
	}
}
