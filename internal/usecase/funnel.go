package usecase

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

var milestones = map[domain.ActionType]struct{}{
	domain.ActionRecommendationCreated: {},
	domain.ActionRecommendationRefined: {},
	domain.ActionEmailCaptured:         {},
	domain.ActionBookLiked:             {},
	domain.ActionBookDisliked:          {},
}

var engagementWeights = map[domain.ActionType]int{
	domain.ActionRecommendationCreated: 10,
	domain.ActionRecommendationRefined: 15,
	domain.ActionEmailCaptured:         20,
	domain.ActionBookLiked:             5,
	domain.ActionBookDisliked:          5,
	domain.ActionButtonClicked:         2,
}

// sortByTimestamp returns a copy ordered by event time. Equal timestamps keep
// their input order.
func sortByTimestamp(events []domain.Event) []domain.Event {
	sorted := make([]domain.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}

// Funnel returns the milestone events in ascending event-time order.
func Funnel(events []domain.Event) []domain.FunnelStep {
	steps := make([]domain.FunnelStep, 0)
	for _, e := range sortByTimestamp(events) {
		if _, ok := milestones[e.ActionType]; !ok {
			continue
		}
		steps = append(steps, domain.FunnelStep{
			Step:       e.ActionType,
			Timestamp:  e.Timestamp,
			EventID:    e.ID,
			Context:    e.Context,
			ActionData: e.ActionData,
		})
	}
	return steps
}

// EngagementScore is the weighted sum over every event.
func EngagementScore(events []domain.Event) int {
	score := 0
	for _, e := range events {
		score += engagementWeights[e.ActionType]
	}
	return score
}

// FunnelAnalyzer reads persisted events, never the buffer.
type FunnelAnalyzer struct {
	sessions domain.SessionRepository
	events   domain.EventRepository
}

func NewFunnelAnalyzer(sessions domain.SessionRepository, events domain.EventRepository) *FunnelAnalyzer {
	return &FunnelAnalyzer{sessions: sessions, events: events}
}

// Analyze builds the funnel report for a session. Unknown sessions yield
// ErrSessionNotFound.
func (a *FunnelAnalyzer) Analyze(ctx context.Context, sessionID string) (*domain.FunnelReport, error) {
	ctx, span := otel.Tracer("tracking").Start(ctx, "AnalyzeFunnel")
	defer span.End()

	if _, err := a.sessions.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}
	events, err := a.events.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events for session %s: %w", sessionID, err)
	}
	return &domain.FunnelReport{
		SessionID:       sessionID,
		Funnel:          Funnel(events),
		EngagementScore: EngagementScore(events),
	}, nil
}
