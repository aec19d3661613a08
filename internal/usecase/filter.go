package usecase

import (
	"log/slog"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

var minimalActions = map[domain.ActionType]struct{}{
	domain.ActionRecommendationCreated: {},
	domain.ActionRecommendationRefined: {},
	domain.ActionEmailCaptured:         {},
}

// criticalActions always bypass batching latency.
var criticalActions = map[domain.ActionType]struct{}{
	domain.ActionEmailCaptured:         {},
	domain.ActionRecommendationCreated: {},
}

// ShouldTrack reports whether an action is kept under the given tracking level.
// Unrecognized levels behave like LevelStandard.
func ShouldTrack(action domain.ActionType, level domain.TrackingLevel) bool {
	switch level {
	case domain.LevelNo:
		return false
	case domain.LevelFull:
		return true
	case domain.LevelMinimal:
		_, ok := minimalActions[action]
		return ok
	default:
		if action == domain.ActionPageViewed {
			return true
		}
		_, ok := minimalActions[action]
		return ok
	}
}

// ShouldCommitImmediately reports whether the event must be durable before
// Enqueue returns.
func ShouldCommitImmediately(action domain.ActionType, mode domain.SaveMode) bool {
	if mode == domain.SaveImmediate {
		return true
	}
	_, ok := criticalActions[action]
	return ok
}

// EventFilter binds the filtering policy to one tracking configuration.
type EventFilter struct {
	level domain.TrackingLevel
	mode  domain.SaveMode
}

// NewEventFilter logs a warning and falls back to the defaults when level or
// mode are not recognized.
func NewEventFilter(level domain.TrackingLevel, mode domain.SaveMode, logger *slog.Logger) *EventFilter {
	if l, ok := domain.ParseTrackingLevel(string(level)); !ok {
		logger.Warn("unknown tracking level, using default", "level", level, "default", l)
		level = l
	}
	if m, ok := domain.ParseSaveMode(string(mode)); !ok {
		logger.Warn("unknown save mode, using default", "save_mode", mode, "default", m)
		mode = m
	}
	return &EventFilter{level: level, mode: mode}
}

func (f *EventFilter) ShouldTrack(action domain.ActionType) bool {
	return ShouldTrack(action, f.level)
}

func (f *EventFilter) ShouldCommitImmediately(action domain.ActionType) bool {
	return ShouldCommitImmediately(action, f.mode)
}

func (f *EventFilter) Level() domain.TrackingLevel { return f.level }

func (f *EventFilter) SaveMode() domain.SaveMode { return f.mode }
