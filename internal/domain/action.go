package domain

import "strings"

// ActionType identifies what a user did. The set is open: names outside the
// known constants are persisted as-is and counted under ActionUnknown.
type ActionType string

const (
	ActionSessionStarted        ActionType = "session_started"
	ActionPageViewed            ActionType = "page_viewed"
	ActionButtonClicked         ActionType = "button_clicked"
	ActionRecommendationCreated ActionType = "recommendation_created"
	ActionRecommendationRefined ActionType = "recommendation_refined"
	ActionEmailCaptured         ActionType = "email_captured"
	ActionBookLiked             ActionType = "book_liked"
	ActionBookDisliked          ActionType = "book_disliked"

	// ActionUnknown is the stats bucket for unrecognized action names.
	ActionUnknown ActionType = "unknown"
)

var knownActions = map[ActionType]struct{}{
	ActionSessionStarted:        {},
	ActionPageViewed:            {},
	ActionButtonClicked:         {},
	ActionRecommendationCreated: {},
	ActionRecommendationRefined: {},
	ActionEmailCaptured:         {},
	ActionBookLiked:             {},
	ActionBookDisliked:          {},
}

// ParseActionType normalizes a raw action name. The boolean reports whether
// the name belongs to the known set; an empty name is never valid.
func ParseActionType(raw string) (ActionType, bool) {
	a := ActionType(strings.ToLower(strings.TrimSpace(raw)))
	return a, a.IsKnown()
}

// IsKnown reports whether a is one of the recognized action types.
func (a ActionType) IsKnown() bool {
	_, ok := knownActions[a]
	return ok
}

// Bucket returns a itself when known and ActionUnknown otherwise.
func (a ActionType) Bucket() ActionType {
	if a.IsKnown() {
		return a
	}
	return ActionUnknown
}

func (a ActionType) String() string { return string(a) }

// TrackingLevel controls how much of the event stream is kept.
type TrackingLevel string

const (
	LevelNo       TrackingLevel = "no"
	LevelMinimal  TrackingLevel = "minimal"
	LevelStandard TrackingLevel = "standard"
	LevelFull     TrackingLevel = "full"
)

// ParseTrackingLevel returns LevelStandard and false for unrecognized input.
func ParseTrackingLevel(raw string) (TrackingLevel, bool) {
	switch l := TrackingLevel(strings.ToLower(strings.TrimSpace(raw))); l {
	case LevelNo, LevelMinimal, LevelStandard, LevelFull:
		return l, true
	default:
		return LevelStandard, false
	}
}

// SaveMode controls how buffered events reach the store.
type SaveMode string

const (
	// SaveBatch flushes when the batch size or the max delay is reached.
	SaveBatch SaveMode = "batch"
	// SaveImmediate commits every event before Enqueue returns.
	SaveImmediate SaveMode = "immediate"
	// SaveAsync flushes on every event without making the caller wait.
	SaveAsync SaveMode = "async"
)

// ParseSaveMode returns SaveBatch and false for unrecognized input.
func ParseSaveMode(raw string) (SaveMode, bool) {
	switch m := SaveMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case SaveBatch, SaveImmediate, SaveAsync:
		return m, true
	default:
		return SaveBatch, false
	}
}
