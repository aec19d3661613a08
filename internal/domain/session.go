package domain

import "time"

// DeviceInfo is derived best-effort from the user agent of the first request
// seen for a session.
type DeviceInfo struct {
	Browser  string `json:"browser,omitempty"`
	Platform string `json:"platform,omitempty"`
	OS       string `json:"os,omitempty"`
	Mobile   bool   `json:"mobile"`
}

// Session is the durable record of one browsing context.
type Session struct {
	ID string `json:"session_id"`
	// Device is nil when the user agent could not be parsed.
	Device       *DeviceInfo `json:"device,omitempty"`
	LastActivity time.Time   `json:"last_activity"`
	CreatedAt    time.Time   `json:"created_at"`
}

// SessionStats summarizes the persisted events of a session.
type SessionStats struct {
	SessionID          string             `json:"session_id"`
	TotalEvents        int                `json:"total_events"`
	FirstEventAt       *time.Time         `json:"first_event_at,omitempty"`
	LastEventAt        *time.Time         `json:"last_event_at,omitempty"`
	DistinctContexts   int                `json:"distinct_contexts"`
	CountsByActionType map[ActionType]int `json:"counts_by_action_type"`
}

// FunnelStep is one milestone in a session's progression.
type FunnelStep struct {
	Step       ActionType     `json:"step"`
	Timestamp  time.Time      `json:"timestamp"`
	EventID    string         `json:"event_id"`
	Context    string         `json:"context,omitempty"`
	ActionData map[string]any `json:"action_data,omitempty"`
}

// FunnelReport is the read-side analysis of one session.
type FunnelReport struct {
	SessionID       string       `json:"session_id"`
	Funnel          []FunnelStep `json:"funnel"`
	EngagementScore int          `json:"engagement_score"`
}
