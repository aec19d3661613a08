package domain

import "time"

// Metadata keys filled in by the web layer when it extracts request details.
const (
	MetaUserAgent   = "user_agent"
	MetaIPAddress   = "ip_address"
	MetaReferrer    = "referrer"
	MetaUTMSource   = "utm_source"
	MetaUTMMedium   = "utm_medium"
	MetaUTMCampaign = "utm_campaign"
	MetaUTMTerm     = "utm_term"
	MetaUTMContent  = "utm_content"
)

// UTMKeys lists the campaign parameters copied from request URLs into metadata.
var UTMKeys = []string{MetaUTMSource, MetaUTMMedium, MetaUTMCampaign, MetaUTMTerm, MetaUTMContent}

// Event is one user interaction. It is immutable once persisted.
type Event struct {
	ID         string         `json:"event_id"`
	SessionID  string         `json:"session_id"`
	ActionType ActionType     `json:"action_type"`
	Context    string         `json:"context,omitempty"`
	ActionData map[string]any `json:"action_data,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	// Timestamp is when the interaction happened, not when it was stored.
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// PendingEvent is an event waiting in the buffer for its batch to commit.
type PendingEvent struct {
	SessionID string
	Event     Event
}

// RequestContext carries the request details used to describe a new session.
type RequestContext struct {
	UserAgent string
	IPAddress string
	Referrer  string
}

// RequestContextFromMetadata pulls the well-known request keys out of metadata.
// Missing or non-string values are left empty.
func RequestContextFromMetadata(meta map[string]any) RequestContext {
	str := func(key string) string {
		if v, ok := meta[key].(string); ok {
			return v
		}
		return ""
	}
	return RequestContext{
		UserAgent: str(MetaUserAgent),
		IPAddress: str(MetaIPAddress),
		Referrer:  str(MetaReferrer),
	}
}
