package domain

import "time"

// TrackingConfig is the process-wide tracking policy. It is built once at
// startup and passed by value to every component.
type TrackingConfig struct {
	Level       TrackingLevel
	SaveMode    SaveMode
	BatchSize   int
	MaxDelay    time.Duration
	CleanupDays int
	Debug       bool
}

// RetentionCutoff returns the instant before which inactive sessions are swept.
func (c TrackingConfig) RetentionCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -c.CleanupDays)
}
