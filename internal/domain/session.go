package domain

import "time"

// Session is a read-only snapshot of one conversation held by the session
// event store. Events is the bounded raw log, oldest first.
type Session struct {
	ID               string       `json:"id"`
	Events           []AgentEvent `json:"-"`
	Messages         []Message    `json:"messages"`
	LastInvocationID string       `json:"lastInvocationId,omitempty"`
	Completed        bool         `json:"completed"`
	EventCount       int          `json:"eventCount"`
	Evicted          uint64       `json:"evicted"`
}

// SessionSnapshot is the export form of a session. The raw event log is
// diagnostic only and deliberately absent.
type SessionSnapshot struct {
	SessionID        string    `json:"sessionId"`
	LastInvocationID string    `json:"lastInvocationId,omitempty"`
	Completed        bool      `json:"completed"`
	Messages         []Message `json:"messages"`
	ExportedAt       time.Time `json:"exportedAt"`
}
