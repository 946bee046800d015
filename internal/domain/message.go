package domain

import "time"

// MessageKind distinguishes regular agent text from failure notices.
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindError MessageKind = "error"
)

// Message is the UI-facing unit derived from the raw event log by folding
// the visible text of one (invocation, author) pair.
type Message struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"sessionId"`
	InvocationID string      `json:"invocationId"`
	Author       string      `json:"author"`
	Kind         MessageKind `json:"kind"`
	Text         string      `json:"text"`
	Sealed       bool        `json:"sealed"`
	// Warning is set when the invocation ended without a completion marker
	// or was cancelled before finishing.
	Warning   string    `json:"warning,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
