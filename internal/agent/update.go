package agent

import "time"

// UpdateType tags a UI update pushed over pub/sub.
type UpdateType string

const (
	UpdateMessage      UpdateType = "message"
	UpdateProgress     UpdateType = "progress"
	UpdateToolResult   UpdateType = "tool_result"
	UpdateTransfer     UpdateType = "transfer"
	UpdateError        UpdateType = "error"
	UpdateTerminal     UpdateType = "terminal"
	UpdateTurnComplete UpdateType = "turn_complete"
	UpdateTurnFinished UpdateType = "turn_finished"
)

// Update is the JSON payload published to a session's UI and status
// channels.
type Update struct {
	Type         UpdateType `json:"type"`
	SessionID    string     `json:"sessionId"`
	TurnID       string     `json:"turnId,omitempty"`
	InvocationID string     `json:"invocationId,omitempty"`
	Author       string     `json:"author,omitempty"`
	Text         string     `json:"text,omitempty"`
	Tool         string     `json:"tool,omitempty"`
	Target       string     `json:"target,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Error        string     `json:"error,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}
