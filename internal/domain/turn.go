package domain

import (
	"fmt"
	"strings"
)

// ContentPart is one part of a user message on the wire.
type ContentPart struct {
	Text string `json:"text"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string        `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// TurnRequest is the turn-initiation request sent to the agent runtime.
// Field names are part of the external contract.
type TurnRequest struct {
	AppName    string  `json:"appName"`
	UserID     string  `json:"userId"`
	SessionID  string  `json:"sessionId"`
	NewMessage Content `json:"newMessage"`
	Streaming  bool    `json:"streaming"`
}

// NewTurnRequest builds a streaming request carrying one user text part.
func NewTurnRequest(appName, userID, sessionID, text string) TurnRequest {
	return TurnRequest{
		AppName:   appName,
		UserID:    userID,
		SessionID: sessionID,
		NewMessage: Content{
			Role:  "user",
			Parts: []ContentPart{{Text: text}},
		},
		Streaming: true,
	}
}

// Text concatenates the message's text parts.
func (r *TurnRequest) Text() string {
	texts := make([]string, 0, len(r.NewMessage.Parts))
	for _, p := range r.NewMessage.Parts {
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n")
}

// Validate checks the structural fields. Content policy is enforced
// separately by the input gate.
func (r *TurnRequest) Validate() error {
	switch {
	case r.AppName == "":
		return fmt.Errorf("appName is required: %w", ErrRejectedInput)
	case r.SessionID == "":
		return fmt.Errorf("sessionId is required: %w", ErrRejectedInput)
	case len(r.NewMessage.Parts) == 0:
		return fmt.Errorf("newMessage has no parts: %w", ErrRejectedInput)
	}
	return nil
}
