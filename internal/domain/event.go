package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Reserved authors. ErrorAuthor marks events produced by an error source
// (including the proxy's error frame); SystemAuthor marks terminal markers
// synthesized by the streaming core itself.
const (
	UnknownAuthor = "unknown"
	ErrorAuthor   = "__error__"
	SystemAuthor  = "__system__"
)

// PartKind discriminates the content part variants.
type PartKind string

const (
	PartText           PartKind = "text"
	PartThought        PartKind = "thought"
	PartFunctionCall   PartKind = "function_call"
	PartFunctionResult PartKind = "function_result"
)

// FunctionCall is a function-invocation request emitted by an agent.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResult is the payload returned by a function. Text holds any
// textual output found inside the result wrapper.
type FunctionResult struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
	Text     string          `json:"text,omitempty"`
}

// Part is one entry of an event's ordered content. Exactly one of Text,
// Call or Result is meaningful, selected by Kind.
type Part struct {
	Kind   PartKind        `json:"kind"`
	Text   string          `json:"text,omitempty"`
	Call   *FunctionCall   `json:"call,omitempty"`
	Result *FunctionResult `json:"result,omitempty"`
}

// TextPart returns a user-visible text part.
func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

// ThoughtPart returns a non-user-visible reasoning part.
func ThoughtPart(text string) Part { return Part{Kind: PartThought, Text: text} }

// ControlActions carries agent control signals attached to an event.
type ControlActions struct {
	TransferTo        string `json:"transferTo,omitempty"`
	SkipSummarization bool   `json:"skipSummarization,omitempty"`
	Escalate          bool   `json:"escalate,omitempty"`
}

// UsageMetadata is token accounting for a finished model response. Its
// presence on an event implies the turn finished.
type UsageMetadata struct {
	PromptTokens     int `json:"promptTokenCount,omitempty"`
	CandidatesTokens int `json:"candidatesTokenCount,omitempty"`
	TotalTokens      int `json:"totalTokenCount,omitempty"`
}

// UpstreamError is a structured error reported by the upstream runtime or
// by the proxy in front of it.
type UpstreamError struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return "upstream error " + e.Code + ": " + e.Message
	}
	return "upstream error: " + e.Message
}

// Retryable reports whether the failure is transient. Only 5xx-class
// statuses qualify; the proxy reports transport failures as 502/504.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode >= 500
}

// TerminalReason describes why the streaming core closed an invocation.
type TerminalReason string

const (
	// TerminalIndeterminate: the stream ended cleanly without a completion marker.
	TerminalIndeterminate TerminalReason = "indeterminate"
	// TerminalFailed: retries were exhausted or the turn timed out.
	TerminalFailed TerminalReason = "failed"
	// TerminalCancelled: the caller cancelled the session.
	TerminalCancelled TerminalReason = "cancelled"
	// TerminalSuperseded: the attempt was abandoned and the turn re-requested.
	TerminalSuperseded TerminalReason = "superseded"
)

// Terminal is attached to synthetic SystemAuthor events.
type Terminal struct {
	Reason TerminalReason `json:"reason"`
	Detail string         `json:"detail,omitempty"`
}

// Seals reports whether the marker ends its invocation.
func (t *Terminal) Seals() bool {
	return t != nil && t.Reason != TerminalSuperseded
}

// AgentEvent is the canonical unit of agent output.
type AgentEvent struct {
	ID           string          `json:"id,omitempty"`
	Author       string          `json:"author"`
	InvocationID string          `json:"invocationId"`
	Timestamp    time.Time       `json:"timestamp"`
	Parts        []Part          `json:"parts"`
	Actions      *ControlActions `json:"actions,omitempty"`
	Partial      bool            `json:"partial,omitempty"`
	TurnComplete bool            `json:"turnComplete,omitempty"`
	Usage        *UsageMetadata  `json:"usageMetadata,omitempty"`
	Error        *UpstreamError  `json:"error,omitempty"`
	Terminal     *Terminal       `json:"terminal,omitempty"`
}

// NewTerminalEvent builds a synthetic marker event for an invocation.
func NewTerminalEvent(invocationID string, reason TerminalReason, detail string) AgentEvent {
	return AgentEvent{
		Author:       SystemAuthor,
		InvocationID: invocationID,
		Timestamp:    time.Now(),
		Terminal:     &Terminal{Reason: reason, Detail: detail},
	}
}

// HasFunctionResult reports whether any part is a function result.
func (e *AgentEvent) HasFunctionResult() bool {
	for i := range e.Parts {
		if e.Parts[i].Kind == PartFunctionResult {
			return true
		}
	}
	return false
}

// FunctionResults returns the function-result payloads in part order.
func (e *AgentEvent) FunctionResults() []*FunctionResult {
	var out []*FunctionResult
	for i := range e.Parts {
		if e.Parts[i].Kind == PartFunctionResult && e.Parts[i].Result != nil {
			out = append(out, e.Parts[i].Result)
		}
	}
	return out
}

// HasVisibleText reports whether any part is non-empty, non-thought text.
func (e *AgentEvent) HasVisibleText() bool {
	for i := range e.Parts {
		if e.Parts[i].Kind == PartText && e.Parts[i].Text != "" {
			return true
		}
	}
	return false
}

// VisibleText concatenates the non-thought text parts.
func (e *AgentEvent) VisibleText() string {
	var sb strings.Builder
	for i := range e.Parts {
		if e.Parts[i].Kind == PartText {
			sb.WriteString(e.Parts[i].Text)
		}
	}
	return sb.String()
}

// ResultText returns the textual output nested in the last function result
// that carries any.
func (e *AgentEvent) ResultText() string {
	results := e.FunctionResults()
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Text != "" {
			return results[i].Text
		}
	}
	return ""
}

// IsError reports whether the event carries an error.
func (e *AgentEvent) IsError() bool {
	return e.Author == ErrorAuthor || e.Error != nil
}

// IsSystem reports whether the event was synthesized by the streaming core.
func (e *AgentEvent) IsSystem() bool {
	return e.Author == SystemAuthor && e.Terminal != nil
}
