package event

import (
	"encoding/json"
	"fmt"

	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/sse"
)

// LegacyName is the registry name of the legacy flattened strategy.
const LegacyName = "legacy"

type legacyUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type legacyEvent struct {
	Type         string          `json:"type"`
	ID           string          `json:"id"`
	Author       string          `json:"author"`
	InvocationID string          `json:"invocation_id"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Text         string          `json:"text"`
	Name         string          `json:"name"`
	CallID       string          `json:"call_id"`
	Args         json.RawMessage `json:"args"`
	Response     json.RawMessage `json:"response"`
	TransferTo   string          `json:"transfer_to"`
	Partial      bool            `json:"partial"`
	Done         bool            `json:"done"`
	Usage        *legacyUsage    `json:"usage"`
	Code         string          `json:"code"`
	Message      string          `json:"message"`
}

// Legacy decodes the flattened format where each record carries a single
// item selected by "type" (or the record's event line when "type" is
// absent): text, thought, function_call, function_response, transfer,
// done or error.
type Legacy struct{}

var _ Strategy = Legacy{}

func (Legacy) Name() string { return LegacyName }

func (Legacy) Decode(f sse.Frame) (domain.AgentEvent, error) {
	if err := requireObject(f.Data); err != nil {
		return domain.AgentEvent{}, err
	}
	if ev, ok := decodeErrorFrame(f.Data); ok {
		ev.ID = f.ID
		return ev, nil
	}

	var raw legacyEvent
	if err := json.Unmarshal(f.Data, &raw); err != nil {
		return domain.AgentEvent{}, fmt.Errorf("event.Legacy.Decode: %w", err)
	}
	typ := raw.Type
	if typ == "" {
		typ = f.Event
	}

	ev := domain.AgentEvent{
		ID:           raw.ID,
		Author:       raw.Author,
		InvocationID: raw.InvocationID,
		Timestamp:    parseTimestamp(raw.Timestamp),
		Partial:      raw.Partial,
		TurnComplete: raw.Done,
	}
	if ev.ID == "" {
		ev.ID = f.ID
	}
	if raw.Usage != nil {
		ev.Usage = &domain.UsageMetadata{
			PromptTokens:     raw.Usage.PromptTokens,
			CandidatesTokens: raw.Usage.CompletionTokens,
			TotalTokens:      raw.Usage.TotalTokens,
		}
	}

	switch typ {
	case "thought", "thinking":
		ev.Parts = []domain.Part{domain.ThoughtPart(raw.Text)}
	case "function_call", "tool_call":
		ev.Parts = []domain.Part{{
			Kind: domain.PartFunctionCall,
			Call: &domain.FunctionCall{ID: raw.CallID, Name: raw.Name, Args: raw.Args},
		}}
	case "function_response", "tool_result":
		text := extractResultText(raw.Response)
		if text == "" {
			text = raw.Text
		}
		ev.Parts = []domain.Part{{
			Kind: domain.PartFunctionResult,
			Result: &domain.FunctionResult{
				ID:       raw.CallID,
				Name:     raw.Name,
				Response: raw.Response,
				Text:     text,
			},
		}}
	case "transfer":
		ev.Actions = &domain.ControlActions{TransferTo: raw.TransferTo}
	case "done", "turn_complete":
		ev.TurnComplete = true
	case "error":
		ev.Error = &domain.UpstreamError{Code: raw.Code, Message: raw.Message}
	default:
		if raw.Text != "" {
			ev.Parts = []domain.Part{domain.TextPart(raw.Text)}
		}
	}
	if raw.TransferTo != "" && ev.Actions == nil {
		ev.Actions = &domain.ControlActions{TransferTo: raw.TransferTo}
	}
	return ev, nil
}
