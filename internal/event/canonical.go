package event

import (
	"encoding/json"
	"fmt"

	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/sse"
)

// CanonicalName is the registry name of the canonical strategy.
const CanonicalName = "canonical"

type canonicalFunctionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type canonicalFunctionResponse struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type canonicalPart struct {
	Text                *string                    `json:"text"`
	Thought             bool                       `json:"thought"`
	FunctionCall        *canonicalFunctionCall     `json:"functionCall"`
	FunctionCallAlt     *canonicalFunctionCall     `json:"function_call"`
	FunctionResponse    *canonicalFunctionResponse `json:"functionResponse"`
	FunctionResponseAlt *canonicalFunctionResponse `json:"function_response"`
}

type canonicalActions struct {
	TransferToAgent   string `json:"transferToAgent"`
	TransferAlt       string `json:"transfer_to_agent"`
	SkipSummarization bool   `json:"skipSummarization"`
	Escalate          bool   `json:"escalate"`
}

type canonicalEvent struct {
	ID           string          `json:"id"`
	Author       string          `json:"author"`
	InvocationID string          `json:"invocationId"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Content      *struct {
		Parts []canonicalPart `json:"parts"`
	} `json:"content"`
	Actions       *canonicalActions     `json:"actions"`
	Partial       bool                  `json:"partial"`
	TurnComplete  bool                  `json:"turnComplete"`
	UsageMetadata *domain.UsageMetadata `json:"usageMetadata"`
	ErrorCode     string                `json:"errorCode"`
	ErrorMessage  string                `json:"errorMessage"`
}

// Canonical decodes the structured event format: author, invocationId,
// content.parts with text/thought/functionCall/functionResponse entries,
// actions, partial, turnComplete and usageMetadata.
type Canonical struct{}

var _ Strategy = Canonical{}

func (Canonical) Name() string { return CanonicalName }

func (Canonical) Decode(f sse.Frame) (domain.AgentEvent, error) {
	if err := requireObject(f.Data); err != nil {
		return domain.AgentEvent{}, err
	}
	if ev, ok := decodeErrorFrame(f.Data); ok {
		ev.ID = f.ID
		return ev, nil
	}

	var raw canonicalEvent
	if err := json.Unmarshal(f.Data, &raw); err != nil {
		return domain.AgentEvent{}, fmt.Errorf("event.Canonical.Decode: %w", err)
	}

	ev := domain.AgentEvent{
		ID:           raw.ID,
		Author:       raw.Author,
		InvocationID: raw.InvocationID,
		Timestamp:    parseTimestamp(raw.Timestamp),
		Partial:      raw.Partial,
		TurnComplete: raw.TurnComplete,
		Usage:        raw.UsageMetadata,
	}
	if ev.ID == "" {
		ev.ID = f.ID
	}
	if raw.Content != nil {
		ev.Parts = make([]domain.Part, 0, len(raw.Content.Parts))
		for i := range raw.Content.Parts {
			if p, ok := canonicalToPart(&raw.Content.Parts[i]); ok {
				ev.Parts = append(ev.Parts, p)
			}
		}
	}
	if a := raw.Actions; a != nil {
		target := a.TransferToAgent
		if target == "" {
			target = a.TransferAlt
		}
		if target != "" || a.SkipSummarization || a.Escalate {
			ev.Actions = &domain.ControlActions{
				TransferTo:        target,
				SkipSummarization: a.SkipSummarization,
				Escalate:          a.Escalate,
			}
		}
	}
	if raw.ErrorCode != "" || raw.ErrorMessage != "" {
		ev.Error = &domain.UpstreamError{Code: raw.ErrorCode, Message: raw.ErrorMessage}
	}
	return ev, nil
}

func canonicalToPart(p *canonicalPart) (domain.Part, bool) {
	call := p.FunctionCall
	if call == nil {
		call = p.FunctionCallAlt
	}
	resp := p.FunctionResponse
	if resp == nil {
		resp = p.FunctionResponseAlt
	}

	switch {
	case resp != nil:
		return domain.Part{
			Kind: domain.PartFunctionResult,
			Result: &domain.FunctionResult{
				ID:       resp.ID,
				Name:     resp.Name,
				Response: resp.Response,
				Text:     extractResultText(resp.Response),
			},
		}, true
	case call != nil:
		return domain.Part{
			Kind: domain.PartFunctionCall,
			Call: &domain.FunctionCall{ID: call.ID, Name: call.Name, Args: call.Args},
		}, true
	case p.Text != nil && p.Thought:
		return domain.ThoughtPart(*p.Text), true
	case p.Text != nil:
		return domain.TextPart(*p.Text), true
	default:
		return domain.Part{}, false
	}
}
