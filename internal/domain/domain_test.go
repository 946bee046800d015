package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/airstream/internal/domain"
)

// ---------------------------------------------------------------------------
// 1. Content part classification.
// ---------------------------------------------------------------------------

func TestAgentEvent_PartQueries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		parts       []domain.Part
		wantVisible string
		wantHasText bool
		wantResult  bool
		wantResText string
	}{
		{
			name:        "plain text",
			parts:       []domain.Part{domain.TextPart("hello "), domain.TextPart("world")},
			wantVisible: "hello world",
			wantHasText: true,
		},
		{
			name:        "thought is not visible",
			parts:       []domain.Part{domain.ThoughtPart("thinking"), domain.TextPart("answer")},
			wantVisible: "answer",
			wantHasText: true,
		},
		{
			name:  "only thought",
			parts: []domain.Part{domain.ThoughtPart("thinking")},
		},
		{
			name: "function result with nested text only",
			parts: []domain.Part{{
				Kind:   domain.PartFunctionResult,
				Result: &domain.FunctionResult{Name: "search", Text: "42 results"},
			}},
			wantResult:  true,
			wantResText: "42 results",
		},
		{
			name: "function result alongside text",
			parts: []domain.Part{
				domain.TextPart("done"),
				{Kind: domain.PartFunctionResult, Result: &domain.FunctionResult{Name: "a", Text: "first"}},
				{Kind: domain.PartFunctionResult, Result: &domain.FunctionResult{Name: "b"}},
			},
			wantVisible: "done",
			wantHasText: true,
			wantResult:  true,
			wantResText: "first",
		},
		{
			name:  "function call only",
			parts: []domain.Part{{Kind: domain.PartFunctionCall, Call: &domain.FunctionCall{Name: "search"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev := domain.AgentEvent{Author: "a", Parts: tt.parts}
			assert.Equal(t, tt.wantVisible, ev.VisibleText())
			assert.Equal(t, tt.wantHasText, ev.HasVisibleText())
			assert.Equal(t, tt.wantResult, ev.HasFunctionResult())
			assert.Equal(t, tt.wantResText, ev.ResultText())
		})
	}
}

// ---------------------------------------------------------------------------
// 2. Error and system events.
// ---------------------------------------------------------------------------

func TestAgentEvent_IsError(t *testing.T) {
	t.Parallel()

	assert.True(t, (&domain.AgentEvent{Author: domain.ErrorAuthor}).IsError())
	assert.True(t, (&domain.AgentEvent{Author: "a", Error: &domain.UpstreamError{Message: "x"}}).IsError())
	assert.False(t, (&domain.AgentEvent{Author: "a"}).IsError())
}

func TestUpstreamError_Retryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   bool
	}{
		{0, false},
		{400, false},
		{422, false},
		{500, true},
		{502, true},
		{504, true},
	}

	for _, tt := range tests {
		e := &domain.UpstreamError{Message: "x", StatusCode: tt.status}
		assert.Equal(t, tt.want, e.Retryable(), "status %d", tt.status)
	}
}

func TestUpstreamError_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "upstream error: boom", (&domain.UpstreamError{Message: "boom"}).Error())
	assert.Equal(t, "upstream error SAFETY: blocked", (&domain.UpstreamError{Code: "SAFETY", Message: "blocked"}).Error())
}

func TestNewTerminalEvent(t *testing.T) {
	t.Parallel()

	ev := domain.NewTerminalEvent("inv-1", domain.TerminalIndeterminate, "eof")

	assert.Equal(t, domain.SystemAuthor, ev.Author)
	assert.Equal(t, "inv-1", ev.InvocationID)
	assert.True(t, ev.IsSystem())
	assert.False(t, ev.IsError())
	assert.True(t, ev.Terminal.Seals())
	assert.False(t, ev.Timestamp.IsZero())
}

func TestTerminal_Seals(t *testing.T) {
	t.Parallel()

	var nilMarker *domain.Terminal
	assert.False(t, nilMarker.Seals())
	assert.False(t, (&domain.Terminal{Reason: domain.TerminalSuperseded}).Seals())
	assert.True(t, (&domain.Terminal{Reason: domain.TerminalFailed}).Seals())
	assert.True(t, (&domain.Terminal{Reason: domain.TerminalCancelled}).Seals())
}

// ---------------------------------------------------------------------------
// 3. ConnState.String.
// ---------------------------------------------------------------------------

func TestConnState_String(t *testing.T) {
	t.Parallel()

	tests := map[domain.ConnState]string{
		domain.ConnIdle:       "idle",
		domain.ConnConnecting: "connecting",
		domain.ConnOpen:       "open",
		domain.ConnDraining:   "draining",
		domain.ConnClosed:     "closed",
		domain.ConnState(99):  "unknown",
	}

	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}

// ---------------------------------------------------------------------------
// TurnRequest
// ---------------------------------------------------------------------------

func TestNewTurnRequest(t *testing.T) {
	t.Parallel()

	req := domain.NewTurnRequest("app", "u1", "s1", "hello")

	assert.True(t, req.Streaming)
	assert.Equal(t, "user", req.NewMessage.Role)
	assert.Equal(t, "hello", req.Text())
	require.NoError(t, req.Validate())
}

func TestTurnRequest_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  domain.TurnRequest
	}{
		{name: "missing app", req: domain.NewTurnRequest("", "u", "s", "x")},
		{name: "missing session", req: domain.NewTurnRequest("app", "u", "", "x")},
		{name: "no parts", req: domain.TurnRequest{AppName: "app", SessionID: "s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, tt.req.Validate(), domain.ErrRejectedInput)
		})
	}
}

func TestChannels(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "session:abc", domain.SessionChannel("abc"))
	assert.Equal(t, "status:abc", domain.StatusChannel("abc"))
}
