package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/airstream/internal/agent"
	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/server/middleware"
)

type SessionPath struct {
	ID string `path:"id" minLength:"1" maxLength:"200" doc:"Session ID"`
}

type StartTurnInput struct {
	SessionPath
	Body struct {
		Text   string `json:"text" doc:"User message"`
		UserID string `json:"userId,omitempty" maxLength:"200" doc:"User ID forwarded to the agent runtime; replaced by the token subject when authenticated"`
	}
}

type TurnAccepted struct {
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
}

type StartTurnOutput struct {
	Body TurnAccepted
}

type CancelSessionOutput struct {
	Body struct {
		SessionID string `json:"sessionId"`
		Cancelled bool   `json:"cancelled"`
	}
}

type SessionSummary struct {
	ID               string               `json:"id"`
	LastInvocationID string               `json:"lastInvocationId,omitempty"`
	Completed        bool                 `json:"completed"`
	EventCount       int                  `json:"eventCount"`
	Evicted          uint64               `json:"evicted"`
	MessageCount     int                  `json:"messageCount"`
	Pipeline         *agent.SessionStatus `json:"pipeline,omitempty"`
}

type GetSessionOutput struct {
	Body SessionSummary
}

type ListSessionsOutput struct {
	Body []string
}

type ListMessagesInput struct {
	SessionPath
	Limit  int `query:"limit" minimum:"1" maximum:"500" default:"100" doc:"Max results"`
	Offset int `query:"offset" minimum:"0" default:"0" doc:"Offset for pagination"`
}

type MessagePage struct {
	Messages []*domain.Message `json:"messages"`
	Total    int64             `json:"total"`
}

type ListMessagesOutput struct {
	Body MessagePage
}

type ListEventsInput struct {
	SessionPath
	Limit int `query:"limit" minimum:"1" default:"100" doc:"Newest events to return, oldest first"`
}

type ListEventsOutput struct {
	Body []domain.AgentEvent
}

type ExportSessionOutput struct {
	Body *domain.SessionSnapshot
}

// RegisterSessionRoutes mounts the session endpoints. messages may be nil,
// in which case message listings are derived from the event store.
func RegisterSessionRoutes(api huma.API, runner TurnRunner, store SessionStore, messages domain.MessageRepository) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-turn",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/turns",
		Summary:       "Send a message and stream the agent's reply in the background",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *StartTurnInput) (*StartTurnOutput, error) {
		userID := input.Body.UserID
		if sub, ok := middleware.SubjectFromContext(ctx); ok {
			userID = sub
		}

		turn, err := runner.StartTurn(ctx, agent.TurnInput{
			SessionID: input.ID,
			UserID:    userID,
			Text:      input.Body.Text,
		})
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrRejectedInput):
				return nil, huma.Error400BadRequest("message rejected: " + err.Error())
			case errors.Is(err, domain.ErrConflict):
				return nil, huma.Error409Conflict("a turn is already in progress for this session")
			case errors.Is(err, agent.ErrShutdown):
				return nil, huma.Error503ServiceUnavailable("server is shutting down")
			}
			return nil, huma.Error500InternalServerError("failed to start turn", err)
		}

		out := &StartTurnOutput{}
		out.Body = TurnAccepted{SessionID: turn.SessionID, TurnID: turn.ID}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/cancel",
		Summary:     "Cancel a session's stream; repeated calls succeed",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionPath) (*CancelSessionOutput, error) {
		if err := runner.Cancel(ctx, input.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to cancel session", err)
		}

		out := &CancelSessionOutput{}
		out.Body.SessionID = input.ID
		out.Body.Cancelled = true
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions held by the event store",
		Tags:        []string{"Sessions"},
	}, func(_ context.Context, _ *struct{}) (*ListSessionsOutput, error) {
		ids := store.Sessions()
		if ids == nil {
			ids = []string{}
		}
		return &ListSessionsOutput{Body: ids}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session summary",
		Tags:        []string{"Sessions"},
	}, func(_ context.Context, input *SessionPath) (*GetSessionOutput, error) {
		sess, err := store.Get(input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to get session", err)
		}

		summary := SessionSummary{
			ID:               sess.ID,
			LastInvocationID: sess.LastInvocationID,
			Completed:        sess.Completed,
			EventCount:       sess.EventCount,
			Evicted:          sess.Evicted,
			MessageCount:     len(sess.Messages),
		}
		if st, err := runner.Status(input.ID); err == nil {
			summary.Pipeline = &st
		}
		return &GetSessionOutput{Body: summary}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-messages",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/messages",
		Summary:     "List the visible messages of a session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ListMessagesInput) (*ListMessagesOutput, error) {
		if messages != nil {
			msgs, err := messages.ListBySession(ctx, input.ID, input.Limit, input.Offset)
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to list messages", err)
			}
			total, err := messages.CountBySession(ctx, input.ID)
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to count messages", err)
			}
			if msgs == nil {
				msgs = []*domain.Message{}
			}
			return &ListMessagesOutput{Body: MessagePage{Messages: msgs, Total: total}}, nil
		}

		sess, err := store.Get(input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to derive messages", err)
		}

		page := []*domain.Message{}
		for i := input.Offset; i < len(sess.Messages) && len(page) < input.Limit; i++ {
			page = append(page, &sess.Messages[i])
		}
		return &ListMessagesOutput{Body: MessagePage{Messages: page, Total: int64(len(sess.Messages))}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/events",
		Summary:     "Read back the newest raw events of a session",
		Tags:        []string{"Sessions"},
	}, func(_ context.Context, input *ListEventsInput) (*ListEventsOutput, error) {
		limit := min(input.Limit, store.Capacity())
		events, err := store.Events(input.ID, limit)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to read events", err)
		}
		if events == nil {
			events = []domain.AgentEvent{}
		}
		return &ListEventsOutput{Body: events}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/export",
		Summary:     "Export a session snapshot",
		Tags:        []string{"Sessions"},
	}, func(_ context.Context, input *SessionPath) (*ExportSessionOutput, error) {
		snap, err := store.Export(input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to export session", err)
		}
		return &ExportSessionOutput{Body: snap}, nil
	})
}
