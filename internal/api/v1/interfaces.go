package v1

import (
	"context"

	"github.com/gosuda/airstream/internal/agent"
	"github.com/gosuda/airstream/internal/domain"
)

// TurnRunner abstracts the streaming pipeline for handler testing.
// *agent.Orchestrator satisfies this interface.
type TurnRunner interface {
	StartTurn(ctx context.Context, in agent.TurnInput) (*agent.Turn, error)
	Cancel(ctx context.Context, sessionID string) error
	Status(sessionID string) (agent.SessionStatus, error)
}

// SessionStore abstracts the session event store for handler testing.
// *memory.Store satisfies this interface.
type SessionStore interface {
	Get(sessionID string) (*domain.Session, error)
	Events(sessionID string, limit int) ([]domain.AgentEvent, error)
	Export(sessionID string) (*domain.SessionSnapshot, error)
	Sessions() []string
	Capacity() int
}
