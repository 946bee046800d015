package v1_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/airstream/internal/agent"
	v1 "github.com/gosuda/airstream/internal/api/v1"
	"github.com/gosuda/airstream/internal/domain"
)

// ---------------------------------------------------------------------------
// Mock TurnRunner
// ---------------------------------------------------------------------------

var _ v1.TurnRunner = (*mockRunner)(nil)

type mockRunner struct {
	startTurnFunc func(ctx context.Context, in agent.TurnInput) (*agent.Turn, error)
	cancelFunc    func(ctx context.Context, sessionID string) error
	statusFunc    func(sessionID string) (agent.SessionStatus, error)
}

func (m *mockRunner) StartTurn(ctx context.Context, in agent.TurnInput) (*agent.Turn, error) {
	return m.startTurnFunc(ctx, in)
}

func (m *mockRunner) Cancel(ctx context.Context, sessionID string) error {
	return m.cancelFunc(ctx, sessionID)
}

func (m *mockRunner) Status(sessionID string) (agent.SessionStatus, error) {
	if m.statusFunc == nil {
		return agent.SessionStatus{}, domain.ErrNotFound
	}
	return m.statusFunc(sessionID)
}

// ---------------------------------------------------------------------------
// Mock SessionStore
// ---------------------------------------------------------------------------

var _ v1.SessionStore = (*mockStore)(nil)

type mockStore struct {
	getFunc      func(sessionID string) (*domain.Session, error)
	eventsFunc   func(sessionID string, limit int) ([]domain.AgentEvent, error)
	exportFunc   func(sessionID string) (*domain.SessionSnapshot, error)
	sessionsFunc func() []string
	capacity     int
}

func (m *mockStore) Get(sessionID string) (*domain.Session, error) { return m.getFunc(sessionID) }

func (m *mockStore) Events(sessionID string, limit int) ([]domain.AgentEvent, error) {
	return m.eventsFunc(sessionID, limit)
}

func (m *mockStore) Export(sessionID string) (*domain.SessionSnapshot, error) {
	return m.exportFunc(sessionID)
}

func (m *mockStore) Sessions() []string { return m.sessionsFunc() }

func (m *mockStore) Capacity() int {
	if m.capacity == 0 {
		return 1000
	}
	return m.capacity
}

// ---------------------------------------------------------------------------
// Mock MessageRepository
// ---------------------------------------------------------------------------

var _ domain.MessageRepository = (*mockMessageRepo)(nil)

type mockMessageRepo struct {
	upsertFunc         func(ctx context.Context, msg *domain.Message) error
	listBySessionFunc  func(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error)
	countBySessionFunc func(ctx context.Context, sessionID string) (int64, error)
}

func (m *mockMessageRepo) Upsert(ctx context.Context, msg *domain.Message) error {
	return m.upsertFunc(ctx, msg)
}

func (m *mockMessageRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error) {
	return m.listBySessionFunc(ctx, sessionID, limit, offset)
}

func (m *mockMessageRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	return m.countBySessionFunc(ctx, sessionID)
}

// parseErrorBody decodes the RFC 9457 problem detail from the response body.
func parseErrorBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}
