package domain

import "context"

// MessageRepository durably stores sealed messages. Upsert is keyed by
// Message.ID, which is deterministic, so repeated writes are idempotent.
type MessageRepository interface {
	Upsert(ctx context.Context, msg *Message) error
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*Message, error)
	CountBySession(ctx context.Context, sessionID string) (int64, error)
}
