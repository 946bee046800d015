package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/airstream/internal/domain"
)

// MessageRepo stores sealed messages. IDs are deterministic, so Upsert
// replays are idempotent.
type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func (r *MessageRepo) Upsert(ctx context.Context, msg *domain.Message) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, invocation_id, author, kind, text, sealed, warning, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   text = EXCLUDED.text,
		   kind = EXCLUDED.kind,
		   sealed = EXCLUDED.sealed,
		   warning = EXCLUDED.warning,
		   updated_at = EXCLUDED.updated_at
		 WHERE NOT messages.sealed`,
		msg.ID, msg.SessionID, msg.InvocationID, msg.Author, msg.Kind, msg.Text,
		msg.Sealed, msg.Warning, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("messageRepo.Upsert: %w", err)
	}

	return nil
}

func (r *MessageRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, invocation_id, author, kind, text, sealed, warning, created_at, updated_at
		 FROM messages WHERE session_id = $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2 OFFSET $3`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.ListBySession: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		var m domain.Message

		err = rows.Scan(&m.ID, &m.SessionID, &m.InvocationID, &m.Author, &m.Kind, &m.Text,
			&m.Sealed, &m.Warning, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("messageRepo.ListBySession: scan: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("messageRepo.ListBySession: rows: %w", err)
	}

	return msgs, nil
}

func (r *MessageRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = $1`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("messageRepo.CountBySession: %w", err)
	}

	return count, nil
}
