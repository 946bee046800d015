package postgres

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

type migration struct {
	version string
	sql     string
}

//nolint:gochecknoglobals // ordered schema history
var migrations = []migration{
	{
		version: "001_messages",
		sql: `CREATE TABLE IF NOT EXISTS messages (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			invocation_id TEXT NOT NULL,
			author        TEXT NOT NULL,
			kind          TEXT NOT NULL,
			text          TEXT NOT NULL,
			sealed        BOOLEAN NOT NULL DEFAULT FALSE,
			warning       TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_session_created_idx ON messages (session_id, created_at, id);`,
	},
}

// Migrate applies pending schema migrations in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("postgres.Store.Migrate: create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err = s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("postgres.Store.Migrate: check %s: %w", m.version, err)
		}
		if applied {
			continue
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres.Store.Migrate: begin %s: %w", m.version, err)
		}
		if _, err = tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres.Store.Migrate: apply %s: %w", m.version, err)
		}
		if _, err = tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres.Store.Migrate: record %s: %w", m.version, err)
		}
		if err = tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres.Store.Migrate: commit %s: %w", m.version, err)
		}
		log.Info().Str("version", m.version).Msg("postgres.Store.Migrate: applied")
	}
	return nil
}
