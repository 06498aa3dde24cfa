package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// schemaSQL bootstraps the conversations table. Applied at startup via Init;
// idempotent on an existing database. The (sandbox_id IS NULL) =
// (agent_server_url IS NULL) check enforces that the two are set together.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	created_by_user_id TEXT,
	status TEXT NOT NULL CHECK (status IN ('CREATING', 'READY', 'STOPPED', 'ERROR')),
	sandbox_id TEXT,
	agent_server_url TEXT,
	request JSONB NOT NULL,
	parent_conversation_id TEXT,
	error_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK ((sandbox_id IS NULL) = (agent_server_url IS NULL))
);

CREATE INDEX IF NOT EXISTS conversations_parent_idx
	ON conversations (parent_conversation_id)
	WHERE parent_conversation_id IS NOT NULL;
`

// Init applies the schema. Safe to call on every startup.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
