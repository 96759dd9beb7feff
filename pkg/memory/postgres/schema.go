// Package postgres provides a PostgreSQL-backed implementation of the Loquora
// session state store: namespaced key/value state in the session_state table
// and the conversation transcript in session_history, with a GIN full-text
// index for history search.
//
// Both tables share a single [pgxpool.Pool]. [Migrate] creates them
// idempotently on startup.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Set(ctx, memory.NamespaceCore, sessionID, memory.KeyClientID, "client-42")
//	state, _ := memory.LoadSnapshot(ctx, store, sessionID, agents)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — namespaced key/value state
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessionState = `
CREATE TABLE IF NOT EXISTS session_state (
    namespace   TEXT         NOT NULL,
    session_id  TEXT         NOT NULL,
    key         TEXT         NOT NULL,
    value       JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (namespace, session_id, key)
);

CREATE INDEX IF NOT EXISTS idx_session_state_session_id
    ON session_state (session_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — conversation history
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessionHistory = `
CREATE TABLE IF NOT EXISTS session_history (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    agent         TEXT         NOT NULL DEFAULT '',
    role          TEXT         NOT NULL,
    text          TEXT         NOT NULL,
    tool_calls    JSONB,
    tool_call_id  TEXT         NOT NULL DEFAULT '',
    timestamp     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_history_session_id
    ON session_history (session_id, id);

CREATE INDEX IF NOT EXISTS idx_session_history_timestamp
    ON session_history (timestamp);

CREATE INDEX IF NOT EXISTS idx_session_history_fts
    ON session_history USING GIN (to_tsvector('english', text));
`

// Migrate creates or ensures all required database tables exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessionState,
		ddlSessionHistory,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
