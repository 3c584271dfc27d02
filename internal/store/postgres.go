package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the relay session log. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS relay_sessions (
    id         TEXT PRIMARY KEY,
    model      TEXT NOT NULL,
    voice      TEXT NOT NULL,
    state      TEXT NOT NULL DEFAULT 'active',
    started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at   TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS relay_transcripts (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES relay_sessions(id),
    role       TEXT NOT NULL,
    text       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS relay_tool_calls (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES relay_sessions(id),
    call_id    TEXT NOT NULL,
    name       TEXT NOT NULL,
    args       JSONB NOT NULL DEFAULT '{}',
    result     JSONB NOT NULL DEFAULT '{}',
    truncated  BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_relay_transcripts_session ON relay_transcripts(session_id);
CREATE INDEX IF NOT EXISTS idx_relay_tool_calls_session ON relay_tool_calls(session_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] over the given connection or
// pool. Call [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// CreateSession inserts the session row at relay start.
func (s *PostgresStore) CreateSession(ctx context.Context, id, model, voice string) error {
	const query = `INSERT INTO relay_sessions (id, model, voice) VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, query, id, model, voice); err != nil {
		return fmt.Errorf("store: create session %q: %w", id, err)
	}
	return nil
}

// AppendTranscript records one transcript line.
func (s *PostgresStore) AppendTranscript(ctx context.Context, sessionID, role, text string) error {
	const query = `INSERT INTO relay_transcripts (session_id, role, text) VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, query, sessionID, role, text); err != nil {
		return fmt.Errorf("store: append transcript: %w", err)
	}
	return nil
}

// RecordToolCall records one dispatched tool call with its bounded result.
func (s *PostgresStore) RecordToolCall(ctx context.Context, sessionID, callID, name string, args, result []byte, truncated bool) error {
	const query = `
		INSERT INTO relay_tool_calls (session_id, call_id, name, args, result, truncated)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.Exec(ctx, query, sessionID, callID, name, emptyJSON(args), emptyJSON(result), truncated); err != nil {
		return fmt.Errorf("store: record tool call: %w", err)
	}
	return nil
}

// CloseSession stamps the terminal state and end time.
func (s *PostgresStore) CloseSession(ctx context.Context, sessionID, state string) error {
	const query = `UPDATE relay_sessions SET state = $2, ended_at = now() WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, sessionID, state); err != nil {
		return fmt.Errorf("store: close session %q: %w", sessionID, err)
	}
	return nil
}

// Session fetches one session row. It returns (nil, nil) when no session
// with the given ID exists.
func (s *PostgresStore) Session(ctx context.Context, id string) (*SessionRecord, error) {
	const query = `
		SELECT id, model, voice, state, started_at, ended_at
		FROM relay_sessions WHERE id = $1`

	var rec SessionRecord
	err := s.db.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.Model, &rec.Voice, &rec.State, &rec.StartedAt, &rec.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: session %q: %w", id, err)
	}
	return &rec, nil
}

// emptyJSON returns b if non-empty, otherwise an empty JSON object. This
// keeps the JSONB columns non-null.
func emptyJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}
