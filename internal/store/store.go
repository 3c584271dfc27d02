// Package store persists the relay's own session log: one row per session
// plus transcript lines and tool-call records. Downstream inspection tables
// are owned by other services and are out of scope here.
package store

import (
	"context"
	"time"
)

// SessionRecord is one relay session as persisted.
type SessionRecord struct {
	ID        string
	Model     string
	Voice     string
	StartedAt time.Time
	EndedAt   *time.Time
	State     string
}

// Store records relay session activity. Implementations must be safe for
// concurrent use; all methods are best-effort from the relay's point of view
// and must never block a pump loop beyond their context deadline.
type Store interface {
	CreateSession(ctx context.Context, id, model, voice string) error
	AppendTranscript(ctx context.Context, sessionID, role, text string) error
	RecordToolCall(ctx context.Context, sessionID, callID, name string, args, result []byte, truncated bool) error
	CloseSession(ctx context.Context, sessionID, state string) error
}

// NopStore discards everything. Used when no database is configured.
type NopStore struct{}

// Compile-time interface check.
var _ Store = NopStore{}

func (NopStore) CreateSession(context.Context, string, string, string) error { return nil }
func (NopStore) AppendTranscript(context.Context, string, string, string) error {
	return nil
}
func (NopStore) RecordToolCall(context.Context, string, string, string, []byte, []byte, bool) error {
	return nil
}
func (NopStore) CloseSession(context.Context, string, string) error { return nil }
