package server_test

import (
	"testing"

	"github.com/inspexhq/inspex/internal/relay"
	"github.com/inspexhq/inspex/internal/server"
)

func TestSessionManager_AddRemoveCount(t *testing.T) {
	t.Parallel()
	m := server.NewSessionManager()

	if m.Count() != 0 {
		t.Fatalf("Count = %d, want 0", m.Count())
	}

	a := relay.New(nil, fakeConnector{}, relay.WithID("session-a"))
	b := relay.New(nil, fakeConnector{}, relay.WithID("session-b"))
	m.Add(a)
	m.Add(b)

	if m.Count() != 2 {
		t.Fatalf("Count = %d, want 2", m.Count())
	}

	m.Remove("session-a")
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}

	// Removing an unknown ID is a no-op.
	m.Remove("session-a")
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1 after duplicate remove", m.Count())
	}
}

func TestSessionManager_Snapshot(t *testing.T) {
	t.Parallel()
	m := server.NewSessionManager()
	m.Add(relay.New(nil, fakeConnector{}, relay.WithID("session-a")))

	infos := m.Snapshot()
	if len(infos) != 1 {
		t.Fatalf("Snapshot len = %d, want 1", len(infos))
	}
	if infos[0].ID != "session-a" {
		t.Errorf("ID = %q, want session-a", infos[0].ID)
	}
	if infos[0].State != "connecting" {
		t.Errorf("State = %q, want connecting", infos[0].State)
	}
	if infos[0].StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}
}
