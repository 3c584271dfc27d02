package server

import (
	"sync"
	"time"

	"github.com/inspexhq/inspex/internal/relay"
)

// SessionInfo holds metadata about an active relay session.
type SessionInfo struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`

	// State is the session lifecycle phase at the time of the snapshot.
	State string `json:"state"`

	// StartedAt is when the client websocket was accepted.
	StartedAt time.Time `json:"started_at"`
}

// SessionManager tracks the relay sessions currently running in this
// process. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*tracked
}

type tracked struct {
	session   *relay.Session
	startedAt time.Time
}

// NewSessionManager creates an empty SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*tracked)}
}

// Add registers a session. The caller must Remove it when Run returns.
func (m *SessionManager) Add(s *relay.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = &tracked{session: s, startedAt: time.Now().UTC()}
}

// Remove drops a session from tracking. Unknown IDs are ignored.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Count returns the number of sessions currently tracked.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll tears down every tracked session. Run loops unwind and remove
// themselves; this only unblocks them.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	tracked := make([]*relay.Session, 0, len(m.sessions))
	for _, t := range m.sessions {
		tracked = append(tracked, t.session)
	}
	m.mu.Unlock()

	for _, s := range tracked {
		s.Close()
	}
}

// Snapshot returns metadata for every tracked session.
func (m *SessionManager) Snapshot() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for id, t := range m.sessions {
		infos = append(infos, SessionInfo{
			ID:        id,
			State:     t.session.State().String(),
			StartedAt: t.startedAt,
		})
	}
	return infos
}
