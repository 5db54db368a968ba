package session

import (
	"errors"
	"sync"
	"time"
)

// Manager errors.
var (
	// ErrNotFound indicates no session exists for the given sid.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyUsed indicates the session's authorization code has already
	// been exchanged; callback replays land here.
	ErrAlreadyUsed = errors.New("session already used")
)

// Manager is the in-process session table. All mutation goes through its
// methods so that callback finalization is atomic with respect to tool
// handlers reading the session: a reader sees either not-ready or the full
// (token, expiry, obligations) snapshot.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewManager returns an empty session table.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// SetClock overrides the manager's clock. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Add inserts a new session.
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.sessions[s.SID] = s
}

// Snapshot returns a copy of the session with the given sid.
// The copy is safe to read without holding the manager's lock.
func (m *Manager) Snapshot(sid string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sid]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// Finalize stores the exchanged tokens on the session and marks it ready.
// The PKCE verifier is erased; the used flag blocks replays. Fails when the
// session is unknown or already used.
func (m *Manager) Finalize(sid, accessToken, refreshToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sid]
	if !ok {
		return ErrNotFound
	}
	if s.Used {
		return ErrAlreadyUsed
	}

	s.AccessToken = accessToken
	s.RefreshToken = refreshToken
	s.ExpiresAt = expiresAt
	s.PKCE.Verifier = ""
	s.Used = true
	s.ObtainedAt = m.now()
	return nil
}

// SelectByScope returns a copy of the ready session authorized for the
// given scope, preferring the most recently obtained token. Ties on
// ObtainedAt break by sid byte order so selection is deterministic within a
// process.
func (m *Manager) SelectByScope(scope string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var best *Session
	for _, s := range m.sessions {
		if !s.Ready(now) || !s.HasScope(scope) {
			continue
		}
		if best == nil ||
			s.ObtainedAt.After(best.ObtainedAt) ||
			(s.ObtainedAt.Equal(best.ObtainedAt) && s.SID < best.SID) {
			best = s
		}
	}
	if best == nil {
		return Session{}, false
	}
	return *best, true
}

// AnyReady reports whether a ready session exists, optionally filtered by
// scope (empty scope matches any).
func (m *Manager) AnyReady(scope string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	for _, s := range m.sessions {
		if s.Ready(now) && (scope == "" || s.HasScope(scope)) {
			return true
		}
	}
	return false
}

// ClearToken revokes the session's access token locally, forcing re-auth.
// Used on obligation TTL expiry and on upstream 401/403.
func (m *Manager) ClearToken(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sid]; ok {
		s.AccessToken = ""
		s.RefreshToken = ""
		s.ExpiresAt = time.Time{}
	}
}

// Reset removes all sessions. Dev-only; backs /debug/session/reset.
func (m *Manager) Reset() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sessions)
	m.sessions = make(map[string]*Session)
	return n
}

// Len returns the number of sessions in the table.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
