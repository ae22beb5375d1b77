package services

import (
	"sync"

	"roomcast/internal/core/domain"
)

// SessionStore holds the per-connection sessions. It is shared between
// the signaling and recording services; all session mutation happens
// under its lock via With.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[domain.ConnectionID]*domain.PeerSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[domain.ConnectionID]*domain.PeerSession)}
}

// Create registers a fresh session for a newly accepted connection.
func (s *SessionStore) Create(connID domain.ConnectionID) *domain.PeerSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := &domain.PeerSession{ConnID: connID}
	s.sessions[connID] = session
	return session
}

// With runs fn with the session under the store lock. Returns
// ErrSessionNotFound for unknown connections, so callbacks racing a
// disconnect fail closed.
func (s *SessionStore) With(connID domain.ConnectionID, fn func(*domain.PeerSession) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[connID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	return fn(session)
}

// Exists reports whether the connection is still registered.
func (s *SessionStore) Exists(connID domain.ConnectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sessions[connID]
	return ok
}

// Delete removes the session. The caller is responsible for having
// released the session's resources first.
func (s *SessionStore) Delete(connID domain.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, connID)
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}
