package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionCookieName is the cookie carrying the opaque web-UI session token.
const SessionCookieName = "mcpgate_session"

// defaultSessionTTL bounds how long a web-UI session lives without reissue.
const defaultSessionTTL = 8 * time.Hour

// SessionStore resolves opaque session cookies minted for the web UI. It
// stores identities, not principals: access is recomputed against the live
// scope mapping on every request.
type SessionStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]sessionEntry
}

type sessionEntry struct {
	identity *Identity
	expires  time.Time
}

// NewSessionStore creates a session store. A non-positive ttl selects the
// default of 8 hours.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionStore{ttl: ttl, sessions: map[string]sessionEntry{}}
}

// Create mints a new opaque session token for the identity.
func (s *SessionStore) Create(identity *Identity) string {
	token := uuid.NewString()
	entry := sessionEntry{
		identity: identity,
		expires:  time.Now().Add(s.ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.sessions[token] = entry
	return token
}

// Get resolves a session token. Expired sessions return ErrSessionExpired.
func (s *SessionStore) Get(token string) (*Identity, error) {
	s.mu.RLock()
	entry, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, ErrSessionExpired
	}

	identity := *entry.identity
	identity.Method = MethodSession
	identity.Provider = "session"
	identity.ExpiresAt = entry.expires
	return &identity, nil
}

// Delete drops a session (logout).
func (s *SessionStore) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// prune removes expired sessions. Caller must hold s.mu.
func (s *SessionStore) prune() {
	now := time.Now()
	for token, entry := range s.sessions {
		if now.After(entry.expires) {
			delete(s.sessions, token)
		}
	}
}
