// Package session holds the identity of the signed in user.
package session

import "sync"

// Provider exposes the current credentials to the messaging client.
type Provider interface {
	// CurrentToken returns the bearer token, or false when nobody is signed in.
	CurrentToken() (string, bool)
	// CurrentIdentity returns the username, or false when nobody is signed in.
	CurrentIdentity() (string, bool)
}

// Session is one signed in user.
type Session struct {
	Username string
	Token    string
}

// Store keeps at most one session. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	current *Session
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Create replaces the current session.
func (s *Store) Create(username, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &Session{Username: username, Token: token}
}

// Clear signs the user out.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}

// Current returns a copy of the current session.
func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// IsAuthenticated reports whether a session with a token exists.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil && s.current.Token != ""
}

func (s *Store) CurrentToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.Token == "" {
		return "", false
	}
	return s.current.Token, true
}

func (s *Store) CurrentIdentity() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.Token == "" || s.current.Username == "" {
		return "", false
	}
	return s.current.Username, true
}

var _ Provider = (*Store)(nil)
