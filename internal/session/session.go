// Package session holds the rider's bearer token and the process-wide "session expired"
// guard.
package session

import "sync"

// Session is safe for concurrent use. The expired flag is set by the first 401 of a burst
// and only cleared by Login.
type Session struct {
	mu       sync.Mutex
	token    string
	expired  bool
	onExpire func()
}

// New returns a logged-out session. onExpire runs once per expiry burst, after the token
// has been cleared; it is where the caller performs logout and shows the notice.
func New(onExpire func()) *Session {
	return &Session{onExpire: onExpire}
}

// Login stores token and re-arms the expiry guard.
func (s *Session) Login(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expired = false
}

// Logout clears the token without touching the guard.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

// Expire handles a 401. The first call after Login clears the token, fires the callback and
// returns true; every later call until the next Login is a no-op returning false.
func (s *Session) Expire() bool {
	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return false
	}
	s.expired = true
	s.token = ""
	cb := s.onExpire
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
	return true
}
