package server

import (
	"sync"
	"time"

	"pagepack/inline"
)

// session is a page captured by an inject, ready to receive messages.
type session struct {
	ID        string
	Doc       *inline.Document
	ExpiresAt time.Time
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]session
	ttl      time.Duration
	clock    func() time.Time
}

func newSessionStore(ttl time.Duration, clock func() time.Time) *sessionStore {
	if clock == nil {
		clock = time.Now
	}
	return &sessionStore{sessions: make(map[string]session), ttl: ttl, clock: clock}
}

func (s *sessionStore) get(id string) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session{}, false
	}
	if !sess.ExpiresAt.IsZero() && s.clock().After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return session{}, false
	}
	return sess, true
}

// put replaces whatever the session held before; injecting twice captures the
// page anew.
func (s *sessionStore) put(id string, doc *inline.Document) session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for k, v := range s.sessions {
		if !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt) {
			delete(s.sessions, k)
		}
	}
	sess := session{ID: id, Doc: doc}
	if s.ttl > 0 {
		sess.ExpiresAt = now.Add(s.ttl)
	}
	s.sessions[id] = sess
	return sess
}

func (s *sessionStore) drop(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
