package rag

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStore keeps bounded per-session conversation memory in process.
// Content never influences the defense pipeline; it only feeds the upstream
// engine's history.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	maxTurns int
	ttl      time.Duration
}

type session struct {
	turns      []Turn
	lastActive time.Time
}

// NewSessionStore creates a store keeping up to maxTurns per session and
// expiring sessions idle past ttl.
func NewSessionStore(maxTurns int, ttl time.Duration) *SessionStore {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionStore{
		sessions: make(map[string]*session),
		maxTurns: maxTurns,
		ttl:      ttl,
	}
}

// Resolve returns the session ID to use, minting one when the client did not
// supply any.
func (s *SessionStore) Resolve(sessionID string) string {
	if sessionID == "" {
		return uuid.New().String()
	}
	return sessionID
}

// History returns a copy of the session's turns.
func (s *SessionStore) History(sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Turn, len(sess.turns))
	copy(out, sess.turns)
	return out
}

// Append records a user/assistant exchange, trimming the oldest turns once
// the session exceeds its bound.
func (s *SessionStore) Append(sessionID, userMessage, reply string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{}
		s.sessions[sessionID] = sess
	}
	sess.turns = append(sess.turns,
		Turn{Role: "user", Content: userMessage},
		Turn{Role: "assistant", Content: reply},
	)
	if len(sess.turns) > s.maxTurns {
		sess.turns = sess.turns[len(sess.turns)-s.maxTurns:]
	}
	sess.lastActive = now
}

// Sweep removes sessions idle past the TTL. Wired into the janitor.
func (s *SessionStore) Sweep() int {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.lastActive.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
