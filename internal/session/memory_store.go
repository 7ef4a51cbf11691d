package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demos and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	events   map[string][]*Event
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		events:   make(map[string][]*Event),
	}
}

// SaveSession upserts a session.
func (s *MemoryStore) SaveSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneSession(sess)
	s.sessions[sess.ID] = cp
	return nil
}

// GetSession returns a session by ID.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

// UpdateSession replaces a stored session.
func (s *MemoryStore) UpdateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// ListActive returns active sessions, most recently active first.
func (s *MemoryStore) ListActive(_ context.Context, limit int) ([]*Session, error) {
	return s.list(limit, func(sess *Session) bool {
		return sess.Status == StatusActive
	})
}

// ListSuspicious returns active sessions at or above the given risk score.
func (s *MemoryStore) ListSuspicious(_ context.Context, minScore float64, limit int) ([]*Session, error) {
	return s.list(limit, func(sess *Session) bool {
		return sess.Status == StatusActive && sess.RiskScore >= minScore
	})
}

// ListStale returns active sessions idle since before the cutoff.
func (s *MemoryStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	return s.list(limit, func(sess *Session) bool {
		return sess.Status == StatusActive && sess.LastActivityAt.Before(cutoff)
	})
}

func (s *MemoryStore) list(limit int, keep func(*Session) bool) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	result := make([]*Session, 0, limit)
	for _, sess := range s.sessions {
		if !keep(sess) {
			continue
		}
		result = append(result, cloneSession(sess))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// AppendEvent appends a session audit event.
func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events[event.SessionID] = append(s.events[event.SessionID], &cp)
	return nil
}

// ListEvents returns a session's events, oldest first.
func (s *MemoryStore) ListEvents(_ context.Context, sessionID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	events := s.events[sessionID]
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	result := make([]*Event, 0, len(events))
	for _, e := range events {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func cloneSession(sess *Session) *Session {
	cp := *sess
	cp.Beneficiaries = append([]string(nil), sess.Beneficiaries...)
	if sess.TerminatedAt != nil {
		t := *sess.TerminatedAt
		cp.TerminatedAt = &t
	}
	return &cp
}
