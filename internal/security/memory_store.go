package security

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demos and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*ThreatEvent
	byID   map[string]*ThreatEvent
	blocks []*BlockRecord
	audit  []*AuditEntry

	// maxEvents bounds the event ring; oldest entries fall off.
	maxEvents int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(maxEvents int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	return &MemoryStore{
		byID:      make(map[string]*ThreatEvent),
		maxEvents: maxEvents,
	}
}

// SaveEvent appends an event, evicting the oldest past capacity.
func (s *MemoryStore) SaveEvent(_ context.Context, event *ThreatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	s.byID[event.ID] = event
	if len(s.events) > s.maxEvents {
		evicted := s.events[0]
		s.events = s.events[1:]
		delete(s.byID, evicted.ID)
	}
	return nil
}

// GetEvent returns an event by ID.
func (s *MemoryStore) GetEvent(_ context.Context, id string) (*ThreatEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.byID[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *event
	return &cp, nil
}

// ListEvents returns matching events, newest first.
func (s *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]*ThreatEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	result := make([]*ThreatEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.events[i]
		if !matches(e, filter) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func matches(e *ThreatEvent, f EventFilter) bool {
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if e.Level < f.MinLevel {
		return false
	}
	if f.PendingReview && (!e.RequiresReview || e.Reviewed) {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Before.IsZero() && !e.CreatedAt.Before(f.Before) {
		return false
	}
	return true
}

// UpdateEvent replaces a stored event.
func (s *MemoryStore) UpdateEvent(_ context.Context, event *ThreatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[event.ID]
	if !ok {
		return ErrEventNotFound
	}
	*stored = *event
	return nil
}

// ClearReviewQueue marks all pending events reviewed.
func (s *MemoryStore) ClearReviewQueue(_ context.Context, actor string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.events {
		if e.RequiresReview && !e.Reviewed {
			e.Reviewed = true
			e.ReviewedBy = actor
			n++
		}
	}
	return n, nil
}

// SaveBlock records a block, deactivating any previous active block for the
// source.
func (s *MemoryStore) SaveBlock(_ context.Context, block *BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.blocks {
		if b.Source == block.Source && b.Active {
			b.Active = false
		}
	}
	s.blocks = append(s.blocks, block)
	return nil
}

// GetActiveBlock returns the active block for a source, if any.
func (s *MemoryStore) GetActiveBlock(_ context.Context, source string) (*BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.blocks) - 1; i >= 0; i-- {
		if s.blocks[i].Source == source && s.blocks[i].Active {
			cp := *s.blocks[i]
			return &cp, nil
		}
	}
	return nil, ErrBlockNotFound
}

// ListBlocks returns blocks, newest first.
func (s *MemoryStore) ListBlocks(_ context.Context, activeOnly bool) ([]*BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*BlockRecord, 0, len(s.blocks))
	for i := len(s.blocks) - 1; i >= 0; i-- {
		b := s.blocks[i]
		if activeOnly && !b.Active {
			continue
		}
		cp := *b
		result = append(result, &cp)
	}
	return result, nil
}

// Unblock deactivates the active block for a source.
func (s *MemoryStore) Unblock(_ context.Context, source, actor string) (*BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.blocks) - 1; i >= 0; i-- {
		b := s.blocks[i]
		if b.Source == source && b.Active {
			now := time.Now()
			b.Active = false
			b.UnblockedAt = &now
			b.UnblockedBy = actor
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrBlockNotFound
}

// AppendAudit appends an audit entry.
func (s *MemoryStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// ListAudit returns the most recent audit entries, newest first.
func (s *MemoryStore) ListAudit(_ context.Context, limit int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	result := make([]*AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *s.audit[i]
		result = append(result, &cp)
	}
	return result, nil
}
