package security

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEventNotFound is returned when a threat event does not exist.
	ErrEventNotFound = errors.New("threat event not found")
	// ErrBlockNotFound is returned when no active block exists for a source.
	ErrBlockNotFound = errors.New("no active block for source")
)

// EventFilter narrows ListEvents results. Zero values mean "any".
type EventFilter struct {
	Source        string
	Type          ThreatType
	MinLevel      ThreatLevel
	PendingReview bool
	Since         time.Time
	// Before restricts results to events created strictly before this
	// instant, for cursor pagination.
	Before time.Time
	Limit  int
}

// Store persists threat events, block records, and the ops audit trail.
type Store interface {
	SaveEvent(ctx context.Context, event *ThreatEvent) error
	GetEvent(ctx context.Context, id string) (*ThreatEvent, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*ThreatEvent, error)
	UpdateEvent(ctx context.Context, event *ThreatEvent) error
	// ClearReviewQueue marks all pending events reviewed and returns the count.
	ClearReviewQueue(ctx context.Context, actor string) (int, error)

	// SaveBlock records a block, deactivating any previous active block for
	// the same source so at most one stays active.
	SaveBlock(ctx context.Context, block *BlockRecord) error
	GetActiveBlock(ctx context.Context, source string) (*BlockRecord, error)
	ListBlocks(ctx context.Context, activeOnly bool) ([]*BlockRecord, error)
	// Unblock deactivates the active block for a source.
	Unblock(ctx context.Context, source, actor string) (*BlockRecord, error)

	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error)
}
