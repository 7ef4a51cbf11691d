package session

import (
	"context"
	"time"
)

// Store persists sessions and their audit events.
type Store interface {
	SaveSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, sess *Session) error
	ListActive(ctx context.Context, limit int) ([]*Session, error)
	// ListSuspicious returns active sessions at or above the given risk score.
	ListSuspicious(ctx context.Context, minScore float64, limit int) ([]*Session, error)
	// ListStale returns active sessions idle since before the cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)

	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, sessionID string, limit int) ([]*Event, error)
}
