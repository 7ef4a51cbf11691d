package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/model"
	"github.com/mbd888/sentinel/internal/syncutil"
)

// DefaultCacheTTL is how long sessions are served from cache before
// re-reading the store.
const DefaultCacheTTL = 60 * time.Second

// Tracker manages session lifecycle: creation, transaction recording with
// behavioral scoring, and termination. Reads go through a short-lived cache;
// writes hold a per-session lock that respects context cancellation, so a
// caller on a latency budget can abandon a contended session.
type Tracker struct {
	store    Store
	scorer   *BehavioralScorer
	logger   *slog.Logger
	cacheTTL time.Duration

	cache sync.Map // map[string]*cacheEntry
	locks syncutil.ContextShardedMutex

	now func() time.Time
}

type cacheEntry struct {
	session  *Session
	cachedAt time.Time
}

// NewTracker creates a session tracker.
func NewTracker(store Store, scorer *BehavioralScorer, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		scorer:   scorer,
		logger:   logger,
		cacheTTL: DefaultCacheTTL,
		now:      time.Now,
	}
}

// WithCacheTTL overrides the default cache TTL.
func (t *Tracker) WithCacheTTL(ttl time.Duration) *Tracker {
	t.cacheTTL = ttl
	return t
}

// Create starts a new session for a user.
func (t *Tracker) Create(ctx context.Context, userID, deviceID string) (*Session, error) {
	now := t.now()
	sess := &Session{
		ID:             idgen.WithPrefix("sess_"),
		UserID:         userID,
		DeviceID:       deviceID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
		RiskLevel:      "low",
	}
	if err := t.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	t.cachePut(sess)
	metrics.ActiveSessions.Inc()
	t.appendEvent(ctx, sess.ID, EventStarted, "user "+userID, 0)
	logging.L(ctx).Info("session started", "session", sess.ID, "user", userID)
	return sess, nil
}

// Get returns a session, from cache when fresh.
func (t *Tracker) Get(ctx context.Context, id string) (*Session, error) {
	if v, ok := t.cache.Load(id); ok {
		entry := v.(*cacheEntry)
		if t.now().Sub(entry.cachedAt) < t.cacheTTL {
			return cloneSession(entry.session), nil
		}
		t.cache.Delete(id)
	}

	sess, err := t.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	t.cachePut(sess)
	return sess, nil
}

// RecordTransaction folds a transaction into the session, scores the updated
// behavior, and terminates the session when the score crosses the critical
// floor. Returns the score and the post-update session.
func (t *Tracker) RecordTransaction(ctx context.Context, sessionID string, txn *model.Transaction) (*RiskScore, *Session, error) {
	unlock, err := t.locks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	sess, err := t.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Terminated() {
		return nil, sess, ErrSessionTerminated
	}

	sess.TransactionCount++
	sess.TotalAmount += txn.Amount
	sess.LastActivityAt = t.now()
	if txn.Beneficiary != "" && !sess.HasBeneficiary(txn.Beneficiary) {
		sess.Beneficiaries = append(sess.Beneficiaries, txn.Beneficiary)
	}

	score := t.scorer.Score(sess, txn)
	sess.RiskScore = score.Score
	sess.RiskLevel = score.Level

	if err := t.store.UpdateSession(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("update session: %w", err)
	}
	t.cachePut(sess)
	t.appendEvent(ctx, sess.ID, EventTransaction,
		fmt.Sprintf("txn %s amount %.2f", txn.ID, txn.Amount), score.Score)

	if score.Score >= t.scorer.CriticalFloor() {
		sess, err = t.terminateLocked(ctx, sess, "critical_risk")
		if err != nil {
			t.logger.Warn("failed to auto-terminate session", "session", sessionID, "error", err)
		} else {
			logging.L(ctx).Warn("session auto-terminated at critical risk",
				"session", sessionID, "score", score.Score)
		}
	}

	return &score, sess, nil
}

// Terminate ends a session. Terminating an already-terminated session is a
// no-op and returns the session unchanged.
func (t *Tracker) Terminate(ctx context.Context, id, reason string) (*Session, error) {
	unlock, err := t.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Terminated() {
		return sess, nil
	}
	return t.terminateLocked(ctx, sess, reason)
}

// terminateLocked finishes termination; caller holds the session lock.
func (t *Tracker) terminateLocked(ctx context.Context, sess *Session, reason string) (*Session, error) {
	now := t.now()
	sess.Status = StatusTerminated
	sess.TerminatedAt = &now
	sess.TerminationReason = reason

	if err := t.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("terminate session: %w", err)
	}
	t.cachePut(sess)
	metrics.ActiveSessions.Dec()
	metrics.SessionTerminationsTotal.WithLabelValues(reason).Inc()
	t.appendEvent(ctx, sess.ID, EventTerminated, reason, sess.RiskScore)
	return sess, nil
}

// ListActive returns active sessions.
func (t *Tracker) ListActive(ctx context.Context, limit int) ([]*Session, error) {
	return t.store.ListActive(ctx, limit)
}

// ListSuspicious returns active sessions at or above the given risk score.
func (t *Tracker) ListSuspicious(ctx context.Context, minScore float64, limit int) ([]*Session, error) {
	return t.store.ListSuspicious(ctx, minScore, limit)
}

// Events returns a session's audit trail, oldest first.
func (t *Tracker) Events(ctx context.Context, id string, limit int) ([]*Event, error) {
	if _, err := t.Get(ctx, id); err != nil {
		return nil, err
	}
	return t.store.ListEvents(ctx, id, limit)
}

// Stats summarizes tracked sessions.
func (t *Tracker) Stats(ctx context.Context) (*Stats, error) {
	active, err := t.store.ListActive(ctx, 10000)
	if err != nil {
		return nil, err
	}
	stats := &Stats{ActiveSessions: len(active)}
	var sum float64
	for _, sess := range active {
		sum += sess.RiskScore
		if sess.RiskLevel == "high" || sess.RiskLevel == "critical" {
			stats.SuspiciousSessions++
		}
	}
	if len(active) > 0 {
		stats.AverageRiskScore = sum / float64(len(active))
	}
	return stats, nil
}

// CleanupStale terminates active sessions idle longer than maxIdle.
// Returns the number of sessions terminated.
func (t *Tracker) CleanupStale(ctx context.Context, maxIdle time.Duration) (int, error) {
	const batchSize = 100
	total := 0

	for {
		stale, err := t.store.ListStale(ctx, t.now().Add(-maxIdle), batchSize)
		if err != nil {
			return total, err
		}
		if len(stale) == 0 {
			break
		}
		for _, sess := range stale {
			if _, err := t.Terminate(ctx, sess.ID, "stale"); err != nil {
				t.logger.Warn("failed to terminate stale session", "session", sess.ID, "error", err)
				continue
			}
			total++
		}
		if len(stale) < batchSize {
			break
		}
	}
	return total, nil
}

func (t *Tracker) cachePut(sess *Session) {
	t.cache.Store(sess.ID, &cacheEntry{session: cloneSession(sess), cachedAt: t.now()})
}

// appendEvent records an audit event, best-effort.
func (t *Tracker) appendEvent(ctx context.Context, sessionID, eventType, detail string, score float64) {
	event := &Event{
		ID:        idgen.WithPrefix("sevt_"),
		SessionID: sessionID,
		Type:      eventType,
		Detail:    detail,
		RiskScore: score,
		CreatedAt: t.now(),
	}
	if err := t.store.AppendEvent(ctx, event); err != nil {
		t.logger.Warn("failed to append session event", "session", sessionID, "error", err)
	}
}
