// Package ratelimit provides tiered token-bucket rate limiting for request
// sources, with violation tracking and timed blocks for repeat offenders.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/syncutil"
)

// Tier is a named service level with its own bucket parameters.
type Tier string

const (
	TierFree      Tier = "free"
	TierBasic     Tier = "basic"
	TierPremium   Tier = "premium"
	TierInternal  Tier = "internal"
	TierUnlimited Tier = "unlimited"
)

// TierLimits configures one tier's bucket and block behavior.
type TierLimits struct {
	RequestsPerMinute int
	BurstSize         int
	BlockDuration     time.Duration
	Unlimited         bool
}

// Config configures the limiter.
type Config struct {
	Tiers map[Tier]TierLimits
	// DefaultTier applies to sources that never had a tier assigned.
	DefaultTier Tier
	// ViolationThreshold timed-blocks a source after this many rejections
	// inside ViolationWindow.
	ViolationThreshold int
	ViolationWindow    time.Duration
	// CleanupInterval is how often to clean stale entries.
	CleanupInterval time.Duration
}

// DefaultConfig returns production tier defaults.
func DefaultConfig() Config {
	return Config{
		Tiers: map[Tier]TierLimits{
			TierFree:      {RequestsPerMinute: 20, BurstSize: 10, BlockDuration: 5 * time.Minute},
			TierBasic:     {RequestsPerMinute: 100, BurstSize: 30, BlockDuration: 5 * time.Minute},
			TierPremium:   {RequestsPerMinute: 500, BurstSize: 100, BlockDuration: 5 * time.Minute},
			TierInternal:  {RequestsPerMinute: 2000, BurstSize: 500, BlockDuration: 10 * time.Minute},
			TierUnlimited: {Unlimited: true},
		},
		DefaultTier:        TierFree,
		ViolationThreshold: 3,
		ViolationWindow:    5 * time.Minute,
		CleanupInterval:    time.Minute,
	}
}

// Denial explains a rejected request.
type Denial struct {
	Reason       string        `json:"reason"` // "rate_limited" or "blocked"
	Tier         Tier          `json:"tier"`
	RetryAfter   time.Duration `json:"retry_after"`
	BlockedUntil *time.Time    `json:"blocked_until,omitempty"`
}

// Status is a point-in-time view of one source's limiter state.
type Status struct {
	Source       string     `json:"source"`
	Tier         Tier       `json:"tier"`
	Tokens       float64    `json:"tokens"`
	Capacity     int        `json:"capacity"`
	Violations   int        `json:"violations"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// Stats aggregates limiter activity.
type Stats struct {
	TrackedSources int            `json:"tracked_sources"`
	BlockedSources int            `json:"blocked_sources"`
	TotalAllowed   int64          `json:"total_allowed"`
	TotalRejected  int64          `json:"total_rejected"`
	ByTier         map[Tier]int64 `json:"rejections_by_tier"`
}

type sourceState struct {
	tier         Tier
	tokens       float64
	lastRefill   time.Time
	violations   []time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// Limiter tracks per-source token buckets keyed by source ID. Buckets for
// different sources are guarded by a sharded lock, so checks for unrelated
// sources proceed in parallel.
type Limiter struct {
	cfg     Config
	sources sync.Map // map[string]*sourceState
	locks   syncutil.ShardedMutex
	stop    chan struct{}

	totalAllowed  atomic.Int64
	totalRejected atomic.Int64

	statsMu      sync.Mutex
	rejectedTier map[Tier]int64
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.Tiers == nil {
		cfg = DefaultConfig()
	}
	l := &Limiter{
		cfg:          cfg,
		stop:         make(chan struct{}),
		rejectedTier: make(map[Tier]int64),
	}
	go l.cleanup()
	return l
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Check decides whether a request of the given cost may proceed.
// A nil Denial is returned iff the request is allowed.
func (l *Limiter) Check(source string, cost float64) (bool, *Denial) {
	if cost <= 0 {
		cost = 1
	}

	unlock := l.locks.Lock(source)
	defer unlock()

	now := time.Now()
	st := l.getState(source, now)
	limits := l.cfg.Tiers[st.tier]
	st.lastSeen = now

	if limits.Unlimited {
		l.totalAllowed.Add(1)
		return true, nil
	}

	// Standing block wins over everything.
	if now.Before(st.blockedUntil) {
		l.countRejection(st.tier)
		until := st.blockedUntil
		return false, &Denial{
			Reason:       "blocked",
			Tier:         st.tier,
			RetryAfter:   until.Sub(now),
			BlockedUntil: &until,
		}
	}

	l.refill(st, limits, now)

	if st.tokens >= cost {
		st.tokens -= cost
		l.totalAllowed.Add(1)
		return true, nil
	}

	// Rejection: record a violation and maybe escalate to a timed block.
	l.countRejection(st.tier)

	cutoff := now.Add(-l.cfg.ViolationWindow)
	kept := st.violations[:0]
	for _, v := range st.violations {
		if v.After(cutoff) {
			kept = append(kept, v)
		}
	}
	st.violations = append(kept, now)

	denial := &Denial{
		Reason:     "rate_limited",
		Tier:       st.tier,
		RetryAfter: l.timeToNextToken(st, limits, cost),
	}
	if len(st.violations) >= l.cfg.ViolationThreshold {
		st.blockedUntil = now.Add(limits.BlockDuration)
		until := st.blockedUntil
		denial.Reason = "blocked"
		denial.RetryAfter = limits.BlockDuration
		denial.BlockedUntil = &until
	}
	return false, denial
}

// SetTier assigns a tier to a source and resets its bucket to the new
// tier's capacity.
func (l *Limiter) SetTier(source string, tier Tier) bool {
	limits, ok := l.cfg.Tiers[tier]
	if !ok {
		return false
	}

	unlock := l.locks.Lock(source)
	defer unlock()

	now := time.Now()
	st := l.getState(source, now)
	st.tier = tier
	st.tokens = float64(limits.BurstSize)
	st.lastRefill = now
	return true
}

// Unblock lifts a timed block, clears violations, and refills the bucket.
func (l *Limiter) Unblock(source string) {
	unlock := l.locks.Lock(source)
	defer unlock()

	now := time.Now()
	st := l.getState(source, now)
	st.blockedUntil = time.Time{}
	st.violations = nil
	st.tokens = float64(l.cfg.Tiers[st.tier].BurstSize)
	st.lastRefill = now
}

// Reset drops all limiter state for a source.
func (l *Limiter) Reset(source string) {
	unlock := l.locks.Lock(source)
	defer unlock()
	l.sources.Delete(source)
}

// Status returns the current state of one source.
func (l *Limiter) Status(source string) Status {
	unlock := l.locks.Lock(source)
	defer unlock()

	now := time.Now()
	st := l.getState(source, now)
	limits := l.cfg.Tiers[st.tier]
	if !limits.Unlimited {
		l.refill(st, limits, now)
	}

	s := Status{
		Source:     source,
		Tier:       st.tier,
		Tokens:     st.tokens,
		Capacity:   limits.BurstSize,
		Violations: len(st.violations),
	}
	if now.Before(st.blockedUntil) {
		until := st.blockedUntil
		s.BlockedUntil = &until
	}
	return s
}

// Stats returns aggregate limiter counters.
func (l *Limiter) Stats() Stats {
	now := time.Now()
	tracked, blocked := 0, 0
	l.sources.Range(func(key, value interface{}) bool {
		tracked++
		unlock := l.locks.Lock(key.(string))
		if now.Before(value.(*sourceState).blockedUntil) {
			blocked++
		}
		unlock()
		return true
	})

	l.statsMu.Lock()
	byTier := make(map[Tier]int64, len(l.rejectedTier))
	for k, v := range l.rejectedTier {
		byTier[k] = v
	}
	l.statsMu.Unlock()

	return Stats{
		TrackedSources: tracked,
		BlockedSources: blocked,
		TotalAllowed:   l.totalAllowed.Load(),
		TotalRejected:  l.totalRejected.Load(),
		ByTier:         byTier,
	}
}

// Middleware returns a gin middleware that rate limits by client IP, or by
// the X-Source-ID header when present.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		source := c.GetHeader("X-Source-ID")
		if source == "" {
			source = c.ClientIP()
		}

		allowed, denial := l.Check(source, 1)
		if !allowed {
			status := http.StatusTooManyRequests
			msg := "Too many requests. Please slow down."
			if denial.Reason == "blocked" {
				msg = "Source temporarily blocked for repeated violations."
			}
			c.Header("Retry-After", formatSeconds(denial.RetryAfter))
			c.JSON(status, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     msg,
				"tier":        denial.Tier,
				"retry_after": int(denial.RetryAfter.Seconds()) + 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// countRejection bumps the aggregate rejection counters.
func (l *Limiter) countRejection(tier Tier) {
	l.totalRejected.Add(1)
	l.statsMu.Lock()
	l.rejectedTier[tier]++
	l.statsMu.Unlock()
	metrics.RateLimitRejectionsTotal.WithLabelValues(string(tier)).Inc()
}

// getState returns or creates state for a source. Caller holds the
// source's lock.
func (l *Limiter) getState(source string, now time.Time) *sourceState {
	if v, ok := l.sources.Load(source); ok {
		return v.(*sourceState)
	}
	tier := l.cfg.DefaultTier
	st := &sourceState{
		tier:       tier,
		tokens:     float64(l.cfg.Tiers[tier].BurstSize),
		lastRefill: now,
		lastSeen:   now,
	}
	v, _ := l.sources.LoadOrStore(source, st)
	return v.(*sourceState)
}

// refill applies continuous token refill. Caller holds the lock.
// Invariant: 0 <= tokens <= BurstSize.
func (l *Limiter) refill(st *sourceState, limits TierLimits, now time.Time) {
	elapsed := now.Sub(st.lastRefill).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * float64(limits.RequestsPerMinute) / 60.0
		if st.tokens > float64(limits.BurstSize) {
			st.tokens = float64(limits.BurstSize)
		}
		st.lastRefill = now
	}
}

func (l *Limiter) timeToNextToken(st *sourceState, limits TierLimits, cost float64) time.Duration {
	perSecond := float64(limits.RequestsPerMinute) / 60.0
	if perSecond <= 0 {
		return time.Minute
	}
	missing := cost - st.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / perSecond * float64(time.Second))
}

// cleanup removes stale, unblocked entries periodically.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			cutoff := now.Add(-10 * time.Minute)
			l.sources.Range(func(key, value interface{}) bool {
				source := key.(string)
				unlock := l.locks.Lock(source)
				st := value.(*sourceState)
				if st.lastSeen.Before(cutoff) && !now.Before(st.blockedUntil) {
					l.sources.Delete(source)
				}
				unlock()
				return true
			})
		case <-l.stop:
			return
		}
	}
}

func formatSeconds(d time.Duration) string {
	s := int(d.Seconds()) + 1
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
