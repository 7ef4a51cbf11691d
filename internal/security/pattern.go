package security

import (
	"sync"
	"time"
)

// sourcePattern holds the per-source sliding state the heuristics read.
// Each source has its own mutex; observations for different sources never
// contend.
type sourcePattern struct {
	mu sync.Mutex

	// Request timestamps within the rate-heuristic horizon.
	requests []time.Time

	// Ring of recent request outcomes, true = error response.
	outcomes []bool

	// Auth failure timestamps within the brute-force window.
	authFails []time.Time

	// Data access running mean.
	accessCount int
	accessSum   float64

	// Hour-of-day history.
	totalSeen    int
	offHoursSeen int

	// Endpoint hit counts, for sensitive-endpoint detection.
	endpointHits map[string]int

	lastSeen time.Time
}

func newSourcePattern() *sourcePattern {
	return &sourcePattern{endpointHits: make(map[string]int)}
}

// pruneRequests drops request timestamps older than the given horizon.
// Caller holds the lock.
func (p *sourcePattern) pruneRequests(now time.Time, horizon time.Duration) {
	cutoff := now.Add(-horizon)
	start := 0
	for start < len(p.requests) && p.requests[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		p.requests = p.requests[start:]
	}
}

// countSince returns the number of request timestamps at or after cutoff.
// Caller holds the lock.
func (p *sourcePattern) countSince(cutoff time.Time) int {
	n := 0
	for i := len(p.requests) - 1; i >= 0; i-- {
		if p.requests[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// pruneAuthFails drops auth failures outside the window. Caller holds the lock.
func (p *sourcePattern) pruneAuthFails(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	start := 0
	for start < len(p.authFails) && p.authFails[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		p.authFails = p.authFails[start:]
	}
}

// recordOutcome appends to the outcome ring, capped at size. Caller holds the lock.
func (p *sourcePattern) recordOutcome(isError bool, size int) {
	p.outcomes = append(p.outcomes, isError)
	if len(p.outcomes) > size {
		p.outcomes = p.outcomes[len(p.outcomes)-size:]
	}
}

// errorRatio returns the error fraction over the outcome ring.
// Caller holds the lock.
func (p *sourcePattern) errorRatio() (float64, int) {
	n := len(p.outcomes)
	if n == 0 {
		return 0, 0
	}
	errs := 0
	for _, e := range p.outcomes {
		if e {
			errs++
		}
	}
	return float64(errs) / float64(n), n
}

// meanAccess returns the running mean of data-access volumes.
// Caller holds the lock.
func (p *sourcePattern) meanAccess() float64 {
	if p.accessCount == 0 {
		return 0
	}
	return p.accessSum / float64(p.accessCount)
}
