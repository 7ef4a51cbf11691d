package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
)

// Detector watches per-source behavior and raises threat events. Sources at
// High severity or above are blocked automatically; Critical events land in
// the review queue.
type Detector struct {
	cfg      Config
	store    Store
	logger   *slog.Logger
	patterns sync.Map // map[string]*sourcePattern

	// now is swapped out in tests.
	now func() time.Time

	// onEvent, when set, receives every finalized event (realtime fan-out).
	onEvent func(*ThreatEvent)
}

// candidate is a potential threat raised by one heuristic.
type candidate struct {
	typ     ThreatType
	level   ThreatLevel
	desc    string
	details map[string]interface{}
}

// NewDetector creates a detector backed by the given store.
func NewDetector(cfg Config, store Store, logger *slog.Logger) *Detector {
	if cfg.MaxEvents == 0 {
		cfg = DefaultConfig()
	}
	return &Detector{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithEventHook registers a callback invoked for every finalized event.
func (d *Detector) WithEventHook(fn func(*ThreatEvent)) *Detector {
	d.onEvent = fn
	return d
}

// Store exposes the backing store for the ops read surface.
func (d *Detector) Store() Store {
	return d.store
}

// ObserveAPIRequest records one API request and returns a threat event if
// any heuristic fires. statusCode >= 400 counts toward the error ratio.
func (d *Detector) ObserveAPIRequest(ctx context.Context, source, endpoint string, statusCode int) *ThreatEvent {
	return d.observeAPIRequest(ctx, source, endpoint, statusCode, false)
}

// ObserveDrillRequest records a request that marked itself as off-hours
// drill traffic, forcing the off-hours heuristic regardless of the clock.
func (d *Detector) ObserveDrillRequest(ctx context.Context, source, endpoint string, statusCode int) *ThreatEvent {
	return d.observeAPIRequest(ctx, source, endpoint, statusCode, true)
}

func (d *Detector) observeAPIRequest(ctx context.Context, source, endpoint string, statusCode int, drill bool) *ThreatEvent {
	now := d.now()
	p := d.pattern(source)

	horizon := time.Minute
	if d.cfg.RapidBurstWindow > horizon {
		horizon = d.cfg.RapidBurstWindow
	}

	p.mu.Lock()
	p.lastSeen = now
	p.requests = append(p.requests, now)
	p.pruneRequests(now, horizon)
	rpm := p.countSince(now.Add(-time.Minute))
	rapid := p.countSince(now.Add(-d.cfg.RapidBurstWindow))

	p.recordOutcome(statusCode >= 400, d.cfg.ErrorSampleSize)
	errRatio, samples := p.errorRatio()

	actualOff := d.isOffHours(now.Hour())
	p.totalSeen++
	if actualOff {
		p.offHoursSeen++
	}
	offRatio := float64(p.offHoursSeen) / float64(p.totalSeen)
	history := p.totalSeen

	p.endpointHits[endpoint]++
	endpointHits := p.endpointHits[endpoint]
	p.mu.Unlock()

	var candidates []candidate

	switch {
	case rpm >= d.cfg.RateCriticalPerMinute:
		candidates = append(candidates, candidate{
			typ:   ThreatAPIAbuse,
			level: LevelCritical,
			desc:  fmt.Sprintf("request rate %d/min far above critical threshold %d", rpm, d.cfg.RateCriticalPerMinute),
			details: map[string]interface{}{
				"requests_per_minute": rpm,
				"threshold":           d.cfg.RateCriticalPerMinute,
			},
		})
	case rpm >= d.cfg.RateWarnPerMinute:
		candidates = append(candidates, candidate{
			typ:   ThreatAPIAbuse,
			level: LevelHigh,
			desc:  fmt.Sprintf("request rate %d/min above warning threshold %d", rpm, d.cfg.RateWarnPerMinute),
			details: map[string]interface{}{
				"requests_per_minute": rpm,
				"threshold":           d.cfg.RateWarnPerMinute,
			},
		})
	case d.cfg.RapidBurstThreshold > 0 && rapid >= d.cfg.RapidBurstThreshold:
		candidates = append(candidates, candidate{
			typ:   ThreatAPIAbuse,
			level: LevelMedium,
			desc:  fmt.Sprintf("%d requests inside %s burst window", rapid, d.cfg.RapidBurstWindow),
			details: map[string]interface{}{
				"rapid_requests": rapid,
				"window":         d.cfg.RapidBurstWindow.String(),
				"threshold":      d.cfg.RapidBurstThreshold,
			},
		})
	}

	if samples >= d.cfg.ErrorMinSamples {
		switch {
		case errRatio >= d.cfg.ErrorCritRatio:
			candidates = append(candidates, candidate{
				typ:   ThreatAPIAbuse,
				level: LevelHigh,
				desc:  fmt.Sprintf("error ratio %.0f%% over last %d requests", errRatio*100, samples),
				details: map[string]interface{}{
					"error_ratio": errRatio,
					"samples":     samples,
				},
			})
		case errRatio >= d.cfg.ErrorWarnRatio:
			candidates = append(candidates, candidate{
				typ:   ThreatAPIAbuse,
				level: LevelMedium,
				desc:  fmt.Sprintf("error ratio %.0f%% over last %d requests", errRatio*100, samples),
				details: map[string]interface{}{
					"error_ratio": errRatio,
					"samples":     samples,
				},
			})
		}
	}

	if d.isSensitive(endpoint) && endpointHits <= 2 {
		candidates = append(candidates, candidate{
			typ:   ThreatPrivilegeEscalation,
			level: LevelHigh,
			desc:  fmt.Sprintf("access to sensitive endpoint %s (hit %d)", endpoint, endpointHits),
			details: map[string]interface{}{
				"endpoint": endpoint,
				"hits":     endpointHits,
			},
		})
	}

	if d.cfg.SimulateOffHours || drill {
		candidates = append(candidates, candidate{
			typ:     ThreatUnusualAccessTime,
			level:   LevelHigh,
			desc:    "off-hours access (forced by drill traffic)",
			details: map[string]interface{}{"simulated": true},
		})
	} else if actualOff && history >= d.cfg.OffHoursMinHistory && offRatio < d.cfg.OffHoursMaxRatio {
		candidates = append(candidates, candidate{
			typ:   ThreatUnusualAccessTime,
			level: LevelMedium,
			desc:  fmt.Sprintf("off-hours access by source active off-hours %.1f%% of the time", offRatio*100),
			details: map[string]interface{}{
				"off_hours_ratio": offRatio,
				"history":         history,
			},
		})
	}

	best := d.pick(candidates)
	if best == nil {
		return nil
	}
	return d.finalize(ctx, source, endpoint, *best)
}

// ObserveAuthAttempt records an authentication attempt. A success clears the
// source's failure window and never raises a threat.
func (d *Detector) ObserveAuthAttempt(ctx context.Context, source string, success bool) *ThreatEvent {
	now := d.now()
	p := d.pattern(source)

	p.mu.Lock()
	p.lastSeen = now
	if success {
		p.authFails = nil
		p.mu.Unlock()
		return nil
	}
	p.authFails = append(p.authFails, now)
	p.pruneAuthFails(now, d.cfg.AuthFailWindow)
	fails := len(p.authFails)
	p.mu.Unlock()

	var cand *candidate
	switch {
	case fails >= d.cfg.AuthFailCrit:
		cand = &candidate{
			typ:   ThreatBruteForce,
			level: LevelCritical,
			desc:  fmt.Sprintf("%d auth failures in %s", fails, d.cfg.AuthFailWindow),
			details: map[string]interface{}{
				"failures": fails,
				"window":   d.cfg.AuthFailWindow.String(),
			},
		}
	case fails >= d.cfg.AuthFailWarn:
		cand = &candidate{
			typ:   ThreatBruteForce,
			level: LevelHigh,
			desc:  fmt.Sprintf("%d auth failures in %s", fails, d.cfg.AuthFailWindow),
			details: map[string]interface{}{
				"failures": fails,
				"window":   d.cfg.AuthFailWindow.String(),
			},
		}
	}
	if cand == nil {
		return nil
	}
	return d.finalize(ctx, source, "", *cand)
}

// ObserveDataAccess records a data access of the given record volume.
// Volumes far above the source's running mean raise an exfiltration threat;
// sensitive resources escalate it to Critical.
func (d *Detector) ObserveDataAccess(ctx context.Context, source, resource string, records float64, sensitive bool) *ThreatEvent {
	now := d.now()
	p := d.pattern(source)

	p.mu.Lock()
	p.lastSeen = now
	mean := p.meanAccess()
	samples := p.accessCount
	p.accessCount++
	p.accessSum += records
	p.mu.Unlock()

	if samples < d.cfg.ExfilMinSamples || mean <= 0 || records <= mean*d.cfg.ExfilMultiplier {
		return nil
	}

	level := LevelHigh
	if sensitive {
		level = LevelCritical
	}
	return d.finalize(ctx, source, resource, candidate{
		typ:   ThreatDataExfiltration,
		level: level,
		desc:  fmt.Sprintf("data access of %.0f records, %.1fx the running mean %.0f", records, records/mean, mean),
		details: map[string]interface{}{
			"records":   records,
			"mean":      mean,
			"resource":  resource,
			"sensitive": sensitive,
		},
	})
}

// IsBlocked reports whether a source has an active block.
func (d *Detector) IsBlocked(ctx context.Context, source string) bool {
	_, err := d.store.GetActiveBlock(ctx, source)
	return err == nil
}

// Unblock lifts the active block for a source and records an audit entry.
func (d *Detector) Unblock(ctx context.Context, source, actor string) (*BlockRecord, error) {
	block, err := d.store.Unblock(ctx, source, actor)
	if err != nil {
		return nil, err
	}
	metrics.BlockedSources.Dec()
	d.audit(ctx, actor, "unblock_source", source, block.Reason)
	logging.L(ctx).Info("source unblocked", "source", source, "actor", actor)
	return block, nil
}

// ReviewEvent marks a threat event reviewed.
func (d *Detector) ReviewEvent(ctx context.Context, id, actor, note string) (*ThreatEvent, error) {
	event, err := d.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	event.Reviewed = true
	event.ReviewedBy = actor
	event.ReviewNote = note
	if err := d.store.UpdateEvent(ctx, event); err != nil {
		return nil, err
	}
	d.audit(ctx, actor, "review_event", id, note)
	return event, nil
}

// ClearReviewQueue marks every pending event reviewed.
func (d *Detector) ClearReviewQueue(ctx context.Context, actor string) (int, error) {
	n, err := d.store.ClearReviewQueue(ctx, actor)
	if err != nil {
		return 0, err
	}
	d.audit(ctx, actor, "clear_review_queue", "", fmt.Sprintf("%d events", n))
	return n, nil
}

// RiskProfile aggregates a source's threat history into a 0..100 score.
func (d *Detector) RiskProfile(ctx context.Context, source string) (*RiskProfile, error) {
	events, err := d.store.ListEvents(ctx, EventFilter{Source: source, Limit: d.cfg.MaxEvents})
	if err != nil {
		return nil, err
	}

	profile := &RiskProfile{
		Source:      source,
		EventCounts: map[string]int{},
		ByType:      map[ThreatType]int{},
		Blocked:     d.IsBlocked(ctx, source),
	}
	weights := map[ThreatLevel]float64{
		LevelLow:      1,
		LevelMedium:   5,
		LevelHigh:     15,
		LevelCritical: 30,
	}
	for _, e := range events {
		profile.EventCounts[e.Level.String()]++
		profile.ByType[e.Type]++
		profile.Score += weights[e.Level]
		if profile.LastEventAt == nil || e.CreatedAt.After(*profile.LastEventAt) {
			t := e.CreatedAt
			profile.LastEventAt = &t
		}
	}
	if profile.Score > 100 {
		profile.Score = 100
	}
	return profile, nil
}

// Dashboard aggregates detector activity for the ops surface.
func (d *Detector) Dashboard(ctx context.Context) (*DashboardStats, error) {
	events, err := d.store.ListEvents(ctx, EventFilter{Limit: d.cfg.MaxEvents})
	if err != nil {
		return nil, err
	}
	blocks, err := d.store.ListBlocks(ctx, true)
	if err != nil {
		return nil, err
	}

	now := d.now()
	stats := &DashboardStats{
		TotalEvents:    len(events),
		EventsByLevel:  map[string]int{},
		EventsByType:   map[ThreatType]int{},
		BlockedSources: len(blocks),
		GeneratedAt:    now,
	}
	for _, e := range events {
		stats.EventsByLevel[e.Level.String()]++
		stats.EventsByType[e.Type]++
		if e.RequiresReview && !e.Reviewed {
			stats.PendingReview++
		}
		if e.CreatedAt.After(now.Add(-time.Hour)) {
			stats.EventsLastHour++
		}
	}
	d.patterns.Range(func(_, _ interface{}) bool {
		stats.TrackedSources++
		return true
	})
	return stats, nil
}

// pick applies threat precedence: with PreferSpecificThreats, any specific
// threat beats generic API abuse; the highest level wins among the rest.
func (d *Detector) pick(candidates []candidate) *candidate {
	if len(candidates) == 0 {
		return nil
	}
	pool := candidates
	if d.cfg.PreferSpecificThreats {
		var specific []candidate
		for _, c := range candidates {
			if c.typ != ThreatAPIAbuse {
				specific = append(specific, c)
			}
		}
		if len(specific) > 0 {
			pool = specific
		}
	}
	best := pool[0]
	for _, c := range pool[1:] {
		if c.level > best.level {
			best = c
		}
	}
	return &best
}

// finalize persists, blocks, and publishes a detected threat.
func (d *Detector) finalize(ctx context.Context, source, endpoint string, c candidate) *ThreatEvent {
	event := &ThreatEvent{
		ID:             idgen.WithPrefix("evt_"),
		Source:         source,
		Type:           c.typ,
		Level:          c.level,
		LevelName:      c.level.String(),
		Description:    c.desc,
		Endpoint:       endpoint,
		Details:        c.details,
		RequiresReview: c.level == LevelCritical,
		CreatedAt:      d.now(),
	}

	if err := d.store.SaveEvent(ctx, event); err != nil {
		d.logger.Warn("failed to persist threat event", "error", err, "source", source)
	}
	metrics.ThreatEventsTotal.WithLabelValues(string(event.Type), event.LevelName).Inc()
	logging.L(ctx).Warn("threat detected",
		"source", source,
		"type", event.Type,
		"level", event.LevelName,
		"description", event.Description,
	)

	if event.Level >= LevelHigh {
		d.ensureBlocked(ctx, source, event)
	}

	if d.onEvent != nil {
		d.onEvent(event)
	}
	return event
}

// ensureBlocked blocks a source unless it already has an active block.
func (d *Detector) ensureBlocked(ctx context.Context, source string, event *ThreatEvent) {
	if _, err := d.store.GetActiveBlock(ctx, source); err == nil {
		return
	} else if !errors.Is(err, ErrBlockNotFound) {
		d.logger.Warn("failed to check active block", "error", err, "source", source)
		return
	}

	block := &BlockRecord{
		ID:        idgen.WithPrefix("blk_"),
		Source:    source,
		Reason:    fmt.Sprintf("%s: %s", event.Type, event.Description),
		Level:     event.Level,
		Active:    true,
		CreatedAt: d.now(),
	}
	if err := d.store.SaveBlock(ctx, block); err != nil {
		d.logger.Warn("failed to persist block", "error", err, "source", source)
		return
	}
	metrics.BlockedSources.Inc()
	logging.L(ctx).Warn("source auto-blocked", "source", source, "level", event.LevelName)
}

func (d *Detector) pattern(source string) *sourcePattern {
	v, _ := d.patterns.LoadOrStore(source, newSourcePattern())
	return v.(*sourcePattern)
}

func (d *Detector) isOffHours(hour int) bool {
	return hour >= d.cfg.OffHoursStart || hour < d.cfg.OffHoursEnd
}

func (d *Detector) isSensitive(endpoint string) bool {
	for _, s := range d.cfg.SensitiveEndpoints {
		if endpoint == s {
			return true
		}
	}
	return false
}

func (d *Detector) audit(ctx context.Context, actor, action, target, detail string) {
	entry := &AuditEntry{
		ID:        idgen.WithPrefix("aud_"),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Detail:    detail,
		CreatedAt: d.now(),
	}
	if err := d.store.AppendAudit(ctx, entry); err != nil {
		d.logger.Warn("failed to append audit entry", "error", err, "action", action)
	}
}
