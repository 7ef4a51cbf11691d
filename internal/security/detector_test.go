package security

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func newTestDetector(cfg Config) (*Detector, *MemoryStore) {
	store := NewMemoryStore(cfg.MaxEvents)
	d := NewDetector(cfg, store, slog.Default())
	return d, store
}

func fixedClock(hour int) func() time.Time {
	now := time.Now()
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestRequestFloodRaisesCriticalAndBlocks(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	var last *ThreatEvent
	for i := 0; i < 550; i++ {
		if ev := d.ObserveAPIRequest(ctx, "flood-src", "/payments", 200); ev != nil {
			last = ev
		}
	}

	if last == nil {
		t.Fatal("expected a threat event")
	}
	if last.Type != ThreatAPIAbuse || last.Level != LevelCritical {
		t.Fatalf("expected critical api_abuse, got %s/%s", last.Type, last.LevelName)
	}
	if !last.RequiresReview {
		t.Error("critical event must require review")
	}
	if !d.IsBlocked(ctx, "flood-src") {
		t.Error("source should be auto-blocked")
	}
}

func TestWarnRateIsHighAndBlocks(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	var last *ThreatEvent
	for i := 0; i < 150; i++ {
		if ev := d.ObserveAPIRequest(ctx, "warm-src", "/payments", 200); ev != nil {
			last = ev
		}
	}

	if last == nil {
		t.Fatal("expected a threat event")
	}
	if last.Type != ThreatAPIAbuse || last.Level != LevelHigh {
		t.Fatalf("expected high api_abuse, got %s/%s", last.Type, last.LevelName)
	}
	if !d.IsBlocked(ctx, "warm-src") {
		t.Error("rate above the warning floor should auto-block the source")
	}
}

func TestRapidBurstIsMediumAndNotBlocked(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	// 60 requests: past the burst threshold of 50, below the warning
	// floor of 100 per minute.
	var last *ThreatEvent
	for i := 0; i < 60; i++ {
		if ev := d.ObserveAPIRequest(ctx, "burst-src", "/payments", 200); ev != nil {
			last = ev
		}
	}

	if last == nil || last.Type != ThreatAPIAbuse || last.Level != LevelMedium {
		t.Fatalf("expected medium api_abuse, got %+v", last)
	}
	if d.IsBlocked(ctx, "burst-src") {
		t.Error("burst-only threats must not block")
	}
}

func TestShortBurstWindowIgnoresOldRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RapidBurstWindow = 10 * time.Second
	cfg.RapidBurstThreshold = 5
	d, _ := newTestDetector(cfg)
	ctx := context.Background()

	base := time.Date(2026, 8, 31, 14, 0, 0, 0, time.UTC)
	clock := base
	d.now = func() time.Time { return clock }

	// Four requests, then a long pause; the window empties.
	for i := 0; i < 4; i++ {
		d.ObserveAPIRequest(ctx, "slow-src", "/payments", 200)
		clock = clock.Add(time.Second)
	}
	clock = clock.Add(30 * time.Second)
	for i := 0; i < 4; i++ {
		if ev := d.ObserveAPIRequest(ctx, "slow-src", "/payments", 200); ev != nil {
			t.Fatalf("spread-out requests flagged: %+v", ev)
		}
		clock = clock.Add(time.Second)
	}

	// Five inside ten seconds trips the burst heuristic.
	var last *ThreatEvent
	for i := 0; i < 5; i++ {
		if ev := d.ObserveAPIRequest(ctx, "fast-src", "/payments", 200); ev != nil {
			last = ev
		}
		clock = clock.Add(time.Second)
	}
	if last == nil || last.Level != LevelMedium {
		t.Fatalf("expected medium burst event, got %+v", last)
	}
}

func TestErrorRatioRaisesHigh(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	var last *ThreatEvent
	for i := 0; i < 20; i++ {
		status := 200
		if i%4 == 3 { // 25% errors
			status = 500
		}
		if ev := d.ObserveAPIRequest(ctx, "err-src", "/payments", status); ev != nil {
			last = ev
		}
	}

	if last == nil {
		t.Fatal("expected a threat event")
	}
	if last.Type != ThreatAPIAbuse || last.Level != LevelHigh {
		t.Fatalf("expected high api_abuse, got %s/%s", last.Type, last.LevelName)
	}
	if !d.IsBlocked(ctx, "err-src") {
		t.Error("high threats block the source")
	}
}

func TestSensitiveEndpointFirstAccess(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	ev := d.ObserveAPIRequest(ctx, "probe-src", "/admin", 200)
	if ev == nil {
		t.Fatal("expected a threat on first sensitive access")
	}
	if ev.Type != ThreatPrivilegeEscalation || ev.Level != LevelHigh {
		t.Fatalf("expected high privilege_escalation, got %s/%s", ev.Type, ev.LevelName)
	}

	// Second access still flags, third does not.
	if ev := d.ObserveAPIRequest(ctx, "probe-src", "/admin", 200); ev == nil {
		t.Error("second sensitive access should still flag")
	}
	if ev := d.ObserveAPIRequest(ctx, "probe-src", "/admin", 200); ev != nil && ev.Type == ThreatPrivilegeEscalation {
		t.Error("third sensitive access should not flag escalation")
	}
}

func TestSpecificThreatBeatsGenericAbuse(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())

	got := d.pick([]candidate{
		{typ: ThreatAPIAbuse, level: LevelCritical},
		{typ: ThreatPrivilegeEscalation, level: LevelHigh},
	})
	if got.typ != ThreatPrivilegeEscalation {
		t.Errorf("specific threat should win, got %s", got.typ)
	}

	cfg := DefaultConfig()
	cfg.PreferSpecificThreats = false
	d2, _ := newTestDetector(cfg)
	got = d2.pick([]candidate{
		{typ: ThreatAPIAbuse, level: LevelCritical},
		{typ: ThreatPrivilegeEscalation, level: LevelHigh},
	})
	if got.typ != ThreatAPIAbuse {
		t.Errorf("with preference off, highest level wins: got %s", got.typ)
	}
}

func TestBruteForceDetection(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	var ev *ThreatEvent
	for i := 0; i < 5; i++ {
		ev = d.ObserveAuthAttempt(ctx, "bf-src", false)
	}
	if ev == nil || ev.Type != ThreatBruteForce || ev.Level != LevelHigh {
		t.Fatalf("expected high brute_force at 5 failures, got %+v", ev)
	}

	for i := 0; i < 5; i++ {
		ev = d.ObserveAuthAttempt(ctx, "bf-src", false)
	}
	if ev == nil || ev.Level != LevelCritical {
		t.Fatalf("expected critical at 10 failures, got %+v", ev)
	}
	if !ev.RequiresReview {
		t.Error("critical brute force requires review")
	}
}

func TestAuthSuccessClearsWindow(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		d.ObserveAuthAttempt(ctx, "ok-src", false)
	}
	if ev := d.ObserveAuthAttempt(ctx, "ok-src", true); ev != nil {
		t.Fatalf("success must not raise a threat: %+v", ev)
	}
	for i := 0; i < 4; i++ {
		if ev := d.ObserveAuthAttempt(ctx, "ok-src", false); ev != nil {
			t.Fatalf("window should have been cleared, got %+v", ev)
		}
	}
}

func TestDataExfiltrationDetection(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if ev := d.ObserveDataAccess(ctx, "dump-src", "/customers", 100, false); ev != nil {
			t.Fatalf("baseline access flagged: %+v", ev)
		}
	}

	ev := d.ObserveDataAccess(ctx, "dump-src", "/customers", 1000, false)
	if ev == nil || ev.Type != ThreatDataExfiltration || ev.Level != LevelHigh {
		t.Fatalf("expected high data_exfiltration, got %+v", ev)
	}
}

func TestSensitiveExfiltrationIsCritical(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d.ObserveDataAccess(ctx, "dump2-src", "/cards", 100, true)
	}
	ev := d.ObserveDataAccess(ctx, "dump2-src", "/cards", 1000, true)
	if ev == nil || ev.Level != LevelCritical {
		t.Fatalf("expected critical on sensitive exfiltration, got %+v", ev)
	}
}

func TestOffHoursAccess(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	ctx := context.Background()

	// Build daytime history.
	d.now = fixedClock(14)
	for i := 0; i < 30; i++ {
		d.ObserveAPIRequest(ctx, "night-src", "/reports", 200)
	}

	// First request at 23:00 from a daytime-only source.
	d.now = fixedClock(23)
	ev := d.ObserveAPIRequest(ctx, "night-src", "/reports", 200)
	if ev == nil || ev.Type != ThreatUnusualAccessTime || ev.Level != LevelMedium {
		t.Fatalf("expected medium unusual_access_time, got %+v", ev)
	}
}

func TestSimulatedOffHoursIsHigh(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimulateOffHours = true
	d, _ := newTestDetector(cfg)
	d.now = fixedClock(14)

	ev := d.ObserveAPIRequest(context.Background(), "drill-src", "/reports", 200)
	if ev == nil || ev.Type != ThreatUnusualAccessTime || ev.Level != LevelHigh {
		t.Fatalf("expected high unusual_access_time under drill, got %+v", ev)
	}
}

func TestUnblockLiftsBlock(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	d.ObserveAPIRequest(ctx, "pardon-src", "/admin", 200)
	if !d.IsBlocked(ctx, "pardon-src") {
		t.Fatal("expected block after escalation event")
	}

	block, err := d.Unblock(ctx, "pardon-src", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if block.Active || block.UnblockedBy != "alice" {
		t.Errorf("unexpected block state: %+v", block)
	}
	if d.IsBlocked(ctx, "pardon-src") {
		t.Error("block should be lifted")
	}

	if _, err := d.Unblock(ctx, "pardon-src", "alice"); err == nil {
		t.Error("second unblock should fail with no active block")
	}
}

func TestReviewFlow(t *testing.T) {
	d, store := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d.ObserveAuthAttempt(ctx, "rv-src", false)
	}

	pending, err := store.ListEvents(ctx, EventFilter{PendingReview: true, Limit: 10})
	if err != nil || len(pending) == 0 {
		t.Fatalf("expected pending reviews, got %v %v", pending, err)
	}

	reviewed, err := d.ReviewEvent(ctx, pending[0].ID, "bob", "confirmed attack")
	if err != nil {
		t.Fatal(err)
	}
	if !reviewed.Reviewed || reviewed.ReviewedBy != "bob" {
		t.Errorf("review not applied: %+v", reviewed)
	}

	n, err := d.ClearReviewQueue(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	after, _ := store.ListEvents(ctx, EventFilter{PendingReview: true, Limit: 10})
	if len(after) != 0 {
		t.Errorf("review queue not cleared, %d cleared, %d left", n, len(after))
	}
}

func TestRiskProfileAndDashboard(t *testing.T) {
	d, _ := newTestDetector(DefaultConfig())
	d.now = fixedClock(14)
	ctx := context.Background()

	d.ObserveAPIRequest(ctx, "prof-src", "/admin", 200)
	for i := 0; i < 10; i++ {
		d.ObserveAuthAttempt(ctx, "prof-src", false)
	}

	profile, err := d.RiskProfile(ctx, "prof-src")
	if err != nil {
		t.Fatal(err)
	}
	if profile.Score <= 0 {
		t.Errorf("expected positive risk score, got %v", profile.Score)
	}
	if !profile.Blocked {
		t.Error("profile should report the block")
	}
	if profile.ByType[ThreatBruteForce] == 0 || profile.ByType[ThreatPrivilegeEscalation] == 0 {
		t.Errorf("expected both threat types, got %+v", profile.ByType)
	}

	stats, err := d.Dashboard(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEvents == 0 || stats.BlockedSources == 0 {
		t.Errorf("unexpected dashboard: %+v", stats)
	}
}
