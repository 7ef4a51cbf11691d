package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/mbd888/sentinel/internal/model"
	"github.com/mbd888/sentinel/internal/policy"
	"github.com/mbd888/sentinel/internal/rules"
	"github.com/mbd888/sentinel/internal/session"
)

type fakeScorer struct {
	prob  float64
	err   error
	calls int
}

func (f *fakeScorer) Predict(_ context.Context, txn *model.Transaction) (*model.Prediction, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.Prediction{Probability: f.prob, ModelVersion: "fake_v1"}, nil
}

func newTestService(scorer model.Scorer) (*Service, *rules.Engine) {
	engine := rules.NewEngine(rules.DefaultConfig())
	combinator, _ := policy.NewCombinator(policy.DefaultThresholds())
	svc := NewService(Config{}, engine, combinator, scorer, nil, slog.Default())
	return svc, engine
}

func decisionReq(user string, amount float64) DecisionRequest {
	return DecisionRequest{
		TransactionID: "txn-1",
		UserID:        user,
		DeviceID:      "dev-1",
		Amount:        amount,
		Currency:      "USD",
	}
}

func TestDeniedUserBlocksWithoutModel(t *testing.T) {
	scorer := &fakeScorer{prob: 0.01}
	svc, engine := newTestService(scorer)
	engine.Deny(rules.DenyUser, "fraud_user_1")

	resp, err := svc.Decide(context.Background(), decisionReq("fraud_user_1", 50))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != "block" {
		t.Errorf("expected block, got %s", resp.Decision)
	}
	if len(resp.Reasons) == 0 || resp.Reasons[0] != "denied_user" {
		t.Errorf("expected denied_user reason, got %v", resp.Reasons)
	}
	if scorer.calls != 0 {
		t.Errorf("model must not be consulted on a rule block, got %d calls", scorer.calls)
	}
	if resp.Score != 1.0 {
		t.Errorf("expected score 1.0, got %v", resp.Score)
	}
}

func TestModelFailureFallsBackToStub(t *testing.T) {
	scorer := &fakeScorer{err: errors.New("connection refused")}
	svc, _ := newTestService(scorer)

	resp, err := svc.Decide(context.Background(), decisionReq("u1", 50))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Degraded {
		t.Error("expected degraded response")
	}
	if resp.ModelVersion != "stub_v1" {
		t.Errorf("expected stub model version, got %s", resp.ModelVersion)
	}
	if resp.Decision == "" {
		t.Error("fallback must still produce a decision")
	}
}

func TestHighProbabilityBlocks(t *testing.T) {
	svc, _ := newTestService(&fakeScorer{prob: 0.95})

	resp, err := svc.Decide(context.Background(), decisionReq("u1", 50))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != "block" {
		t.Errorf("expected block at 0.95, got %s", resp.Decision)
	}
	if resp.ModelVersion != "fake_v1" {
		t.Errorf("expected fake model version, got %s", resp.ModelVersion)
	}
}

func TestLowProbabilityAllows(t *testing.T) {
	svc, _ := newTestService(&fakeScorer{prob: 0.05})

	resp, err := svc.Decide(context.Background(), decisionReq("u1", 50))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != "allow" {
		t.Errorf("expected allow at 0.05, got %s", resp.Decision)
	}
}

func TestValidationRejectsBadRequests(t *testing.T) {
	svc, _ := newTestService(&fakeScorer{prob: 0.05})

	cases := []DecisionRequest{
		{TransactionID: "t1", UserID: "u1", Amount: 0},
		{TransactionID: "t1", UserID: "u1", Amount: -5},
		{TransactionID: "t1", UserID: "", Amount: 50},
		{TransactionID: "", UserID: "u1", Amount: 50},
	}
	for i, req := range cases {
		if _, err := svc.Decide(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
}

func TestMalformedTimestampFallsBackToNow(t *testing.T) {
	svc, _ := newTestService(&fakeScorer{prob: 0.05})

	req := decisionReq("u1", 50)
	req.Timestamp = "not-a-timestamp"
	resp, err := svc.Decide(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != "allow" {
		t.Errorf("expected allow, got %s", resp.Decision)
	}
}

func TestTerminatedSessionBlocks(t *testing.T) {
	engine := rules.NewEngine(rules.DefaultConfig())
	combinator, _ := policy.NewCombinator(policy.DefaultThresholds())
	tracker := session.NewTracker(session.NewMemoryStore(), session.NewBehavioralScorer(session.DefaultScorerConfig()), slog.Default())
	svc := NewService(Config{}, engine, combinator, &fakeScorer{prob: 0.05}, tracker, slog.Default())

	ctx := context.Background()
	sess, err := tracker.Create(ctx, "u1", "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.Terminate(ctx, sess.ID, "manual"); err != nil {
		t.Fatal(err)
	}

	req := decisionReq("u1", 50)
	req.SessionID = sess.ID
	resp, err := svc.Decide(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != "block" {
		t.Errorf("expected block for terminated session, got %s", resp.Decision)
	}
	if len(resp.Reasons) != 1 || resp.Reasons[0] != "session_terminated" {
		t.Errorf("expected session_terminated reason, got %v", resp.Reasons)
	}
}

func TestSessionRiskAttached(t *testing.T) {
	engine := rules.NewEngine(rules.DefaultConfig())
	combinator, _ := policy.NewCombinator(policy.DefaultThresholds())
	tracker := session.NewTracker(session.NewMemoryStore(), session.NewBehavioralScorer(session.DefaultScorerConfig()), slog.Default())
	svc := NewService(Config{}, engine, combinator, &fakeScorer{prob: 0.05}, tracker, slog.Default())

	ctx := context.Background()
	sess, err := tracker.Create(ctx, "u1", "dev-1")
	if err != nil {
		t.Fatal(err)
	}

	req := decisionReq("u1", 50)
	req.SessionID = sess.ID
	resp, err := svc.Decide(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.SessionRisk == nil {
		t.Fatal("expected session risk on response")
	}
	if resp.SessionRisk.Level != "low" {
		t.Errorf("expected low session risk, got %s", resp.SessionRisk.Level)
	}
}

func TestUnknownSessionDoesNotFailDecision(t *testing.T) {
	engine := rules.NewEngine(rules.DefaultConfig())
	combinator, _ := policy.NewCombinator(policy.DefaultThresholds())
	tracker := session.NewTracker(session.NewMemoryStore(), session.NewBehavioralScorer(session.DefaultScorerConfig()), slog.Default())
	svc := NewService(Config{}, engine, combinator, &fakeScorer{prob: 0.05}, tracker, slog.Default())

	req := decisionReq("u1", 50)
	req.SessionID = "sess_missing"
	resp, err := svc.Decide(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != "allow" {
		t.Errorf("expected allow, got %s", resp.Decision)
	}
	if resp.SessionRisk != nil {
		t.Error("expected no session risk for unknown session")
	}
}

func TestDecisionHookInvoked(t *testing.T) {
	svc, _ := newTestService(&fakeScorer{prob: 0.05})

	var seen *DecisionResponse
	svc.WithDecisionHook(func(r *DecisionResponse) { seen = r })

	resp, err := svc.Decide(context.Background(), decisionReq("u1", 50))
	if err != nil {
		t.Fatal(err)
	}
	if seen == nil || seen.TransactionID != resp.TransactionID {
		t.Errorf("hook not invoked with decision, got %+v", seen)
	}
}

func TestRepeatedModelFailuresTripBreaker(t *testing.T) {
	scorer := &fakeScorer{err: errors.New("connection refused")}
	svc, _ := newTestService(scorer)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		resp, err := svc.Decide(ctx, decisionReq("u1", 50))
		if err != nil {
			t.Fatal(err)
		}
		if !resp.Degraded {
			t.Fatalf("decision %d: expected degraded response", i)
		}
	}

	// After five consecutive failures the breaker opens and the scorer is
	// no longer consulted.
	if scorer.calls != 5 {
		t.Errorf("expected 5 model calls before the circuit opens, got %d", scorer.calls)
	}
}

func TestEleventhTransactionInHourFlagsVelocity(t *testing.T) {
	svc, _ := newTestService(&fakeScorer{prob: 0.05})

	ctx := context.Background()
	var resp *DecisionResponse
	var err error
	for i := 0; i < 11; i++ {
		resp, err = svc.Decide(ctx, decisionReq("velocity_user", 50))
		if err != nil {
			t.Fatal(err)
		}
	}

	found := false
	for _, r := range resp.Reasons {
		if r == rules.FlagVelocityUser1h {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s on 11th transaction, got %v", rules.FlagVelocityUser1h, resp.Reasons)
	}
}
