package session

import (
	"testing"
	"time"

	"github.com/mbd888/sentinel/internal/model"
)

func daytimeTxn(amount float64) *model.Transaction {
	now := time.Now()
	return &model.Transaction{
		ID:        "txn-1",
		UserID:    "u1",
		Amount:    amount,
		Currency:  "USD",
		Timestamp: time.Date(now.Year(), now.Month(), now.Day(), 14, 0, 0, 0, time.Local),
	}
}

func TestQuietSessionScoresLow(t *testing.T) {
	scorer := NewBehavioralScorer(DefaultScorerConfig())
	txn := daytimeTxn(100)
	sess := &Session{
		StartedAt:        txn.Timestamp.Add(-10 * time.Minute),
		TransactionCount: 1,
		TotalAmount:      100,
	}

	score := scorer.Score(sess, txn)
	if score.Score != 0 || score.Level != "low" {
		t.Fatalf("expected zero low score, got %+v", score)
	}
	if len(score.Signals) != 0 {
		t.Errorf("expected no signals, got %v", score.Signals)
	}
}

func TestHighRiskSessionScoresHighWithMultipleSignals(t *testing.T) {
	scorer := NewBehavioralScorer(DefaultScorerConfig())
	txn := daytimeTxn(10000) // above 3x baseline 2500
	sess := &Session{
		StartedAt:        txn.Timestamp.Add(-time.Minute), // rapid session
		TransactionCount: 6,
		TotalAmount:      25000,
		Beneficiaries:    []string{"acct-1", "acct-2", "acct-3"},
	}

	score := scorer.Score(sess, txn)
	if score.Score < 50 {
		t.Fatalf("expected score >= 50, got %v", score.Score)
	}
	if len(score.Signals) < 2 {
		t.Errorf("expected at least 2 signals, got %v", score.Signals)
	}
	if score.Level != "critical" {
		t.Errorf("expected critical level, got %s", score.Level)
	}
}

func TestLargeNightTransferWithNewBeneficiary(t *testing.T) {
	scorer := NewBehavioralScorer(DefaultScorerConfig())

	// Three normal transactions totaling 9000, then a 70000 transfer at
	// 03:30 to a beneficiary first seen this session.
	now := time.Now()
	txn := &model.Transaction{
		ID:          "txn-night-transfer",
		UserID:      "u1",
		Amount:      70000,
		Beneficiary: "acct-new",
		Timestamp:   time.Date(now.Year(), now.Month(), now.Day(), 3, 30, 0, 0, time.Local),
	}
	sess := &Session{
		StartedAt:        txn.Timestamp.Add(-30 * time.Minute),
		TransactionCount: 4,
		TotalAmount:      79000,
		Beneficiaries:    []string{"acct-new"},
	}

	score := scorer.Score(sess, txn)
	if score.Score < 50 {
		t.Fatalf("expected score >= 50, got %v", score.Score)
	}
	if len(score.Signals) < 2 {
		t.Fatalf("expected at least 2 signals, got %+v", score.Signals)
	}
	names := make(map[string]bool)
	for _, s := range score.Signals {
		names[s.Name] = true
	}
	for _, want := range []string{"amount_deviation", "unusual_hour", "beneficiary_churn"} {
		if !names[want] {
			t.Errorf("expected %s signal, got %+v", want, score.Signals)
		}
	}
}

func TestSingleNewBeneficiaryScores(t *testing.T) {
	scorer := NewBehavioralScorer(DefaultScorerConfig())
	txn := daytimeTxn(100)
	txn.Beneficiary = "acct-1"
	sess := &Session{
		StartedAt:        txn.Timestamp.Add(-10 * time.Minute),
		TransactionCount: 1,
		TotalAmount:      100,
		Beneficiaries:    []string{"acct-1"},
	}

	score := scorer.Score(sess, txn)
	if len(score.Signals) != 1 || score.Signals[0].Name != "beneficiary_churn" {
		t.Fatalf("expected beneficiary_churn signal, got %+v", score.Signals)
	}
	if score.Score != 25 {
		t.Errorf("expected 25 points for one new beneficiary, got %v", score.Score)
	}
}

func TestScoreClampedToHundred(t *testing.T) {
	scorer := NewBehavioralScorer(DefaultScorerConfig())
	txn := daytimeTxn(100000)
	sess := &Session{
		StartedAt:        txn.Timestamp.Add(-10 * time.Second),
		TransactionCount: 20,
		TotalAmount:      500000,
		Beneficiaries:    []string{"a", "b", "c", "d", "e", "f"},
	}

	score := scorer.Score(sess, txn)
	if score.Score != 100 {
		t.Fatalf("expected clamp at 100, got %v", score.Score)
	}
}

func TestTimeOfDaySignal(t *testing.T) {
	scorer := NewBehavioralScorer(DefaultScorerConfig())
	now := time.Now()
	txn := &model.Transaction{
		ID:        "txn-night",
		Amount:    100,
		Timestamp: time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, time.Local),
	}
	sess := &Session{
		StartedAt:        txn.Timestamp.Add(-10 * time.Minute),
		TransactionCount: 1,
		TotalAmount:      100,
	}

	score := scorer.Score(sess, txn)
	if len(score.Signals) != 1 || score.Signals[0].Name != "unusual_hour" {
		t.Fatalf("expected only unusual_hour, got %+v", score.Signals)
	}
	if score.Score != 15 {
		t.Errorf("expected 15 points, got %v", score.Score)
	}
}

func TestLevelThresholds(t *testing.T) {
	scorer := NewBehavioralScorer(DefaultScorerConfig())
	cases := []struct {
		score float64
		want  string
	}{
		{0, "low"},
		{29.9, "low"},
		{30, "medium"},
		{59.9, "medium"},
		{60, "high"},
		{79.9, "high"},
		{80, "critical"},
		{100, "critical"},
	}
	for _, tc := range cases {
		if got := scorer.LevelFor(tc.score); got != tc.want {
			t.Errorf("score %.1f: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}
