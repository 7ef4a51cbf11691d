package session

import (
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/model"
)

// Baselines describe what normal session behavior looks like.
type Baselines struct {
	AvgAmount             float64 // typical transaction amount
	AmountMultiplier      float64 // amounts above multiplier × AvgAmount are anomalous
	ActiveHoursStart      int     // inclusive, local hour
	ActiveHoursEnd        int     // exclusive, local hour
	TypicalTxnsPerSession int
	// RapidSessionAge marks sessions younger than this with many
	// transactions as velocity anomalies.
	RapidSessionAge  time.Duration
	RapidTxnCount    int // transactions needed before velocity scoring starts
	RapidTxnDiscount int // transactions excluded from velocity points
}

// Weights are the points each signal contributes.
type Weights struct {
	Velocity    float64
	Amount      float64
	Beneficiary float64
	TimeOfDay   float64
	Pattern     float64
}

// Levels are the ascending risk-level cut-offs.
type Levels struct {
	Medium   float64
	High     float64
	Critical float64
}

// ScorerConfig bundles scorer tuning.
type ScorerConfig struct {
	Baselines Baselines
	Weights   Weights
	Levels    Levels
}

// DefaultScorerConfig returns production defaults.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		Baselines: Baselines{
			AvgAmount:             2500,
			AmountMultiplier:      3,
			ActiveHoursStart:      9,
			ActiveHoursEnd:        22,
			TypicalTxnsPerSession: 2,
			RapidSessionAge:       2 * time.Minute,
			RapidTxnCount:         5,
			RapidTxnDiscount:      3,
		},
		Weights: Weights{
			Velocity:    20,
			Amount:      30,
			Beneficiary: 25,
			TimeOfDay:   15,
			Pattern:     20,
		},
		Levels: Levels{Medium: 30, High: 60, Critical: 80},
	}
}

// BehavioralScorer computes session risk from five additive signals.
// Score is a pure function of its inputs; the tracker owns all state.
type BehavioralScorer struct {
	cfg ScorerConfig
}

// NewBehavioralScorer creates a scorer with the given configuration.
func NewBehavioralScorer(cfg ScorerConfig) *BehavioralScorer {
	if cfg.Weights == (Weights{}) {
		cfg = DefaultScorerConfig()
	}
	return &BehavioralScorer{cfg: cfg}
}

// Score assesses a session as of the given transaction. The session is
// expected to already include the transaction in its counters.
func (s *BehavioralScorer) Score(sess *Session, txn *model.Transaction) RiskScore {
	b := s.cfg.Baselines
	w := s.cfg.Weights

	result := RiskScore{ScoredAt: time.Now()}
	add := func(name string, points float64, detail string) {
		if points <= 0 {
			return
		}
		result.Score += points
		result.Signals = append(result.Signals, Signal{Name: name, Points: points, Detail: detail})
		result.Anomalies = append(result.Anomalies, name)
	}

	// Velocity: many transactions in a very young session.
	age := txn.Timestamp.Sub(sess.StartedAt)
	if sess.TransactionCount >= b.RapidTxnCount && age < b.RapidSessionAge {
		points := float64(sess.TransactionCount-b.RapidTxnDiscount) * w.Velocity
		add("rapid_transactions", points,
			fmt.Sprintf("%d transactions in %s", sess.TransactionCount, age.Round(time.Second)))
	}

	// Amount deviation: session average or current amount far above baseline.
	ceiling := b.AvgAmount * b.AmountMultiplier
	sessionAvg := 0.0
	if sess.TransactionCount > 0 {
		sessionAvg = sess.TotalAmount / float64(sess.TransactionCount)
	}
	if sessionAvg > ceiling || txn.Amount > ceiling {
		add("amount_deviation", w.Amount,
			fmt.Sprintf("avg %.0f / current %.0f vs baseline %.0f", sessionAvg, txn.Amount, b.AvgAmount))
	}

	// Beneficiary churn: every beneficiary added this session scores.
	if n := len(sess.Beneficiaries); n > 0 {
		add("beneficiary_churn", float64(n)*w.Beneficiary,
			fmt.Sprintf("%d new beneficiaries this session", n))
	}

	// Time of day outside active hours.
	hour := txn.Timestamp.Hour()
	if hour < b.ActiveHoursStart || hour >= b.ActiveHoursEnd {
		add("unusual_hour", w.TimeOfDay, fmt.Sprintf("transaction at %02d:00", hour))
	}

	// Pattern: transaction count far above what a session typically holds.
	if sess.TransactionCount > 2*b.TypicalTxnsPerSession {
		add("unusual_pattern", w.Pattern,
			fmt.Sprintf("%d transactions vs typical %d", sess.TransactionCount, b.TypicalTxnsPerSession))
	}

	if result.Score > 100 {
		result.Score = 100
	}
	if result.Score < 0 {
		result.Score = 0
	}
	result.Level = s.LevelFor(result.Score)
	return result
}

// LevelFor maps a score to its risk level.
func (s *BehavioralScorer) LevelFor(score float64) string {
	l := s.cfg.Levels
	switch {
	case score >= l.Critical:
		return "critical"
	case score >= l.High:
		return "high"
	case score >= l.Medium:
		return "medium"
	default:
		return "low"
	}
}

// CriticalFloor returns the score at which sessions are force-terminated.
func (s *BehavioralScorer) CriticalFloor() float64 {
	return s.cfg.Levels.Critical
}
