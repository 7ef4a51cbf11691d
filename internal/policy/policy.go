// Package policy combines the rules verdict and the model prediction into a
// final decision code. Rule blocks short-circuit; otherwise the model
// probability is mapped through ascending thresholds, floored by the rule
// verdict's severity.
package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/model"
	"github.com/mbd888/sentinel/internal/rules"
)

// Code is the final decision, ordered by severity.
type Code int

const (
	Allow Code = iota
	Monitor
	StepUp
	Review
	Block
)

// String returns the wire name for a decision code.
func (c Code) String() string {
	switch c {
	case Allow:
		return "allow"
	case Monitor:
		return "monitor"
	case StepUp:
		return "step_up"
	case Review:
		return "review"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Decision is the combined outcome for one transaction.
type Decision struct {
	Code      Code      `json:"code"`
	Label     string    `json:"label"`
	Score     float64   `json:"score"` // fraud probability; 1.0 on rule block
	Reasons   []string  `json:"reasons"`
	DecidedAt time.Time `json:"decided_at"`
}

// Thresholds are the ascending score cut-offs for Monitor, StepUp, Review,
// and Block respectively.
type Thresholds [4]float64

// DefaultThresholds returns production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{0.35, 0.55, 0.75, 0.90}
}

func (t Thresholds) validate() error {
	prev := 0.0
	for i, v := range t {
		if v <= prev || v > 1 {
			return fmt.Errorf("threshold %d out of order: %v", i, t)
		}
		prev = v
	}
	return nil
}

// Combinator maps (verdict, prediction) pairs to decisions. Thresholds can
// be updated at runtime from the ops surface.
type Combinator struct {
	mu         sync.RWMutex
	thresholds Thresholds
}

// NewCombinator creates a combinator with the given thresholds.
func NewCombinator(t Thresholds) (*Combinator, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &Combinator{thresholds: t}, nil
}

// Decide produces the final decision. A rule block wins outright and the
// model is never consulted; pred may be nil in that case. Otherwise the
// decision is monotonic in the model score and never below the severity the
// rules demanded.
func (c *Combinator) Decide(verdict *rules.Verdict, pred *model.Prediction) *Decision {
	now := time.Now()

	if verdict.Blocked() {
		return &Decision{
			Code:      Block,
			Label:     Block.String(),
			Score:     1.0,
			Reasons:   append([]string{}, verdict.Flags...),
			DecidedAt: now,
		}
	}

	c.mu.RLock()
	t := c.thresholds
	c.mu.RUnlock()

	code := Allow
	switch {
	case pred.Probability >= t[3]:
		code = Block
	case pred.Probability >= t[2]:
		code = Review
	case pred.Probability >= t[1]:
		code = StepUp
	case pred.Probability >= t[0]:
		code = Monitor
	}

	// Rules can raise the floor but never lower the model's verdict.
	if floor := ruleFloor(verdict.Action); floor > code {
		code = floor
	}

	reasons := append([]string{}, verdict.Flags...)
	reasons = append(reasons, fmt.Sprintf("fraud probability: %.1f%%", pred.Probability*100))
	for i, f := range pred.TopFeatures {
		if i >= 2 {
			break
		}
		reasons = append(reasons, fmt.Sprintf("model feature %s: %.3f", f.Name, f.Value))
	}

	return &Decision{
		Code:      code,
		Label:     code.String(),
		Score:     pred.Probability,
		Reasons:   reasons,
		DecidedAt: now,
	}
}

// UpdateThreshold changes a single cut-off at runtime. The resulting set
// must stay strictly ascending in (0, 1].
func (c *Combinator) UpdateThreshold(index int, value float64) error {
	if index < 0 || index >= len(DefaultThresholds()) {
		return fmt.Errorf("threshold index %d out of range", index)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.thresholds
	next[index] = value
	if err := next.validate(); err != nil {
		return err
	}
	c.thresholds = next
	return nil
}

// CurrentThresholds returns a snapshot of the active cut-offs.
func (c *Combinator) CurrentThresholds() Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thresholds
}

func ruleFloor(a rules.Action) Code {
	switch a {
	case rules.StepUp:
		return StepUp
	case rules.Review:
		return Review
	case rules.Block:
		return Block
	default:
		return Allow
	}
}
