// Package pipeline orchestrates the decision flow: validation, rules, model
// scoring, policy combination, and best-effort session bookkeeping, all
// inside a hard latency budget.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/model"
	"github.com/mbd888/sentinel/internal/policy"
	"github.com/mbd888/sentinel/internal/rules"
	"github.com/mbd888/sentinel/internal/session"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
)

// ErrInvalidRequest is returned for requests that fail validation.
var ErrInvalidRequest = errors.New("invalid decision request")

// modelBreakerKey identifies the model service in the circuit breaker.
const modelBreakerKey = "model"

// DecisionRequest is the inbound transaction to decide on.
type DecisionRequest struct {
	TransactionID string  `json:"transaction_id"`
	UserID        string  `json:"user_id"`
	DeviceID      string  `json:"device_id"`
	IP            string  `json:"ip_address"`
	MerchantID    string  `json:"merchant_id"`
	Beneficiary   string  `json:"beneficiary"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Timestamp     string  `json:"timestamp"` // RFC 3339; empty or malformed falls back to now
	SessionID     string  `json:"session_id"`
}

// DecisionResponse is the decided outcome.
type DecisionResponse struct {
	TransactionID string             `json:"transaction_id"`
	Decision      string             `json:"decision"`
	Code          int                `json:"code"`
	Score         float64            `json:"score"`
	Reasons       []string           `json:"reasons"`
	ModelVersion  string             `json:"model_version,omitempty"`
	SessionRisk   *session.RiskScore `json:"session_risk,omitempty"`
	Degraded      bool               `json:"degraded"`
	LatencyMS     float64            `json:"latency_ms"`
	DecidedAt     time.Time          `json:"decided_at"`
}

// Config tunes the pipeline.
type Config struct {
	// Budget bounds the whole Decide call; optional stages are skipped
	// once it runs short.
	Budget time.Duration
	// ModelTimeout bounds the model call within the budget.
	ModelTimeout time.Duration
}

// Service runs the decision pipeline.
type Service struct {
	cfg        Config
	rules      *rules.Engine
	combinator *policy.Combinator
	scorer     model.Scorer
	fallback   model.Scorer
	breaker    *circuitbreaker.Breaker
	tracker    *session.Tracker
	logger     *slog.Logger

	// onDecision, when set, receives every decision (realtime fan-out).
	onDecision func(*DecisionResponse)
}

// NewService wires the pipeline together. tracker may be nil when session
// tracking is disabled.
func NewService(cfg Config, engine *rules.Engine, combinator *policy.Combinator, scorer model.Scorer, tracker *session.Tracker, logger *slog.Logger) *Service {
	if cfg.Budget <= 0 {
		cfg.Budget = 150 * time.Millisecond
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 40 * time.Millisecond
	}
	return &Service{
		cfg:        cfg,
		rules:      engine,
		combinator: combinator,
		scorer:     scorer,
		fallback:   model.NewStubScorer(),
		breaker:    circuitbreaker.New(5, 30*time.Second),
		tracker:    tracker,
		logger:     logger,
	}
}

// WithDecisionHook registers a callback invoked for every decision.
func (s *Service) WithDecisionHook(fn func(*DecisionResponse)) *Service {
	s.onDecision = fn
	return s
}

// Decide runs the full pipeline. It never returns a silent Allow on an
// internal failure: errors inside the pipeline degrade to a Review decision.
func (s *Service) Decide(ctx context.Context, req DecisionRequest) (*DecisionResponse, error) {
	start := time.Now()

	if errs := validation.Validate(
		validation.Required("user_id", req.UserID),
		validation.Required("transaction_id", req.TransactionID),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		return nil, &RequestError{Errors: errs}
	}

	ts, fellBack := validation.ParseTimestamp(req.Timestamp, start)
	if fellBack && req.Timestamp != "" {
		logging.L(ctx).Warn("unparseable timestamp, using now",
			"transaction", req.TransactionID, "timestamp", req.Timestamp)
	}

	txn := &model.Transaction{
		ID:          req.TransactionID,
		UserID:      req.UserID,
		DeviceID:    req.DeviceID,
		IP:          req.IP,
		MerchantID:  req.MerchantID,
		Beneficiary: req.Beneficiary,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Timestamp:   ts,
	}

	resp := s.decide(ctx, txn, req.SessionID, start)
	resp.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0

	metrics.DecisionsTotal.WithLabelValues(resp.Decision).Inc()
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())
	logging.L(ctx).Info("decision",
		"transaction", resp.TransactionID,
		"decision", resp.Decision,
		"score", resp.Score,
		"latency_ms", resp.LatencyMS,
	)

	if s.onDecision != nil {
		s.onDecision(resp)
	}
	return resp, nil
}

func (s *Service) decide(ctx context.Context, txn *model.Transaction, sessionID string, start time.Time) *DecisionResponse {
	ctx, span := traces.StartSpan(ctx, "pipeline.decide",
		traces.TransactionID(txn.ID), traces.UserID(txn.UserID), traces.Amount(txn.Amount))
	defer span.End()

	// A terminated session blocks everything it touches.
	if sessionID != "" && s.tracker != nil {
		sess, err := s.tracker.Get(ctx, sessionID)
		switch {
		case err != nil && !errors.Is(err, session.ErrSessionNotFound):
			return s.failSafe(ctx, txn, "session lookup failed", err)
		case err == nil && sess.Terminated():
			return &DecisionResponse{
				TransactionID: txn.ID,
				Decision:      policy.Block.String(),
				Code:          int(policy.Block),
				Score:         1.0,
				Reasons:       []string{"session_terminated"},
				DecidedAt:     time.Now(),
			}
		}
	}

	verdict := s.evaluateRules(ctx, txn)

	var pred *model.Prediction
	degraded := false
	if !verdict.Blocked() {
		pred, degraded = s.predict(ctx, txn)
	}

	decision := s.combinator.Decide(verdict, pred)

	resp := &DecisionResponse{
		TransactionID: txn.ID,
		Decision:      decision.Label,
		Code:          int(decision.Code),
		Score:         decision.Score,
		Reasons:       decision.Reasons,
		Degraded:      degraded,
		DecidedAt:     decision.DecidedAt,
	}
	if pred != nil {
		resp.ModelVersion = pred.ModelVersion
	}

	// Session bookkeeping is best-effort and budget-bounded: a slow or
	// failing store must not take the decision path down with it.
	if sessionID != "" && s.tracker != nil {
		if time.Since(start) >= s.cfg.Budget {
			resp.Degraded = true
			logging.L(ctx).Warn("budget exhausted, skipping session scoring",
				"transaction", txn.ID, "session", sessionID)
		} else {
			score, _, err := s.tracker.RecordTransaction(ctx, sessionID, txn)
			switch {
			case errors.Is(err, session.ErrSessionNotFound):
				// Caller supplied an unknown session; decision stands.
			case err != nil:
				resp.Degraded = true
				logging.L(ctx).Warn("session scoring failed",
					"transaction", txn.ID, "session", sessionID, "error", err)
			default:
				resp.SessionRisk = score
			}
		}
	}

	return resp
}

func (s *Service) evaluateRules(ctx context.Context, txn *model.Transaction) *rules.Verdict {
	ctx, span := traces.StartSpan(ctx, "pipeline.rules")
	defer span.End()

	verdict := s.rules.Evaluate(ctx, txn)
	for _, flag := range verdict.Flags {
		metrics.RuleHitsTotal.WithLabelValues(flag).Inc()
	}
	return verdict
}

// predict calls the model within its timeout, falling back to the stub on
// any failure. Repeated failures trip a circuit breaker so a dead model
// service stops costing the timeout on every decision. The bool reports
// whether the fallback was used.
func (s *Service) predict(ctx context.Context, txn *model.Transaction) (*model.Prediction, bool) {
	ctx, span := traces.StartSpan(ctx, "pipeline.model")
	defer span.End()

	if !s.breaker.Allow(modelBreakerKey) {
		metrics.ModelFallbacksTotal.Inc()
		pred, _ := s.fallback.Predict(ctx, txn)
		return pred, true
	}

	mctx, cancel := context.WithTimeout(ctx, s.cfg.ModelTimeout)
	defer cancel()

	pred, err := s.scorer.Predict(mctx, txn)
	if err == nil {
		s.breaker.RecordSuccess(modelBreakerKey)
		return pred, false
	}

	s.breaker.RecordFailure(modelBreakerKey)
	metrics.ModelFallbacksTotal.Inc()
	logging.L(ctx).Warn("model call failed, using stub scorer",
		"transaction", txn.ID, "error", err)
	pred, _ = s.fallback.Predict(ctx, txn)
	return pred, true
}

// failSafe converts an internal error into a Review decision. The engine
// must never fail open.
func (s *Service) failSafe(ctx context.Context, txn *model.Transaction, msg string, err error) *DecisionResponse {
	logging.L(ctx).Error("pipeline internal error",
		"transaction", txn.ID, "stage", msg, "error", err)
	return &DecisionResponse{
		TransactionID: txn.ID,
		Decision:      policy.Review.String(),
		Code:          int(policy.Review),
		Score:         0,
		Reasons:       []string{"internal_error: " + msg},
		Degraded:      true,
		DecidedAt:     time.Now(),
	}
}

// RequestError carries field-level validation failures.
type RequestError struct {
	Errors validation.ValidationErrors
}

func (e *RequestError) Error() string {
	return e.Errors.Error()
}

func (e *RequestError) Unwrap() error {
	return ErrInvalidRequest
}
