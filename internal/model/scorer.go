package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"time"
)

// Scorer produces a fraud probability for a transaction.
type Scorer interface {
	Predict(ctx context.Context, txn *Transaction) (*Prediction, error)
}

// StubScorer is a deterministic fallback scorer used when no model endpoint
// is configured or the model call fails. The score is derived from a hash of
// the transaction identity plus a mild amount ramp, so repeated calls with
// the same transaction always agree and tests stay reproducible.
type StubScorer struct{}

// NewStubScorer creates a stub scorer.
func NewStubScorer() *StubScorer {
	return &StubScorer{}
}

// Predict returns a deterministic pseudo-probability in [0, 0.5).
func (s *StubScorer) Predict(_ context.Context, txn *Transaction) (*Prediction, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(txn.UserID))
	_, _ = h.Write([]byte(txn.ID))
	base := float64(h.Sum32()%1000) / 4000.0 // [0, 0.25)

	// Large amounts nudge the stub upward so demo traffic looks plausible.
	ramp := txn.Amount / 50000.0
	if ramp > 0.25 {
		ramp = 0.25
	}
	p := base + ramp

	return &Prediction{
		Probability:  p,
		ModelVersion: "stub_v1",
		TopFeatures: []FeatureContribution{
			{Name: "amount", Value: ramp},
			{Name: "user_hash", Value: base},
		},
	}, nil
}

// HTTPScorer calls a remote inference service over HTTP. Failures are
// returned to the caller, which is expected to fall back to the stub.
type HTTPScorer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPScorer creates a scorer backed by an HTTP inference endpoint.
// The timeout bounds the whole call; keep it well under the decision budget.
func NewHTTPScorer(endpoint string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	Transaction *Transaction `json:"transaction"`
}

// Predict posts the transaction to the inference endpoint.
func (s *HTTPScorer) Predict(ctx context.Context, txn *Transaction) (*Prediction, error) {
	body, err := json.Marshal(predictRequest{Transaction: txn})
	if err != nil {
		return nil, fmt.Errorf("encode predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model call: unexpected status %d", resp.StatusCode)
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("decode prediction: %w", err)
	}
	if pred.Probability < 0 || pred.Probability > 1 {
		return nil, fmt.Errorf("model returned probability out of range: %f", pred.Probability)
	}
	return &pred, nil
}
