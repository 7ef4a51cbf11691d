// Package model defines the shared transaction type and the fraud-model
// collaborator contract. The engine treats the model as a pluggable scorer:
// a real HTTP inference service when configured, a deterministic stub when not.
package model

import "time"

// Transaction is the unit of work flowing through the decision pipeline.
type Transaction struct {
	ID          string    `json:"transaction_id"`
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	IP          string    `json:"ip_address"`
	MerchantID  string    `json:"merchant_id"`
	Beneficiary string    `json:"beneficiary,omitempty"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Timestamp   time.Time `json:"timestamp"`
}

// FeatureContribution is a single feature's contribution to the model score,
// ordered by absolute impact.
type FeatureContribution struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Prediction is the model's view of a transaction.
type Prediction struct {
	Probability  float64               `json:"probability"` // fraud probability in [0,1]
	ModelVersion string                `json:"model_version"`
	TopFeatures  []FeatureContribution `json:"top_features,omitempty"`
}
