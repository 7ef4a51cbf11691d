// Package session tracks in-flight user sessions and scores their behavior.
// Sessions accumulate transaction activity; the behavioral scorer turns that
// into a 0..100 risk score, and sessions crossing the critical floor are
// terminated automatically.
package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminated is returned when recording against a terminated
	// session.
	ErrSessionTerminated = errors.New("session is terminated")
)

// Session status values.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
)

// Session is a tracked user session.
type Session struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	DeviceID          string     `json:"device_id,omitempty"`
	Status            string     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	TransactionCount  int        `json:"transaction_count"`
	TotalAmount       float64    `json:"total_amount"`
	Beneficiaries     []string   `json:"beneficiaries,omitempty"`
	RiskScore         float64    `json:"risk_score"`
	RiskLevel         string     `json:"risk_level"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
}

// Terminated reports whether the session has ended.
func (s *Session) Terminated() bool {
	return s.Status == StatusTerminated
}

// HasBeneficiary reports whether the session has already paid this beneficiary.
func (s *Session) HasBeneficiary(b string) bool {
	for _, existing := range s.Beneficiaries {
		if existing == b {
			return true
		}
	}
	return false
}

// Signal is one contribution to a behavioral risk score.
type Signal struct {
	Name   string  `json:"name"`
	Points float64 `json:"points"`
	Detail string  `json:"detail"`
}

// RiskScore is the behavioral assessment of a session at a point in time.
type RiskScore struct {
	Score     float64   `json:"score"` // clamped to [0, 100]
	Level     string    `json:"level"` // low, medium, high, critical
	Signals   []Signal  `json:"signals"`
	Anomalies []string  `json:"anomalies"`
	ScoredAt  time.Time `json:"scored_at"`
}

// Event is an audit-trail entry for a session.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	RiskScore float64   `json:"risk_score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event types recorded on the session audit trail.
const (
	EventStarted     = "session_started"
	EventTransaction = "transaction_recorded"
	EventTerminated  = "session_terminated"
)

// Stats summarizes tracked sessions for the ops dashboard.
type Stats struct {
	ActiveSessions     int     `json:"active_sessions"`
	SuspiciousSessions int     `json:"suspicious_sessions"`
	AverageRiskScore   float64 `json:"average_risk_score"`
}
