package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists sessions and session events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the session tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id                  VARCHAR(36) PRIMARY KEY,
			user_id             VARCHAR(128) NOT NULL,
			device_id           VARCHAR(128) NOT NULL DEFAULT '',
			status              VARCHAR(16) NOT NULL CHECK (status IN ('active', 'terminated')),
			started_at          TIMESTAMPTZ NOT NULL,
			last_activity_at    TIMESTAMPTZ NOT NULL,
			transaction_count   INTEGER NOT NULL DEFAULT 0,
			total_amount        NUMERIC(14,2) NOT NULL DEFAULT 0,
			beneficiaries       TEXT[] NOT NULL DEFAULT '{}',
			risk_score          NUMERIC(5,2) NOT NULL DEFAULT 0,
			risk_level          VARCHAR(10) NOT NULL DEFAULT 'low',
			terminated_at       TIMESTAMPTZ,
			termination_reason  VARCHAR(64) NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user
			ON sessions (user_id, started_at DESC);

		CREATE INDEX IF NOT EXISTS idx_sessions_active
			ON sessions (last_activity_at DESC) WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS session_events (
			id          VARCHAR(36) PRIMARY KEY,
			session_id  VARCHAR(36) NOT NULL REFERENCES sessions(id),
			event_type  VARCHAR(32) NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			risk_score  NUMERIC(5,2) NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_session_events_session
			ON session_events (session_id, created_at);
	`)
	return err
}

// SaveSession upserts a session.
func (s *PostgresStore) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, user_id, device_id, status, started_at, last_activity_at,
			 transaction_count, total_amount, beneficiaries, risk_score,
			 risk_level, terminated_at, termination_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_activity_at = EXCLUDED.last_activity_at,
			transaction_count = EXCLUDED.transaction_count,
			total_amount = EXCLUDED.total_amount,
			beneficiaries = EXCLUDED.beneficiaries,
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			terminated_at = EXCLUDED.terminated_at,
			termination_reason = EXCLUDED.termination_reason
	`,
		sess.ID, sess.UserID, sess.DeviceID, sess.Status, sess.StartedAt,
		sess.LastActivityAt, sess.TransactionCount, sess.TotalAmount,
		pq.Array(sess.Beneficiaries), sess.RiskScore, sess.RiskLevel,
		sess.TerminatedAt, sess.TerminationReason,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+" WHERE id = $1", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// UpdateSession replaces a stored session.
func (s *PostgresStore) UpdateSession(ctx context.Context, sess *Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = $2, last_activity_at = $3, transaction_count = $4,
			total_amount = $5, beneficiaries = $6, risk_score = $7,
			risk_level = $8, terminated_at = $9, termination_reason = $10
		WHERE id = $1
	`,
		sess.ID, sess.Status, sess.LastActivityAt, sess.TransactionCount,
		sess.TotalAmount, pq.Array(sess.Beneficiaries), sess.RiskScore,
		sess.RiskLevel, sess.TerminatedAt, sess.TerminationReason,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

const sessionSelect = `
	SELECT id, user_id, device_id, status, started_at, last_activity_at,
	       transaction_count, total_amount, beneficiaries, risk_score,
	       risk_level, terminated_at, termination_reason
	FROM sessions`

// ListActive returns active sessions, most recently active first.
func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Session, error) {
	return s.query(ctx, sessionSelect+`
		WHERE status = 'active'
		ORDER BY last_activity_at DESC LIMIT $1`, limit)
}

// ListSuspicious returns active sessions at or above the given risk score.
func (s *PostgresStore) ListSuspicious(ctx context.Context, minScore float64, limit int) ([]*Session, error) {
	return s.query(ctx, sessionSelect+`
		WHERE status = 'active' AND risk_score >= $2
		ORDER BY risk_score DESC LIMIT $1`, limit, minScore)
}

// ListStale returns active sessions idle since before the cutoff.
func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	return s.query(ctx, sessionSelect+`
		WHERE status = 'active' AND last_activity_at < $2
		ORDER BY last_activity_at ASC LIMIT $1`, limit, cutoff)
}

func (s *PostgresStore) query(ctx context.Context, query string, limit int, args ...interface{}) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query, append([]interface{}{limit}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// AppendEvent inserts a session audit event.
func (s *PostgresStore) AppendEvent(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (id, session_id, event_type, detail, risk_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, event.ID, event.SessionID, event.Type, event.Detail, event.RiskScore, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append session event: %w", err)
	}
	return nil
}

// ListEvents returns a session's events, oldest first.
func (s *PostgresStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event_type, detail, risk_score, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY created_at ASC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Detail, &e.RiskScore, &e.CreatedAt); err != nil {
			continue
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var terminatedAt sql.NullTime

	if err := row.Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.Status,
		&sess.StartedAt, &sess.LastActivityAt, &sess.TransactionCount,
		&sess.TotalAmount, pq.Array(&sess.Beneficiaries), &sess.RiskScore,
		&sess.RiskLevel, &terminatedAt, &sess.TerminationReason); err != nil {
		return nil, err
	}
	if terminatedAt.Valid {
		t := terminatedAt.Time
		sess.TerminatedAt = &t
	}
	return &sess, nil
}
