package security

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
)

// PostgresStore persists threat events, blocks, and the audit trail in
// PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed security store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the security tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS threat_events (
			id               VARCHAR(36) PRIMARY KEY,
			source           VARCHAR(128) NOT NULL,
			threat_type      VARCHAR(32) NOT NULL,
			level            SMALLINT NOT NULL CHECK (level BETWEEN 0 AND 3),
			description      TEXT NOT NULL,
			endpoint         VARCHAR(256) NOT NULL DEFAULT '',
			details          JSONB NOT NULL DEFAULT '{}',
			requires_review  BOOLEAN NOT NULL DEFAULT FALSE,
			reviewed         BOOLEAN NOT NULL DEFAULT FALSE,
			reviewed_by      VARCHAR(128) NOT NULL DEFAULT '',
			review_note      TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_threat_events_source
			ON threat_events (source, created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_threat_events_review
			ON threat_events (created_at DESC) WHERE requires_review AND NOT reviewed;

		CREATE TABLE IF NOT EXISTS blocked_sources (
			id            VARCHAR(36) PRIMARY KEY,
			source        VARCHAR(128) NOT NULL,
			reason        TEXT NOT NULL,
			level         SMALLINT NOT NULL,
			active        BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			unblocked_at  TIMESTAMPTZ,
			unblocked_by  VARCHAR(128) NOT NULL DEFAULT ''
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_blocked_sources_one_active
			ON blocked_sources (source) WHERE active;

		CREATE TABLE IF NOT EXISTS security_audit (
			id          VARCHAR(36) PRIMARY KEY,
			actor       VARCHAR(128) NOT NULL,
			action      VARCHAR(64) NOT NULL,
			target      VARCHAR(256) NOT NULL DEFAULT '',
			detail      TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// SaveEvent inserts a threat event. Re-inserting an existing ID is a no-op.
func (s *PostgresStore) SaveEvent(ctx context.Context, event *ThreatEvent) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threat_events
			(id, source, threat_type, level, description, endpoint, details,
			 requires_review, reviewed, reviewed_by, review_note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`,
		event.ID, event.Source, string(event.Type), int(event.Level),
		event.Description, event.Endpoint, detailsJSON,
		event.RequiresReview, event.Reviewed, event.ReviewedBy, event.ReviewNote,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save threat event: %w", err)
	}
	return nil
}

// GetEvent returns a threat event by ID.
func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*ThreatEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, threat_type, level, description, endpoint, details,
		       requires_review, reviewed, reviewed_by, review_note, created_at
		FROM threat_events WHERE id = $1
	`, id)

	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	return event, err
}

// ListEvents returns matching events, newest first.
func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]*ThreatEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, source, threat_type, level, description, endpoint, details,
		       requires_review, reviewed, reviewed_by, review_note, created_at
		FROM threat_events WHERE 1=1`
	var args []interface{}

	if filter.Source != "" {
		args = append(args, filter.Source)
		query += " AND source = $" + strconv.Itoa(len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += " AND threat_type = $" + strconv.Itoa(len(args))
	}
	if filter.MinLevel > LevelLow {
		args = append(args, int(filter.MinLevel))
		query += " AND level >= $" + strconv.Itoa(len(args))
	}
	if filter.PendingReview {
		query += " AND requires_review AND NOT reviewed"
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += " AND created_at >= $" + strconv.Itoa(len(args))
	}
	if !filter.Before.IsZero() {
		args = append(args, filter.Before)
		query += " AND created_at < $" + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list threat events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*ThreatEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			continue
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

// UpdateEvent persists review-state changes for an event.
func (s *PostgresStore) UpdateEvent(ctx context.Context, event *ThreatEvent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threat_events
		SET reviewed = $2, reviewed_by = $3, review_note = $4
		WHERE id = $1
	`, event.ID, event.Reviewed, event.ReviewedBy, event.ReviewNote)
	if err != nil {
		return fmt.Errorf("failed to update threat event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// ClearReviewQueue marks all pending events reviewed.
func (s *PostgresStore) ClearReviewQueue(ctx context.Context, actor string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threat_events
		SET reviewed = TRUE, reviewed_by = $1
		WHERE requires_review AND NOT reviewed
	`, actor)
	if err != nil {
		return 0, fmt.Errorf("failed to clear review queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveBlock deactivates any previous active block for the source, then
// inserts the new one.
func (s *PostgresStore) SaveBlock(ctx context.Context, block *BlockRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE blocked_sources SET active = FALSE WHERE source = $1 AND active
	`, block.Source); err != nil {
		return fmt.Errorf("failed to deactivate previous block: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocked_sources (id, source, reason, level, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, block.ID, block.Source, block.Reason, int(block.Level), block.Active, block.CreatedAt); err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}

	return tx.Commit()
}

// GetActiveBlock returns the active block for a source, if any.
func (s *PostgresStore) GetActiveBlock(ctx context.Context, source string) (*BlockRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, reason, level, active, created_at, unblocked_at, unblocked_by
		FROM blocked_sources WHERE source = $1 AND active
	`, source)

	block, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, ErrBlockNotFound
	}
	return block, err
}

// ListBlocks returns blocks, newest first.
func (s *PostgresStore) ListBlocks(ctx context.Context, activeOnly bool) ([]*BlockRecord, error) {
	query := `
		SELECT id, source, reason, level, active, created_at, unblocked_at, unblocked_by
		FROM blocked_sources`
	if activeOnly {
		query += " WHERE active"
	}
	query += " ORDER BY created_at DESC LIMIT 500"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*BlockRecord
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			continue
		}
		result = append(result, block)
	}
	return result, rows.Err()
}

// Unblock deactivates the active block for a source.
func (s *PostgresStore) Unblock(ctx context.Context, source, actor string) (*BlockRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE blocked_sources
		SET active = FALSE, unblocked_at = NOW(), unblocked_by = $2
		WHERE source = $1 AND active
		RETURNING id, source, reason, level, active, created_at, unblocked_at, unblocked_by
	`, source, actor)

	block, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, ErrBlockNotFound
	}
	return block, err
}

// AppendAudit inserts an audit entry.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_audit (id, actor, action, target, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.Actor, entry.Action, entry.Target, entry.Detail, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, target, detail, created_at
		FROM security_audit ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.Detail, &e.CreatedAt); err != nil {
			continue
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*ThreatEvent, error) {
	var e ThreatEvent
	var typ string
	var level int
	var detailsJSON []byte

	if err := row.Scan(&e.ID, &e.Source, &typ, &level, &e.Description, &e.Endpoint,
		&detailsJSON, &e.RequiresReview, &e.Reviewed, &e.ReviewedBy, &e.ReviewNote,
		&e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = ThreatType(typ)
	e.Level = ThreatLevel(level)
	e.LevelName = e.Level.String()
	_ = json.Unmarshal(detailsJSON, &e.Details)
	return &e, nil
}

func scanBlock(row rowScanner) (*BlockRecord, error) {
	var b BlockRecord
	var level int
	var unblockedAt sql.NullTime
	var unblockedBy sql.NullString

	if err := row.Scan(&b.ID, &b.Source, &b.Reason, &level, &b.Active,
		&b.CreatedAt, &unblockedAt, &unblockedBy); err != nil {
		return nil, err
	}
	b.Level = ThreatLevel(level)
	if unblockedAt.Valid {
		t := unblockedAt.Time
		b.UnblockedAt = &t
	}
	if unblockedBy.Valid {
		b.UnblockedBy = unblockedBy.String
	}
	return &b, nil
}
