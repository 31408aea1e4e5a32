package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists audit events in the audit_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, e Event) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit detail: %w", err)
	}
	if e.Detail == nil {
		detail = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, severity, transaction_id, user_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, string(e.Type), string(e.Severity), e.TransactionID, e.UserID, detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, txID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, severity, transaction_id, user_id, detail, created_at
		FROM audit_events
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return scanEvents(rows)
}

func (s *PostgresStore) ListBySeverity(ctx context.Context, sev Severity, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, severity, transaction_id, user_id, detail, created_at
		FROM audit_events
		WHERE severity = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(sev), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var e Event
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.TransactionID, &e.UserID, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(detail) > 0 && string(detail) != "{}" {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode audit detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
