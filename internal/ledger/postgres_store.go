package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/lib/pq"

	"github.com/mbd888/verifai/internal/actions"
	"github.com/mbd888/verifai/internal/agent"
	"github.com/mbd888/verifai/internal/transaction"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// PostgresStore implements Store with PostgreSQL. The schema is managed by
// the goose migrations in /migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// SaveAssessment writes the transaction row and its alerts atomically.
func (p *PostgresStore) SaveAssessment(ctx context.Context, tx transaction.Transaction, a *agent.Assessment, alerts []Alert) error {
	location, err := json.Marshal(tx.Location)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	tags, err := json.Marshal(actions.Strings(a.Actions))
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}
	feats, err := json.Marshal(a.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	floors := a.FloorRules
	if floors == nil {
		floors = []string{}
	}
	floorJSON, err := json.Marshal(floors)
	if err != nil {
		return fmt.Errorf("failed to marshal floor rules: %w", err)
	}
	var score sql.NullFloat64
	if !math.IsNaN(a.FraudProbability) {
		score = sql.NullFloat64{Float64: a.FraudProbability, Valid: true}
	}

	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, amount, merchant, merchant_category, device_type, device_ip, location,
			fraud_score, risk_level, decision, reason, actions, requires_confirmation,
			features, degraded, floor_rules, created_at, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, a.TransactionID, a.UserID, tx.Amount, tx.Merchant, tx.MerchantCategory, tx.DeviceType, tx.DeviceIP, location,
		score, string(a.Tier), string(a.Decision), a.Reason, tags, a.RequiresConfirmation,
		feats, a.Degraded, floorJSON, tx.CreatedAt, a.DecidedAt)
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return agent.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	for _, al := range alerts {
		_, err = dbTx.ExecContext(ctx, `
			INSERT INTO fraud_alerts (id, transaction_id, user_id, alert_type, alert_message, alert_action, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, al.ID, al.TransactionID, al.UserID, string(al.Type), al.Message, al.Action, al.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
	}

	return dbTx.Commit()
}

const assessmentColumns = `
	id, user_id, amount, merchant, fraud_score, risk_level, decision, reason,
	actions, requires_confirmation, features, degraded, floor_rules, decided_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row rowScanner) (*agent.Assessment, error) {
	var (
		a                      agent.Assessment
		score                  sql.NullFloat64
		tags, feats, floorJSON []byte
	)
	if err := row.Scan(&a.TransactionID, &a.UserID, &a.Amount, &a.Merchant, &score, &a.Tier, &a.Decision,
		&a.Reason, &tags, &a.RequiresConfirmation, &feats, &a.Degraded, &floorJSON, &a.DecidedAt); err != nil {
		return nil, err
	}

	a.FraudProbability = math.NaN()
	if score.Valid {
		a.FraudProbability = score.Float64
	}
	if err := json.Unmarshal(tags, &a.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions: %w", err)
	}
	if err := json.Unmarshal(feats, &a.Features); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	if err := json.Unmarshal(floorJSON, &a.FloorRules); err != nil {
		return nil, fmt.Errorf("failed to decode floor rules: %w", err)
	}
	if len(a.FloorRules) == 0 {
		a.FloorRules = nil
	}
	a.DecidedAt = a.DecidedAt.UTC()
	return &a, nil
}

func (p *PostgresStore) GetAssessment(ctx context.Context, txID string) (*agent.Assessment, error) {
	a, err := scanAssessment(p.db.QueryRowContext(ctx,
		`SELECT `+assessmentColumns+` FROM transactions WHERE id = $1`, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*agent.Assessment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+assessmentColumns+`
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, decided_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*agent.Assessment, 0)
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListAlerts(ctx context.Context, txID string) ([]Alert, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, user_id, alert_type, alert_message, alert_action,
		       user_response, response_at, created_at
		FROM fraud_alerts
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Alert
	for rows.Next() {
		var (
			al       Alert
			response sql.NullBool
			at       sql.NullTime
		)
		if err := rows.Scan(&al.ID, &al.TransactionID, &al.UserID, &al.Type, &al.Message, &al.Action,
			&response, &at, &al.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if response.Valid {
			v := response.Bool
			al.UserResponse = &v
		}
		if at.Valid {
			t := at.Time
			al.ResponseAt = &t
		}
		out = append(out, al)
	}
	return out, rows.Err()
}

// SaveFeedback appends the answer and marks the verification alert answered.
func (p *PostgresStore) SaveFeedback(ctx context.Context, f agent.FeedbackRecord) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO transaction_feedback (transaction_id, user_id, confirmed, fraud_confirmed, received_at)
		VALUES ($1, $2, $3, $4, $5)
	`, f.TransactionID, f.UserID, f.Confirmed, f.FraudConfirmed, f.ReceivedAt)
	if err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return agent.ErrTransactionNotFound
		}
		return fmt.Errorf("failed to insert feedback: %w", err)
	}

	_, err = dbTx.ExecContext(ctx, `
		UPDATE fraud_alerts SET user_response = $2, response_at = $3
		WHERE transaction_id = $1 AND alert_type = $4
	`, f.TransactionID, f.Confirmed, f.ReceivedAt, string(AlertVerification))
	if err != nil {
		return fmt.Errorf("failed to update alert response: %w", err)
	}

	return dbTx.Commit()
}

func (p *PostgresStore) ListFeedback(ctx context.Context, txID string) ([]agent.FeedbackRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT transaction_id, user_id, confirmed, fraud_confirmed, received_at
		FROM transaction_feedback
		WHERE transaction_id = $1
		ORDER BY received_at ASC, id ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []agent.FeedbackRecord
	for rows.Next() {
		var f agent.FeedbackRecord
		if err := rows.Scan(&f.TransactionID, &f.UserID, &f.Confirmed, &f.FraudConfirmed, &f.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveFreeze(ctx context.Context, f Freeze) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO account_freezes (user_id, transaction_id, reason, frozen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING
	`, f.UserID, f.TransactionID, f.Reason, f.FrozenAt)
	if err != nil {
		return fmt.Errorf("failed to freeze account: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetFreeze(ctx context.Context, userID string) (*Freeze, error) {
	f := &Freeze{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT transaction_id, reason, frozen_at FROM account_freezes WHERE user_id = $1
	`, userID).Scan(&f.TransactionID, &f.Reason, &f.FrozenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get freeze: %w", err)
	}
	return f, nil
}

func (p *PostgresStore) DeleteFreeze(ctx context.Context, userID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM account_freezes WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to unfreeze account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to unfreeze account: %w", err)
	}
	if n == 0 {
		return ErrNotFrozen
	}
	return nil
}
