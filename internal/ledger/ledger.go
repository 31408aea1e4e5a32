// Package ledger is the durable record of fraud decisions.
//
// Flow:
//  1. The agent decides a transaction and the ledger stores the assessment
//  2. Alert rows are derived from the action tags (alert, verification, review)
//  3. A BLOCK freezes the user's account
//  4. Verification answers are appended as feedback and mark the alert answered
//
// Ledger implements agent.Recorder and agent.AccountFreezer.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/verifai/internal/actions"
	"github.com/mbd888/verifai/internal/agent"
	"github.com/mbd888/verifai/internal/idgen"
	"github.com/mbd888/verifai/internal/transaction"
)

var ErrNotFrozen = errors.New("account not frozen")

// AlertType classifies an alert row.
type AlertType string

const (
	AlertFraud        AlertType = "FRAUD_ALERT"
	AlertVerification AlertType = "VERIFICATION_REQUEST"
	AlertManualReview AlertType = "MANUAL_REVIEW"
)

// Alert is a notification raised for a decided transaction.
type Alert struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	UserID        string     `json:"userId"`
	Type          AlertType  `json:"type"`
	Message       string     `json:"message"`
	Action        string     `json:"action"`
	UserResponse  *bool      `json:"userResponse,omitempty"`
	ResponseAt    *time.Time `json:"responseAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Freeze records that an account was frozen by a blocked transaction.
type Freeze struct {
	UserID        string    `json:"userId"`
	TransactionID string    `json:"transactionId"`
	Reason        string    `json:"reason"`
	FrozenAt      time.Time `json:"frozenAt"`
}

// Store persists ledger data
type Store interface {
	SaveAssessment(ctx context.Context, tx transaction.Transaction, a *agent.Assessment, alerts []Alert) error
	GetAssessment(ctx context.Context, txID string) (*agent.Assessment, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*agent.Assessment, error)
	ListAlerts(ctx context.Context, txID string) ([]Alert, error)
	SaveFeedback(ctx context.Context, f agent.FeedbackRecord) error
	ListFeedback(ctx context.Context, txID string) ([]agent.FeedbackRecord, error)
	SaveFreeze(ctx context.Context, f Freeze) error
	GetFreeze(ctx context.Context, userID string) (*Freeze, error)
	DeleteFreeze(ctx context.Context, userID string) error
}

// Ledger records decisions, feedback and account freezes.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// RecordAssessment stores a decision and the alerts its actions raise.
// Storing the same transaction twice fails with agent.ErrDuplicateTransaction.
func (l *Ledger) RecordAssessment(ctx context.Context, tx transaction.Transaction, a *agent.Assessment) error {
	alerts := alertsFor(a)
	done := timeWrite("record_assessment")
	if err := done(l.store.SaveAssessment(ctx, tx, a, alerts)); err != nil {
		return err
	}
	countAssessment(a, alerts)
	return nil
}

// RecordFeedback appends a verification answer.
func (l *Ledger) RecordFeedback(ctx context.Context, f agent.FeedbackRecord) error {
	done := timeWrite("record_feedback")
	if err := done(l.store.SaveFeedback(ctx, f)); err != nil {
		return err
	}
	countFeedback(f)
	return nil
}

// GetAssessment returns a stored decision or agent.ErrTransactionNotFound.
func (l *Ledger) GetAssessment(ctx context.Context, txID string) (*agent.Assessment, error) {
	return l.store.GetAssessment(ctx, txID)
}

// UserAssessments returns the user's decisions, newest first.
func (l *Ledger) UserAssessments(ctx context.Context, userID string, limit int) ([]*agent.Assessment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListByUser(ctx, userID, limit)
}

// Alerts returns the alerts raised for a transaction, oldest first.
func (l *Ledger) Alerts(ctx context.Context, txID string) ([]Alert, error) {
	return l.store.ListAlerts(ctx, txID)
}

// Feedback returns the verification answers for a transaction, oldest first.
func (l *Ledger) Feedback(ctx context.Context, txID string) ([]agent.FeedbackRecord, error) {
	return l.store.ListFeedback(ctx, txID)
}

// Freeze marks the user's account frozen. Re-freezing keeps the first
// freeze record.
func (l *Ledger) Freeze(ctx context.Context, userID, txID, reason string) error {
	done := timeWrite("freeze")
	err := done(l.store.SaveFreeze(ctx, Freeze{
		UserID:        userID,
		TransactionID: txID,
		Reason:        reason,
		FrozenAt:      l.now(),
	}))
	if err == nil {
		freezeEvents.WithLabelValues("frozen").Inc()
	}
	return err
}

// FreezeStatus returns the active freeze for userID, or nil.
func (l *Ledger) FreezeStatus(ctx context.Context, userID string) (*Freeze, error) {
	return l.store.GetFreeze(ctx, userID)
}

// Unfreeze lifts a freeze. It returns ErrNotFrozen when none is active.
func (l *Ledger) Unfreeze(ctx context.Context, userID string) error {
	done := timeWrite("unfreeze")
	err := done(l.store.DeleteFreeze(ctx, userID))
	if err == nil {
		freezeEvents.WithLabelValues("lifted").Inc()
	}
	return err
}

// alertsFor derives alert rows from the decision's action tags.
func alertsFor(a *agent.Assessment) []Alert {
	var out []Alert
	add := func(typ AlertType, action actions.Tag) {
		out = append(out, Alert{
			ID:            idgen.WithPrefix(idgen.PrefixAlert),
			TransactionID: a.TransactionID,
			UserID:        a.UserID,
			Type:          typ,
			Message:       a.Reason,
			Action:        string(action),
			CreatedAt:     a.DecidedAt,
		})
	}
	for _, tag := range a.Actions {
		switch tag {
		case actions.AlertSent:
			add(AlertFraud, actions.TransactionBlocked)
		case actions.VerificationRequested:
			add(AlertVerification, actions.TransactionHeld)
		case actions.ManualReviewRequested:
			add(AlertManualReview, actions.TransactionHeld)
		}
	}
	return out
}
