// Package audit records an append-only trail of fraud decisions, account
// actions and user feedback.
package audit

import (
	"context"
	"time"

	"github.com/mbd888/verifai/internal/idgen"
)

// Severity grades an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// EventType names what happened.
type EventType string

const (
	EventTransactionDecided   EventType = "transaction.decided"
	EventAccountFrozen        EventType = "account.frozen"
	EventReviewRequested      EventType = "review.requested"
	EventVerificationReceived EventType = "verification.received"
	EventFraudConfirmed       EventType = "fraud.confirmed"
)

// Event is one audit trail entry.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Severity      Severity       `json:"severity"`
	TransactionID string         `json:"transactionId"`
	UserID        string         `json:"userId,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// NewEvent builds an event with a fresh ID.
func NewEvent(typ EventType, sev Severity, txID, userID string, detail map[string]any, at time.Time) Event {
	return Event{
		ID:            idgen.WithPrefix(idgen.PrefixAudit),
		Type:          typ,
		Severity:      sev,
		TransactionID: txID,
		UserID:        userID,
		Detail:        detail,
		CreatedAt:     at,
	}
}

// Store persists audit events.
type Store interface {
	Record(ctx context.Context, e Event) error
	ListByTransaction(ctx context.Context, txID string) ([]Event, error)
	ListBySeverity(ctx context.Context, sev Severity, limit int) ([]Event, error)
}
