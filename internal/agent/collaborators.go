package agent

import (
	"context"
	"time"

	"github.com/mbd888/verifai/internal/audit"
	"github.com/mbd888/verifai/internal/transaction"
)

// NoticeKind identifies an outbound notification.
type NoticeKind string

const (
	NoticeAlert                 NoticeKind = "alert.sent"
	NoticeVerificationRequested NoticeKind = "verification.requested"
	NoticeAccountFrozen         NoticeKind = "account.frozen"
	NoticeReviewRequested       NoticeKind = "review.requested"
	NoticeFraudConfirmed        NoticeKind = "fraud.confirmed"
)

// Notice is an outbound notification about a transaction.
type Notice struct {
	Kind             NoticeKind
	TransactionID    string
	UserID           string
	Amount           float64
	Merchant         string
	FraudProbability float64
	Decision         string
	Reason           string
	At               time.Time
}

// Notifier delivers notices to the user or to operators.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// AccountFreezer places a temporary hold on a user's account.
type AccountFreezer interface {
	Freeze(ctx context.Context, userID, txID, reason string) error
}

// Recorder durably stores assessments and feedback. GetAssessment returns
// ErrTransactionNotFound for unknown ids.
type Recorder interface {
	RecordAssessment(ctx context.Context, tx transaction.Transaction, a *Assessment) error
	RecordFeedback(ctx context.Context, f FeedbackRecord) error
	GetAssessment(ctx context.Context, txID string) (*Assessment, error)
}

// AuditSink receives audit events.
type AuditSink interface {
	Record(ctx context.Context, e audit.Event) error
}

// Publisher fans decisions and verification answers out to live
// subscribers. Implementations must not block.
type Publisher interface {
	PublishAssessment(a *Assessment)
	PublishFeedback(f FeedbackRecord)
}
