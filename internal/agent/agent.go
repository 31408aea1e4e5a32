// Package agent runs the fraud decision pipeline.
//
// Every transaction moves through five phases: Perceive (load the user's
// history), Reason (extract features and score), Decide (apply policy), Act
// (attach action tags and deliver them to collaborators) and Learn (record
// the outcome and append the transaction to history). Transactions for the
// same user are processed one at a time so each sees every earlier one.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/verifai/internal/actions"
	"github.com/mbd888/verifai/internal/audit"
	"github.com/mbd888/verifai/internal/features"
	"github.com/mbd888/verifai/internal/history"
	"github.com/mbd888/verifai/internal/policy"
	"github.com/mbd888/verifai/internal/scoring"
	"github.com/mbd888/verifai/internal/syncutil"
	"github.com/mbd888/verifai/internal/transaction"
)

var (
	ErrDuplicateTransaction = errors.New("agent: transaction already processed")
	ErrTransactionNotFound  = errors.New("agent: transaction not found")
)

// Phase is a pipeline stage, named for the state reached once it completes.
type Phase string

const (
	PhasePerceived Phase = "PERCEIVED"
	PhaseReasoned  Phase = "REASONED"
	PhaseDecided   Phase = "DECIDED"
	PhaseActed     Phase = "ACTED"
	PhaseLearned   Phase = "LEARNED"
)

// PipelineError reports the phase in which processing stopped. History is
// never modified when a PipelineError is returned.
type PipelineError struct {
	Phase Phase
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("agent: %s phase failed: %v", e.Phase, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Assessment is the result of processing one transaction.
type Assessment struct {
	TransactionID        string             `json:"transactionId"`
	UserID               string             `json:"userId"`
	Amount               float64            `json:"amount"`
	Merchant             string             `json:"merchant"`
	FraudProbability     float64            `json:"fraudProbability"`
	Tier                 policy.Tier        `json:"riskLevel"`
	Decision             policy.Decision    `json:"decision"`
	Reason               string             `json:"reason"`
	Actions              []actions.Tag      `json:"actions"`
	RequiresConfirmation bool               `json:"requiresConfirmation"`
	Features             map[string]float64 `json:"features,omitempty"`
	Degraded             bool               `json:"degraded,omitempty"`
	FloorRules           []string           `json:"floorRules,omitempty"`
	DecidedAt            time.Time          `json:"decidedAt"`
}

// MarshalJSON encodes a NaN probability as null.
func (as Assessment) MarshalJSON() ([]byte, error) {
	type plain Assessment
	return json.Marshal(struct {
		plain
		FraudProbability any `json:"fraudProbability"`
	}{plain(as), jsonSafe(as.FraudProbability)})
}

// LearningRecord is the immutable outcome kept for later model feedback.
type LearningRecord struct {
	TransactionID    string          `json:"transactionId"`
	UserID           string          `json:"userId"`
	FraudProbability float64         `json:"fraudProbability"`
	Decision         policy.Decision `json:"decision"`
	DecidedAt        time.Time       `json:"decidedAt"`
}

// MarshalJSON encodes a NaN probability as null.
func (r LearningRecord) MarshalJSON() ([]byte, error) {
	type plain LearningRecord
	return json.Marshal(struct {
		plain
		FraudProbability any `json:"fraudProbability"`
	}{plain(r), jsonSafe(r.FraudProbability)})
}

// FeedbackRecord is a user's answer to a verification request. It is stored
// alongside, never merged into, the LearningRecord.
type FeedbackRecord struct {
	TransactionID  string    `json:"transactionId"`
	UserID         string    `json:"userId"`
	Confirmed      bool      `json:"confirmed"`
	FraudConfirmed bool      `json:"fraudConfirmed"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// VerificationOutcome is returned by RecordVerificationResponse.
type VerificationOutcome struct {
	TransactionID  string `json:"transactionId"`
	Status         string `json:"status"`
	FraudConfirmed bool   `json:"fraudConfirmed"`
	Recorded       bool   `json:"feedbackRecorded"`
}

// Deps are the agent's collaborators. Only History is required; nil
// collaborators are skipped.
type Deps struct {
	History   *history.Store
	Engineer  *features.Engineer
	Scorer    scoring.Scorer
	Policy    *policy.Policy
	Mirror    history.Mirror
	Notifier  Notifier
	Freezer   AccountFreezer
	Recorder  Recorder
	Audit     AuditSink
	Publisher Publisher
	Logger    *slog.Logger
}

// Option customizes an Agent.
type Option func(*Agent)

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithLockShards sets the number of per-user lock shards.
func WithLockShards(n int) Option {
	return func(a *Agent) { a.locks = syncutil.NewKeyMutex(n) }
}

// WithDeliveryTimeout bounds each collaborator call made during Act and Learn.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(a *Agent) { a.deliveryTimeout = d }
}

// Agent is the decision pipeline. Construct it once with New and share it.
type Agent struct {
	deps            Deps
	logger          *slog.Logger
	now             func() time.Time
	locks           *syncutil.KeyMutex
	deliveryTimeout time.Duration

	mu          sync.RWMutex
	inflight    map[string]struct{}
	learning    []LearningRecord
	assessments map[string]*Assessment
	feedback    map[string][]FeedbackRecord
}

// New builds an Agent. It fails only when no history store is supplied.
func New(deps Deps, opts ...Option) (*Agent, error) {
	if deps.History == nil {
		return nil, errors.New("agent: history store is required")
	}
	if deps.Engineer == nil {
		deps.Engineer = features.New()
	}
	if deps.Scorer == nil {
		deps.Scorer = scoring.NeutralScorer{}
	}
	if deps.Policy == nil {
		deps.Policy = policy.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	a := &Agent{
		deps:            deps,
		logger:          deps.Logger,
		now:             time.Now,
		locks:           syncutil.NewKeyMutex(syncutil.DefaultShards),
		deliveryTimeout: 5 * time.Second,
		inflight:        make(map[string]struct{}),
		assessments:     make(map[string]*Assessment),
		feedback:        make(map[string][]FeedbackRecord),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// LearningLog returns a copy of every learning record, oldest first.
func (a *Agent) LearningLog() []LearningRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]LearningRecord(nil), a.learning...)
}

// Feedback returns the feedback recorded for txID, oldest first.
func (a *Agent) Feedback(txID string) []FeedbackRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]FeedbackRecord(nil), a.feedback[txID]...)
}

// History returns a copy of the user's transaction history.
func (a *Agent) History(userID string) []transaction.Transaction {
	return a.deps.History.Read(userID)
}

// Lookup returns the assessment for txID from memory, then from the
// recorder. Unknown ids yield ErrTransactionNotFound.
func (a *Agent) Lookup(ctx context.Context, txID string) (*Assessment, error) {
	a.mu.RLock()
	as, ok := a.assessments[txID]
	a.mu.RUnlock()
	if ok {
		return as.clone(), nil
	}
	if a.deps.Recorder == nil {
		return nil, ErrTransactionNotFound
	}
	as, err := a.deps.Recorder.GetAssessment(ctx, txID)
	if err != nil {
		return nil, err
	}
	return as, nil
}

func (as *Assessment) clone() *Assessment {
	c := *as
	c.Actions = append([]actions.Tag(nil), as.Actions...)
	c.FloorRules = append([]string(nil), as.FloorRules...)
	if as.Features != nil {
		c.Features = make(map[string]float64, len(as.Features))
		for k, v := range as.Features {
			c.Features[k] = v
		}
	}
	return &c
}

// reserve claims txID for processing. It fails if the id was already
// learned or is being processed concurrently.
func (a *Agent) reserve(txID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.assessments[txID]; ok {
		return ErrDuplicateTransaction
	}
	if _, ok := a.inflight[txID]; ok {
		return ErrDuplicateTransaction
	}
	a.inflight[txID] = struct{}{}
	return nil
}

func (a *Agent) release(txID string) {
	a.mu.Lock()
	delete(a.inflight, txID)
	a.mu.Unlock()
}

// auditEvent is a convenience for building audit entries at the agent clock.
func (a *Agent) auditEvent(typ audit.EventType, sev audit.Severity, txID, userID string, detail map[string]any) audit.Event {
	return audit.NewEvent(typ, sev, txID, userID, detail, a.now())
}
