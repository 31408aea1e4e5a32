package agent

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/verifai/internal/actions"
	"github.com/mbd888/verifai/internal/audit"
	"github.com/mbd888/verifai/internal/logging"
	"github.com/mbd888/verifai/internal/metrics"
	"github.com/mbd888/verifai/internal/policy"
	"github.com/mbd888/verifai/internal/scoring"
	"github.com/mbd888/verifai/internal/traces"
	"github.com/mbd888/verifai/internal/transaction"
)

// ProcessTransaction runs the full pipeline for tx and returns the
// assessment. Invalid input fails with transaction.ErrInvalidTransaction, a
// reused id with ErrDuplicateTransaction, and any failure up to and
// including Decide with a *PipelineError. Once Act begins the pipeline runs
// to completion: collaborator failures are logged, not returned, and the
// transaction is always committed to history.
func (a *Agent) ProcessTransaction(ctx context.Context, tx transaction.Transaction) (*Assessment, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	callerID := tx.ID != ""
	tx = transaction.Prepare(tx, a.now())

	if err := a.reserve(tx.ID); err != nil {
		return nil, err
	}
	defer a.release(tx.ID)

	if callerID && a.deps.Recorder != nil {
		if _, err := a.deps.Recorder.GetAssessment(ctx, tx.ID); err == nil {
			return nil, ErrDuplicateTransaction
		} else if !errors.Is(err, ErrTransactionNotFound) {
			a.logger.Warn("duplicate check against recorder failed", "tx_id", tx.ID, "error", err)
		}
	}

	log := logging.ForTransaction(ctx, a.logger, tx.ID, tx.UserID)

	ctx, span := traces.StartSpan(ctx, "agent.ProcessTransaction",
		traces.TransactionID(tx.ID), traces.UserID(tx.UserID), traces.Amount(tx.Amount))
	var spanErr error
	defer func() { traces.EndSpan(span, spanErr) }()

	// Perceive
	pctx, run := a.beginPhase(ctx, PhasePerceived)
	unlock, err := a.locks.Lock(pctx, tx.UserID)
	if err != nil {
		spanErr = a.fail(log, run, err)
		return nil, spanErr
	}
	defer unlock()
	if err := a.deps.History.Hydrate(pctx, tx.UserID, a.deps.Mirror); err != nil {
		a.collaboratorFailed(log, "mirror", err)
	}
	hist := a.deps.History.Read(tx.UserID)
	if err := ctx.Err(); err != nil {
		spanErr = a.fail(log, run, err)
		return nil, spanErr
	}
	a.phaseDone(log, run, "amount", tx.Amount, "merchant", tx.Merchant, "history_len", len(hist))

	// Reason
	pctx, run = a.beginPhase(ctx, PhaseReasoned)
	vec := a.deps.Engineer.Extract(tx, hist)
	scoreCtx, notes := scoring.Annotate(pctx)
	prob, err := a.deps.Scorer.Score(scoreCtx, vec)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		spanErr = a.fail(log, run, err)
		return nil, spanErr
	}
	run.span.SetAttributes(traces.FraudProbability(prob))
	a.phaseDone(log, run, "fraud_probability", prob, "degraded", notes.Degraded())

	// Decide
	_, run = a.beginPhase(ctx, PhaseDecided)
	verdict := a.deps.Policy.Evaluate(prob)
	if err := ctx.Err(); err != nil {
		spanErr = a.fail(log, run, err)
		return nil, spanErr
	}
	span.SetAttributes(traces.FraudProbability(prob), traces.Decision(string(verdict.Decision)))
	a.phaseDone(log, run, "decision", verdict.Decision, "risk_level", verdict.Tier)

	// Act
	pctx, run = a.beginPhase(ctx, PhaseActed)
	as := &Assessment{
		TransactionID:        tx.ID,
		UserID:               tx.UserID,
		Amount:               tx.Amount,
		Merchant:             tx.Merchant,
		FraudProbability:     prob,
		Tier:                 verdict.Tier,
		Decision:             verdict.Decision,
		Reason:               verdict.Reason,
		Actions:              actions.For(verdict.Decision),
		RequiresConfirmation: verdict.Decision == policy.DecisionHold,
		Features:             vec.Map(),
		Degraded:             notes.Degraded(),
		FloorRules:           notes.Floors(),
		DecidedAt:            a.now(),
	}
	// Delivery must not be cut short by the caller once the decision stands.
	a.act(context.WithoutCancel(pctx), log, as)
	a.phaseDone(log, run, "actions", actions.Strings(as.Actions))

	// Learn
	pctx, run = a.beginPhase(ctx, PhaseLearned)
	a.learn(context.WithoutCancel(pctx), log, tx, as)
	a.phaseDone(log, run, "history_len", a.deps.History.Len(tx.UserID))

	metrics.DecisionsTotal.WithLabelValues(string(as.Decision), string(as.Tier)).Inc()
	if !math.IsNaN(prob) {
		metrics.FraudProbability.Observe(prob)
	}
	return as.clone(), nil
}

// act delivers the decision's action tags to the collaborators.
func (a *Agent) act(ctx context.Context, log *slog.Logger, as *Assessment) {
	notice := Notice{
		TransactionID:    as.TransactionID,
		UserID:           as.UserID,
		Amount:           as.Amount,
		Merchant:         as.Merchant,
		FraudProbability: as.FraudProbability,
		Decision:         string(as.Decision),
		Reason:           as.Reason,
		At:               as.DecidedAt,
	}

	for _, tag := range as.Actions {
		switch tag {
		case actions.AlertSent:
			a.notify(ctx, log, notice, NoticeAlert)
		case actions.VerificationRequested:
			a.notify(ctx, log, notice, NoticeVerificationRequested)
		case actions.ManualReviewRequested:
			a.notify(ctx, log, notice, NoticeReviewRequested)
			a.record(ctx, log, a.auditEvent(audit.EventReviewRequested, audit.SeverityWarning,
				as.TransactionID, as.UserID, map[string]any{"reason": as.Reason}))
		case actions.AccountFrozen:
			if a.deps.Freezer != nil {
				err := a.withTimeout(ctx, func(ctx context.Context) error {
					return a.deps.Freezer.Freeze(ctx, as.UserID, as.TransactionID, as.Reason)
				})
				if err != nil {
					a.collaboratorFailed(log, "freezer", err)
				}
			}
			a.notify(ctx, log, notice, NoticeAccountFrozen)
			a.record(ctx, log, a.auditEvent(audit.EventAccountFrozen, audit.SeverityWarning,
				as.TransactionID, as.UserID, map[string]any{"reason": as.Reason}))
		}
	}

	sev := audit.SeverityInfo
	if as.Decision == policy.DecisionBlock {
		sev = audit.SeverityWarning
	}
	a.record(ctx, log, a.auditEvent(audit.EventTransactionDecided, sev, as.TransactionID, as.UserID, map[string]any{
		"decision":         string(as.Decision),
		"riskLevel":        string(as.Tier),
		"fraudProbability": jsonSafe(as.FraudProbability),
		"actions":          actions.Strings(as.Actions),
		"degraded":         as.Degraded,
	}))
}

// learn commits the outcome: learning record, in-memory history, then the
// durable mirror, recorder and live subscribers.
func (a *Agent) learn(ctx context.Context, log *slog.Logger, tx transaction.Transaction, as *Assessment) {
	rec := LearningRecord{
		TransactionID:    as.TransactionID,
		UserID:           as.UserID,
		FraudProbability: as.FraudProbability,
		Decision:         as.Decision,
		DecidedAt:        as.DecidedAt,
	}

	a.mu.Lock()
	a.learning = append(a.learning, rec)
	a.assessments[as.TransactionID] = as.clone()
	a.mu.Unlock()

	if a.deps.History.Append(tx.UserID, tx) {
		metrics.HistoryUsers.Inc()
	}

	if a.deps.Mirror != nil {
		if err := a.withTimeout(ctx, func(ctx context.Context) error {
			return a.deps.Mirror.Append(ctx, tx)
		}); err != nil {
			a.collaboratorFailed(log, "mirror", err)
		}
	}
	if a.deps.Recorder != nil {
		if err := a.withTimeout(ctx, func(ctx context.Context) error {
			return a.deps.Recorder.RecordAssessment(ctx, tx, as.clone())
		}); err != nil {
			a.collaboratorFailed(log, "recorder", err)
		}
	}
	if a.deps.Publisher != nil {
		a.deps.Publisher.PublishAssessment(as.clone())
	}
}

func (a *Agent) notify(ctx context.Context, log *slog.Logger, n Notice, kind NoticeKind) {
	if a.deps.Notifier == nil {
		return
	}
	n.Kind = kind
	if err := a.withTimeout(ctx, func(ctx context.Context) error {
		return a.deps.Notifier.Notify(ctx, n)
	}); err != nil {
		a.collaboratorFailed(log, "notifier", err)
	}
}

func (a *Agent) record(ctx context.Context, log *slog.Logger, e audit.Event) {
	if a.deps.Audit == nil {
		return
	}
	if err := a.withTimeout(ctx, func(ctx context.Context) error {
		return a.deps.Audit.Record(ctx, e)
	}); err != nil {
		a.collaboratorFailed(log, "audit", err)
	}
}

func (a *Agent) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if a.deliveryTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, a.deliveryTimeout)
	defer cancel()
	return fn(ctx)
}

// phaseRun times one pipeline phase and carries its child span.
type phaseRun struct {
	phase Phase
	start time.Time
	span  trace.Span
}

func (a *Agent) beginPhase(ctx context.Context, phase Phase) (context.Context, *phaseRun) {
	ctx, span := traces.StartSpan(ctx, "agent.phase."+strings.ToLower(string(phase)), traces.Phase(string(phase)))
	return ctx, &phaseRun{phase: phase, start: time.Now(), span: span}
}

func (a *Agent) phaseDone(log *slog.Logger, run *phaseRun, attrs ...any) {
	metrics.PhaseDuration.WithLabelValues(string(run.phase)).Observe(time.Since(run.start).Seconds())
	traces.EndSpan(run.span, nil)
	log.Info("pipeline phase complete", append([]any{"phase", run.phase}, attrs...)...)
}

func (a *Agent) fail(log *slog.Logger, run *phaseRun, err error) error {
	metrics.PipelineErrorsTotal.WithLabelValues(string(run.phase)).Inc()
	traces.EndSpan(run.span, err)
	log.Error("pipeline aborted", "phase", run.phase, "error", err)
	return &PipelineError{Phase: run.phase, Err: err}
}

func (a *Agent) collaboratorFailed(log *slog.Logger, name string, err error) {
	metrics.CollaboratorFailuresTotal.WithLabelValues(name).Inc()
	log.Warn("collaborator delivery failed", "collaborator", name, "error", err)
}

// jsonSafe maps NaN, which encoding/json rejects, to nil.
func jsonSafe(f float64) any {
	if math.IsNaN(f) {
		return nil
	}
	return f
}
