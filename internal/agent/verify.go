package agent

import (
	"context"

	"github.com/mbd888/verifai/internal/audit"
	"github.com/mbd888/verifai/internal/logging"
	"github.com/mbd888/verifai/internal/metrics"
	"github.com/mbd888/verifai/internal/traces"
)

// RecordVerificationResponse stores the user's answer to a verification
// request. confirmed=false means the user disowns the transaction: fraud is
// confirmed and a critical audit event and notice are raised. The learning
// record for the transaction is left untouched either way.
func (a *Agent) RecordVerificationResponse(ctx context.Context, txID string, confirmed bool) (*VerificationOutcome, error) {
	ctx, span := traces.StartSpan(ctx, "agent.RecordVerificationResponse", traces.TransactionID(txID))
	var spanErr error
	defer func() { traces.EndSpan(span, spanErr) }()

	as, err := a.Lookup(ctx, txID)
	if err != nil {
		spanErr = err
		return nil, err
	}
	log := logging.ForTransaction(ctx, a.logger, txID, as.UserID)

	fb := FeedbackRecord{
		TransactionID:  txID,
		UserID:         as.UserID,
		Confirmed:      confirmed,
		FraudConfirmed: !confirmed,
		ReceivedAt:     a.now(),
	}
	a.mu.Lock()
	a.feedback[txID] = append(a.feedback[txID], fb)
	a.mu.Unlock()

	deliverCtx := context.WithoutCancel(ctx)
	if a.deps.Recorder != nil {
		if err := a.withTimeout(deliverCtx, func(ctx context.Context) error {
			return a.deps.Recorder.RecordFeedback(ctx, fb)
		}); err != nil {
			a.collaboratorFailed(log, "recorder", err)
		}
	}

	if a.deps.Publisher != nil {
		a.deps.Publisher.PublishFeedback(fb)
	}

	detail := map[string]any{
		"confirmed":        confirmed,
		"decision":         string(as.Decision),
		"fraudProbability": jsonSafe(as.FraudProbability),
	}
	if confirmed {
		metrics.FeedbackTotal.WithLabelValues("confirmed").Inc()
		log.Info("verification received", "confirmed", true)
		a.record(deliverCtx, log, a.auditEvent(audit.EventVerificationReceived, audit.SeverityInfo, txID, as.UserID, detail))
	} else {
		metrics.FeedbackTotal.WithLabelValues("fraud_confirmed").Inc()
		log.Warn("fraud confirmed by user", "decision", as.Decision)
		a.record(deliverCtx, log, a.auditEvent(audit.EventFraudConfirmed, audit.SeverityCritical, txID, as.UserID, detail))
		a.notify(deliverCtx, log, Notice{
			TransactionID:    txID,
			UserID:           as.UserID,
			Amount:           as.Amount,
			Merchant:         as.Merchant,
			FraudProbability: as.FraudProbability,
			Decision:         string(as.Decision),
			Reason:           "Fraud confirmed by account holder",
			At:               fb.ReceivedAt,
		}, NoticeFraudConfirmed)
	}

	return &VerificationOutcome{
		TransactionID:  txID,
		Status:         "processed",
		FraudConfirmed: !confirmed,
		Recorded:       true,
	}, nil
}
