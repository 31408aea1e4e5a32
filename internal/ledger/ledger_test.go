package ledger

import (
	"context"
	"math"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/verifai/internal/actions"
	"github.com/mbd888/verifai/internal/agent"
	"github.com/mbd888/verifai/internal/features"
	"github.com/mbd888/verifai/internal/history"
	"github.com/mbd888/verifai/internal/policy"
	"github.com/mbd888/verifai/internal/scoring"
	"github.com/mbd888/verifai/internal/testutil"
	"github.com/mbd888/verifai/internal/transaction"
)

var t0 = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func sampleTx(id, userID string, amount float64) transaction.Transaction {
	return transaction.Transaction{
		ID:               id,
		UserID:           userID,
		Amount:           amount,
		Merchant:         "Acme",
		MerchantCategory: "RETAIL",
		Location:         transaction.Location{Lat: 1, Lon: 2},
		CreatedAt:        t0,
	}
}

func sampleAssessment(id, userID string, p float64, d policy.Decision, at time.Time) *agent.Assessment {
	return &agent.Assessment{
		TransactionID:        id,
		UserID:               userID,
		Amount:               100,
		Merchant:             "Acme",
		FraudProbability:     p,
		Tier:                 policy.Default().Tier(p),
		Decision:             d,
		Reason:               policy.ReasonFor(d),
		Actions:              actions.For(d),
		RequiresConfirmation: d == policy.DecisionHold,
		Features:             map[string]float64{"amount_zscore": 1.5},
		DecidedAt:            at,
	}
}

func testLedger(t *testing.T, l *Ledger) {
	ctx := context.Background()

	hold := sampleAssessment("tx_hold", "user_1", 0.65, policy.DecisionHold, t0)
	hold.Degraded = true
	require.NoError(t, l.RecordAssessment(ctx, sampleTx("tx_hold", "user_1", 100), hold))

	block := sampleAssessment("tx_block", "user_1", 0.97, policy.DecisionBlock, t0.Add(time.Minute))
	block.FloorRules = []string{"high_risk_spike"}
	blockTx := sampleTx("tx_block", "user_1", 100)
	blockTx.CreatedAt = t0.Add(time.Minute)
	require.NoError(t, l.RecordAssessment(ctx, blockTx, block))

	review := sampleAssessment("tx_review", "user_2", math.NaN(), policy.DecisionManualReview, t0)
	require.NoError(t, l.RecordAssessment(ctx, sampleTx("tx_review", "user_2", 100), review))

	t.Run("duplicate", func(t *testing.T) {
		err := l.RecordAssessment(ctx, sampleTx("tx_hold", "user_1", 100), hold)
		assert.ErrorIs(t, err, agent.ErrDuplicateTransaction)
	})

	t.Run("get", func(t *testing.T) {
		got, err := l.GetAssessment(ctx, "tx_hold")
		require.NoError(t, err)
		assert.Equal(t, policy.DecisionHold, got.Decision)
		assert.Equal(t, policy.TierMedium, got.Tier)
		assert.InDelta(t, 0.65, got.FraudProbability, 1e-9)
		assert.Equal(t, []actions.Tag{actions.TransactionHeld, actions.VerificationRequested}, got.Actions)
		assert.True(t, got.RequiresConfirmation)
		assert.True(t, got.Degraded)
		assert.InDelta(t, 1.5, got.Features["amount_zscore"], 1e-9)
		assert.True(t, got.DecidedAt.Equal(t0))

		nan, err := l.GetAssessment(ctx, "tx_review")
		require.NoError(t, err)
		assert.True(t, math.IsNaN(nan.FraudProbability))
		assert.Equal(t, policy.DecisionManualReview, nan.Decision)

		_, err = l.GetAssessment(ctx, "tx_missing")
		assert.ErrorIs(t, err, agent.ErrTransactionNotFound)
	})

	t.Run("by user newest first", func(t *testing.T) {
		list, err := l.UserAssessments(ctx, "user_1", 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "tx_block", list[0].TransactionID)
		assert.Equal(t, []string{"high_risk_spike"}, list[0].FloorRules)

		limited, err := l.UserAssessments(ctx, "user_1", 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		none, err := l.UserAssessments(ctx, "user_nobody", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("alerts follow actions", func(t *testing.T) {
		alerts, err := l.Alerts(ctx, "tx_block")
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertFraud, alerts[0].Type)
		assert.Equal(t, string(actions.TransactionBlocked), alerts[0].Action)

		alerts, err = l.Alerts(ctx, "tx_review")
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertManualReview, alerts[0].Type)
	})

	t.Run("feedback", func(t *testing.T) {
		fb := agent.FeedbackRecord{
			TransactionID:  "tx_hold",
			UserID:         "user_1",
			Confirmed:      false,
			FraudConfirmed: true,
			ReceivedAt:     t0.Add(5 * time.Minute),
		}
		require.NoError(t, l.RecordFeedback(ctx, fb))

		got, err := l.Feedback(ctx, "tx_hold")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].FraudConfirmed)

		alerts, err := l.Alerts(ctx, "tx_hold")
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		require.NotNil(t, alerts[0].UserResponse)
		assert.False(t, *alerts[0].UserResponse)
		require.NotNil(t, alerts[0].ResponseAt)

		// The decision itself is never rewritten by feedback.
		a, err := l.GetAssessment(ctx, "tx_hold")
		require.NoError(t, err)
		assert.Equal(t, policy.DecisionHold, a.Decision)

		err = l.RecordFeedback(ctx, agent.FeedbackRecord{TransactionID: "tx_missing", ReceivedAt: t0})
		assert.ErrorIs(t, err, agent.ErrTransactionNotFound)
	})

	t.Run("freeze", func(t *testing.T) {
		f, err := l.FreezeStatus(ctx, "user_1")
		require.NoError(t, err)
		assert.Nil(t, f)

		require.NoError(t, l.Freeze(ctx, "user_1", "tx_block", "CRITICAL fraud risk detected"))
		require.NoError(t, l.Freeze(ctx, "user_1", "tx_later", "again"))

		f, err = l.FreezeStatus(ctx, "user_1")
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Equal(t, "tx_block", f.TransactionID)

		require.NoError(t, l.Unfreeze(ctx, "user_1"))
		assert.ErrorIs(t, l.Unfreeze(ctx, "user_1"), ErrNotFrozen)
	})
}

func TestLedger_Memory(t *testing.T) {
	testLedger(t, New(NewMemoryStore()))
}

func TestLedger_Postgres(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	testLedger(t, New(NewPostgresStore(db)))
}

func TestAlertsFor(t *testing.T) {
	approve := sampleAssessment("tx_a", "u", 0.05, policy.DecisionApprove, t0)
	assert.Empty(t, alertsFor(approve))

	hold := sampleAssessment("tx_h", "u", 0.6, policy.DecisionHold, t0)
	alerts := alertsFor(hold)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertVerification, alerts[0].Type)
	assert.Equal(t, "tx_h", alerts[0].TransactionID)
	assert.Equal(t, policy.ReasonHold, alerts[0].Message)
	assert.Contains(t, alerts[0].ID, "alt_")
}

// The ledger survives an agent restart: decisions are found and ids stay unique.
func TestLedger_AsAgentRecorder(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	hold := scoring.ScorerFunc(func(context.Context, features.Vector) (float64, error) { return 0.65, nil })

	newAgent := func() *agent.Agent {
		a, err := agent.New(agent.Deps{
			History:  history.NewStore(history.Options{}),
			Scorer:   hold,
			Recorder: l,
			Freezer:  l,
		})
		require.NoError(t, err)
		return a
	}

	first := newAgent()
	in := sampleTx("tx_persisted", "user_p", 250)
	in.CreatedAt = time.Time{}
	as, err := first.ProcessTransaction(ctx, in)
	require.NoError(t, err)
	require.Equal(t, policy.DecisionHold, as.Decision)

	restarted := newAgent()
	_, err = restarted.ProcessTransaction(ctx, in)
	assert.ErrorIs(t, err, agent.ErrDuplicateTransaction)

	out, err := restarted.RecordVerificationResponse(ctx, "tx_persisted", false)
	require.NoError(t, err)
	assert.True(t, out.FraudConfirmed)

	fb, err := l.Feedback(ctx, "tx_persisted")
	require.NoError(t, err)
	assert.Len(t, fb, 1)
}

func TestLedger_Metrics(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	blocks := promtest.ToFloat64(decisionsRecorded.WithLabelValues(string(policy.DecisionBlock)))
	fraudAlerts := promtest.ToFloat64(alertsRaised.WithLabelValues(string(AlertFraud)))
	frauds := promtest.ToFloat64(feedbackRecorded.WithLabelValues("fraud"))
	lifted := promtest.ToFloat64(freezeEvents.WithLabelValues("lifted"))

	block := sampleAssessment("tx_metrics", "user_m", 0.9, policy.DecisionBlock, t0)
	require.NoError(t, l.RecordAssessment(ctx, sampleTx("tx_metrics", "user_m", 100), block))
	// A rejected duplicate is not counted.
	require.Error(t, l.RecordAssessment(ctx, sampleTx("tx_metrics", "user_m", 100), block))

	assert.Equal(t, blocks+1, promtest.ToFloat64(decisionsRecorded.WithLabelValues(string(policy.DecisionBlock))))
	assert.Equal(t, fraudAlerts+1, promtest.ToFloat64(alertsRaised.WithLabelValues(string(AlertFraud))))

	require.NoError(t, l.RecordFeedback(ctx, agent.FeedbackRecord{
		TransactionID: "tx_metrics", UserID: "user_m", FraudConfirmed: true, ReceivedAt: t0,
	}))
	assert.Equal(t, frauds+1, promtest.ToFloat64(feedbackRecorded.WithLabelValues("fraud")))

	require.NoError(t, l.Freeze(ctx, "user_m", "tx_metrics", "blocked"))
	require.NoError(t, l.Unfreeze(ctx, "user_m"))
	require.ErrorIs(t, l.Unfreeze(ctx, "user_m"), ErrNotFrozen)
	assert.Equal(t, lifted+1, promtest.ToFloat64(freezeEvents.WithLabelValues("lifted")))
}
