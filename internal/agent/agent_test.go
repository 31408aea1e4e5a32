package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/verifai/internal/actions"
	"github.com/mbd888/verifai/internal/audit"
	"github.com/mbd888/verifai/internal/features"
	"github.com/mbd888/verifai/internal/history"
	"github.com/mbd888/verifai/internal/policy"
	"github.com/mbd888/verifai/internal/scoring"
	"github.com/mbd888/verifai/internal/transaction"
)

var testNow = time.Date(2026, 3, 11, 14, 30, 0, 0, time.UTC) // a Wednesday afternoon

type harness struct {
	agent     *Agent
	notifier  *recordingNotifier
	freezer   *fakeFreezer
	recorder  *fakeRecorder
	audit     *audit.MemoryStore
	publisher *fakePublisher
}

func newHarness(t *testing.T, scorer scoring.Scorer, mutate ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		notifier:  &recordingNotifier{},
		freezer:   &fakeFreezer{},
		recorder:  newFakeRecorder(),
		audit:     audit.NewMemoryStore(),
		publisher: &fakePublisher{},
	}
	clock := func() time.Time { return testNow }
	deps := Deps{
		History:   history.NewStore(history.Options{Now: clock}),
		Engineer:  features.New(features.WithClock(clock)),
		Scorer:    scorer,
		Notifier:  h.notifier,
		Freezer:   h.freezer,
		Recorder:  h.recorder,
		Audit:     h.audit,
		Publisher: h.publisher,
	}
	for _, m := range mutate {
		m(&deps)
	}
	a, err := New(deps, WithClock(clock), WithDeliveryTimeout(time.Second))
	require.NoError(t, err)
	h.agent = a
	return h
}

func tx(userID string, amount float64, category string) transaction.Transaction {
	return transaction.Transaction{
		UserID:           userID,
		Amount:           amount,
		Merchant:         "Acme Store",
		MerchantCategory: category,
		Location:         transaction.Location{Lat: 40.71, Lon: -74.0},
	}
}

func (h *harness) auditTypes(t *testing.T, txID string) []audit.EventType {
	t.Helper()
	events, err := h.audit.ListByTransaction(context.Background(), txID)
	require.NoError(t, err)
	out := make([]audit.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestNew_RequiresHistory(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestProcess_ColdStartApprove(t *testing.T) {
	h := newHarness(t, zScoreModel(t))

	as, err := h.agent.ProcessTransaction(context.Background(), tx("user_new", 5000, "ECOMMERCE"))
	require.NoError(t, err)

	assert.InDelta(t, 0.0, as.Features[features.AmountZScore], 1e-9)
	assert.Less(t, as.FraudProbability, 0.2)
	assert.Contains(t, []policy.Tier{policy.TierMinimal, policy.TierLow}, as.Tier)
	assert.Equal(t, policy.DecisionApprove, as.Decision)
	assert.Equal(t, []actions.Tag{actions.TransactionApproved}, as.Actions)
	assert.False(t, as.RequiresConfirmation)
	assert.False(t, as.Degraded)
	assert.Empty(t, h.notifier.kinds())
	assert.Empty(t, h.freezer.frozen)

	assert.Len(t, h.agent.History("user_new"), 1)
	log := h.agent.LearningLog()
	require.Len(t, log, 1)
	assert.Equal(t, as.TransactionID, log[0].TransactionID)
	assert.Equal(t, policy.DecisionApprove, log[0].Decision)
}

func TestProcess_HighRiskSpikeBlocks(t *testing.T) {
	h := newHarness(t, scoring.WithRules(scoring.NeutralScorer{}, scoring.HighRiskSpikeRule(3.0, 0.95)))

	// Cold start: z = (15000-5000)/3000 ≈ 3.33. The large amount also
	// derives velocity, new device and a distant location.
	as, err := h.agent.ProcessTransaction(context.Background(), tx("user_spike", 15000, "CRYPTO"))
	require.NoError(t, err)

	assert.Greater(t, as.Features[features.AmountZScore], 3.0)
	assert.Equal(t, 1.0, as.Features[features.IsVelocityAttack])
	assert.Equal(t, 1.0, as.Features[features.IsNewDevice])
	assert.Equal(t, 1.0, as.Features[features.IsUnusualLocation])
	assert.Equal(t, 1.0, as.Features[features.IsHighRiskMerchantCategory])

	assert.GreaterOrEqual(t, as.FraudProbability, 0.95)
	assert.Equal(t, policy.TierCritical, as.Tier)
	assert.Equal(t, policy.DecisionBlock, as.Decision)
	assert.Equal(t, []actions.Tag{actions.TransactionBlocked, actions.AlertSent, actions.AccountFrozen}, as.Actions)
	assert.Equal(t, []string{"high_risk_spike"}, as.FloorRules)
	assert.True(t, as.Degraded)

	assert.Equal(t, as.TransactionID, h.freezer.frozen["user_spike"])
	assert.Equal(t, []NoticeKind{NoticeAlert, NoticeAccountFrozen}, h.notifier.kinds())
	assert.ElementsMatch(t, []audit.EventType{audit.EventAccountFrozen, audit.EventTransactionDecided}, h.auditTypes(t, as.TransactionID))
}

func TestProcess_MidRangeHolds(t *testing.T) {
	h := newHarness(t, fixed(0.65))

	as, err := h.agent.ProcessTransaction(context.Background(), tx("user_hold", 300, "RETAIL"))
	require.NoError(t, err)

	assert.Equal(t, policy.TierMedium, as.Tier)
	assert.Equal(t, policy.DecisionHold, as.Decision)
	assert.True(t, as.RequiresConfirmation)
	assert.Equal(t, []actions.Tag{actions.TransactionHeld, actions.VerificationRequested}, as.Actions)
	assert.Equal(t, []NoticeKind{NoticeVerificationRequested}, h.notifier.kinds())
}

func TestProcess_NaNGoesToManualReview(t *testing.T) {
	h := newHarness(t, fixed(math.NaN()))

	as, err := h.agent.ProcessTransaction(context.Background(), tx("user_nan", 300, "RETAIL"))
	require.NoError(t, err)

	assert.Equal(t, policy.DecisionManualReview, as.Decision)
	assert.Equal(t, policy.TierMedium, as.Tier)
	assert.Equal(t, []actions.Tag{actions.TransactionHeld, actions.ManualReviewRequested}, as.Actions)
	assert.Equal(t, []NoticeKind{NoticeReviewRequested}, h.notifier.kinds())
	assert.Contains(t, h.auditTypes(t, as.TransactionID), audit.EventReviewRequested)

	data, err := json.Marshal(as)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Nil(t, decoded["fraudProbability"])
	assert.Equal(t, "MANUAL_REVIEW", decoded["decision"])

	_, err = json.Marshal(h.agent.LearningLog())
	require.NoError(t, err)
}

func TestVerify_DenialEscalatesAndKeepsLearningRecord(t *testing.T) {
	h := newHarness(t, fixed(0.65))
	ctx := context.Background()

	as, err := h.agent.ProcessTransaction(ctx, tx("user_deny", 800, "RETAIL"))
	require.NoError(t, err)
	require.Equal(t, policy.DecisionHold, as.Decision)
	before := h.agent.LearningLog()

	out, err := h.agent.RecordVerificationResponse(ctx, as.TransactionID, false)
	require.NoError(t, err)
	assert.Equal(t, "processed", out.Status)
	assert.True(t, out.FraudConfirmed)
	assert.True(t, out.Recorded)

	assert.Equal(t, before, h.agent.LearningLog())
	assert.Equal(t, policy.DecisionHold, h.agent.LearningLog()[0].Decision)

	assert.Equal(t, []NoticeKind{NoticeVerificationRequested, NoticeFraudConfirmed}, h.notifier.kinds())
	critical, err := h.audit.ListBySeverity(ctx, audit.SeverityCritical, 10)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, audit.EventFraudConfirmed, critical[0].Type)
	assert.Equal(t, as.TransactionID, critical[0].TransactionID)

	fb := h.agent.Feedback(as.TransactionID)
	require.Len(t, fb, 1)
	assert.False(t, fb[0].Confirmed)
	assert.True(t, fb[0].FraudConfirmed)
	assert.Len(t, h.recorder.feedback, 1)
	assert.Len(t, h.publisher.feedback, 1)
}

func TestVerify_ConfirmationIsInformational(t *testing.T) {
	h := newHarness(t, fixed(0.65))
	ctx := context.Background()

	as, err := h.agent.ProcessTransaction(ctx, tx("user_ok", 800, "RETAIL"))
	require.NoError(t, err)

	out, err := h.agent.RecordVerificationResponse(ctx, as.TransactionID, true)
	require.NoError(t, err)
	assert.False(t, out.FraudConfirmed)
	assert.NotContains(t, h.notifier.kinds(), NoticeFraudConfirmed)
	assert.Contains(t, h.auditTypes(t, as.TransactionID), audit.EventVerificationReceived)
}

func TestVerify_UnknownTransaction(t *testing.T) {
	h := newHarness(t, fixed(0.1))
	_, err := h.agent.RecordVerificationResponse(context.Background(), "tx_missing", false)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestProcess_InvalidTransaction(t *testing.T) {
	h := newHarness(t, fixed(0.1))

	_, err := h.agent.ProcessTransaction(context.Background(), transaction.Transaction{UserID: "u1", Amount: -5, Merchant: "m"})
	assert.ErrorIs(t, err, transaction.ErrInvalidTransaction)
	assert.Empty(t, h.agent.History("u1"))
	assert.Empty(t, h.agent.LearningLog())
}

func TestProcess_DuplicateID(t *testing.T) {
	h := newHarness(t, fixed(0.1))
	in := tx("user_dup", 100, "RETAIL")
	in.ID = "tx_fixed"

	_, err := h.agent.ProcessTransaction(context.Background(), in)
	require.NoError(t, err)
	_, err = h.agent.ProcessTransaction(context.Background(), in)
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
	assert.Len(t, h.agent.History("user_dup"), 1)
}

func TestProcess_DuplicateIDKnownToRecorder(t *testing.T) {
	h := newHarness(t, fixed(0.1))
	h.recorder.assessments["tx_old"] = &Assessment{TransactionID: "tx_old", UserID: "user_r"}

	in := tx("user_r", 100, "RETAIL")
	in.ID = "tx_old"
	_, err := h.agent.ProcessTransaction(context.Background(), in)
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
	assert.Empty(t, h.agent.History("user_r"))
}

func TestProcess_ScorerFailureLeavesHistoryUntouched(t *testing.T) {
	h := newHarness(t, failing())

	_, err := h.agent.ProcessTransaction(context.Background(), tx("user_fail", 100, "RETAIL"))
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PhaseReasoned, perr.Phase)
	assert.ErrorIs(t, err, errScorerDown)

	assert.Empty(t, h.agent.History("user_fail"))
	assert.Empty(t, h.agent.LearningLog())
	assert.Empty(t, h.notifier.kinds())
}

func TestProcess_FallbackScorerDegrades(t *testing.T) {
	h := newHarness(t, scoring.WithFallback(failing(), nil))

	as, err := h.agent.ProcessTransaction(context.Background(), tx("user_fb", 100, "RETAIL"))
	require.NoError(t, err)
	assert.Equal(t, scoring.NeutralProbability, as.FraudProbability)
	assert.True(t, as.Degraded)
	assert.Equal(t, policy.DecisionHold, as.Decision)
}

func TestProcess_CancelledContext(t *testing.T) {
	h := newHarness(t, fixed(0.1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.agent.ProcessTransaction(ctx, tx("user_cancel", 100, "RETAIL"))
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PhasePerceived, perr.Phase)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.agent.History("user_cancel"))

	// The id is released after a failed attempt.
	in := tx("user_cancel", 100, "RETAIL")
	in.ID = "tx_retry"
	_, err = h.agent.ProcessTransaction(ctx, in)
	require.Error(t, err)
	_, err = h.agent.ProcessTransaction(context.Background(), in)
	require.NoError(t, err)
}

func TestProcess_HistoryExcludesCurrentTransaction(t *testing.T) {
	s := &capturingScorer{p: 0.1}
	h := newHarness(t, s)
	ctx := context.Background()

	_, err := h.agent.ProcessTransaction(ctx, tx("user_seq", 1000, "RETAIL"))
	require.NoError(t, err)
	_, err = h.agent.ProcessTransaction(ctx, tx("user_seq", 4000, "RETAIL"))
	require.NoError(t, err)

	require.Len(t, s.vectors, 2)
	// Only the first transaction is in history: mean 1000, default std.
	assert.InDelta(t, 1.0, s.vectors[1].Get(features.AmountZScore), 1e-6)
	assert.Equal(t, 0.0, s.vectors[0].Get(features.MerchantSeenBefore))
	assert.Equal(t, 1.0, s.vectors[1].Get(features.MerchantSeenBefore))
}

func TestProcess_ConcurrentSameUser(t *testing.T) {
	h := newHarness(t, fixed(0.1))
	const n = 50

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.agent.ProcessTransaction(context.Background(), tx("user_busy", float64(100+i), "RETAIL"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	hist := h.agent.History("user_busy")
	require.Len(t, hist, n)
	seen := make(map[string]bool, n)
	for _, x := range hist {
		assert.False(t, seen[x.ID], "duplicate %s", x.ID)
		seen[x.ID] = true
	}
	assert.Len(t, h.agent.LearningLog(), n)
}

func TestProcess_ConcurrentUsersAreIndependent(t *testing.T) {
	h := newHarness(t, fixed(0.1))

	var wg sync.WaitGroup
	for u := range 8 {
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.agent.ProcessTransaction(context.Background(), tx(fmt.Sprintf("user_%d", u), 50, "RETAIL"))
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	for u := range 8 {
		assert.Len(t, h.agent.History(fmt.Sprintf("user_%d", u)), 5)
	}
}

func TestProcess_CollaboratorFailuresAreNonFatal(t *testing.T) {
	boom := errors.New("unreachable")
	h := newHarness(t, scoring.WithRules(scoring.NeutralScorer{}, scoring.HighRiskSpikeRule(3.0, 0.95)))
	h.notifier.err = boom
	h.freezer.err = boom
	h.recorder.err = boom

	as, err := h.agent.ProcessTransaction(context.Background(), tx("user_flaky", 20000, "GAMBLING"))
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionBlock, as.Decision)
	assert.Len(t, h.agent.History("user_flaky"), 1)
	assert.Len(t, h.agent.LearningLog(), 1)

	out, err := h.agent.RecordVerificationResponse(context.Background(), as.TransactionID, false)
	require.NoError(t, err)
	assert.True(t, out.FraudConfirmed)
}

func TestProcess_MirrorHydratesAndPersists(t *testing.T) {
	s := &capturingScorer{p: 0.1}
	mirror := &fakeMirror{}
	prior := tx("user_m", 2000, "RETAIL")
	prior.ID = "tx_prior"
	prior.CreatedAt = testNow.Add(-time.Hour)
	require.NoError(t, mirror.Append(context.Background(), prior))

	h := newHarness(t, s, func(d *Deps) { d.Mirror = mirror })
	_, err := h.agent.ProcessTransaction(context.Background(), tx("user_m", 2000, "RETAIL"))
	require.NoError(t, err)

	require.Len(t, s.vectors, 1)
	assert.InDelta(t, 0.0, s.vectors[0].Get(features.AmountZScore), 1e-6)
	assert.Len(t, h.agent.History("user_m"), 2)
	assert.Equal(t, 2, mirror.appended)
}

func TestProcess_MirrorLoadFailureIsNonFatal(t *testing.T) {
	mirror := &fakeMirror{loadErr: errors.New("redis down")}
	h := newHarness(t, fixed(0.1), func(d *Deps) { d.Mirror = mirror })

	_, err := h.agent.ProcessTransaction(context.Background(), tx("user_mf", 100, "RETAIL"))
	require.NoError(t, err)
	assert.Len(t, h.agent.History("user_mf"), 1)
}

func TestProcess_PublishesAndRecords(t *testing.T) {
	h := newHarness(t, fixed(0.3))

	as, err := h.agent.ProcessTransaction(context.Background(), tx("user_pub", 100, "RETAIL"))
	require.NoError(t, err)
	assert.Equal(t, policy.TierLow, as.Tier)

	require.Len(t, h.publisher.seen, 1)
	assert.Equal(t, as.TransactionID, h.publisher.seen[0].TransactionID)
	assert.Contains(t, h.recorder.assessments, as.TransactionID)
}

func TestLookup_FallsBackToRecorder(t *testing.T) {
	h := newHarness(t, fixed(0.1))
	h.recorder.assessments["tx_archived"] = &Assessment{TransactionID: "tx_archived", UserID: "u9", Decision: policy.DecisionHold}

	as, err := h.agent.Lookup(context.Background(), "tx_archived")
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionHold, as.Decision)

	out, err := h.agent.RecordVerificationResponse(context.Background(), "tx_archived", false)
	require.NoError(t, err)
	assert.True(t, out.FraudConfirmed)
}

func TestLookup_ReturnsCopy(t *testing.T) {
	h := newHarness(t, fixed(0.65))
	as, err := h.agent.ProcessTransaction(context.Background(), tx("user_copy", 100, "RETAIL"))
	require.NoError(t, err)

	as.Actions[0] = "tampered"
	got, err := h.agent.Lookup(context.Background(), as.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, actions.TransactionHeld, got.Actions[0])
}
