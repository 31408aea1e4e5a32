package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/verifai/internal/testutil"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	events := []Event{
		NewEvent(EventTransactionDecided, SeverityWarning, "tx_1", "user_1", map[string]any{"decision": "BLOCK"}, t0),
		NewEvent(EventAccountFrozen, SeverityWarning, "tx_1", "user_1", nil, t0.Add(time.Second)),
		NewEvent(EventTransactionDecided, SeverityInfo, "tx_2", "user_2", map[string]any{"decision": "HOLD"}, t0.Add(2*time.Second)),
		NewEvent(EventFraudConfirmed, SeverityCritical, "tx_2", "user_2", nil, t0.Add(3*time.Second)),
	}
	for _, e := range events {
		require.NoError(t, s.Record(ctx, e))
	}
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	seed(t, s)

	byTx, err := s.ListByTransaction(ctx, "tx_1")
	require.NoError(t, err)
	require.Len(t, byTx, 2)
	assert.Equal(t, EventTransactionDecided, byTx[0].Type)
	assert.Equal(t, EventAccountFrozen, byTx[1].Type)
	assert.Equal(t, "BLOCK", byTx[0].Detail["decision"])

	critical, err := s.ListBySeverity(ctx, SeverityCritical, 10)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, "tx_2", critical[0].TransactionID)
	assert.Equal(t, "user_2", critical[0].UserID)

	warnings, err := s.ListBySeverity(ctx, SeverityWarning, 1)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, EventAccountFrozen, warnings[0].Type, "newest first")

	none, err := s.ListByTransaction(ctx, "tx_unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStore_CopiesDetail(t *testing.T) {
	s := NewMemoryStore()
	detail := map[string]any{"decision": "HOLD"}
	require.NoError(t, s.Record(context.Background(), NewEvent(EventTransactionDecided, SeverityInfo, "tx_1", "u", detail, t0)))

	detail["decision"] = "tampered"
	got, err := s.ListByTransaction(context.Background(), "tx_1")
	require.NoError(t, err)
	assert.Equal(t, "HOLD", got[0].Detail["decision"])
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventFraudConfirmed, SeverityCritical, "tx_9", "user_9", nil, t0)
	assert.True(t, strings.HasPrefix(e.ID, "aud_"))
	assert.Equal(t, t0, e.CreatedAt)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	testStore(t, NewPostgresStore(db))
}
