package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/verifai/internal/policy"
)

func setupRouter(t *testing.T) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l := New(NewMemoryStore())
	h := NewHandler(l, nil)
	r := gin.New()
	v1 := r.Group("/api/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1)
	return r, l
}

func do(r *gin.Engine, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHandler_AlertsAndDecisions(t *testing.T) {
	r, l := setupRouter(t)
	ctx := context.Background()
	require.NoError(t, l.RecordAssessment(ctx, sampleTx("tx_1", "user_h", 100),
		sampleAssessment("tx_1", "user_h", 0.9, policy.DecisionBlock, t0)))

	w, body := do(r, http.MethodGet, "/api/v1/transactions/tx_1/alerts")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["alerts"], 1)

	w, body = do(r, http.MethodGet, "/api/v1/transactions/tx_unknown/alerts")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["alerts"])

	w, body = do(r, http.MethodGet, "/api/v1/users/user_h/decisions")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = do(r, http.MethodGet, "/api/v1/users/user_h/decisions?limit=zero")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_limit", body["error"])

	w, body = do(r, http.MethodGet, "/api/v1/transactions/tx_1/feedback")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["feedback"])
}

func TestHandler_FreezeLifecycle(t *testing.T) {
	r, l := setupRouter(t)

	_, body := do(r, http.MethodGet, "/api/v1/users/user_f/freeze")
	assert.Equal(t, false, body["frozen"])

	require.NoError(t, l.Freeze(context.Background(), "user_f", "tx_9", "blocked"))
	_, body = do(r, http.MethodGet, "/api/v1/users/user_f/freeze")
	assert.Equal(t, true, body["frozen"])

	w, _ := do(r, http.MethodDelete, "/api/v1/users/user_f/freeze")
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = do(r, http.MethodDelete, "/api/v1/users/user_f/freeze")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_frozen", body["error"])
}
