package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/verifai/internal/agent"
	"github.com/mbd888/verifai/internal/audit"
	"github.com/mbd888/verifai/internal/logging"
	"github.com/mbd888/verifai/internal/pagination"
	"github.com/mbd888/verifai/internal/transaction"
	"github.com/mbd888/verifai/internal/validation"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// processTransaction handles POST /api/v1/transactions/process
func (s *Server) processTransaction(c *gin.Context) {
	var tx transaction.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a transaction JSON object",
		})
		return
	}
	tx.Merchant = validation.SanitizeString(tx.Merchant, validation.MaxFreeTextLength)
	tx.MerchantCategory = validation.SanitizeString(tx.MerchantCategory, validation.MaxFreeTextLength)
	tx.DeviceType = validation.SanitizeString(tx.DeviceType, validation.MaxFreeTextLength)

	assessment, err := s.agent.ProcessTransaction(c.Request.Context(), tx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, assessment)
}

// VerifyRequest is the optional JSON body of the verify endpoint.
type VerifyRequest struct {
	UserConfirmed *bool `json:"user_confirmed"`
}

// verifyTransaction handles POST /api/v1/transactions/verify/:id. The
// answer comes from ?user_confirmed= or a {"user_confirmed": bool} body.
func (s *Server) verifyTransaction(c *gin.Context) {
	var confirmed bool
	if raw, ok := c.GetQuery("user_confirmed"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "user_confirmed must be true or false",
			})
			return
		}
		confirmed = v
	} else {
		var req VerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Body must be {\"user_confirmed\": bool}",
			})
			return
		}
		if req.UserConfirmed == nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "user_confirmed is required",
			})
			return
		}
		confirmed = *req.UserConfirmed
	}

	outcome, err := s.agent.RecordVerificationResponse(c.Request.Context(), c.Param("id"), confirmed)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// getTransaction handles GET /api/v1/transactions/:id
func (s *Server) getTransaction(c *gin.Context) {
	ctx := c.Request.Context()
	txID := c.Param("id")

	assessment, err := s.agent.Lookup(ctx, txID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	feedback := s.agent.Feedback(txID)
	if len(feedback) == 0 {
		if stored, err := s.ledger.Feedback(ctx, txID); err == nil {
			feedback = stored
		} else {
			logging.L(ctx).Warn("failed to load stored feedback", "tx_id", txID, "error", err)
		}
	}
	if feedback == nil {
		feedback = []agent.FeedbackRecord{}
	}

	events, err := s.auditStore.ListByTransaction(ctx, txID)
	if err != nil {
		logging.L(ctx).Warn("failed to load audit trail", "tx_id", txID, "error", err)
	}
	if events == nil {
		events = []audit.Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": assessment,
		"feedback":    feedback,
		"audit":       events,
	})
}

// getUserHistory handles GET /api/v1/users/:id/history
func (s *Server) getUserHistory(c *gin.Context) {
	userID := c.Param("id")
	txs := s.agent.History(userID)
	c.JSON(http.StatusOK, gin.H{
		"userId":       userID,
		"transactions": txs,
		"count":        len(txs),
	})
}

// getLearningLog handles GET /api/v1/learning?limit=&cursor=
func (s *Server) getLearningLog(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"), defaultPageSize, maxPageSize)

	log := s.agent.LearningLog()
	page, next := pagination.Page(log, after, limit, func(r agent.LearningRecord) (time.Time, string) {
		return r.DecidedAt, r.TransactionID
	})
	if page == nil {
		page = []agent.LearningRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"records":    page,
		"total":      len(log),
		"nextCursor": next,
	})
}

// listAuditEvents handles GET /api/v1/admin/audit?severity=&limit=
func (s *Server) listAuditEvents(c *gin.Context) {
	sev := audit.Severity(c.DefaultQuery("severity", string(audit.SeverityCritical)))
	switch sev {
	case audit.SeverityInfo, audit.SeverityWarning, audit.SeverityCritical:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_severity",
			"message": "severity must be info, warning or critical",
		})
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"), defaultPageSize, maxPageSize)

	events, err := s.auditStore.ListBySeverity(c.Request.Context(), sev, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// writeError maps pipeline errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var pe *agent.PipelineError
	switch {
	case errors.Is(err, transaction.ErrInvalidTransaction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_transaction", "message": err.Error()})
	case errors.Is(err, agent.ErrDuplicateTransaction):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_transaction", "message": "Transaction ID has already been processed"})
	case errors.Is(err, agent.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	case errors.As(err, &pe):
		logging.L(c.Request.Context()).Error("pipeline failed", "phase", pe.Phase, "error", pe.Err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pipeline_error",
			"message": "Processing failed during phase " + string(pe.Phase),
		})
	default:
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}
}
