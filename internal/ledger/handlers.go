package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/verifai/internal/agent"
	"github.com/mbd888/verifai/internal/auth"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up read-only ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id/alerts", h.GetAlerts)
	r.GET("/transactions/:id/feedback", h.GetFeedback)
	r.GET("/users/:id/decisions", h.GetUserDecisions)
	r.GET("/users/:id/freeze", h.GetFreeze)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.DELETE("/users/:id/freeze", h.Unfreeze)
}

// GetAlerts handles GET /transactions/:id/alerts
func (h *Handler) GetAlerts(c *gin.Context) {
	alerts, err := h.ledger.Alerts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to list alerts", "tx_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve alerts"})
		return
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// GetFeedback handles GET /transactions/:id/feedback
func (h *Handler) GetFeedback(c *gin.Context) {
	fb, err := h.ledger.Feedback(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to list feedback", "tx_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve feedback"})
		return
	}
	if fb == nil {
		fb = []agent.FeedbackRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"feedback": fb})
}

// GetUserDecisions handles GET /users/:id/decisions
func (h *Handler) GetUserDecisions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	decisions, err := h.ledger.UserAssessments(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.logger.Error("failed to list decisions", "user_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve decisions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
}

// GetFreeze handles GET /users/:id/freeze
func (h *Handler) GetFreeze(c *gin.Context) {
	f, err := h.ledger.FreezeStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to get freeze", "user_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve freeze status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"frozen": f != nil, "freeze": f})
}

// Unfreeze handles DELETE /users/:id/freeze
func (h *Handler) Unfreeze(c *gin.Context) {
	err := h.ledger.Unfreeze(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFrozen) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_frozen", "message": "Account is not frozen"})
		return
	}
	if err != nil {
		h.logger.Error("failed to unfreeze", "user_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to unfreeze account"})
		return
	}
	h.logger.Info("account unfrozen", "user_id", c.Param("id"), "operator", auth.Operator(c))
	c.JSON(http.StatusOK, gin.H{"frozen": false})
}
