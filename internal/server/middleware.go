package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/verifai/internal/idgen"
	"github.com/mbd888/verifai/internal/logging"
	"github.com/mbd888/verifai/internal/metrics"
	"github.com/mbd888/verifai/internal/ratelimit"
	"github.com/mbd888/verifai/internal/security"
	"github.com/mbd888/verifai/internal/validation"
)

const requestIDHeader = "X-Request-ID"

// setupMiddleware installs the chain in order: panic recovery, browser
// hardening, body limit, rate limit, metrics, request id, access log.
func (s *Server) setupMiddleware() {
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	rl.BurstSize = s.cfg.RateLimitRPS
	s.rateLimiter = ratelimit.New(rl)

	s.router.Use(
		gin.CustomRecovery(recoverJSON),
		security.HeadersMiddleware("/"),
		security.CORSMiddleware(s.cfg.CORSOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		s.rateLimiter.Middleware(),
		metrics.Middleware(),
		s.requestContext(),
		accessLog(),
	)
}

func recoverJSON(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic recovered", "error", recovered, "route", c.FullPath())
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// requestContext propagates a caller-supplied X-Request-ID, or mints one,
// and binds it and the server logger to the request context.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if !validation.IsValidID(id) {
			id = idgen.Hex(16)
		}
		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog writes one line per request. Server errors log at ERROR,
// client errors at WARN. Transaction and user path ids are attached so a
// decision's requests can be found by id.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if id := c.Param("id"); id != "" {
			attrs = append(attrs, "resource_id", id)
		}
		if level == slog.LevelError {
			attrs = append(attrs, "client_ip", c.ClientIP())
		}
		logging.L(c.Request.Context()).Log(c.Request.Context(), level, "request completed", attrs...)
	}
}
