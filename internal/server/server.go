// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/verifai/internal/agent"
	"github.com/mbd888/verifai/internal/audit"
	"github.com/mbd888/verifai/internal/auth"
	"github.com/mbd888/verifai/internal/config"
	"github.com/mbd888/verifai/internal/features"
	"github.com/mbd888/verifai/internal/health"
	"github.com/mbd888/verifai/internal/history"
	"github.com/mbd888/verifai/internal/ledger"
	"github.com/mbd888/verifai/internal/logging"
	"github.com/mbd888/verifai/internal/metrics"
	"github.com/mbd888/verifai/internal/policy"
	"github.com/mbd888/verifai/internal/ratelimit"
	"github.com/mbd888/verifai/internal/realtime"
	"github.com/mbd888/verifai/internal/scoring"
	"github.com/mbd888/verifai/internal/validation"
	"github.com/mbd888/verifai/internal/webhooks"
	"github.com/mbd888/verifai/migrations"
)

// Version is reported by the health endpoint and tracing resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	agent        *agent.Agent
	history      *history.Store
	mirror       *history.RedisMirror // nil without REDIS_URL
	ledger       *ledger.Ledger
	auditStore   audit.Store
	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	realtimeHub  *realtime.Hub
	scorer       scoring.Scorer
	scorerMode   scorerMode
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil without REDIS_URL
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	now          func() time.Time
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithScorer replaces the scorer built from configuration (for testing).
// Configured floor rules still wrap it.
func WithScorer(sc scoring.Scorer) Option {
	return func(s *Server) {
		s.scorer = sc
		s.scorerMode = scorerMode{name: "custom"}
	}
}

// WithClock sets the clock used by the agent and feature extraction.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		now:    time.Now,
	}

	// Apply options first (may set scorer/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		s.ledger = ledger.New(ledger.NewPostgresStore(db))
		s.auditStore = audit.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.ledger = ledger.New(ledger.NewMemoryStore())
		s.auditStore = audit.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// History mirror (Redis if REDIS_URL set)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		s.mirror = history.NewRedisMirror(s.redis, cfg.HistoryMaxEntries, s.logger)
		s.logger.Info("history mirror enabled", "redis", opt.Addr)
	}

	// Scorer: remote service, local model artifact, or neutral fallback
	if s.scorer == nil {
		sc, mode, err := buildScorer(cfg, s.logger)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.scorer, s.scorerMode = sc, mode
	}
	scorer := s.scorer
	if cfg.FloorRuleEnabled {
		scorer = scoring.WithRules(scorer, scoring.HighRiskSpikeRule(cfg.FloorRuleZScore, cfg.FloorRuleMinimum))
		s.logger.Info("floor rule enabled", "z_score", cfg.FloorRuleZScore, "floor", cfg.FloorRuleMinimum)
	}

	pol, err := policy.New(cfg.Thresholds())
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.history = history.NewStore(history.Options{
		MaxEntries: cfg.HistoryMaxEntries,
		MaxAge:     cfg.HistoryMaxAge,
		Now:        s.now,
	})
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)

	deps := agent.Deps{
		History: s.history,
		Engineer: features.New(
			features.WithClock(s.now),
			features.WithHighRiskCategories(cfg.HighRiskCategories),
		),
		Scorer:    scorer,
		Policy:    pol,
		Notifier:  s.webhooks,
		Freezer:   s.ledger,
		Recorder:  s.ledger,
		Audit:     s.auditStore,
		Publisher: s.realtimeHub,
		Logger:    s.logger,
	}
	if s.mirror != nil {
		deps.Mirror = s.mirror
	}
	s.agent, err = agent.New(deps, agent.WithClock(s.now), agent.WithDeliveryTimeout(cfg.DeliveryTimeout))
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if s.mirror != nil {
		s.health.Register("redis", health.PingChecker("redis", s.mirror))
	}
	s.health.Register("scorer", health.Scorer(s.scorerMode.status))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Live transaction monitor
	s.router.GET("/", monitorPageHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/api/v1")
	v1.Use(validation.IDParamMiddleware("id"))

	// Decision pipeline
	v1.POST("/transactions/process", s.processTransaction)
	v1.POST("/transactions/verify/:id", s.verifyTransaction)
	v1.GET("/transactions/:id", s.getTransaction)
	v1.GET("/users/:id/history", s.getUserHistory)
	v1.GET("/learning", s.getLearningLog)
	v1.GET("/realtime/stats", s.realtimeStats)

	// Durable records: alerts, feedback, decisions, freezes
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)

	// Webhook subscriptions
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(v1)

	// Admin routes require X-Admin-Secret
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	ledgerHandler.RegisterAdminRoutes(admin)
	admin.GET("/audit", s.listAuditEvents)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"scorer", s.scorerMode.name,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Export connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		s.closeStores()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Let in-flight webhook deliveries finish
	s.webhooks.Wait()
	s.logger.Info("webhook deliveries drained")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Agent returns the decision pipeline.
func (s *Server) Agent() *agent.Agent {
	return s.agent
}
