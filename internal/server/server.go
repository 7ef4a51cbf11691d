// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/health"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/model"
	"github.com/mbd888/sentinel/internal/pipeline"
	"github.com/mbd888/sentinel/internal/policy"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/rules"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/session"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *rules.Engine
	combinator   *policy.Combinator
	detector     *security.Detector
	tracker      *session.Tracker
	sessionTimer *session.Timer
	pipeline     *pipeline.Service
	rateLimiter  *ratelimit.Limiter
	realtimeHub  *realtime.Hub
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	scorer       model.Scorer
	cancelRunCtx context.CancelFunc      // cancels background goroutines started in Run
	stopTraces   func(ctx context.Context) error

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

// WithScorer injects a custom model scorer (for testing)
func WithScorer(scorer model.Scorer) Option {
	return func(s *Server) {
		s.scorer = scorer
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set scorer/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var securityStore security.Store
	var sessionStore session.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection, retrying while the database comes up
		if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error {
			return db.PingContext(ctx)
		}); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		secStore := security.NewPostgresStore(db)
		if err := secStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate security store", "error", err)
		}
		securityStore = secStore

		sessStore := session.NewPostgresStore(db)
		if err := sessStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate session store", "error", err)
		}
		sessionStore = sessStore

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		securityStore = security.NewMemoryStore(security.DefaultConfig().MaxEvents)
		sessionStore = session.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Rules engine + policy combinator
	s.engine = rules.NewEngine(rules.DefaultConfig())
	combinator, err := policy.NewCombinator(policy.DefaultThresholds())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy combinator: %w", err)
	}
	s.combinator = combinator

	// Model scorer: remote endpoint when configured, stub otherwise.
	// Endpoints pointing at internal addresses fall back to the stub.
	if s.scorer == nil {
		if cfg.ModelEndpoint != "" {
			if err := security.ValidateOutboundURL(cfg.ModelEndpoint); err != nil {
				s.logger.Warn("rejecting model endpoint, falling back to stub scorer",
					"endpoint", cfg.ModelEndpoint, "error", err)
				s.scorer = model.NewStubScorer()
			} else {
				s.scorer = model.NewHTTPScorer(cfg.ModelEndpoint, cfg.ModelTimeout)
				s.logger.Info("using remote model scorer", "endpoint", cfg.ModelEndpoint)
			}
		} else {
			s.scorer = model.NewStubScorer()
			s.logger.Info("using stub model scorer")
		}
	}

	// Session tracking
	s.tracker = session.NewTracker(sessionStore, session.NewBehavioralScorer(session.DefaultScorerConfig()), s.logger)
	s.sessionTimer = session.NewTimer(s.tracker, s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Threat detector, streaming events to subscribed clients
	secCfg := security.DefaultConfig()
	secCfg.SimulateOffHours = cfg.SimulateOffHours
	s.detector = security.NewDetector(secCfg, securityStore, s.logger).
		WithEventHook(func(e *security.ThreatEvent) {
			s.realtimeHub.BroadcastThreat(e.ID, e.Source, string(e.Type), e.Level.String(), e.Description, e.Level >= security.LevelHigh)
		})

	// Decision pipeline
	s.pipeline = pipeline.NewService(pipeline.Config{
		Budget:       cfg.DecisionBudget,
		ModelTimeout: cfg.ModelTimeout,
	}, s.engine, s.combinator, s.scorer, s.tracker, s.logger).
		WithDecisionHook(func(r *pipeline.DecisionResponse) {
			s.realtimeHub.BroadcastDecision(r.TransactionID, "", r.Decision, r.Score)
		})

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
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Threat observation: reject blocked sources, feed the detector
	s.router.Use(s.observationMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// observationMiddleware rejects requests from blocked sources and feeds
// every completed request into the threat detector. Callers annotate
// auth outcomes, data-access volumes, and drill traffic via headers.
func (s *Server) observationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		source := c.GetHeader("X-Source-ID")
		if source == "" {
			source = c.ClientIP()
		}
		ctx := c.Request.Context()

		if s.detector.IsBlocked(ctx, source) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "source_blocked",
				"message": "This source has been blocked due to suspicious activity",
			})
			return
		}

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		if result := c.GetHeader("X-Auth-Result"); result != "" {
			s.detector.ObserveAuthAttempt(ctx, source, strings.EqualFold(result, "success"))
		}

		if raw := c.GetHeader("X-Records-Accessed"); raw != "" {
			if records, err := strconv.Atoi(raw); err == nil {
				dataType := c.GetHeader("X-Data-Type")
				if dataType == "" {
					dataType = "customer_records"
				}
				s.detector.ObserveDataAccess(ctx, source, dataType, float64(records), true)
			}
		}

		if strings.EqualFold(c.GetHeader("X-Access-Time"), "off-hours") {
			s.detector.ObserveDrillRequest(ctx, source, endpoint, c.Writer.Status())
		} else {
			s.detector.ObserveAPIRequest(ctx, source, endpoint, c.Writer.Status())
		}
	}
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	// Decision pipeline, deny lists, policy thresholds
	pipelineHandler := pipeline.NewHandler(s.pipeline, s.engine, s.combinator)
	pipelineHandler.RegisterRoutes(v1)

	// Session tracking
	sessionHandler := session.NewHandler(s.tracker)
	sessionHandler.RegisterRoutes(v1)

	// Security ops surface
	securityHandler := security.NewHandler(s.detector, s.securityStore())
	securityHandler.RegisterRoutes(v1)

	// Rate limit ops
	ratelimitHandler := ratelimit.NewHandler(s.rateLimiter)
	ratelimitHandler.RegisterRoutes(v1)
}

func (s *Server) securityStore() security.Store {
	return s.detector.Store()
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
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Sentinel",
		"description": "Real-time fraud decision and threat detection engine",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no collector endpoint is configured)
	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stopTraces
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start stale-session sweeper
	go s.sessionTimer.Start(runCtx)

	// Start DB stats collector
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop session timer
	if s.sessionTimer != nil {
		s.sessionTimer.Stop()
		s.logger.Info("session timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
