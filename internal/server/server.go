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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/poisonguard/internal/address"
	"github.com/mbd888/poisonguard/internal/alerts"
	"github.com/mbd888/poisonguard/internal/circuitbreaker"
	"github.com/mbd888/poisonguard/internal/config"
	"github.com/mbd888/poisonguard/internal/health"
	"github.com/mbd888/poisonguard/internal/logging"
	"github.com/mbd888/poisonguard/internal/metrics"
	"github.com/mbd888/poisonguard/internal/params"
	"github.com/mbd888/poisonguard/internal/ratelimit"
	"github.com/mbd888/poisonguard/internal/realtime"
	"github.com/mbd888/poisonguard/internal/retry"
	"github.com/mbd888/poisonguard/internal/risk"
	"github.com/mbd888/poisonguard/internal/security"
	"github.com/mbd888/poisonguard/internal/traces"
	"github.com/mbd888/poisonguard/internal/validation"
	"github.com/mbd888/poisonguard/internal/workspace"
	"github.com/mbd888/poisonguard/migrations"
)

// analysisTokens is the rate-limit cost of a request that runs the engine.
const analysisTokens = 5

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	workspaces   *workspace.Service
	engine       *risk.Engine
	alerts       *alerts.Publisher
	alertSink    alerts.Sink
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
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

// WithAlertSink replaces the configured alert sink (for testing)
func WithAlertSink(sink alerts.Sink) Option {
	return func(s *Server) {
		s.alertSink = sink
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	defaults := params.Defaults()
	if cfg.ParamsFile != "" {
		p, err := params.LoadFile(cfg.ParamsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load params: %w", err)
		}
		defaults = p
		s.logger.Info("engine params loaded", "file", cfg.ParamsFile)
	}
	s.engine = risk.NewEngine().WithWorkers(cfg.AnalysisWorkers)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store workspace.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}

		s.db = db
		pg := workspace.NewPostgresStore(db)
		store = pg
		s.health.Register("database", health.PingProbe(pg))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		mem := workspace.NewMemoryStore()
		store = mem
		s.health.Register("store", health.PingProbe(mem))
		s.logger.Info("using in-memory storage")
	}

	// Alerts go to Kafka when brokers are configured, otherwise to the log
	if s.alertSink == nil {
		if len(cfg.KafkaBrokers) > 0 {
			sink, err := alerts.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAlertTopic, nil)
			if err != nil {
				s.closeDB()
				return nil, fmt.Errorf("failed to create kafka alert sink: %w", err)
			}
			s.alertSink = sink
			s.logger.Info("kafka alerts enabled", "brokers", strings.Join(cfg.KafkaBrokers, ","), "topic", cfg.KafkaAlertTopic)
		} else {
			s.alertSink = alerts.NewLogSink(s.logger)
		}
	}
	s.alerts = alerts.NewPublisher(s.alertSink, cfg.AlertMinAction).
		WithRetry(retry.Default).
		WithBreaker(circuitbreaker.New("alerts", 5, 30*time.Second))

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.health.Register("realtime", health.PingProbe(s.realtimeHub))

	s.workspaces = workspace.NewService(store, s.engine, defaults, workspace.Config{
		MaxTransactions: cfg.MaxTransactions,
		MaxAnchors:      cfg.MaxAnchors,
		Timeout:         cfg.AnalysisTimeout,
	}, s.logger).
		WithEvents(s.realtimeHub).
		WithAlerts(s.alerts)

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
	// Request ID and logger first so every later log line carries them
	s.router.Use(s.requestIDMiddleware())

	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(traces.Middleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(bodyLimitMiddleware())

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware(ratelimit.AnalysisCost(analysisTokens)))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

// bodyLimitMiddleware allows dataset uploads up to MaxDatasetSize and caps
// every other body at MaxRequestSize.
func bodyLimitMiddleware() gin.HandlerFunc {
	dataset := validation.RequestSizeMiddleware(validation.MaxDatasetSize)
	regular := validation.RequestSizeMiddleware(validation.MaxRequestSize)
	return func(c *gin.Context) {
		switch c.FullPath() {
		case "/v1/analyze", "/v1/workspaces/:id/transactions", "/v1/workspaces/:id/anchors":
			dataset(c)
		default:
			regular(c)
		}
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Realtime stream of workspace events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/addresses/:address", validation.AddressParamMiddleware(), s.addressHandler)
	workspace.NewHandler(s.workspaces).RegisterRoutes(v1)
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
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   traces.Version,
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

// addressHandler handles GET /v1/addresses/:address
func (s *Server) addressHandler(c *gin.Context) {
	addr := c.Param("address")
	typ := address.Classify(addr)
	resp := gin.H{
		"address":    addr,
		"type":       typ,
		"comparable": typ != address.TypeUnknown,
	}
	if typ == address.TypeEVM {
		resp["checksum"] = address.Checksum(addr)
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.AnalysisTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.rateLimiter.Run(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// In-flight requests are done; stop the hub, limiter and collectors
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if err := s.alerts.Close(); err != nil {
		s.logger.Error("alert sink close error", "error", err)
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
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
