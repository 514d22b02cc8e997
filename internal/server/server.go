// Package server wires configuration, storage and services into the HTTP API
// and owns the lifecycle of the background settlement loops.
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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/holdpay/internal/auth"
	"github.com/mbd888/holdpay/internal/circuitbreaker"
	"github.com/mbd888/holdpay/internal/config"
	"github.com/mbd888/holdpay/internal/health"
	"github.com/mbd888/holdpay/internal/idempotency"
	"github.com/mbd888/holdpay/internal/idgen"
	"github.com/mbd888/holdpay/internal/ledger"
	"github.com/mbd888/holdpay/internal/logging"
	"github.com/mbd888/holdpay/internal/metrics"
	"github.com/mbd888/holdpay/internal/ratelimit"
	"github.com/mbd888/holdpay/internal/reconciliation"
	"github.com/mbd888/holdpay/internal/realtime"
	"github.com/mbd888/holdpay/internal/risk"
	"github.com/mbd888/holdpay/internal/security"
	"github.com/mbd888/holdpay/internal/settlement"
	"github.com/mbd888/holdpay/internal/traces"
)

// Version is reported by /health and attached to traces.
const Version = "0.1.0"

// DefaultDrainDelay gives load balancers time to stop routing to an instance
// that has reported not-ready.
const DefaultDrainDelay = 5 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	db         *sql.DB       // nil if using in-memory
	redis      *redis.Client // nil if using in-memory idempotency
	store      ledger.Store
	accounts   *ledger.Service
	risk       *risk.Service
	settlement *settlement.Service
	queue      *settlement.ReleaseQueue
	sweeper    *settlement.Sweeper
	decayJob   *risk.DecayJob
	reconciler *reconciliation.Service
	reconTimer *reconciliation.Timer
	hub        *realtime.Hub
	idem       idempotency.Store
	health     *health.Registry
	limiter    *ratelimit.Limiter
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger
	drainDelay time.Duration

	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	loops         sync.WaitGroup
	shutdownOnce  sync.Once
	shutdownErr   error

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

// WithStore uses store instead of opening DATABASE_URL (for testing).
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithIdempotencyStore uses store instead of connecting to REDIS_URL.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(s *Server) {
		s.idem = store
	}
}

// WithDrainDelay overrides DefaultDrainDelay.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: DefaultDrainDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.openStore(); err != nil {
		return nil, err
	}
	if err := s.openIdempotency(); err != nil {
		s.closeStorage()
		return nil, err
	}

	policy := risk.DefaultPolicy()
	policy.LargeTransferThreshold = cfg.LargeTransferThreshold
	policy.DecayStep = cfg.RiskDecayStep

	s.hub = realtime.NewHub(s.logger)
	s.accounts = ledger.NewService(s.store, s.logger)
	s.risk = risk.NewService(s.store, policy, s.logger)
	s.settlement = settlement.NewService(s.store, s.risk, s.logger).
		WithHoldWindow(cfg.HoldWindow).
		WithNotifier(s.hub)

	queueCfg := settlement.QueueConfig{
		Workers:        cfg.ReleaseWorkers,
		MaxAttempts:    cfg.ReleaseMaxAttempts,
		Backoff:        cfg.ReleaseBackoff,
		AttemptTimeout: cfg.ReleaseAttemptTimeout,
	}
	s.queue = settlement.NewReleaseQueue(settlement.NewReleaseWorker(s.settlement), queueCfg, s.logger)
	s.sweeper = settlement.NewSweeper(s.store, s.queue, s.logger).
		WithInterval(cfg.SweepInterval).
		WithBatchSize(cfg.SweepBatchSize)
	s.decayJob = risk.NewDecayJob(s.risk, cfg.RiskDecayInterval, s.logger)
	s.reconciler = reconciliation.NewService(s.store, queueCfg.ClaimDeadline(), s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.health.Register("database", health.Ping("database", s.store.Ping))
	if s.redis != nil {
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openStore() error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = ledger.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.store = ledger.NewPostgresStore(db).WithLockTimeout(s.cfg.DBLockTimeout)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) openIdempotency() error {
	if s.idem != nil {
		return nil
	}
	if s.cfg.RedisURL == "" {
		s.idem = idempotency.NewMemoryStore()
		s.logger.Info("REDIS_URL not set, idempotency keys are cached in memory")
		return nil
	}

	client, err := idempotency.NewRedisClient(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.redis = client
	s.idem = idempotency.Guard(idempotency.NewRedisStore(client), circuitbreaker.New(5, 30*time.Second))
	s.logger.Info("using Redis for idempotency keys", "url", maskDSN(s.cfg.RedisURL))
	return nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	idem := idempotency.Middleware(s.idem, s.cfg.IdempotencyTTL)
	accountHandler := ledger.NewHandler(s.accounts, auth.AccountID)
	settlementHandler := settlement.NewHandler(s.settlement, auth.AccountID)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(), s.limiter.Middleware())

	public := v1.Group("", idem)
	accountHandler.RegisterPublicRoutes(public)

	caller := v1.Group("", auth.RequireAccount(), idem)
	accountHandler.RegisterRoutes(caller)
	settlementHandler.RegisterRoutes(caller)
	caller.GET("/ws", s.websocketHandler)

	admin := v1.Group("", auth.RequireAdmin(s.cfg.AdminSecret), idem)
	accountHandler.RegisterAdminRoutes(admin)
	settlementHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Realtime  map[string]any  `json:"realtime,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Realtime:  s.hub.Stats(),
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// websocketHandler handles GET /v1/ws
func (s *Server) websocketHandler(c *gin.Context) {
	id, _ := auth.AccountID(c)
	s.hub.HandleWebSocket(c.Writer, c.Request, id)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops: realtime hub, release queue, escrow
// sweep, reconciliation and risk decay. Run calls it; tests may call it directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.hub.Run(runCtx)
	}()

	s.queue.Start(runCtx)

	s.loops.Add(3)
	go func() {
		defer s.loops.Done()
		s.sweeper.Start(runCtx)
	}()
	go func() {
		defer s.loops.Done()
		s.reconTimer.Start(runCtx)
	}()
	go func() {
		defer s.loops.Done()
		s.decayJob.Start(runCtx)
	}()

	if s.db != nil {
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
		}()
	}

	s.health.Register("realtime", health.Running("realtime", s.hub.Running))
	s.health.Register("release_queue", health.Running("release_queue", s.queue.Running))
	s.health.Register("sweeper", health.Running("sweeper", s.sweeper.Running))
	s.health.Register("reconciliation", health.Running("reconciliation", s.reconTimer.Running))
	s.health.Register("ledger_consistency", s.reconciler.HealthCheck)
	s.health.Register("risk_decay", health.Running("risk_decay", s.decayJob.Running))

	s.ready.Store(true)
	s.logger.Info("background loops started",
		"holdWindow", s.cfg.HoldWindow.String(),
		"sweepInterval", s.cfg.SweepInterval.String(),
		"releaseWorkers", s.cfg.ReleaseWorkers,
	)
}

// Run starts the HTTP server and background loops, then blocks until ctx is
// cancelled, a termination signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	shutdownTraces, err := traces.Init(ctx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.traceShutdown = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown stops accepting traffic, drains in-flight requests, stops the
// background loops and closes storage. Release tasks that were queued but not
// started have their claims cleared so the next instance's sweep picks them
// up. Safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// No new claims once the sweep stops; then drain what was already claimed.
	s.sweeper.Stop()
	s.decayJob.Stop()
	s.reconTimer.Stop()
	if err := s.queue.Stop(ctx); err != nil {
		s.logger.Error("release queue shutdown error", "error", err)
		errs = append(errs, err)
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.loops.Wait()
	s.limiter.Stop()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	s.closeStorage()
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() http.Handler {
	return s.router
}
