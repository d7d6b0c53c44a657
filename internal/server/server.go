// Package server wires the payment service, the reconciliation worker and
// the HTTP API together.
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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"

	"github.com/cryptohook/cryptohook/internal/config"
	"github.com/cryptohook/cryptohook/internal/currency"
	"github.com/cryptohook/cryptohook/internal/health"
	"github.com/cryptohook/cryptohook/internal/logging"
	"github.com/cryptohook/cryptohook/internal/metrics"
	"github.com/cryptohook/cryptohook/internal/payments"
	"github.com/cryptohook/cryptohook/internal/ratelimit"
	"github.com/cryptohook/cryptohook/internal/realtime"
	"github.com/cryptohook/cryptohook/internal/reconcile"
	"github.com/cryptohook/cryptohook/internal/registry"
	"github.com/cryptohook/cryptohook/internal/security"
	"github.com/cryptohook/cryptohook/internal/traces"
	"github.com/cryptohook/cryptohook/internal/validation"
	"github.com/cryptohook/cryptohook/internal/webhooks"
	"github.com/cryptohook/cryptohook/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	currencyConfigs []currency.Config
	providerFactory registry.ProviderFactory
	providers       *registry.Providers // nil when a factory was injected

	db          *sql.DB // nil if using in-memory
	store       payments.Store
	currencies  *registry.Registry
	payments    *payments.Service
	notifier    *webhooks.Notifier
	realtimeHub *realtime.Hub
	worker      *reconcile.Worker
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration
	shutdownOnce    sync.Once
	shutdownErr     error

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

// WithVersion sets the version reported by /health and build_info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithCurrencyConfigs uses configs instead of reading CURRENCIES_FILE.
func WithCurrencyConfigs(configs []currency.Config) Option {
	return func(s *Server) {
		s.currencyConfigs = configs
	}
}

// WithProviderFactory replaces the Esplora/Etherscan data providers.
func WithProviderFactory(f registry.ProviderFactory) Option {
	return func(s *Server) {
		s.providerFactory = f
	}
}

// WithStore sets the payment store instead of choosing one from DATABASE_URL.
func WithStore(store payments.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance. Any invalid enabled currency or
// webhook endpoint aborts startup.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing
	metrics.SetBuildInfo(s.version)

	if err := s.initStore(ctx); err != nil {
		return nil, err
	}

	if err := s.initCurrencies(ctx); err != nil {
		return nil, err
	}

	if err := s.initNotifier(); err != nil {
		return nil, err
	}

	s.payments = payments.NewService(s.store, s.currencies, s.logger)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	workerOpts := []reconcile.Option{
		reconcile.WithInterval(cfg.PollInterval),
		reconcile.WithConcurrency(cfg.PollConcurrency),
		reconcile.WithPublisher(s.realtimeHub),
	}
	if s.notifier != nil {
		workerOpts = append(workerOpts, reconcile.WithNotifier(s.notifier))
	}
	s.worker = reconcile.NewWorker(s.store, s.currencies, s.logger, workerOpts...)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.DatabaseCheck(s.db))
	}
	s.health.Register("reconciler", health.LoopCheck(s.worker, 3*cfg.PollInterval+time.Minute, nil))

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

// initStore picks Postgres when DATABASE_URL is set and applies pending
// migrations, otherwise an in-memory store.
func (s *Server) initStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = payments.NewMemoryStore()
		if s.cfg.IsDevelopment() {
			s.logger.Info("using in-memory storage (data will not persist)")
		} else {
			s.logger.Warn("DATABASE_URL not set outside development, payments and derivation indexes will be lost on restart", "env", s.cfg.Env)
		}
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.db = db
	s.store = payments.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) initCurrencies(ctx context.Context) error {
	configs := s.currencyConfigs
	if configs == nil {
		loaded, err := currency.LoadFile(s.cfg.CurrenciesFile)
		if err != nil {
			return fmt.Errorf("failed to load currencies: %w", err)
		}
		configs = loaded
	}

	factory := s.providerFactory
	if factory == nil {
		s.providers = registry.NewProviders(ctx, s.logger)
		factory = s.providers
	}

	reg, err := registry.New(currency.DefaultCatalog(), configs, factory, s.logger)
	if err != nil {
		if s.providers != nil {
			s.providers.Close()
		}
		return err
	}
	s.currencies = reg
	s.logger.Info("currency registry loaded", "enabled", len(reg.Enabled()), "configured", len(configs))
	return nil
}

func (s *Server) initNotifier() error {
	var endpoints []webhooks.Endpoint
	switch {
	case s.cfg.WebhooksFile != "":
		loaded, err := webhooks.LoadFile(s.cfg.WebhooksFile)
		if err != nil {
			return fmt.Errorf("failed to load webhooks: %w", err)
		}
		endpoints = loaded
	case s.cfg.WebhookURL != "":
		endpoints = []webhooks.Endpoint{{URL: s.cfg.WebhookURL, Secret: s.cfg.WebhookSecret}}
	}

	if len(endpoints) == 0 {
		s.logger.Warn("no webhook endpoints configured, status changes are not delivered")
		return nil
	}
	if vs := webhooks.Validate(endpoints, s.cfg.WebhookAllowPrivate); len(vs) > 0 {
		return fmt.Errorf("invalid webhook configuration: %w", vs)
	}

	var opts []webhooks.Option
	if s.cfg.WebhookAllowPrivate {
		opts = append(opts, webhooks.WithPrivateTargets())
	}
	s.notifier = webhooks.NewNotifier(endpoints, s.logger, opts...)
	s.logger.Info("webhooks enabled", "endpoints", len(endpoints))
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
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
		case path == "/health/live" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/6, 1),
		CleanupInterval:   time.Minute,
		KeyHeader:         security.APIKeyHeader,
	})

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())
	v1.Use(security.APIKeyMiddleware(s.cfg.APIKey))

	payments.NewHandler(s.payments).RegisterRoutes(v1)
	registry.NewHandler(s.currencies).RegisterRoutes(v1)

	// WebSocket for payment status streaming
	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
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
		Version:   s.version,
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
		"name":       "cryptohook",
		"version":    s.version,
		"currencies": len(s.currencies.Enabled()),
		"webhooks":   s.webhookCount(),
		"realtime":   s.realtimeHub.Stats(),
	})
}

func (s *Server) webhookCount() int {
	if s.notifier == nil {
		return 0
	}
	return s.notifier.Endpoints()
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server, the realtime hub and the reconciliation
// worker, and blocks until a signal, ctx cancellation or a server error.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"version", s.version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.worker.Start(runCtx)

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
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. Later calls return the first result.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop polling first so no new webhooks start during the drain.
	s.worker.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// The cycle in flight still writes to the store and delivers webhooks.
	if err := s.worker.Wait(ctx); err != nil {
		s.logger.Warn("reconciliation cycle did not finish before shutdown deadline", "error", err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.providers != nil {
		s.providers.Close()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Worker returns the reconciliation worker.
func (s *Server) Worker() *reconcile.Worker {
	return s.worker
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
