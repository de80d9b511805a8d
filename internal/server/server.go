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
	"github.com/mbd888/smokypay/internal/chain"
	"github.com/mbd888/smokypay/internal/config"
	"github.com/mbd888/smokypay/internal/enrollment"
	"github.com/mbd888/smokypay/internal/health"
	"github.com/mbd888/smokypay/internal/idgen"
	"github.com/mbd888/smokypay/internal/logging"
	"github.com/mbd888/smokypay/internal/loyalty"
	"github.com/mbd888/smokypay/internal/metrics"
	"github.com/mbd888/smokypay/internal/oracle"
	"github.com/mbd888/smokypay/internal/orders"
	"github.com/mbd888/smokypay/internal/ratelimit"
	"github.com/mbd888/smokypay/internal/retry"
	"github.com/mbd888/smokypay/internal/security"
	"github.com/mbd888/smokypay/internal/storefront"
	"github.com/mbd888/smokypay/internal/traces"
	"github.com/mbd888/smokypay/internal/validation"
	"github.com/mbd888/smokypay/migrations"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil without REDIS_URL

	ledger     chain.Ledger
	feed       oracle.Feed
	gateway    *oracle.Gateway
	refresher  *oracle.Refresher
	loyalty    *loyalty.Service
	enrollment *enrollment.Service
	orders     *orders.Service
	sweeper    *orders.Sweeper
	notifier   *storefront.Notifier

	checks        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

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

// WithVersion sets the version reported by /health and /.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithLedger replaces the Horizon client (for testing)
func WithLedger(l chain.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithPriceFeed replaces the HTTP price feed (for testing)
func WithPriceFeed(f oracle.Feed) Option {
	return func(s *Server) {
		s.feed = f
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set ledger/feed/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		orderStore      orders.Store
		loyaltyStore    loyalty.Store
		enrollmentStore enrollment.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		orderStore = orders.NewPostgresStore(db)
		loyaltyStore = loyalty.NewPostgresStore(db)
		enrollmentStore = enrollment.NewPostgresStore(db)
		s.checks.Register("database", health.PingCheck("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		mem := loyalty.NewMemoryStore()
		orderStore = orders.NewMemoryStore(mem)
		loyaltyStore = mem
		enrollmentStore = enrollment.NewMemoryStore()
		s.logger.Warn("using in-memory storage; state is lost on restart")
	}

	// Ledger
	if s.ledger == nil {
		horizon := chain.NewHorizonClient(cfg.HorizonURL, retry.Policy{
			BaseDelay: cfg.VerifyBaseDelay,
			MaxDelay:  cfg.VerifyMaxDelay,
			Window:    cfg.VerifyTimeout,
		}, s.logger)
		s.ledger = horizon
		s.checks.Register("horizon", health.HTTPCheck("horizon", horizon.BaseURL(), nil))
	}

	// Price oracle
	var cache oracle.Cache = oracle.NewMemoryCache()
	if cfg.RedisURL != "" {
		rc, client, err := oracle.DialRedis(cfg.RedisURL, 2*cfg.OracleMaxAge)
		if err != nil {
			return nil, err
		}
		s.redis = client
		cache = rc
		s.checks.Register("redis", health.PingCheck("redis", rc))
		s.logger.Info("using shared quote cache", "redis", maskDSN(cfg.RedisURL))
	}
	if s.feed == nil && cfg.OracleURL != "" {
		feed := oracle.NewHTTPFeed(cfg.OracleURL)
		s.feed = feed
		s.checks.Register("oracle", health.HTTPCheck("oracle", feed.BaseURL(), nil))
	}
	s.gateway = oracle.NewGateway(s.feed, cache, cfg.OracleMaxAge, s.logger).
		WithEstimateRate(cfg.OracleEstimateRate)
	if pairs := quotedPairs(cfg.AcceptedAssets); s.feed != nil && len(pairs) > 0 {
		s.refresher = oracle.NewRefresher(s.gateway, pairs, cfg.OracleRefreshInterval, s.logger)
	}

	// Domain services
	s.loyalty = loyalty.NewService(loyaltyStore, s.ledger, cfg.TreasuryAddress,
		chain.Asset{Code: cfg.LoyaltyCode, Issuer: cfg.LoyaltyIssuer}, s.logger)
	s.enrollment = enrollment.NewService(enrollmentStore, s.logger).WithLinker(s.loyalty)
	s.orders = orders.NewService(orderStore, s.ledger, s.gateway, s.loyalty, cfg.ReceiverAddress,
		orders.AssetsFromConfig(cfg.AcceptedAssets), s.logger).
		WithEscrowReceiver(cfg.EscrowContractID).
		WithEnroller(s.enrollment).
		WithSweepPolicy(0, cfg.SubmittedTTL).
		WithCreditHoldTTL(cfg.CreditHoldTTL)
	s.sweeper = orders.NewSweeper(s.orders, cfg.SweepInterval, s.logger)

	if cfg.StorefrontEnabled() {
		client := storefront.NewClient(cfg.StorefrontURL, cfg.StorefrontKey, cfg.StorefrontSecret)
		s.notifier = storefront.NewNotifier(client, cfg.ExplorerURL, cfg.LoyaltyCode, s.logger)
		s.orders.WithOrderSource(storefront.NewSource(client)).WithNotifier(s.notifier)
		s.enrollment.WithProfileSync(s.notifier)
		s.logger.Info("storefront sync enabled", "url", cfg.StorefrontURL)
	}
	if cfg.WebhookSecret == "" {
		s.logger.Warn("WC_WEBHOOK_SECRET not set; storefront webhooks are accepted unsigned (refused in production)")
	}

	// Setup router
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// migrate applies the embedded goose migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// quotedPairs lists the oracle pairs of non-stable accepted assets.
func quotedPairs(assets []config.AssetConfig) []string {
	var pairs []string
	for _, a := range assets {
		if !a.Stable {
			pairs = append(pairs, a.Pair)
		}
	}
	return pairs
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

	// CORS for storefront scripts
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	rl.BurstSize = s.cfg.RateLimitBurst
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

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
			requestID = idgen.New()
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health and metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	root := s.router.Group("")

	// Prices
	oracle.NewHandler(s.gateway).RegisterRoutes(root)

	// Checkout confirmation, escrow link, order reads, store credit
	orders.NewHandler(s.orders).RegisterRoutes(root)

	// Loyalty conversion and accounts
	loyalty.NewHandler(s.loyalty).RegisterRoutes(root)

	// Wallet enrollment
	enrollment.NewHandler(s.enrollment).RegisterRoutes(root)

	// Storefront webhooks
	storefront.NewWebhookHandler(s.orders, s.cfg.WebhookSecret, s.logger).RegisterRoutes(root)
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
	ok, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
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
	assets := make([]gin.H, 0, len(s.cfg.AcceptedAssets))
	for _, a := range s.cfg.AcceptedAssets {
		assets = append(assets, gin.H{
			"symbol": a.Symbol,
			"issuer": a.Issuer,
			"stable": a.Stable,
			"pair":   a.Pair,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"name":            "smokypay",
		"version":         s.version,
		"receiver":        s.cfg.ReceiverAddress,
		"escrow_contract": s.cfg.EscrowContractID,
		"accepted_assets": assets,
		"loyalty_asset": gin.H{
			"code":     s.cfg.LoyaltyCode,
			"issuer":   s.cfg.LoyaltyIssuer,
			"treasury": s.cfg.TreasuryAddress,
		},
		"fee_rate": orders.FeeRate.String(),
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

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.VerifyTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"receiver", s.cfg.ReceiverAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Keep settlement quotes warm
	if s.refresher != nil {
		go s.refresher.Start(runCtx)
	}

	// Re-verify orders awaiting ledger confirmation
	go s.sweeper.Start(runCtx)

	// DB pool gauges
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

	// Cancel the context for all background goroutines (refresher, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

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

	// Stop sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("order sweeper stopped")
	}

	// Stop quote refresher
	if s.refresher != nil {
		s.refresher.Stop()
		s.logger.Info("oracle refresher stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Let in-flight storefront updates finish
	if s.notifier != nil {
		s.notifier.Wait()
		s.logger.Info("storefront sync drained")
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
