// Package server wires storage, services, handlers and background
// workers into one HTTP server.
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
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/serviqo/walletcore/internal/admin"
	"github.com/serviqo/walletcore/internal/booking"
	"github.com/serviqo/walletcore/internal/config"
	"github.com/serviqo/walletcore/internal/events"
	"github.com/serviqo/walletcore/internal/gateway"
	"github.com/serviqo/walletcore/internal/health"
	"github.com/serviqo/walletcore/internal/ledger"
	"github.com/serviqo/walletcore/internal/logging"
	"github.com/serviqo/walletcore/internal/metrics"
	"github.com/serviqo/walletcore/internal/notify"
	"github.com/serviqo/walletcore/internal/payments"
	"github.com/serviqo/walletcore/internal/payout"
	"github.com/serviqo/walletcore/internal/ratelimit"
	"github.com/serviqo/walletcore/internal/realtime"
	"github.com/serviqo/walletcore/internal/security"
	"github.com/serviqo/walletcore/internal/settings"
	"github.com/serviqo/walletcore/internal/traces"
	"github.com/serviqo/walletcore/internal/validation"
	"github.com/serviqo/walletcore/internal/wallet"
)

// Server wraps the HTTP server and all its dependencies.
type Server struct {
	cfg      *config.Config
	settings *settings.Provider

	walletSvc   *wallet.Service
	bookingSvc  *booking.Service
	paymentsSvc *payments.Service
	payoutSvc   *payout.Service
	gateway     gateway.Client

	sweeper     *booking.Sweeper
	recovery    *payout.Recovery
	realtimeHub *realtime.Hub
	publisher   *events.Publisher
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	db            *sql.DB       // nil when using in-memory stores
	redisClient   *redis.Client // nil when no cache configured
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway client (for testing).
func WithGateway(client gateway.Client) Option {
	return func(s *Server) {
		s.gateway = client
	}
}

// New creates a server instance with all services wired up.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	provider, err := settings.NewProvider(settings.FromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("invalid money settings: %w", err)
	}
	s.settings = provider

	// Tracing
	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing init failed, continuing without traces", "error", err)
		} else {
			s.traceShutdown = shutdown
		}
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore  ledger.Store
		bookingStore booking.Store
		topupStore   payments.Store
		payoutStore  payout.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgLedger := ledger.NewPostgresStore(db)
		if err := pgLedger.Migrate(ctx); err != nil {
			s.logger.Warn("ledger schema check failed", "error", err)
		}
		ledgerStore = pgLedger
		bookingStore = booking.NewPostgresStore(db)
		topupStore = payments.NewPostgresStore(db)
		payoutStore = payout.NewPostgresStore(db)

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		ledgerStore = ledger.NewMemoryStore()
		bookingStore = booking.NewMemoryStore()
		topupStore = payments.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()
	}

	// Balance read cache
	var cache ledger.Cache
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		s.redisClient = redis.NewClient(redisOpts)
		cache = ledger.NewRedisCache(s.redisClient)
		s.logger.Info("balance cache enabled")

		client := s.redisClient
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := client.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}

	// Realtime hub and event fanout
	s.realtimeHub = realtime.NewHub(s.logger)
	sink := fanoutSink{s.realtimeHub}
	if cfg.KafkaBrokers != "" {
		s.publisher = events.NewPublisher(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic, s.logger)
		sink = append(sink, s.publisher)
		s.logger.Info("event publishing enabled", "topic", cfg.KafkaTopic)
	}

	// Payment gateway
	if s.gateway == nil {
		if cfg.GatewayBaseURL != "" {
			s.gateway = gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewaySecret)
			s.logger.Info("payment gateway configured", "url", cfg.GatewayBaseURL)
		} else {
			s.gateway = gateway.NewFake()
			s.logger.Warn("no payment gateway configured, using fake gateway")
		}
	}
	gw := s.gateway

	// Notifications
	var notifier notify.Notifier
	if cfg.NotifyEndpoint != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifyEndpoint, s.logger)
	} else {
		notifier = notify.NewLogNotifier(s.logger)
	}

	// Services
	s.walletSvc = wallet.NewService(ledgerStore, provider, s.logger).
		WithCache(cache).
		WithEventSink(sink)
	s.bookingSvc = booking.NewService(bookingStore, s.walletSvc, s.logger).
		WithNotifier(notifier).
		WithEventSink(sink)
	s.paymentsSvc = payments.NewService(topupStore, s.bookingSvc, s.walletSvc, gw, s.logger)
	s.payoutSvc = payout.NewService(payoutStore, s.walletSvc, gw, s.logger)

	// Background workers
	s.sweeper = booking.NewSweeper(s.bookingSvc, provider, s.logger)
	s.recovery = payout.NewRecovery(s.payoutSvc, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(ledgerStore, cache)

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

// fanoutSink delivers one event to every configured sink.
type fanoutSink []wallet.EventSink

func (f fanoutSink) Emit(ctx context.Context, event string, payload map[string]any) {
	for _, sink := range f {
		sink.Emit(ctx, event, payload)
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
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

func (s *Server) setupRoutes(ledgerStore ledger.Store, cache ledger.Cache) {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time balance and booking events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	ledger.NewHandler(ledger.NewReader(ledgerStore, cache)).RegisterRoutes(v1)
	wallet.NewHandler(s.walletSvc).RegisterRoutes(v1)

	bookingHandler := booking.NewHandler(s.bookingSvc)
	bookingHandler.RegisterRoutes(v1)

	paymentsHandler := payments.NewHandler(s.paymentsSvc, s.cfg.WebhookSecret)
	paymentsHandler.RegisterRoutes(v1)

	payout.NewHandler(s.payoutSvc).RegisterRoutes(v1)

	// Gateway webhooks live outside the versioned group; the rate limiter
	// exempts them so payment confirmations never bounce.
	webhookGroup := s.router.Group("")
	paymentsHandler.RegisterWebhookRoutes(webhookGroup)

	adminGroup := s.router.Group("/admin", admin.AuthMiddleware(s.cfg.AdminSecret))
	admin.NewHandler(s.settings).RegisterRoutes(adminGroup)
	bookingHandler.RegisterAdminRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, blocking until a
// shutdown signal arrives or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	s.sweeper.Start()
	s.recovery.Start()

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server and background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sweeper.Stop()
	s.recovery.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("event publisher close error", "error", err)
		}
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
