// Package server wires the authorization pipeline together and runs the HTTP API.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/spendgate/internal/admin"
	"github.com/mbd888/spendgate/internal/agents"
	"github.com/mbd888/spendgate/internal/approver"
	"github.com/mbd888/spendgate/internal/audit"
	"github.com/mbd888/spendgate/internal/auth"
	"github.com/mbd888/spendgate/internal/config"
	"github.com/mbd888/spendgate/internal/gate"
	"github.com/mbd888/spendgate/internal/health"
	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/intent"
	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/logging"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/policy"
	"github.com/mbd888/spendgate/internal/ratelimit"
	"github.com/mbd888/spendgate/internal/realtime"
	"github.com/mbd888/spendgate/internal/reconciliation"
	"github.com/mbd888/spendgate/internal/risk"
	"github.com/mbd888/spendgate/internal/security"
	"github.com/mbd888/spendgate/internal/traces"
	"github.com/mbd888/spendgate/internal/usdc"
	"github.com/mbd888/spendgate/internal/validation"
	"github.com/mbd888/spendgate/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server holds the wired pipeline and the HTTP surface over it.
type Server struct {
	cfg *config.Config

	policies  policy.Store
	evaluator *policy.Evaluator
	agents    *agents.Service
	authMgr   *auth.Manager
	auditLog  audit.Logger
	ledger    ledger.Ledger
	receipts  ledger.ReceiptStore
	registry  *intent.Registry
	gate      *gate.Gate
	risks     risk.Store

	reviewer    *approver.Worker
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	dispatcher  *webhooks.Dispatcher
	webhookSubs webhooks.Store
	hub         *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	db           *sql.DB // nil when running on memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc
	stopTracing  func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option customizes a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default text logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLedger injects a settlement backend, bypassing LEDGER_BACKEND (for testing).
func WithLedger(l ledger.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set ledger/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres when DATABASE_URL is set, otherwise in-memory.
	// Schema is owned by cmd/migrate; stores assume the tables exist.
	var (
		intentStore  intent.Store
		agentStore   agents.Store
		authStore    auth.Store
		webhookStore webhooks.Store
		riskStore    risk.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.policies = policy.NewPostgresStore(db)
		s.auditLog = audit.NewPostgresLogger(db)
		s.receipts = ledger.NewPostgresReceiptStore(db)
		intentStore = intent.NewPostgresStore(db)
		agentStore = agents.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		riskStore = risk.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.policies = policy.NewMemoryStore()
		s.auditLog = audit.NewMemoryLogger()
		s.receipts = ledger.NewMemoryReceiptStore()
		intentStore = intent.NewMemoryStore()
		agentStore = agents.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		riskStore = risk.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.risks = riskStore

	if err := s.seedGlobalPolicy(ctx); err != nil {
		return nil, fmt.Errorf("failed to seed global policy: %w", err)
	}

	// Settlement backend, unless injected through an option.
	if s.ledger == nil {
		l, err := newLedger(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger: %w", err)
		}
		s.ledger = l
	}
	s.logger.Info("settlement backend ready", "backend", s.ledger.Backend())

	s.evaluator = policy.NewEvaluator(s.policies)
	s.agents = agents.NewService(agentStore)
	s.authMgr = auth.NewManager(authStore)
	s.registry = intent.NewRegistry(intentStore, s.agents, cfg.ChainContext, cfg.MaxIntentValidity)

	// Outbound event fan-out: webhooks + the live stream both observe every
	// gate decision and intent transition.
	s.hub = realtime.NewHub(s.logger)
	s.webhookSubs = webhookStore
	s.dispatcher = webhooks.NewDispatcher(webhookStore, s.logger)
	if cfg.WebhookSecret != "" {
		s.dispatcher.WithFallbackSecret(cfg.WebhookSecret)
	}
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)
	s.registry.WithListener(intentFanout{emitter, s.hub})

	s.gate = gate.New(s.evaluator, s.registry, s.auditLog, s.ledger, s.receipts, s.logger).
		WithListener(decisionFanout{emitter, s.hub})

	// Auto-decision worker. Its decisions go through the registry like any
	// agent's, so the review principal gets a grant up front.
	reviewCfg := approver.Config{
		Principal:       cfg.ReviewPrincipal,
		AutoApproveMax:  cfg.AutoApproveMax,
		AutoRejectScore: cfg.AutoRejectScore,
		Interval:        cfg.ReviewInterval,
	}
	if reviewCfg.Enabled() {
		if _, err := s.agents.Grant(ctx, cfg.ReviewPrincipal, "Automated review worker", "system"); err != nil && !errors.Is(err, agents.ErrAlreadyGranted) {
			return nil, fmt.Errorf("failed to grant review principal: %w", err)
		}
		s.reviewer = approver.New(s.registry, risk.NewEngine(), s.auditLog, riskStore, reviewCfg, s.logger)
		s.logger.Info("auto-decision worker enabled",
			"principal", cfg.ReviewPrincipal,
			"autoApproveMax", cfg.AutoApproveMax,
			"autoRejectScore", cfg.AutoRejectScore,
		)
	}

	s.reconciler = reconciliation.NewRunner(s.registry, s.receipts, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, s.logger)

	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	// Tracing is a no-op without an OTLP endpoint.
	stopTracing, err := traces.Init(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.healthy.Store(true)

	return s, nil
}

// seedGlobalPolicy applies the configured caps once, before any admin has
// written a policy. A policy an operator has touched is never overwritten.
func (s *Server) seedGlobalPolicy(ctx context.Context) error {
	g, err := s.policies.Global(ctx)
	if err != nil {
		return err
	}
	if !g.UpdatedAt.IsZero() {
		return nil
	}

	maxPerTx, _ := usdc.Parse(s.cfg.GlobalMaxPerTx)
	dailyLimit, _ := usdc.Parse(s.cfg.GlobalDailyLimit)
	if maxPerTx.Sign() == 0 && dailyLimit.Sign() == 0 {
		return nil
	}

	g.MaxPerTx = usdc.Format(maxPerTx)
	g.DailyLimit = usdc.Format(dailyLimit)
	g.UpdatedAt = time.Now().UTC()
	if err := s.policies.UpdateGlobal(ctx, g); err != nil {
		return err
	}

	s.logger.Info("global policy seeded from config",
		"max_per_tx", g.MaxPerTx,
		"daily_limit", g.DailyLimit,
	)
	return nil
}

// newLedger builds the settlement backend named by LEDGER_BACKEND.
func newLedger(cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.LedgerBackend {
	case "memory":
		return ledger.NewMemoryLedger(), nil
	case "evm":
		return ledger.NewEVMLedger(ledger.EVMConfig{
			RPCURL:        cfg.RPCURL,
			OperatorKey:   cfg.OperatorPrivateKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
		})
	case "stripe":
		return ledger.NewStripeLedger(cfg.StripeAPIKey, parseStripeAccounts(cfg.StripeAccounts))
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

// parseStripeAccounts turns "principal=acct_x,principal2=acct_y" into a
// static resolver. Unknown principals fail at transfer time.
func parseStripeAccounts(raw string) ledger.StaticAccountResolver {
	resolver := ledger.StaticAccountResolver{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		resolver[strings.ToLower(k)] = v
	}
	return resolver
}

// maskDSN redacts credentials in a connection string before it is logged.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User == nil {
		return u.String()
	}
	u.User = url.UserPassword(u.User.Username(), "***")
	return u.String()
}

// -----------------------------------------------------------------------------
// Listener fan-out
// -----------------------------------------------------------------------------

// The gate and the registry each take a single listener; the server composes
// the webhook emitter and the live stream behind one.

type decisionFanout []gate.DecisionListener

func (f decisionFanout) PaymentDecided(e *audit.Event) {
	for _, l := range f {
		l.PaymentDecided(e)
	}
}

type intentFanout []intent.DecisionListener

func (f intentFanout) IntentTransitioned(i *intent.PaymentIntent) {
	for _, l := range f {
		l.IntentTransitioned(i)
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

// setupMiddleware installs the global chain. Order matters: recovery wraps
// everything, correlation IDs are assigned before the request logger reads them.
func (s *Server) setupMiddleware() {
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})

	s.router.Use(
		gin.CustomRecovery(s.recoverPanic),
		security.HeadersMiddleware(),
		security.CORSMiddleware(strings.Split(s.cfg.AllowedOrigins, ",")),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		s.rateLimiter.Middleware(),
		metrics.Middleware(),
		s.requestIDMiddleware(),
		s.loggingMiddleware(),
	)
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic recovered",
		"error", recovered,
		"path", c.Request.URL.Path,
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// requestIDMiddleware assigns each request a correlation ID, honoring one
// already set by an upstream proxy, and stashes the base logger in the
// request context for logging.L.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithLogger(c.Request.Context(), s.logger)
		c.Request = c.Request.WithContext(logging.WithRequestID(ctx, requestID))
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
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
	// Unauthenticated operational surface.
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// V1 API group. Soft auth on everything: an API key attaches the
	// principal when present; individual routes decide what they require.
	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())
	v1.Use(validation.IntentIDParamMiddleware())
	v1.Use(auth.Middleware(s.authMgr))

	ownership := auth.RequireOwnership(s.authMgr, "address")

	// Reads. GET /policy and GET /intents/:id are public; everything keyed
	// by :address requires owning the principal.
	policyHandler := policy.NewHandler(s.policies, s.evaluator)
	policyHandler.RegisterRoutes(v1, ownership)

	intentHandler := intent.NewHandler(s.registry)
	intentHandler.RegisterRoutes(v1, ownership)

	auditHandler := audit.NewHandler(s.auditLog)
	auditHandler.RegisterRoutes(v1, ownership)

	ledgerHandler := ledger.NewHandler(s.ledger, s.receipts)
	ledgerHandler.RegisterRoutes(v1, ownership)

	riskHandler := risk.NewHandler(s.risks)
	riskHandler.RegisterRoutes(v1, ownership)

	webhookHandler := webhooks.NewHandler(s.webhookSubs, s.dispatcher)
	webhookHandler.RegisterRoutes(v1, ownership)

	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(v1)

	// Writes require an authenticated principal.
	protected := v1.Group("")
	protected.Use(auth.RequireAuth(s.authMgr))
	{
		gateHandler := gate.NewHandler(s.gate, s.agents)
		gateHandler.RegisterProtectedRoutes(protected)
		intentHandler.RegisterProtectedRoutes(protected)
		authHandler.RegisterProtectedRoutes(protected)
	}

	// Live event stream. Authenticated: the stream carries the same data the
	// owner-gated audit reads do.
	stream := v1.Group("")
	stream.Use(auth.RequireAuth(s.authMgr))
	stream.GET("/stream", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Operator surface behind the admin key.
	adminHandler := admin.NewHandler(s.policies, s.logger).
		WithAgents(s.agents, s.authMgr).
		WithIntents(s.registry).
		WithReconciler(s.reconciler).
		WithDenialSource(s.auditLog)

	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminAPIKey))
	adminHandler.RegisterRoutes(adminGroup)
	adminGroup.GET("/admin/audit", auditHandler.List)
	adminGroup.GET("/admin/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":         "Spendgate",
		"description":  "Pre-execution payment authorization for agent-initiated transfers",
		"version":      "0.1.0",
		"backend":      s.ledger.Backend(),
		"chainContext": s.cfg.ChainContext,
	})
}

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

	healthy, statuses := s.checks.CheckAll(ctx)

	resp := HealthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	flagStatus(c, &s.healthy, "alive", "unhealthy")
}

func (s *Server) readinessHandler(c *gin.Context) {
	flagStatus(c, &s.ready, "ready", "not_ready")
}

func flagStatus(c *gin.Context, flag *atomic.Bool, up, down string) {
	if flag.Load() {
		c.JSON(http.StatusOK, gin.H{"status": up})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": down})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
			"backend", s.ledger.Backend(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	go s.reconTimer.Start(runCtx)

	if s.reviewer != nil {
		go s.reviewer.Start(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// SIGINT/SIGTERM and parent cancellation all funnel into one context.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-sigCtx.Done():
		s.logger.Info("shutdown requested")
	}

	return s.Shutdown()
}

// Drain pause before closing the listener, so load balancers that poll
// /health/ready stop routing to us first.
const shutdownDrainDelay = 5 * time.Second

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop background goroutines: hub, timers, the auto-decision worker.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	time.Sleep(shutdownDrainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.reconTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	if s.reviewer != nil {
		s.reviewer.Stop()
		s.logger.Info("auto-decision worker stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if closer, ok := s.ledger.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("ledger close error", "error", err)
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin engine so tests can drive requests through the full
// middleware chain without a listener.
func (s *Server) Router() *gin.Engine {
	return s.router
}
