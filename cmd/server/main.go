package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DukeRupert/lingocoach/internal"
	"github.com/DukeRupert/lingocoach/internal/ai"
	"github.com/DukeRupert/lingocoach/internal/ai/anthropic"
	aimock "github.com/DukeRupert/lingocoach/internal/ai/mock"
	"github.com/DukeRupert/lingocoach/internal/ai/openai"
	"github.com/DukeRupert/lingocoach/internal/auth"
	"github.com/DukeRupert/lingocoach/internal/billing"
	billingmock "github.com/DukeRupert/lingocoach/internal/billing/mock"
	"github.com/DukeRupert/lingocoach/internal/clock"
	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/handler"
	"github.com/DukeRupert/lingocoach/internal/idempotency"
	"github.com/DukeRupert/lingocoach/internal/jobs"
	"github.com/DukeRupert/lingocoach/internal/lock"
	"github.com/DukeRupert/lingocoach/internal/metrics"
	"github.com/DukeRupert/lingocoach/internal/middleware"
	"github.com/DukeRupert/lingocoach/internal/repository"
	"github.com/DukeRupert/lingocoach/internal/service"
	"github.com/DukeRupert/lingocoach/internal/worker"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const redisKeyPrefix = "lingocoach:"

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clk := clock.Real{}

	// ==========================================================================
	// Storage
	// ==========================================================================

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		locker lock.Locker
		keys   idempotency.Store
	)
	if cfg.RedisURL != "" {
		rdb, err := internal.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedis(rdb, redisKeyPrefix+"slot:")
		keys = idempotency.NewRedis(rdb, redisKeyPrefix+"idem:", cfg.IdempotencyKeyTTL)
		logger.Info("Redis ready", "addr", rdb.Options().Addr)
	} else {
		locker = lock.NewMemory()
		keys = idempotency.NewMemory(cfg.IdempotencyKeysMax, cfg.IdempotencyKeyTTL)
		logger.Warn("REDIS_URL not set, slot locks and idempotency keys are process-local")
	}

	// ==========================================================================
	// Collaborators
	// ==========================================================================

	provider, err := newChatProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("ai provider initialization failed: %w", err)
	}

	var billingService billing.Service
	if cfg.StripeSecretKey != "" {
		billingService = billing.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	} else {
		billingService = billingmock.New(cfg.BaseURL + "/dev/checkout")
		logger.Warn("STRIPE_SECRET_KEY not set, using mock billing")
	}

	// ==========================================================================
	// Services
	// ==========================================================================

	entitlements := service.NewEntitlementResolver(store, logger)
	ledger := service.NewQuotaLedger(store, clk, loc, logger)
	quotaService := service.NewQuotaService(ledger, entitlements, loc, logger)
	sessions := service.NewChatSessions(cfg.ChatSessionsMax, cfg.ChatSessionTTL)
	chatService := service.NewChatService(quotaService, provider, sessions, keys, loc, service.ChatServiceConfig{
		CharsPerMinute: cfg.CharsPerMinute,
	}, logger)
	availability := service.NewAvailabilityResolver(store, clk, loc, logger)
	checkoutService := service.NewCheckoutService(store, availability, billingService, locker, clk, service.CheckoutConfig{
		BaseURL:      cfg.BaseURL,
		Currency:     cfg.Currency,
		CheckoutTTL:  cfg.CheckoutTTL,
		TopupPriceID: cfg.StripeTopupPriceID,
	}, logger)

	// ==========================================================================
	// Middleware
	// ==========================================================================

	authMw := middleware.NewAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer, logger)
	requireUser := authMw.RequireUser
	chatLimiter := middleware.NewRateLimitMiddleware(
		middleware.NewRateLimiter(cfg.ChatRatePerMinute, cfg.ChatRateBurst, cfg.ChatSessionsMax),
		logger,
	)
	opsAuth := middleware.NewOpsAuthMiddleware("metrics", cfg.MetricsUsername, cfg.MetricsPassword)
	if cfg.MetricsUsername == "" && cfg.MetricsPassword == "" {
		logger.Warn("METRICS_USERNAME and METRICS_PASSWORD not set, /metrics is unprotected")
	}

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", opsAuth.Handler(promhttp.Handler()))

	handler.NewQuotaHandler(quotaService, clk, logger).RegisterRoutes(mux, requireUser)
	handler.NewChatHandler(chatService, clk, logger).RegisterRoutes(mux, requireUser, chatLimiter.Limit)
	handler.NewBookingHandler(availability, checkoutService, loc, logger).RegisterRoutes(mux, requireUser)
	handler.NewPurchaseHandler(checkoutService, logger).RegisterRoutes(mux, requireUser)
	handler.NewWebhookHandler(billingService, checkoutService, quotaService, entitlements, keys, clk, logger).
		RegisterRoutes(mux)

	if mem, ok := store.(*repository.Memory); ok && cfg.IsDevelopment() {
		if err := seedDevelopment(ctx, mem, entitlements, authMw, clk, logger); err != nil {
			return fmt.Errorf("development seed failed: %w", err)
		}
	}

	root := middleware.Stack(
		middleware.NewRequestLoggingMiddleware(logger).Handler,
		middleware.NewSecurityHeadersMiddleware(!cfg.IsDevelopment()).Handler,
		metrics.Middleware,
	)(mux)

	// ==========================================================================
	// Background jobs
	// ==========================================================================

	var scheduler *worker.Worker
	if cfg.WorkerEnabled {
		workerCfg := worker.DefaultConfig()
		workerCfg.JobTimeout = cfg.WorkerJobTimeout
		workerCfg.Location = loc

		scheduler, err = worker.New(workerCfg, logger)
		if err != nil {
			return fmt.Errorf("worker initialization failed: %w", err)
		}
		sweep := jobs.NewExpireCheckoutsHandler(checkoutService, cfg.CheckoutTTL, logger)
		if err := scheduler.Schedule(cfg.SweepSchedule, sweep); err != nil {
			return err
		}
		scheduler.Start()
	}

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env, "ai_provider", provider.Name())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if scheduler != nil {
		scheduler.Stop()
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// openStore connects to Postgres and applies migrations, or returns the
// in-memory store when no database is configured.
func openStore(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (repository.Store, func(), error) {
	if cfg.DatabaseUrl == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return repository.NewMemory(), func() {}, nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := internal.RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database ready")

	return repository.NewPostgres(db), func() { db.Close() }, nil
}

func newChatProvider(cfg *internal.Config, logger *slog.Logger) (ai.ChatProvider, error) {
	providerCfg := ai.ProviderConfig{
		MaxRetries:     cfg.AIMaxRetries,
		RetryBaseDelay: cfg.AIRetryBaseDelay,
		RequestTimeout: cfg.AIRequestTimeout,
		MaxTokens:      cfg.AIMaxTokens,
	}

	switch cfg.AIProvider {
	case "openai":
		return openai.New(openai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			Model:          cfg.OpenAIModel,
			BaseURL:        cfg.OpenAIBaseURL,
			ProviderConfig: providerCfg,
		}, logger)
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:         cfg.AnthropicAPIKey,
			Model:          cfg.AnthropicModel,
			ProviderConfig: providerCfg,
		}, logger)
	default:
		return aimock.New(logger), nil
	}
}

// seedDevelopment registers a demo coach and an onboarded learner on the
// Progressive plan, and logs a bearer token for the learner.
func seedDevelopment(
	ctx context.Context,
	store *repository.Memory,
	entitlements service.EntitlementResolver,
	authMw *middleware.AuthMiddleware,
	clk clock.Clock,
	logger *slog.Logger,
) error {
	coachID := uuid.New()
	store.SaveCoach(domain.CoachProfile{ID: coachID, DisplayName: "Demo Coach", Currency: "cad"})

	learner := auth.Principal{UserID: uuid.New(), Email: "learner@example.com"}
	store.SaveLearnerProfile(domain.LearnerProfile{
		UserID:              learner.UserID,
		DisplayName:         "Demo Learner",
		OnboardingCompleted: true,
	})

	if _, err := entitlements.Grant(ctx, learner.UserID, domain.PlanProgressive, clk.Now()); err != nil {
		return err
	}

	token, err := authMw.IssueToken(learner, 24*time.Hour)
	if err != nil {
		return err
	}
	logger.Info("Development data seeded",
		"coach_id", coachID,
		"learner_id", learner.UserID,
		"token", token,
	)
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
