package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	Port        int
	LogLevel    string
	DatabaseUrl string // Empty selects the in-memory store (development only)

	// Timezone for daily quota resets, slot dates and cron specs
	Timezone string

	// Redis backs slot locks and idempotency keys when set.
	// Without it both fall back to in-process implementations.
	RedisURL string

	// Bearer token verification
	JWTSecret string
	JWTIssuer string

	// Application base URL (for checkout return pages)
	BaseURL string

	// Worker Configuration
	WorkerEnabled    bool
	WorkerJobTimeout time.Duration
	SweepSchedule    string // Cron spec for the stale checkout sweep

	// AI Provider Configuration
	AIProvider       string // "openai", "anthropic" or "mock"
	OpenAIAPIKey     string
	OpenAIModel      string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicModel   string
	AIMaxRetries     int
	AIRetryBaseDelay time.Duration
	AIRequestTimeout time.Duration
	AIMaxTokens      int

	// Coaching quota
	CharsPerMinute     int           // Characters of learner text counted as one minute
	ChatSessionTTL     time.Duration // Idle conversations are dropped after this
	ChatSessionsMax    int
	ChatRatePerMinute  int
	ChatRateBurst      int
	IdempotencyKeyTTL  time.Duration
	IdempotencyKeysMax int

	// Stripe Billing Configuration
	// In development, the mock billing service is used if these are empty.
	StripeSecretKey     string // Stripe API secret key (sk_test_... or sk_live_...)
	StripeWebhookSecret string // Stripe webhook signing secret (whsec_...)
	StripeTopupPriceID  string // Optional pre-configured price for the minute pack
	Currency            string
	CheckoutTTL         time.Duration // How long a booking may wait for payment

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

// IsDevelopment reports whether the server runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Location loads the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getEnv("ENV", "development"),
		Port:        getEnvInt("PORT", 8080),
		LogLevel:    getEnv("LOG_LEVEL", "debug"),
		DatabaseUrl: getEnv("DATABASE_URL", ""),
		Timezone:    getEnv("TIMEZONE", "America/Toronto"),
		RedisURL:    getEnv("REDIS_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", ""),

		// Base URL defaults to localhost for development
		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),

		// Worker defaults
		WorkerEnabled:    getEnvBool("WORKER_ENABLED", true),
		WorkerJobTimeout: getEnvDuration("WORKER_JOB_TIMEOUT", 2*time.Minute),
		SweepSchedule:    getEnv("SWEEP_SCHEDULE", "@every 1m"),

		// AI provider defaults
		AIProvider:       strings.ToLower(getEnv("AI_PROVIDER", "mock")),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		AIMaxRetries:     getEnvInt("AI_MAX_RETRIES", 3),
		AIRetryBaseDelay: getEnvDuration("AI_RETRY_BASE_DELAY", 1*time.Second),
		AIRequestTimeout: getEnvDuration("AI_REQUEST_TIMEOUT", 60*time.Second),
		AIMaxTokens:      getEnvInt("AI_MAX_TOKENS", 1024),

		CharsPerMinute:     getEnvInt("CHARS_PER_MINUTE", 0),
		ChatSessionTTL:     getEnvDuration("CHAT_SESSION_TTL", 2*time.Hour),
		ChatSessionsMax:    getEnvInt("CHAT_SESSIONS_MAX", 10000),
		ChatRatePerMinute:  getEnvInt("CHAT_RATE_PER_MINUTE", 20),
		ChatRateBurst:      getEnvInt("CHAT_RATE_BURST", 5),
		IdempotencyKeyTTL:  getEnvDuration("IDEMPOTENCY_KEY_TTL", 24*time.Hour),
		IdempotencyKeysMax: getEnvInt("IDEMPOTENCY_KEYS_MAX", 50000),

		// Stripe billing (optional in development)
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeTopupPriceID:  getEnv("STRIPE_TOPUP_PRICE_ID", ""),
		Currency:            strings.ToLower(getEnv("CURRENCY", "cad")),
		CheckoutTTL:         getEnvDuration("CHECKOUT_TTL", 30*time.Minute),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}

	if c.JWTSecret == "" {
		if !c.IsDevelopment() {
			return fmt.Errorf("JWT_SECRET is required")
		}
		c.JWTSecret = "development-only-secret"
	}

	if !c.IsDevelopment() {
		if c.DatabaseUrl == "" {
			return fmt.Errorf("DATABASE_URL is required outside development")
		}
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required outside development")
		}
	}

	// Validate AI provider configuration
	switch c.AIProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is 'openai'")
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is 'anthropic'")
		}
	case "mock":
	default:
		return fmt.Errorf("AI_PROVIDER must be one of 'openai', 'anthropic' or 'mock', got: %s", c.AIProvider)
	}

	if c.ChatRatePerMinute < 1 || c.ChatRateBurst < 1 {
		return fmt.Errorf("CHAT_RATE_PER_MINUTE and CHAT_RATE_BURST must be positive")
	}
	if c.CheckoutTTL < time.Minute {
		return fmt.Errorf("CHECKOUT_TTL must be at least 1m, got %v", c.CheckoutTTL)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
