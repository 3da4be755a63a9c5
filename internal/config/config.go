// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/spendgate/internal/usdc"
)

// Config collects every runtime setting the service reads at startup.
type Config struct {
	// HTTP server
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger backend: "memory", "evm" or "stripe"
	LedgerBackend string

	// EVM settings (required when LedgerBackend is "evm")
	RPCURL             string
	ChainID            int64
	OperatorPrivateKey string // Hex-encoded, with or without 0x prefix
	TokenContract      string

	// Stripe settings (required when LedgerBackend is "stripe")
	StripeAPIKey   string
	StripeAccounts string // comma-separated principal=acct_ pairs for the account resolver

	// Default chain context stamped on intents that omit one, CAIP-2 style
	ChainContext string

	// Policy seeds applied at startup when no global policy exists yet.
	// "0" means no limit.
	GlobalMaxPerTx   string
	GlobalDailyLimit string

	// Intent lifecycle
	MaxIntentValidity time.Duration // longest allowed window between registration and expiry

	// Review worker (auto-decisions on pending intents)
	AutoApproveMax  string // auto-approve pending intents at or below this amount ("0" disables)
	AutoRejectScore int    // auto-reject pending intents with risk score >= this (0 disables)
	ReviewInterval  time.Duration
	ReviewPrincipal string // recorded as the decider on automatic decisions

	// Security
	AdminAPIKey    string // Admin API secret
	WebhookSecret  string // fallback signing secret for endpoints registered without one
	RateLimitRPS   int
	AllowedOrigins string // comma-separated CORS origins, "*" for any
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultChainContext  = "eip155:84532"
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLedger        = "memory"
	DefaultRateLimit     = 100
	DefaultMaxValidity   = 24 * time.Hour
	DefaultReviewEvery   = 15 * time.Second
)

// Load reads configuration from the environment, sourcing a .env file first
// when one exists, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		LedgerBackend:      getEnv("LEDGER_BACKEND", DefaultLedger),
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		OperatorPrivateKey: os.Getenv("OPERATOR_PRIVATE_KEY"),
		TokenContract:      getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		StripeAPIKey:       os.Getenv("STRIPE_API_KEY"),
		StripeAccounts:     os.Getenv("STRIPE_ACCOUNTS"),
		ChainContext:       getEnv("CHAIN_CONTEXT", DefaultChainContext),
		GlobalMaxPerTx:     getEnv("GLOBAL_MAX_PER_TX", "0"),
		GlobalDailyLimit:   getEnv("GLOBAL_DAILY_LIMIT", "0"),
		MaxIntentValidity:  getEnvDuration("MAX_INTENT_VALIDITY", DefaultMaxValidity),
		AutoApproveMax:     getEnv("AUTO_APPROVE_MAX", "0"),
		AutoRejectScore:    int(getEnvInt64("AUTO_REJECT_SCORE", 0)),
		ReviewInterval:     getEnvDuration("REVIEW_INTERVAL", DefaultReviewEvery),
		ReviewPrincipal:    getEnv("REVIEW_PRINCIPAL", "system:review-worker"),
		AdminAPIKey:        os.Getenv("ADMIN_API_KEY"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AllowedOrigins:     getEnv("ALLOWED_ORIGINS", "*"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case "memory":
	case "evm":
		if c.OperatorPrivateKey == "" {
			return fmt.Errorf("OPERATOR_PRIVATE_KEY is required for the evm ledger backend")
		}
		// Allow both with and without 0x prefix
		key := c.OperatorPrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("OPERATOR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for the evm ledger backend")
		}
		if c.TokenContract == "" {
			return fmt.Errorf("TOKEN_CONTRACT is required for the evm ledger backend")
		}
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required for the stripe ledger backend")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be one of memory, evm, stripe (got %q)", c.LedgerBackend)
	}

	if _, ok := usdc.Parse(c.GlobalMaxPerTx); !ok {
		return fmt.Errorf("GLOBAL_MAX_PER_TX is not a valid amount: %q", c.GlobalMaxPerTx)
	}
	if _, ok := usdc.Parse(c.GlobalDailyLimit); !ok {
		return fmt.Errorf("GLOBAL_DAILY_LIMIT is not a valid amount: %q", c.GlobalDailyLimit)
	}
	if _, ok := usdc.Parse(c.AutoApproveMax); !ok {
		return fmt.Errorf("AUTO_APPROVE_MAX is not a valid amount: %q", c.AutoApproveMax)
	}
	if c.MaxIntentValidity <= 0 {
		return fmt.Errorf("MAX_INTENT_VALIDITY must be positive")
	}

	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Environment lookups. Unset and unparseable values both fall back to the
// default; Validate catches anything that must not be defaulted silently.

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
