package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LEDGER_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "memory", cfg.LedgerBackend)
	assert.Equal(t, DefaultChainContext, cfg.ChainContext)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultTokenContract, cfg.TokenContract)
	assert.Equal(t, DefaultMaxValidity, cfg.MaxIntentValidity)
	assert.Equal(t, "0", cfg.GlobalMaxPerTx)
	assert.Equal(t, "0", cfg.GlobalDailyLimit)
}

func TestLoad_EVMRequiresOperatorKey(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "evm")
	t.Setenv("OPERATOR_PRIVATE_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPERATOR_PRIVATE_KEY is required")
}

func TestLoad_EVMInvalidKeyLength(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "evm")
	t.Setenv("OPERATOR_PRIVATE_KEY", "tooshort")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestLoad_StripeRequiresKey(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "stripe")
	t.Setenv("STRIPE_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_API_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			LedgerBackend:     "memory",
			GlobalMaxPerTx:    "0",
			GlobalDailyLimit:  "0",
			AutoApproveMax:    "0",
			MaxIntentValidity: time.Hour,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid memory config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name: "valid evm config",
			mutate: func(c *Config) {
				c.LedgerBackend = "evm"
				c.OperatorPrivateKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
				c.RPCURL = "https://sepolia.base.org"
				c.TokenContract = DefaultTokenContract
			},
			wantErr: "",
		},
		{
			name: "evm with 0x-prefixed key",
			mutate: func(c *Config) {
				c.LedgerBackend = "evm"
				c.OperatorPrivateKey = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
				c.RPCURL = "https://sepolia.base.org"
				c.TokenContract = DefaultTokenContract
			},
			wantErr: "",
		},
		{
			name: "unknown ledger backend",
			mutate: func(c *Config) {
				c.LedgerBackend = "bitcoin"
			},
			wantErr: "LEDGER_BACKEND must be one of",
		},
		{
			name: "evm missing rpc url",
			mutate: func(c *Config) {
				c.LedgerBackend = "evm"
				c.OperatorPrivateKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
				c.RPCURL = ""
			},
			wantErr: "RPC_URL is required",
		},
		{
			name: "bad global max per tx",
			mutate: func(c *Config) {
				c.GlobalMaxPerTx = "-5"
			},
			wantErr: "GLOBAL_MAX_PER_TX",
		},
		{
			name: "bad daily limit",
			mutate: func(c *Config) {
				c.GlobalDailyLimit = "abc"
			},
			wantErr: "GLOBAL_DAILY_LIMIT",
		},
		{
			name: "bad auto approve max",
			mutate: func(c *Config) {
				c.AutoApproveMax = "1.2.3"
			},
			wantErr: "AUTO_APPROVE_MAX",
		},
		{
			name: "non-positive validity window",
			mutate: func(c *Config) {
				c.MaxIntentValidity = 0
			},
			wantErr: "MAX_INTENT_VALIDITY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvPredicates(t *testing.T) {
	dev := &Config{Env: "development"}
	assert.True(t, dev.IsDevelopment())
	assert.False(t, dev.IsProduction())

	prod := &Config{Env: "production"}
	assert.True(t, prod.IsProduction())
	assert.False(t, prod.IsDevelopment())

	staging := &Config{Env: "staging"}
	assert.False(t, staging.IsDevelopment())
	assert.False(t, staging.IsProduction())
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom_value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "not_a_number")
	t.Setenv("TEST_DUR", "90s")
	t.Setenv("TEST_DUR_BAD", "ninety")

	t.Run("string", func(t *testing.T) {
		assert.Equal(t, "custom_value", getEnv("TEST_STR", "default"))
		assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	})

	t.Run("int64", func(t *testing.T) {
		assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
		assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
		assert.Equal(t, int64(99), getEnvInt64("TEST_INT_BAD", 99))
	})

	t.Run("duration", func(t *testing.T) {
		assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
		assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
		assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
	})
}
