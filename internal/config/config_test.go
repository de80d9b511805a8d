package config

import (
	"os"
	"testing"
	"time"

	"github.com/mbd888/smokypay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func setRequired(t *testing.T) {
	t.Helper()
	setEnv(t, "RECEIVER_ADDRESS", testutil.Address(1))
	setEnv(t, "TREASURY_ADDRESS", testutil.Address(2))
	setEnv(t, "LOYALTY_ASSET_ISSUER", testutil.Address(3))
	setEnv(t, "ORACLE_URL", "http://oracle.local/xlm")
}

func TestLoad_WithValidConfig(t *testing.T) {
	setRequired(t)
	setEnv(t, "PORT", "9090")
	setEnv(t, "ORACLE_MAX_AGE", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultHorizonURL, cfg.HorizonURL)
	assert.Equal(t, DefaultLoyaltyCode, cfg.LoyaltyCode)
	assert.Equal(t, 2*time.Minute, cfg.OracleMaxAge)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultCreditHoldTTL, cfg.CreditHoldTTL)
	require.Len(t, cfg.AcceptedAssets, 1)
	assert.Equal(t, "XLM", cfg.AcceptedAssets[0].Symbol)
	assert.True(t, cfg.AcceptedAssets[0].Native())
	assert.Equal(t, "XLM/USD", cfg.AcceptedAssets[0].Pair)
	assert.False(t, cfg.StorefrontEnabled())
}

func TestLoad_MissingReceiver(t *testing.T) {
	setRequired(t)
	setEnv(t, "RECEIVER_ADDRESS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "RECEIVER_ADDRESS is required")
}

func TestLoad_VolatileAssetNeedsOracle(t *testing.T) {
	setRequired(t)
	setEnv(t, "ORACLE_URL", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ORACLE_URL is required to accept XLM")
}

func TestLoad_StableOnlyNeedsNoOracle(t *testing.T) {
	setRequired(t)
	setEnv(t, "ORACLE_URL", "")
	setEnv(t, "ACCEPTED_ASSETS", "USDC:"+testutil.Address(4)+":stable")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.AcceptedAssets, 1)
	assert.True(t, cfg.AcceptedAssets[0].Stable)
	assert.Equal(t, testutil.Address(4), cfg.AcceptedAssets[0].Issuer)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		HorizonURL:      DefaultHorizonURL,
		ReceiverAddress: testutil.Address(1),
		TreasuryAddress: testutil.Address(2),
		LoyaltyIssuer:   testutil.Address(3),
		AcceptedAssets:  []AssetConfig{{Symbol: "USDC", Code: "USDC", Issuer: testutil.Address(4), Stable: true}},
		OracleMaxAge:    DefaultOracleMaxAge,
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"malformed receiver", func(c *Config) { c.ReceiverAddress = "GABC" }, "valid Stellar account id"},
		{"missing treasury", func(c *Config) { c.TreasuryAddress = "" }, "TREASURY_ADDRESS is required"},
		{"bad escrow contract", func(c *Config) { c.EscrowContractID = testutil.Address(5) }, "ESCROW_CONTRACT_ID"},
		{"good escrow contract", func(c *Config) { c.EscrowContractID = testutil.ContractID(5) }, ""},
		{"missing issuer", func(c *Config) { c.LoyaltyIssuer = "" }, "LOYALTY_ASSET_ISSUER is required"},
		{"no assets", func(c *Config) { c.AcceptedAssets = nil }, "at least one asset"},
		{"storefront without credentials", func(c *Config) { c.StorefrontURL = "https://shop.example" }, "WC_CONSUMER_KEY"},
		{"production without webhook secret", func(c *Config) { c.Env = "production" }, "WC_WEBHOOK_SECRET is required"},
		{"production with webhook secret", func(c *Config) { c.Env = "production"; c.WebhookSecret = "whsec" }, ""},
		{"development without webhook secret", func(c *Config) { c.Env = "development" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseAssets(t *testing.T) {
	issuer := testutil.Address(9)

	assets, err := ParseAssets("xlm:native:xlm/usd, USDC:" + issuer + ":stable")
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "XLM", assets[0].Symbol)
	assert.Equal(t, "XLM/USD", assets[0].Pair)
	assert.Equal(t, issuer, assets[1].Issuer)
	assert.True(t, assets[1].Stable)

	_, err = ParseAssets("XLM:native")
	assert.Error(t, err)

	_, err = ParseAssets("USDC:notanaddress:stable")
	assert.Error(t, err)

	_, err = ParseAssets("XLM:native:XLMUSD")
	assert.Error(t, err)

	_, err = ParseAssets("XLM:native:XLM/USD,XLM:native:XLM/USD")
	assert.Error(t, err)
}

func TestLoad_ProductionRequiresWebhookSecret(t *testing.T) {
	setRequired(t)
	setEnv(t, "ENV", "production")
	setEnv(t, "WC_WEBHOOK_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WC_WEBHOOK_SECRET")

	setEnv(t, "WC_WEBHOOK_SECRET", "whsec")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "45s")
	setEnv(t, "TEST_DUR_BAD", "soon")
	setEnv(t, "TEST_DUR_NEG", "-5s")

	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_NEG", time.Minute))
}
