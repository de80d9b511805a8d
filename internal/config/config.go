// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/smokypay/internal/strkey"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Shared quote cache (optional, process-local cache if not set)

	// Ledger settings
	HorizonURL       string
	ExplorerURL      string
	ReceiverAddress  string // Account credited by checkout payments
	EscrowContractID string // Legacy escrow contract (optional)
	TreasuryAddress  string // Account receiving loyalty burns
	LoyaltyCode      string
	LoyaltyIssuer    string
	AcceptedAssets   []AssetConfig

	// Oracle settings
	OracleURL             string
	OracleMaxAge          time.Duration
	OracleRefreshInterval time.Duration
	OracleEstimateRate    decimal.Decimal // Zero disables estimate fallback

	// Verification and reconciliation
	VerifyTimeout   time.Duration
	VerifyBaseDelay time.Duration
	VerifyMaxDelay  time.Duration
	SweepInterval   time.Duration
	SubmittedTTL    time.Duration
	CreditHoldTTL   time.Duration

	// Storefront (WooCommerce)
	StorefrontURL    string
	StorefrontKey    string
	StorefrontSecret string
	WebhookSecret    string

	// Security
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	// Tracing
	OTLPEndpoint string
}

// AssetConfig describes one asset accepted at checkout.
type AssetConfig struct {
	Symbol string // Token symbol sent by the storefront ("XLM", "USDC")
	Code   string // Ledger asset code
	Issuer string // Empty for the native asset
	Pair   string // Oracle pair, empty when Stable
	Stable bool   // Pegged 1:1 to USD
}

// Native reports whether the asset is the ledger's native asset.
func (a AssetConfig) Native() bool {
	return a.Issuer == ""
}

// Testnet defaults
const (
	DefaultHorizonURL      = "https://horizon-testnet.stellar.org"
	DefaultExplorerURL     = "https://stellar.expert/explorer/testnet"
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultLoyaltyCode     = "ZMOKE"
	DefaultAcceptedAssets  = "XLM:native:XLM/USD"
	DefaultOracleMaxAge    = 5 * time.Minute
	DefaultOracleRefresh   = time.Minute
	DefaultVerifyTimeout   = 30 * time.Second
	DefaultVerifyBaseDelay = 500 * time.Millisecond
	DefaultVerifyMaxDelay  = 5 * time.Second
	DefaultSweepInterval   = time.Minute
	DefaultSubmittedTTL    = 24 * time.Hour
	DefaultCreditHoldTTL   = 24 * time.Hour
	DefaultRateLimitRPM    = 120
	DefaultRateLimitBurst  = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	assets, err := ParseAssets(getEnv("ACCEPTED_ASSETS", DefaultAcceptedAssets))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		HorizonURL:            strings.TrimRight(getEnv("HORIZON_URL", DefaultHorizonURL), "/"),
		ExplorerURL:           strings.TrimRight(getEnv("EXPLORER_URL", DefaultExplorerURL), "/"),
		ReceiverAddress:       os.Getenv("RECEIVER_ADDRESS"),
		EscrowContractID:      os.Getenv("ESCROW_CONTRACT_ID"),
		TreasuryAddress:       os.Getenv("TREASURY_ADDRESS"),
		LoyaltyCode:           getEnv("LOYALTY_ASSET_CODE", DefaultLoyaltyCode),
		LoyaltyIssuer:         os.Getenv("LOYALTY_ASSET_ISSUER"),
		AcceptedAssets:        assets,
		OracleURL:             os.Getenv("ORACLE_URL"),
		OracleMaxAge:          getEnvDuration("ORACLE_MAX_AGE", DefaultOracleMaxAge),
		OracleRefreshInterval: getEnvDuration("ORACLE_REFRESH_INTERVAL", DefaultOracleRefresh),
		OracleEstimateRate:    getEnvDecimal("ORACLE_ESTIMATE_RATE", decimal.Zero),
		VerifyTimeout:         getEnvDuration("VERIFY_TIMEOUT", DefaultVerifyTimeout),
		VerifyBaseDelay:       getEnvDuration("VERIFY_BASE_DELAY", DefaultVerifyBaseDelay),
		VerifyMaxDelay:        getEnvDuration("VERIFY_MAX_DELAY", DefaultVerifyMaxDelay),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SubmittedTTL:          getEnvDuration("SUBMITTED_TTL", DefaultSubmittedTTL),
		CreditHoldTTL:         getEnvDuration("CREDIT_HOLD_TTL", DefaultCreditHoldTTL),
		StorefrontURL:         strings.TrimRight(os.Getenv("WC_BASE_URL"), "/"),
		StorefrontKey:         os.Getenv("WC_CONSUMER_KEY"),
		StorefrontSecret:      os.Getenv("WC_CONSUMER_SECRET"),
		WebhookSecret:         os.Getenv("WC_WEBHOOK_SECRET"),
		CORSOrigins:           splitList(getEnv("CORS_ORIGINS", "*")),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:        int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ReceiverAddress == "" {
		return fmt.Errorf("RECEIVER_ADDRESS is required")
	}
	if !strkey.IsValidAccountID(c.ReceiverAddress) {
		return fmt.Errorf("RECEIVER_ADDRESS must be a valid Stellar account id (G...)")
	}
	if c.EscrowContractID != "" && !strkey.IsValidContractID(c.EscrowContractID) {
		return fmt.Errorf("ESCROW_CONTRACT_ID must be a valid contract id (C...)")
	}
	if c.TreasuryAddress == "" {
		return fmt.Errorf("TREASURY_ADDRESS is required")
	}
	if !strkey.IsValidAccountID(c.TreasuryAddress) {
		return fmt.Errorf("TREASURY_ADDRESS must be a valid Stellar account id (G...)")
	}
	if c.LoyaltyIssuer == "" {
		return fmt.Errorf("LOYALTY_ASSET_ISSUER is required")
	}
	if !strkey.IsValidAccountID(c.LoyaltyIssuer) {
		return fmt.Errorf("LOYALTY_ASSET_ISSUER must be a valid Stellar account id (G...)")
	}
	if c.HorizonURL == "" {
		return fmt.Errorf("HORIZON_URL is required")
	}
	if len(c.AcceptedAssets) == 0 {
		return fmt.Errorf("ACCEPTED_ASSETS must list at least one asset")
	}
	for _, a := range c.AcceptedAssets {
		if !a.Stable && c.OracleURL == "" {
			return fmt.Errorf("ORACLE_URL is required to accept %s", a.Symbol)
		}
	}
	if c.OracleMaxAge <= 0 {
		return fmt.Errorf("ORACLE_MAX_AGE must be positive")
	}
	if c.StorefrontURL != "" && (c.StorefrontKey == "" || c.StorefrontSecret == "") {
		return fmt.Errorf("WC_CONSUMER_KEY and WC_CONSUMER_SECRET are required when WC_BASE_URL is set")
	}
	if c.IsProduction() && c.WebhookSecret == "" {
		return fmt.Errorf("WC_WEBHOOK_SECRET is required in production")
	}

	return nil
}

// StorefrontEnabled returns true when WooCommerce sync is configured
func (c *Config) StorefrontEnabled() bool {
	return c.StorefrontURL != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ParseAssets parses a comma-separated accepted-asset list.
// Each entry is SYMBOL:ISSUER:PRICING where ISSUER is "native" for the
// native asset and PRICING is either an oracle pair ("XLM/USD") or "stable".
func ParseAssets(raw string) ([]AssetConfig, error) {
	var assets []AssetConfig
	seen := make(map[string]bool)
	for _, entry := range splitList(raw) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("ACCEPTED_ASSETS entry %q must be SYMBOL:ISSUER:PRICING", entry)
		}
		symbol := strings.ToUpper(strings.TrimSpace(parts[0]))
		issuer := strings.TrimSpace(parts[1])
		pricing := strings.TrimSpace(parts[2])
		if symbol == "" || pricing == "" {
			return nil, fmt.Errorf("ACCEPTED_ASSETS entry %q is incomplete", entry)
		}
		if seen[symbol] {
			return nil, fmt.Errorf("ACCEPTED_ASSETS lists %s twice", symbol)
		}
		seen[symbol] = true

		a := AssetConfig{Symbol: symbol, Code: symbol}
		if !strings.EqualFold(issuer, "native") {
			if !strkey.IsValidAccountID(issuer) {
				return nil, fmt.Errorf("ACCEPTED_ASSETS issuer for %s is not a valid account id", symbol)
			}
			a.Issuer = issuer
		}
		if strings.EqualFold(pricing, "stable") {
			a.Stable = true
		} else {
			if !strings.Contains(pricing, "/") {
				return nil, fmt.Errorf("ACCEPTED_ASSETS pricing for %s must be a pair like XLM/USD or \"stable\"", symbol)
			}
			a.Pair = strings.ToUpper(pricing)
		}
		assets = append(assets, a)
	}
	return assets, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil && !d.IsNegative() {
			return d
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
