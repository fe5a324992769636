// Package config loads process settings from the environment through viper.
// A .env file, when present, is loaded into the environment first by main.
package config

import (
	"fmt"
	"strings"
	"time"

	"hodl/internal/voucher"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// AppConfig groups the settings by the component that consumes them.
type AppConfig struct {
	Service      ServiceConfig
	Chain        ChainConfig
	Payment      PaymentConfig
	Auth         AuthConfig
	Distribution DistributionConfig
	Infra        InfraConfig
}

type ServiceConfig struct {
	HTTPPort           int
	LogLevel           string
	AdminHMACSecret    string
	HMACClockSkew      time.Duration
	IdempotencyWindow  time.Duration
	RateLimitPerMinute int
}

type ChainConfig struct {
	ChainID            int64
	DistributorAddress string
	SignerPrivateKey   string
	RPCURL             string
	// VerifyReceipt enables the on-chain check of claim transactions. It
	// has no effect without RPCURL.
	VerifyReceipt    bool
	VoucherNonceMode string
}

type PaymentConfig struct {
	AppID              string
	APIKey             string
	BaseURL            string
	PaymentAddress     string
	VerifyMaxAttempts  int
	VerifyInitialDelay time.Duration
	RetryMaxAttempts   int
	RetryInitialDelay  time.Duration
	VerifyBudget       time.Duration
}

type AuthConfig struct {
	JWTSecret       string
	JWTTTL          time.Duration
	NonceTTL        time.Duration
	StartingBalance decimal.Decimal
}

type DistributionConfig struct {
	Interval           time.Duration
	Amount             decimal.Decimal
	FreeChallengeBonus decimal.Decimal
}

type InfraConfig struct {
	DatabaseURL    string
	RedisURL       string
	RedisPrefix    string
	RabbitMQURL    string
	EventsExchange string
}

const (
	NonceModeRandom = "random"
	NonceModeClock  = "clock"
)

func setDefaults() {
	viper.SetDefault("API_HTTP_PORT", 3000)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("HMAC_CLOCK_SKEW", "60s")
	viper.SetDefault("IDEMPOTENCY_WINDOW", "24h")
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 10)

	viper.SetDefault("CHAIN_ID", 480)
	viper.SetDefault("CLAIM_VERIFY_RECEIPT", true)
	viper.SetDefault("VOUCHER_NONCE_MODE", NonceModeRandom)

	viper.SetDefault("WORLD_API_BASE_URL", "https://developer.worldcoin.org")
	viper.SetDefault("VERIFY_MAX_ATTEMPTS", 12)
	viper.SetDefault("VERIFY_INITIAL_DELAY", "5s")
	viper.SetDefault("RETRY_VERIFY_MAX_ATTEMPTS", 15)
	viper.SetDefault("RETRY_VERIFY_INITIAL_DELAY", "2s")
	viper.SetDefault("VERIFY_BUDGET", "20m")

	viper.SetDefault("JWT_TTL", "24h")
	viper.SetDefault("NONCE_TTL", "5m")
	viper.SetDefault("STARTING_BALANCE", "0")

	viper.SetDefault("DISTRIBUTION_INTERVAL", "1h")
	viper.SetDefault("DISTRIBUTION_AMOUNT", "0")
	viper.SetDefault("FREE_CHALLENGE_BONUS", "0")

	viper.SetDefault("REDIS_PREFIX", "hodl")
	viper.SetDefault("EVENTS_EXCHANGE", "hodl.events")
}

// Load reads the environment into an AppConfig.
func Load() (*AppConfig, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults()

	startingBalance, err := decimalSetting("STARTING_BALANCE")
	if err != nil {
		return nil, err
	}
	distributionAmount, err := decimalSetting("DISTRIBUTION_AMOUNT")
	if err != nil {
		return nil, err
	}
	freeBonus, err := decimalSetting("FREE_CHALLENGE_BONUS")
	if err != nil {
		return nil, err
	}

	mode := strings.ToLower(strings.TrimSpace(viper.GetString("VOUCHER_NONCE_MODE")))
	if mode != NonceModeRandom && mode != NonceModeClock {
		return nil, fmt.Errorf("VOUCHER_NONCE_MODE must be %q or %q, got %q", NonceModeRandom, NonceModeClock, mode)
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:           viper.GetInt("API_HTTP_PORT"),
			LogLevel:           viper.GetString("LOG_LEVEL"),
			AdminHMACSecret:    viper.GetString("ADMIN_HMAC_SECRET"),
			HMACClockSkew:      viper.GetDuration("HMAC_CLOCK_SKEW"),
			IdempotencyWindow:  viper.GetDuration("IDEMPOTENCY_WINDOW"),
			RateLimitPerMinute: viper.GetInt("RATE_LIMIT_PER_MINUTE"),
		},
		Chain: ChainConfig{
			ChainID:            viper.GetInt64("CHAIN_ID"),
			DistributorAddress: viper.GetString("DISTRIBUTOR_ADDRESS"),
			SignerPrivateKey:   viper.GetString("SIGNER_PRIVATE_KEY"),
			RPCURL:             viper.GetString("CHAIN_RPC_URL"),
			VerifyReceipt:      viper.GetBool("CLAIM_VERIFY_RECEIPT"),
			VoucherNonceMode:   mode,
		},
		Payment: PaymentConfig{
			AppID:              viper.GetString("WORLD_APP_ID"),
			APIKey:             viper.GetString("WORLD_DEV_PORTAL_API_KEY"),
			BaseURL:            strings.TrimRight(viper.GetString("WORLD_API_BASE_URL"), "/"),
			PaymentAddress:     viper.GetString("PAYMENT_ADDRESS"),
			VerifyMaxAttempts:  viper.GetInt("VERIFY_MAX_ATTEMPTS"),
			VerifyInitialDelay: viper.GetDuration("VERIFY_INITIAL_DELAY"),
			RetryMaxAttempts:   viper.GetInt("RETRY_VERIFY_MAX_ATTEMPTS"),
			RetryInitialDelay:  viper.GetDuration("RETRY_VERIFY_INITIAL_DELAY"),
			VerifyBudget:       viper.GetDuration("VERIFY_BUDGET"),
		},
		Auth: AuthConfig{
			JWTSecret:       viper.GetString("JWT_SECRET"),
			JWTTTL:          viper.GetDuration("JWT_TTL"),
			NonceTTL:        viper.GetDuration("NONCE_TTL"),
			StartingBalance: startingBalance,
		},
		Distribution: DistributionConfig{
			Interval:           viper.GetDuration("DISTRIBUTION_INTERVAL"),
			Amount:             distributionAmount,
			FreeChallengeBonus: freeBonus,
		},
		Infra: InfraConfig{
			DatabaseURL:    viper.GetString("DATABASE_URL"),
			RedisURL:       viper.GetString("REDIS_URL"),
			RedisPrefix:    viper.GetString("REDIS_PREFIX"),
			RabbitMQURL:    viper.GetString("RABBITMQ_URL"),
			EventsExchange: viper.GetString("EVENTS_EXCHANGE"),
		},
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.Payment.VerifyMaxAttempts < 1 || cfg.Payment.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("verification attempts must be at least 1")
	}
	return cfg, nil
}

// SignerEnabled reports whether vouchers can be signed.
func (c ChainConfig) SignerEnabled() bool {
	return c.SignerPrivateKey != "" && c.DistributorAddress != ""
}

func decimalSetting(key string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", key)
	}
	if !voucher.Representable(d) {
		return decimal.Zero, fmt.Errorf("%s has more than %d decimals", key, voucher.Decimals)
	}
	return d, nil
}
