// Package config loads service settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/fee"
	"github.com/punchamoorthee/fundsledger/internal/limits"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
)

type Config struct {
	Port        string `mapstructure:"SERVER_PORT"`
	Env         string `mapstructure:"ENVIRONMENT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	StoreDriver string `mapstructure:"STORE_BACKEND"`
	DBSource    string `mapstructure:"DB_SOURCE"`

	IdempotencyBackend string        `mapstructure:"IDEMPOTENCY_BACKEND"`
	IdempotencyTTL     time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	BoltPath           string        `mapstructure:"BOLT_PATH"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	RedisKeyPrefix     string        `mapstructure:"REDIS_KEY_PREFIX"`

	LockBackend        string        `mapstructure:"LOCK_BACKEND"`
	LockTimeout        time.Duration `mapstructure:"LOCK_TIMEOUT"`
	ExternalLegTimeout time.Duration `mapstructure:"EXTERNAL_LEG_TIMEOUT"`

	DailyLimitMinor           int64  `mapstructure:"DAILY_LIMIT_MINOR"`
	MonthlyLimitMinor         int64  `mapstructure:"MONTHLY_LIMIT_MINOR"`
	DomesticFeeThresholdMinor int64  `mapstructure:"DOMESTIC_FEE_THRESHOLD_MINOR"`
	DomesticFeeMinor          int64  `mapstructure:"DOMESTIC_FEE_MINOR"`
	WireFeeMinor              int64  `mapstructure:"WIRE_FEE_MINOR"`
	FeeRevenueAccountID       string `mapstructure:"FEE_REVENUE_ACCOUNT_ID"`
	ExternalClearingAccountID string `mapstructure:"EXTERNAL_CLEARING_ACCOUNT_ID"`

	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	SettlementExchange string `mapstructure:"SETTLEMENT_EXCHANGE"`
	DispatchSchedule   string `mapstructure:"DISPATCH_SCHEDULE"`
	SweepSchedule      string `mapstructure:"SWEEP_SCHEDULE"`

	RecoverySchedule string        `mapstructure:"RECOVERY_SCHEDULE"`
	RecoveryAge      time.Duration `mapstructure:"RECOVERY_AGE"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                  "8080",
	"ENVIRONMENT":                  "development",
	"LOG_LEVEL":                    "info",
	"STORE_BACKEND":                BackendMemory,
	"IDEMPOTENCY_BACKEND":          BackendMemory,
	"IDEMPOTENCY_TTL":              "24h",
	"BOLT_PATH":                    "ledger-idempotency.db",
	"REDIS_KEY_PREFIX":             "fundsledger",
	"LOCK_BACKEND":                 BackendMemory,
	"LOCK_TIMEOUT":                 "5s",
	"EXTERNAL_LEG_TIMEOUT":         "3s",
	"DAILY_LIMIT_MINOR":            500000,
	"MONTHLY_LIMIT_MINOR":          2500000,
	"DOMESTIC_FEE_THRESHOLD_MINOR": 100000,
	"DOMESTIC_FEE_MINOR":           0,
	"WIRE_FEE_MINOR":               2500,
	"FEE_REVENUE_ACCOUNT_ID":       "sys-fee-revenue",
	"EXTERNAL_CLEARING_ACCOUNT_ID": "sys-external-clearing",
	"SETTLEMENT_EXCHANGE":          "ledger.settlement",
	"DISPATCH_SCHEDULE":            "@every 10s",
	"SWEEP_SCHEDULE":               "@every 1m",
	"RECOVERY_SCHEDULE":            "@every 1m",
	"RECOVERY_AGE":                 "2m",
}

// Load reads an optional .env file from path, then the environment, which wins.
func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("DB_SOURCE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	// whole-currency aliases, e.g. WIRE_FEE=25.00
	_ = viper.BindEnv("WIRE_FEE")
	_ = viper.BindEnv("DOMESTIC_FEE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := applyMajorUnitAlias("WIRE_FEE", &cfg.WireFeeMinor); err != nil {
		return nil, err
	}
	if err := applyMajorUnitAlias("DOMESTIC_FEE", &cfg.DomesticFeeMinor); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyMajorUnitAlias(key string, target *int64) error {
	if !viper.IsSet(key) {
		return nil
	}
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return nil
	}
	minor, err := domain.ParseMajor(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	*target = minor
	return nil
}

func (c *Config) normalize() {
	for _, s := range []*string{&c.StoreDriver, &c.IdempotencyBackend, &c.LockBackend, &c.Env, &c.LogLevel} {
		*s = strings.ToLower(strings.TrimSpace(*s))
	}
	c.DBSource = strings.TrimSpace(c.DBSource)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)

	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Second
	}
	if c.ExternalLegTimeout <= 0 {
		c.ExternalLegTimeout = 3 * time.Second
	}
	// a transfer younger than this may still be owned by a live request
	if c.RecoveryAge < c.LockTimeout+c.ExternalLegTimeout {
		c.RecoveryAge = 2 * time.Minute
	}
	if c.DomesticFeeMinor < 0 {
		c.DomesticFeeMinor = 0
	}
	if c.WireFeeMinor < 0 {
		c.WireFeeMinor = 0
	}
	if c.DomesticFeeThresholdMinor < 0 {
		c.DomesticFeeThresholdMinor = 0
	}
	if c.DailyLimitMinor <= 0 {
		c.DailyLimitMinor = limits.DefaultLimits().Daily
	}
	if c.MonthlyLimitMinor <= 0 {
		c.MonthlyLimitMinor = limits.DefaultLimits().Monthly
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "fundsledger"
	}
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	if !oneOf(c.StoreDriver, BackendMemory, BackendPostgres) {
		return fmt.Errorf("STORE_BACKEND must be memory or postgres, got %q", c.StoreDriver)
	}
	if !oneOf(c.IdempotencyBackend, BackendMemory, BackendBolt, BackendRedis, BackendPostgres) {
		return fmt.Errorf("IDEMPOTENCY_BACKEND must be memory, bolt, redis or postgres, got %q", c.IdempotencyBackend)
	}
	if !oneOf(c.LockBackend, BackendMemory, BackendRedis) {
		return fmt.Errorf("LOCK_BACKEND must be memory or redis, got %q", c.LockBackend)
	}
	if c.StoreDriver == BackendPostgres && c.DBSource == "" {
		return fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if c.IdempotencyBackend == BackendPostgres && c.StoreDriver != BackendPostgres {
		return fmt.Errorf("IDEMPOTENCY_BACKEND=postgres requires STORE_BACKEND=postgres")
	}
	if (c.IdempotencyBackend == BackendRedis || c.LockBackend == BackendRedis) && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required for redis backends")
	}
	if c.FeeRevenueAccountID == "" || c.ExternalClearingAccountID == "" || c.FeeRevenueAccountID == c.ExternalClearingAccountID {
		return fmt.Errorf("fee revenue and clearing account ids must be set and distinct")
	}
	return nil
}

func (c *Config) FeePolicy() fee.Policy {
	return fee.Policy{
		DomesticThreshold: c.DomesticFeeThresholdMinor,
		DomesticFee:       c.DomesticFeeMinor,
		WireFee:           c.WireFeeMinor,
	}
}

func (c *Config) Limits() limits.Limits {
	return limits.Limits{Daily: c.DailyLimitMinor, Monthly: c.MonthlyLimitMinor}
}
