/**
 * @description
 * Configuration management for the settlement service and its scheduler.
 * Settings come from environment variables with an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 * - github.com/shopspring/decimal: fee rate parsing.
 */
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement server.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RunMigrations           bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	WebhookDedupePrefix     string `mapstructure:"WEBHOOK_DEDUPE_PREFIX"`
	WebhookDedupeTTLSeconds int    `mapstructure:"WEBHOOK_DEDUPE_TTL_SECONDS"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	EventsExchange          string `mapstructure:"EVENTS_EXCHANGE"`
	PurchaseEventQueue      string `mapstructure:"PURCHASE_EVENT_QUEUE"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWTSecret          string `mapstructure:"ADMIN_JWT_SECRET"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	BusinessTimezone        string `mapstructure:"BUSINESS_TIMEZONE"`
	PaypleAPIBaseURL        string `mapstructure:"PAYPLE_API_BASE_URL"`
	PaypleCstID             string `mapstructure:"PAYPLE_CST_ID"`
	PaypleCustKey           string `mapstructure:"PAYPLE_CUST_KEY"`
	PaypleWebhookURL        string `mapstructure:"PAYPLE_WEBHOOK_URL"`
	PaypleTimeoutSeconds    int    `mapstructure:"PAYPLE_TIMEOUT_SECONDS"`
	WebhookTimeoutSeconds   int    `mapstructure:"WEBHOOK_TIMEOUT_SECONDS"`
	PayoutLagDays           int    `mapstructure:"SETTLEMENT_PAYOUT_LAG_DAYS"`

	// Parsed from DEFAULT_*_RATE.
	DefaultRates domain.DefaultRates `mapstructure:"-"`
}

// PaypleTimeout is the provider HTTP client timeout.
func (c Config) PaypleTimeout() time.Duration {
	return time.Duration(c.PaypleTimeoutSeconds) * time.Second
}

// WebhookTimeout bounds the processing of one webhook delivery.
func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// WebhookDedupeTTL is how long a webhook delivery key is held in Redis.
func (c Config) WebhookDedupeTTL() time.Duration {
	return time.Duration(c.WebhookDedupeTTLSeconds) * time.Second
}

// PaypleConfigured reports whether payout execution credentials are present.
func (c Config) PaypleConfigured() bool {
	return c.PaypleAPIBaseURL != "" && c.PaypleCstID != "" && c.PaypleCustKey != ""
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func readOptionalEnvFile(path string) {
	if path == "" {
		return
	}
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}
}

// LoadConfig reads the server configuration. path is where an optional .env
// file is looked up; empty skips it.
func LoadConfig(path string) (config Config, err error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("WEBHOOK_DEDUPE_PREFIX", "groble:settlement:webhook")
	viper.SetDefault("WEBHOOK_DEDUPE_TTL_SECONDS", 600)
	viper.SetDefault("EVENTS_EXCHANGE", "groble.events")
	viper.SetDefault("PURCHASE_EVENT_QUEUE", "settlement_service.purchase_events")
	viper.SetDefault("BUSINESS_TIMEZONE", "Asia/Seoul")
	viper.SetDefault("PAYPLE_TIMEOUT_SECONDS", 15)
	viper.SetDefault("WEBHOOK_TIMEOUT_SECONDS", 3)
	viper.SetDefault("SETTLEMENT_PAYOUT_LAG_DAYS", 7)
	viper.SetDefault("DEFAULT_PLATFORM_FEE_RATE", "0.015")
	viper.SetDefault("DEFAULT_PG_FEE_RATE", "0.017")
	viper.SetDefault("DEFAULT_VAT_RATE", "0.1")

	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_URL", "RUN_MIGRATIONS", "WEBHOOK_DEDUPE_PREFIX",
		"WEBHOOK_DEDUPE_TTL_SECONDS", "RABBITMQ_URL", "EVENTS_EXCHANGE", "PURCHASE_EVENT_QUEUE",
		"ADMIN_JWT_SECRET", "CORS_ALLOWED_ORIGINS", "BUSINESS_TIMEZONE", "PAYPLE_API_BASE_URL",
		"PAYPLE_CST_ID", "PAYPLE_CUST_KEY", "PAYPLE_WEBHOOK_URL", "PAYPLE_TIMEOUT_SECONDS",
		"WEBHOOK_TIMEOUT_SECONDS", "SETTLEMENT_PAYOUT_LAG_DAYS", "DEFAULT_PLATFORM_FEE_RATE",
		"DEFAULT_PG_FEE_RATE", "DEFAULT_VAT_RATE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")

	readOptionalEnvFile(path)

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.PaypleAPIBaseURL = strings.TrimSpace(config.PaypleAPIBaseURL)

	if config.DatabaseURL == "" {
		return config, errors.New("DATABASE_URL is required")
	}
	if config.InternalAPIKey == "" {
		return config, errors.New("INTERNAL_API_KEY is required")
	}
	if config.PayoutLagDays < 0 {
		return config, fmt.Errorf("SETTLEMENT_PAYOUT_LAG_DAYS must not be negative, got %d", config.PayoutLagDays)
	}
	if _, tzErr := time.LoadLocation(config.BusinessTimezone); tzErr != nil {
		return config, fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", config.BusinessTimezone, tzErr)
	}

	if config.DefaultRates, err = loadDefaultRates(); err != nil {
		return
	}
	return config, nil
}

func loadDefaultRates() (domain.DefaultRates, error) {
	var rates domain.DefaultRates
	for _, f := range []struct {
		key string
		dst *decimal.Decimal
	}{
		{"DEFAULT_PLATFORM_FEE_RATE", &rates.PlatformFeeRate},
		{"DEFAULT_PG_FEE_RATE", &rates.PgFeeRate},
		{"DEFAULT_VAT_RATE", &rates.VatRate},
	} {
		raw := strings.TrimSpace(viper.GetString(f.key))
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return rates, fmt.Errorf("invalid %s %q: %w", f.key, raw, err)
		}
		if err := domain.ValidateFeeRate(f.key, rate); err != nil {
			return rates, err
		}
		*f.dst = rate
	}
	return rates, nil
}

// SchedulerConfig holds the configuration of the cron process.
type SchedulerConfig struct {
	SettlementServiceURL        string `mapstructure:"SETTLEMENT_SERVICE_URL"`
	InternalAPIKey              string `mapstructure:"INTERNAL_API_KEY"`
	AggregationJobSchedule      string `mapstructure:"AGGREGATION_JOB_SCHEDULE"`
	PeriodCloseJobSchedule      string `mapstructure:"PERIOD_CLOSE_JOB_SCHEDULE"`
	AggregateIncludeOpenPeriods bool   `mapstructure:"AGGREGATE_INCLUDE_OPEN_PERIODS"`
	CronTimezone                string `mapstructure:"BUSINESS_TIMEZONE"`
}

// LoadSchedulerConfig reads the scheduler configuration.
func LoadSchedulerConfig(path string) (config SchedulerConfig, err error) {
	viper.AutomaticEnv()

	viper.SetDefault("AGGREGATION_JOB_SCHEDULE", "10 0 * * *") // 00:10 daily, after the period close
	viper.SetDefault("PERIOD_CLOSE_JOB_SCHEDULE", "0 0 * * *")
	viper.SetDefault("AGGREGATE_INCLUDE_OPEN_PERIODS", false)
	viper.SetDefault("BUSINESS_TIMEZONE", "Asia/Seoul")

	_ = viper.BindEnv("SETTLEMENT_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("AGGREGATION_JOB_SCHEDULE")
	_ = viper.BindEnv("PERIOD_CLOSE_JOB_SCHEDULE")
	_ = viper.BindEnv("AGGREGATE_INCLUDE_OPEN_PERIODS")
	_ = viper.BindEnv("BUSINESS_TIMEZONE")

	readOptionalEnvFile(path)

	if err = viper.Unmarshal(&config); err != nil {
		return
	}
	config.SettlementServiceURL = strings.TrimSpace(config.SettlementServiceURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.SettlementServiceURL == "" {
		return config, errors.New("SETTLEMENT_SERVICE_URL is required")
	}
	if config.InternalAPIKey == "" {
		return config, errors.New("INTERNAL_API_KEY is required")
	}
	return config, nil
}
