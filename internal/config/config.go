package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StorageDriver  string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIURL        string `mapstructure:"STRIPE_API_URL"`
	// PlanPrices maps price ids to plan keys: "price_a:basic,price_b:pro".
	PlanPrices        string        `mapstructure:"PLAN_PRICES"`
	PaymentCurrency   string        `mapstructure:"PAYMENT_CURRENCY"`
	WebhookRateLimit  int           `mapstructure:"WEBHOOK_RATE_LIMIT"`
	WebhookRateWindow time.Duration `mapstructure:"WEBHOOK_RATE_WINDOW"`
	// TrustProxyHeaders keys the webhook limiter by X-Forwarded-For.
	TrustProxyHeaders bool `mapstructure:"TRUST_PROXY_HEADERS"`

	JWTSecret string `mapstructure:"JWT_SECRET"`
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	SendGridAPIKey string `mapstructure:"SENDGRID_API_KEY"`
	MailFromEmail  string `mapstructure:"MAIL_FROM_EMAIL"`
	MailFromName   string `mapstructure:"MAIL_FROM_NAME"`
	AppBaseURL     string `mapstructure:"APP_BASE_URL"`

	SentryDSN         string `mapstructure:"SENTRY_DSN"`
	SentryEnvironment string `mapstructure:"SENTRY_ENVIRONMENT"`

	StaleSweepSchedule string        `mapstructure:"STALE_SWEEP_SCHEDULE"`
	StaleGrace         time.Duration `mapstructure:"STALE_GRACE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORAGE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "REDIS_KEY_PREFIX",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_API_URL", "PLAN_PRICES", "PAYMENT_CURRENCY",
	"WEBHOOK_RATE_LIMIT", "WEBHOOK_RATE_WINDOW", "TRUST_PROXY_HEADERS",
	"JWT_SECRET", "JWT_ISSUER",
	"SENDGRID_API_KEY", "MAIL_FROM_EMAIL", "MAIL_FROM_NAME", "APP_BASE_URL",
	"SENTRY_DSN", "SENTRY_ENVIRONMENT",
	"STALE_SWEEP_SCHEDULE", "STALE_GRACE",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_KEY_PREFIX", "billing:")
	v.SetDefault("PAYMENT_CURRENCY", "brl")
	v.SetDefault("WEBHOOK_RATE_LIMIT", 100)
	v.SetDefault("WEBHOOK_RATE_WINDOW", "1m")
	v.SetDefault("TRUST_PROXY_HEADERS", false)
	v.SetDefault("JWT_ISSUER", "psicoid")
	v.SetDefault("MAIL_FROM_NAME", "Psicoid")
	v.SetDefault("STALE_SWEEP_SCHEDULE", "@every 1h")
	v.SetDefault("STALE_GRACE", "72h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if cfg.SentryEnvironment == "" {
		cfg.SentryEnvironment = cfg.Env
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PlanMapping parses PLAN_PRICES into a price id -> plan map.
func (c *Config) PlanMapping() (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(c.PlanPrices) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.PlanPrices, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		price, plan, ok := strings.Cut(pair, ":")
		price, plan = strings.TrimSpace(price), strings.TrimSpace(plan)
		if !ok || price == "" || plan == "" {
			return nil, fmt.Errorf("PLAN_PRICES entry %q must be price:plan", pair)
		}
		out[price] = plan
	}
	return out, nil
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORAGE_DRIVER=memory is not allowed in production")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORAGE_DRIVER=postgres")
		}
	case DriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for STORAGE_DRIVER=redis")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q, %q or %q, got %q", DriverMemory, DriverPostgres, DriverRedis, c.StorageDriver)
	}

	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 bytes")
	}
	plans, err := c.PlanMapping()
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		return fmt.Errorf("PLAN_PRICES must map at least one price")
	}
	if c.SendGridAPIKey != "" && c.MailFromEmail == "" {
		return fmt.Errorf("MAIL_FROM_EMAIL is required when SENDGRID_API_KEY is set")
	}
	if c.StaleGrace < 0 {
		return fmt.Errorf("STALE_GRACE must not be negative")
	}
	if c.WebhookRateLimit <= 0 || c.WebhookRateWindow <= 0 {
		return fmt.Errorf("WEBHOOK_RATE_LIMIT and WEBHOOK_RATE_WINDOW must be positive")
	}
	return nil
}
