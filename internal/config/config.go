package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/medpractice/billing/internal/platform/validator"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthSecret     string        `mapstructure:"AUTH_SECRET"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	DefaultCurrency        string        `mapstructure:"DEFAULT_CURRENCY"`
	InvoiceDueDays         int           `mapstructure:"INVOICE_DUE_DAYS"`
	InsuranceLedgerEnabled bool          `mapstructure:"INSURANCE_LEDGER_ENABLED"`
	ConflictMaxRetries     int           `mapstructure:"CONFLICT_MAX_RETRIES"`
	ConflictRetryInterval  time.Duration `mapstructure:"CONFLICT_RETRY_INTERVAL"`
	EventTopic             string        `mapstructure:"EVENT_TOPIC"`

	// OverdueSweepSchedule is a cron spec; empty disables the in-process sweep.
	OverdueSweepSchedule    string `mapstructure:"OVERDUE_SWEEP_SCHEDULE"`
	OverdueSweepConcurrency int    `mapstructure:"OVERDUE_SWEEP_CONCURRENCY"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE", "DEFAULT_TENANT", "CORS_ORIGINS", "REQUEST_TIMEOUT",
	"DEFAULT_CURRENCY", "INVOICE_DUE_DAYS", "INSURANCE_LEDGER_ENABLED",
	"CONFLICT_MAX_RETRIES", "CONFLICT_RETRY_INTERVAL", "EVENT_TOPIC",
	"OVERDUE_SWEEP_SCHEDULE", "OVERDUE_SWEEP_CONCURRENCY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("DEFAULT_CURRENCY", "USD")
	v.SetDefault("INVOICE_DUE_DAYS", 30)
	v.SetDefault("INSURANCE_LEDGER_ENABLED", true)
	v.SetDefault("CONFLICT_MAX_RETRIES", 3)
	v.SetDefault("CONFLICT_RETRY_INTERVAL", "50ms")
	v.SetDefault("EVENT_TOPIC", "billing.events")
	v.SetDefault("OVERDUE_SWEEP_CONCURRENCY", 4)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil || (len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",")) {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a token get admin access to the default tenant.")
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

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SECRET must be set so that real JWT authentication is enforced.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required when ENV=%q", c.Env)
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 bytes, got %d", len(c.AuthSecret))
	}
	if err := validator.Get().Var(c.DefaultCurrency, "required,iso4217"); err != nil {
		return fmt.Errorf("DEFAULT_CURRENCY %q is not an ISO 4217 code", c.DefaultCurrency)
	}
	if c.InvoiceDueDays <= 0 {
		return fmt.Errorf("INVOICE_DUE_DAYS must be positive, got %d", c.InvoiceDueDays)
	}
	if c.ConflictMaxRetries < 0 {
		return fmt.Errorf("CONFLICT_MAX_RETRIES must not be negative, got %d", c.ConflictMaxRetries)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.EventTopic == "" {
		return fmt.Errorf("EVENT_TOPIC must not be empty")
	}
	if c.OverdueSweepSchedule != "" {
		if _, err := cron.ParseStandard(c.OverdueSweepSchedule); err != nil {
			return fmt.Errorf("OVERDUE_SWEEP_SCHEDULE %q: %w", c.OverdueSweepSchedule, err)
		}
		if c.OverdueSweepConcurrency < 1 {
			return fmt.Errorf("OVERDUE_SWEEP_CONCURRENCY must be at least 1, got %d", c.OverdueSweepConcurrency)
		}
	}
	return nil
}
