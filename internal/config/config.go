package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	GatewayKeyID         string `mapstructure:"GATEWAY_KEY_ID"`
	GatewayKeySecret     string `mapstructure:"GATEWAY_KEY_SECRET"`
	GatewayWebhookSecret string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	GatewayBaseURL       string `mapstructure:"GATEWAY_BASE_URL"`

	HoldExpiryMinutes  int `mapstructure:"HOLD_EXPIRY_MINUTES"`
	SweepIntervalMins  int `mapstructure:"SWEEP_INTERVAL_MINUTES"`
	SweepBatchSize     int `mapstructure:"SWEEP_BATCH_SIZE"`
	LockTimeoutSeconds int `mapstructure:"LOCK_TIMEOUT_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("GATEWAY_BASE_URL", "https://api.razorpay.com/v1")
	v.SetDefault("HOLD_EXPIRY_MINUTES", 10)
	v.SetDefault("SWEEP_INTERVAL_MINUTES", 10)
	v.SetDefault("SWEEP_BATCH_SIZE", 100)
	v.SetDefault("LOCK_TIMEOUT_SECONDS", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("GATEWAY_KEY_ID")
	v.BindEnv("GATEWAY_KEY_SECRET")
	v.BindEnv("GATEWAY_WEBHOOK_SECRET")
	v.BindEnv("GATEWAY_BASE_URL")
	v.BindEnv("HOLD_EXPIRY_MINUTES")
	v.BindEnv("SWEEP_INTERVAL_MINUTES")
	v.BindEnv("SWEEP_BATCH_SIZE")
	v.BindEnv("LOCK_TIMEOUT_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure JWT_SECRET for production.")
		log.Println("WARNING: ============================================================")
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

// HoldExpiry returns how long a pending appointment may hold a slot before
// the sweeper releases it.
func (c *Config) HoldExpiry() time.Duration {
	return time.Duration(c.HoldExpiryMinutes) * time.Minute
}

// SweepInterval returns how often the background sweeper runs.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMins) * time.Minute
}

// LockTimeout returns the bound on row-lock waits inside booking
// transactions.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. Outside development
// mode JWT_SECRET and the payment gateway credentials must be set so that
// authentication and webhook signature verification are enforced.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\", \"staging\", or \"production\", got %q", c.Env)
	}

	if !c.IsDev() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
		}
		if c.GatewayKeyID == "" || c.GatewayKeySecret == "" {
			return fmt.Errorf("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET are required when ENV=%q", c.Env)
		}
		if c.GatewayWebhookSecret == "" {
			return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required when ENV=%q. "+
				"Refusing to accept unverified webhooks", c.Env)
		}
	}

	if c.HoldExpiryMinutes <= 0 {
		return fmt.Errorf("HOLD_EXPIRY_MINUTES must be positive, got %d", c.HoldExpiryMinutes)
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive, got %d", c.SweepBatchSize)
	}
	if c.SweepIntervalMins <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_MINUTES must be positive, got %d", c.SweepIntervalMins)
	}
	if c.LockTimeoutSeconds <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT_SECONDS must be positive, got %d", c.LockTimeoutSeconds)
	}

	return nil
}
