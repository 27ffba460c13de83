package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	FHIRSyncEnabled     bool   `mapstructure:"FHIR_SYNC_ENABLED"`
	FHIRRegistryBaseURL string `mapstructure:"FHIR_REGISTRY_BASE_URL"`
	FHIRTokenURL        string `mapstructure:"FHIR_TOKEN_URL"`
	FHIRClientID        string `mapstructure:"FHIR_CLIENT_ID"`
	FHIRClientSecret    string `mapstructure:"FHIR_CLIENT_SECRET"`

	SyncWorkerConcurrency int     `mapstructure:"SYNC_WORKER_CONCURRENCY"`
	SyncRateLimitPerSec   float64 `mapstructure:"SYNC_RATE_LIMIT_PER_SEC"`
	SyncMaxAttempts       int     `mapstructure:"SYNC_MAX_ATTEMPTS"`
	SyncStaleDays         int     `mapstructure:"SYNC_STALE_DAYS"`
	SyncBatchSize         int     `mapstructure:"SYNC_BATCH_SIZE"`
	SweepIntervalMinutes  int     `mapstructure:"SWEEP_INTERVAL_MINUTES"`
	MirrorIntervalMinutes int     `mapstructure:"MIRROR_INTERVAL_MINUTES"`

	SchedulerSecret string `mapstructure:"SCHEDULER_SECRET"`
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
	v.SetDefault("FHIR_SYNC_ENABLED", false)
	v.SetDefault("SYNC_WORKER_CONCURRENCY", 5)
	v.SetDefault("SYNC_RATE_LIMIT_PER_SEC", 10)
	v.SetDefault("SYNC_MAX_ATTEMPTS", 3)
	v.SetDefault("SYNC_STALE_DAYS", 1)
	v.SetDefault("SYNC_BATCH_SIZE", 1000)
	v.SetDefault("SWEEP_INTERVAL_MINUTES", 60)
	v.SetDefault("MIRROR_INTERVAL_MINUTES", 360)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("FHIR_SYNC_ENABLED")
	v.BindEnv("FHIR_REGISTRY_BASE_URL")
	v.BindEnv("FHIR_TOKEN_URL")
	v.BindEnv("FHIR_CLIENT_ID")
	v.BindEnv("FHIR_CLIENT_SECRET")
	v.BindEnv("SYNC_WORKER_CONCURRENCY")
	v.BindEnv("SYNC_RATE_LIMIT_PER_SEC")
	v.BindEnv("SYNC_MAX_ATTEMPTS")
	v.BindEnv("SYNC_STALE_DAYS")
	v.BindEnv("SYNC_BATCH_SIZE")
	v.BindEnv("SWEEP_INTERVAL_MINUTES")
	v.BindEnv("MIRROR_INTERVAL_MINUTES")
	v.BindEnv("SCHEDULER_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development); admin routes may be unauthenticated")
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

// Validate checks that the configuration is safe to run. When the registry
// integration is enabled, all four credentials must be present: a
// half-configured integration fails at runtime in ways that look like
// registry outages. In production the scheduler secret is mandatory so the
// admin surface is never open.
func (c *Config) Validate() error {
	if c.FHIRSyncEnabled {
		if c.FHIRRegistryBaseURL == "" {
			return fmt.Errorf("FHIR_REGISTRY_BASE_URL is required when FHIR_SYNC_ENABLED is true")
		}
		if c.FHIRTokenURL == "" {
			return fmt.Errorf("FHIR_TOKEN_URL is required when FHIR_SYNC_ENABLED is true")
		}
		if c.FHIRClientID == "" {
			return fmt.Errorf("FHIR_CLIENT_ID is required when FHIR_SYNC_ENABLED is true")
		}
		if c.FHIRClientSecret == "" {
			return fmt.Errorf("FHIR_CLIENT_SECRET is required when FHIR_SYNC_ENABLED is true")
		}
	}

	if c.IsProduction() && c.SchedulerSecret == "" {
		return fmt.Errorf("SCHEDULER_SECRET is required in production")
	}

	if c.SyncWorkerConcurrency <= 0 {
		return fmt.Errorf("SYNC_WORKER_CONCURRENCY must be positive, got %d", c.SyncWorkerConcurrency)
	}
	if c.SyncRateLimitPerSec <= 0 {
		return fmt.Errorf("SYNC_RATE_LIMIT_PER_SEC must be positive, got %v", c.SyncRateLimitPerSec)
	}
	if c.SyncMaxAttempts <= 0 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be positive, got %d", c.SyncMaxAttempts)
	}

	return nil
}
