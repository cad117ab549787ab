package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DefaultDirPermissions is used for ~/.lector and backup directories
const DefaultDirPermissions = 0750

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "lector.db")

	v.SetDefault("pulse.max_active", 50)
	v.SetDefault("pulse.memory_limit", 0)
	v.SetDefault("pulse.memory_size", 1024*1024) // memory_limit is in MiB
	v.SetDefault("pulse.coordinator_interval_seconds", 60)
	v.SetDefault("pulse.strategy", StrategyBalanced)
	v.SetDefault("pulse.automatic", true)
	v.SetDefault("pulse.connectivity_host", "google.com")

	v.SetDefault("crawler.news_interval_minutes", 5)
	v.SetDefault("crawler.disabled_hooks", []string{})
	v.SetDefault("crawler.requests_per_second", 1.0)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("crawler.http_timeout_seconds", 30)
}

// BindEnvVars binds settings commonly overridden by deployment scripts
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "LECTOR_DATABASE_PATH")
	v.BindEnv("pulse.max_active", "LECTOR_PULSE_MAX_ACTIVE")
	v.BindEnv("pulse.automatic", "LECTOR_PULSE_AUTOMATIC")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "lector.db"
	}
	return c.Database.Path
}

// CoordinatorInterval returns the storage fetch cycle (default 60s)
func (c *Config) CoordinatorInterval() time.Duration {
	if c.Pulse.CoordinatorIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Pulse.CoordinatorIntervalSeconds) * time.Second
}

// NewsInterval returns the interval seeded for news jobs (default 5m)
func (c *Config) NewsInterval() time.Duration {
	if c.Crawler.NewsIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Crawler.NewsIntervalMinutes) * time.Minute
}

// HTTPTimeout returns the crawler's per-request timeout (default 30s)
func (c *Config) HTTPTimeout() time.Duration {
	if c.Crawler.HTTPTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Crawler.HTTPTimeoutSeconds) * time.Second
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pulse: {MaxActive: %d, Strategy: %s}, Crawler: {Disabled: %v}}",
		c.Database.Path, c.Pulse.MaxActive, c.Pulse.Strategy, c.Crawler.DisabledHooks)
}
