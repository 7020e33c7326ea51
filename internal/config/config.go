package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database               string  `mapstructure:"database"`
	TLSVerify              bool    `mapstructure:"tls_verify"`
	MaxRetries             int     `mapstructure:"max_retries"`
	RetryBaseDelayMs       int     `mapstructure:"retry_base_delay_ms"`
	RequestTimeoutMs       int     `mapstructure:"request_timeout_ms"`
	CacheTTLMinutes        int     `mapstructure:"cache_ttl_minutes"`
	RollingWindowDays      int     `mapstructure:"rolling_window_days"`
	MinThreshold           float64 `mapstructure:"min_threshold"`
	MaxThreshold           float64 `mapstructure:"max_threshold"`
	RefreshIntervalSeconds int     `mapstructure:"refresh_interval_seconds"`
}

// LoadConfig loads configuration from the specified path or default
// location. A missing config file is not an error; defaults apply.
func LoadConfig(configPath string) (*Config, error) {
	viperInstance := viper.New()

	viperInstance.SetDefault("tls_verify", true)
	viperInstance.SetDefault("max_retries", 3)
	viperInstance.SetDefault("retry_base_delay_ms", 500)
	viperInstance.SetDefault("request_timeout_ms", 2500)
	viperInstance.SetDefault("cache_ttl_minutes", 5)
	viperInstance.SetDefault("rolling_window_days", 7)
	viperInstance.SetDefault("min_threshold", 0.0001)
	viperInstance.SetDefault("max_threshold", 0.9)
	viperInstance.SetDefault("refresh_interval_seconds", 60)

	if configPath == "" {
		// Default location: ~/.cascade-usage/config.toml
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(homeDir, ".cascade-usage", "config.toml")
	}

	viperInstance.SetConfigFile(configPath)
	if err := viperInstance.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := viperInstance.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// GetDatabasePath returns the database path, using default if not specified
func (c *Config) GetDatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	// Default: ~/.cascade-usage/usage.db
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "~/.cascade-usage/usage.db"
	}
	return filepath.Join(homeDir, ".cascade-usage", "usage.db")
}

// RequestTimeout returns the per-request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// RetryBaseDelay returns the base retry delay as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// CacheTTL returns the connection cache lifetime as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// RollingWindow returns the usage history window as a duration.
func (c *Config) RollingWindow() time.Duration {
	return time.Duration(c.RollingWindowDays) * 24 * time.Hour
}

// RefreshInterval returns the watch-mode polling interval as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}
