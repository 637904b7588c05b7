// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig           `mapstructure:"server"`
	Analysis    AnalysisConfig         `mapstructure:"analysis"`
	RateLimit   RateLimitConfig        `mapstructure:"rate_limit"`
	Credentials map[string]ServiceKeys `mapstructure:"credentials"`
	Scoring     ScoringServiceConfig   `mapstructure:"scoring"`
	Logging     LoggingConfig          `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AnalysisConfig governs orchestrator and analyzer behavior.
type AnalysisConfig struct {
	MaxConcurrent    int     `mapstructure:"max_concurrent"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	RetryAttempts    int     `mapstructure:"retry_attempts"`
	RetryDelayMs     int     `mapstructure:"retry_delay_ms"`
	LinkCheckLimit   int     `mapstructure:"link_check_limit"`
	RetentionMinutes int     `mapstructure:"retention_minutes"`
	CleanupMinutes   int     `mapstructure:"cleanup_minutes"`
	UserAgent        string  `mapstructure:"user_agent"`
	HostRPS          float64 `mapstructure:"host_rps"`
}

// RateLimitConfig tunes the external-service admission limiter.
type RateLimitConfig struct {
	RequestsPerInterval int `mapstructure:"requests_per_interval"`
	IntervalMs          int `mapstructure:"interval_ms"`
	MaxConcurrent       int `mapstructure:"max_concurrent"`
	BurstAllowance      int `mapstructure:"burst_allowance"`
}

// ServiceKeys describes one external service's credential pool.
type ServiceKeys struct {
	Keys               []string `mapstructure:"keys"`
	RotationIntervalMs int      `mapstructure:"rotation_interval_ms"`
	MaxFailures        int      `mapstructure:"max_failures"`
}

// ScoringServiceConfig points at the external performance scoring API.
type ScoringServiceConfig struct {
	Endpoint               string `mapstructure:"endpoint"`
	Service                string `mapstructure:"service"`
	TimeoutSeconds         int    `mapstructure:"timeout_seconds"`
	BreakerFailures        int    `mapstructure:"breaker_failures"`
	BreakerCooldownSeconds int    `mapstructure:"breaker_cooldown_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEGRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("analysis.max_concurrent", 3)
	v.SetDefault("analysis.timeout_seconds", 60)
	v.SetDefault("analysis.retry_attempts", 3)
	v.SetDefault("analysis.retry_delay_ms", 250)
	v.SetDefault("analysis.link_check_limit", 10)
	v.SetDefault("analysis.retention_minutes", 60)
	v.SetDefault("analysis.cleanup_minutes", 10)
	v.SetDefault("analysis.user_agent", "sitegrade-bot/1.0")
	v.SetDefault("analysis.host_rps", 2)
	v.SetDefault("rate_limit.requests_per_interval", 10)
	v.SetDefault("rate_limit.interval_ms", 1000)
	v.SetDefault("rate_limit.max_concurrent", 5)
	v.SetDefault("rate_limit.burst_allowance", 5)
	v.SetDefault("scoring.timeout_seconds", 10)
	v.SetDefault("scoring.breaker_failures", 5)
	v.SetDefault("scoring.breaker_cooldown_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Analysis.MaxConcurrent <= 0 {
		return fmt.Errorf("analysis.max_concurrent must be > 0")
	}
	if c.Analysis.TimeoutSeconds <= 0 {
		return fmt.Errorf("analysis.timeout_seconds must be > 0")
	}
	if c.RateLimit.RequestsPerInterval <= 0 {
		return fmt.Errorf("rate_limit.requests_per_interval must be > 0")
	}
	if c.RateLimit.IntervalMs <= 0 {
		return fmt.Errorf("rate_limit.interval_ms must be > 0")
	}
	if c.Scoring.Endpoint != "" && c.Scoring.Service == "" {
		return fmt.Errorf("scoring.service must name a credential pool when scoring.endpoint is set")
	}
	return nil
}

// AnalysisTimeout converts the per-URL timeout to a duration.
func (c Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Analysis.TimeoutSeconds) * time.Second
}

// RetryDelay converts the retry base delay to a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Analysis.RetryDelayMs) * time.Millisecond
}

// RateInterval converts the limiter window length to a duration.
func (c Config) RateInterval() time.Duration {
	return time.Duration(c.RateLimit.IntervalMs) * time.Millisecond
}
