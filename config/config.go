// Package config loads cronicorn configuration from defaults, an optional
// cronicorn.toml discovered by walking up from the working directory, and
// CRONICORN_* environment variables. The documented scheduler keys
// (TICK_INTERVAL_MS, BATCH_SIZE, ...) are additionally bound without the
// prefix so deployments can set them verbatim.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/cronicorn/cronicorn/errors"
)

// Config is the full daemon configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	AI        AIConfig        `mapstructure:"ai"`
	Server    ServerConfig    `mapstructure:"server"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type SchedulerConfig struct {
	TickIntervalMs    int64 `mapstructure:"tick_interval_ms"`
	BatchSize         int   `mapstructure:"batch_size"`
	LockTTLMs         int64 `mapstructure:"lock_ttl_ms"`
	MaxConcurrent     int   `mapstructure:"max_concurrent"`
	SweepIntervalMs   int64 `mapstructure:"sweep_interval_ms"`
	ZombieThresholdMs int64 `mapstructure:"zombie_threshold_ms"`
	RunRetentionDays  int   `mapstructure:"run_retention_days"`
}

type DispatchConfig struct {
	DefaultTimeoutMs     int64 `mapstructure:"default_timeout_ms"`
	MaxResponseSizeKb    int64 `mapstructure:"max_response_size_kb"`
	SigningRequired      bool  `mapstructure:"signing_required"`
	AllowPrivateNetworks bool  `mapstructure:"allow_private_networks"`
}

type AIConfig struct {
	APIKey             string `mapstructure:"api_key"`
	Model              string `mapstructure:"model"`
	AnalysisIntervalMs int64  `mapstructure:"analysis_interval_ms"`
	MinFailures        int    `mapstructure:"min_failures"`
	StaleAfterMs       int64  `mapstructure:"stale_after_ms"`
	MaxEndpoints       int    `mapstructure:"max_endpoints"`
	AnalysesPerMinute  int    `mapstructure:"analyses_per_minute"`
	MaxHintTTLMs       int64  `mapstructure:"max_hint_ttl_ms"`
	DailyTokenBudget   int    `mapstructure:"daily_token_budget"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "cronicorn.db")

	v.SetDefault("scheduler.tick_interval_ms", 1000)
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.lock_ttl_ms", 60000)
	v.SetDefault("scheduler.max_concurrent", 5)
	v.SetDefault("scheduler.sweep_interval_ms", 30000)
	v.SetDefault("scheduler.zombie_threshold_ms", 300000) // must exceed the largest max_execution_time_ms
	v.SetDefault("scheduler.run_retention_days", 14)

	v.SetDefault("dispatch.default_timeout_ms", 30000)
	v.SetDefault("dispatch.max_response_size_kb", 100)
	v.SetDefault("dispatch.signing_required", false)
	v.SetDefault("dispatch.allow_private_networks", false)

	v.SetDefault("ai.model", "openai/gpt-4o-mini")
	v.SetDefault("ai.analysis_interval_ms", 300000) // analyze every 5 minutes
	v.SetDefault("ai.min_failures", 2)
	v.SetDefault("ai.stale_after_ms", 3600000) // re-analyze after an hour
	v.SetDefault("ai.max_endpoints", 20)
	v.SetDefault("ai.analyses_per_minute", 10)
	v.SetDefault("ai.max_hint_ttl_ms", 86400000) // hints live at most a day
	v.SetDefault("ai.daily_token_budget", 0)     // 0 = unlimited

	v.SetDefault("server.addr", "127.0.0.1:8844")
}

// documentedEnvKeys maps the bare environment names operators know from the
// docs onto config keys. Bound alongside the CRONICORN_-prefixed forms.
var documentedEnvKeys = map[string]string{
	"scheduler.tick_interval_ms":     "TICK_INTERVAL_MS",
	"scheduler.batch_size":           "BATCH_SIZE",
	"scheduler.lock_ttl_ms":          "LOCK_TTL_MS",
	"scheduler.zombie_threshold_ms":  "ZOMBIE_THRESHOLD_MS",
	"dispatch.default_timeout_ms":    "DEFAULT_TIMEOUT_MS",
	"dispatch.max_response_size_kb":  "MAX_RESPONSE_SIZE_KB",
	"dispatch.signing_required":      "SIGNING_REQUIRED",
	"ai.api_key":                     "OPENROUTER_API_KEY",
	"database.path":                  "CRONICORN_DB",
}

// NewViper builds a viper instance with defaults, env binding, and optional
// config file discovery.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("CRONICORN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range documentedEnvKeys {
		// viper's BindEnv: first name is the key, the rest are env vars in
		// priority order.
		v.BindEnv(key, "CRONICORN_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env)
	}

	SetDefaults(v)

	if path := findConfigFile(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		// Missing or unreadable files fall back to defaults plus env.
		_ = v.ReadInConfig()
	}

	return v
}

// Load reads configuration from all sources and validates it.
func Load() (*Config, error) {
	return LoadWithViper(NewViper())
}

// LoadWithViper loads configuration using a provided viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.NewInvalidInputError("database.path must not be empty")
	}
	if c.Scheduler.TickIntervalMs <= 0 {
		return errors.NewInvalidInputError("scheduler.tick_interval_ms must be positive, got %d", c.Scheduler.TickIntervalMs)
	}
	if c.Scheduler.BatchSize < 1 {
		return errors.NewInvalidInputError("scheduler.batch_size must be at least 1, got %d", c.Scheduler.BatchSize)
	}
	if c.Scheduler.LockTTLMs <= 0 {
		return errors.NewInvalidInputError("scheduler.lock_ttl_ms must be positive, got %d", c.Scheduler.LockTTLMs)
	}
	if c.Scheduler.ZombieThresholdMs <= 0 {
		return errors.NewInvalidInputError("scheduler.zombie_threshold_ms must be positive, got %d", c.Scheduler.ZombieThresholdMs)
	}
	if c.Scheduler.ZombieThresholdMs < c.Scheduler.LockTTLMs {
		return errors.NewInvalidInputError(
			"scheduler.zombie_threshold_ms (%d) must not be below scheduler.lock_ttl_ms (%d)",
			c.Scheduler.ZombieThresholdMs, c.Scheduler.LockTTLMs)
	}
	if c.Dispatch.DefaultTimeoutMs <= 0 {
		return errors.NewInvalidInputError("dispatch.default_timeout_ms must be positive, got %d", c.Dispatch.DefaultTimeoutMs)
	}
	if c.Dispatch.MaxResponseSizeKb <= 0 {
		return errors.NewInvalidInputError("dispatch.max_response_size_kb must be positive, got %d", c.Dispatch.MaxResponseSizeKb)
	}
	return nil
}

// findConfigFile walks up from the working directory looking for
// cronicorn.toml.
func findConfigFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "cronicorn.toml")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
