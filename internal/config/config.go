package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CacheConfig holds settings for one named response cache.
// Durations are carried as integer milliseconds in the file format.
type CacheConfig struct {
	DefaultTTLMs      int `json:"default_ttl_ms"`
	MaxEntries        int `json:"max_entries"`
	CleanupIntervalMs int `json:"cleanup_interval_ms"`
}

// DefaultTTL returns the configured default TTL as a duration.
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLMs) * time.Millisecond
}

// CleanupInterval returns the configured sweep interval as a duration.
func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

// LoaderConfig holds batching settings shared by the request loaders.
type LoaderConfig struct {
	MaxBatchSize  int `json:"max_batch_size"`
	BatchWindowMs int `json:"batch_window_ms"`
}

// BatchWindow returns the batch accumulation window as a duration.
func (c LoaderConfig) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMs) * time.Millisecond
}

// MonitorConfig holds query monitor settings.
type MonitorConfig struct {
	Enabled              bool `json:"enabled"`
	SlowQueryThresholdMs int  `json:"slow_query_threshold_ms"`
}

// SlowQueryThreshold returns the slow-query log threshold as a duration.
func (c MonitorConfig) SlowQueryThreshold() time.Duration {
	return time.Duration(c.SlowQueryThresholdMs) * time.Millisecond
}

// PostgresConfig holds the chat store connection settings. An empty DSN
// makes the daemon fall back to the in-memory demo store.
type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// RedisConfig holds the presence source connection settings. An empty Addr
// disables the Redis presence source.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// TracingConfig holds OTLP trace export settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	HTTPAddr  string `json:"http_addr"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Daemon   DaemonConfig   `json:"daemon"`
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Users    CacheConfig    `json:"users_cache"`
	Channels CacheConfig    `json:"channels_cache"`
	Presence CacheConfig    `json:"presence_cache"`
	Loader   LoaderConfig   `json:"loader"`
	Monitor  MonitorConfig  `json:"monitor"`
	Tracing  TracingConfig  `json:"tracing"`
}

// DefaultConfig returns a Config with sensible defaults. TTL tiers follow
// how fast each resource goes stale: channels rarely change, users
// occasionally, presence constantly.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr:  ":8087",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Postgres: PostgresConfig{DSN: ""},
		Redis: RedisConfig{
			Addr:     "",
			Password: "",
			DB:       0,
		},
		Users: CacheConfig{
			DefaultTTLMs:      5 * 60 * 1000,
			MaxEntries:        10000,
			CleanupIntervalMs: 60 * 1000,
		},
		Channels: CacheConfig{
			DefaultTTLMs:      30 * 60 * 1000,
			MaxEntries:        5000,
			CleanupIntervalMs: 60 * 1000,
		},
		Presence: CacheConfig{
			DefaultTTLMs:      30 * 1000,
			MaxEntries:        20000,
			CleanupIntervalMs: 15 * 1000,
		},
		Loader: LoaderConfig{
			MaxBatchSize:  100,
			BatchWindowMs: 10,
		},
		Monitor: MonitorConfig{
			Enabled:              true,
			SlowQueryThresholdMs: 1000,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			ServiceName: "banter-perf",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnv applies BANTER_* environment variable overrides to the config.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("BANTER_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("BANTER_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("BANTER_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("BANTER_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("BANTER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("BANTER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("BANTER_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
	if v := os.Getenv("BANTER_MONITOR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Monitor.Enabled = b
		}
	}
}

// Validate rejects configurations the components would refuse at
// construction time, so the daemon fails on startup instead of mid-request.
func (c *Config) Validate() error {
	for name, cc := range map[string]CacheConfig{
		"users_cache":    c.Users,
		"channels_cache": c.Channels,
		"presence_cache": c.Presence,
	} {
		if cc.MaxEntries <= 0 {
			return fmt.Errorf("%s: max_entries must be positive, got %d", name, cc.MaxEntries)
		}
		if cc.DefaultTTLMs < 0 {
			return fmt.Errorf("%s: default_ttl_ms must not be negative, got %d", name, cc.DefaultTTLMs)
		}
		if cc.CleanupIntervalMs <= 0 {
			return fmt.Errorf("%s: cleanup_interval_ms must be positive, got %d", name, cc.CleanupIntervalMs)
		}
	}
	if c.Loader.MaxBatchSize <= 0 {
		return fmt.Errorf("loader: max_batch_size must be positive, got %d", c.Loader.MaxBatchSize)
	}
	if c.Loader.BatchWindowMs <= 0 {
		return fmt.Errorf("loader: batch_window_ms must be positive, got %d", c.Loader.BatchWindowMs)
	}
	if c.Monitor.SlowQueryThresholdMs < 0 {
		return fmt.Errorf("monitor: slow_query_threshold_ms must not be negative, got %d", c.Monitor.SlowQueryThresholdMs)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be in [0,1], got %v", c.Tracing.SampleRate)
	}
	return nil
}
