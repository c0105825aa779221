package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all shopquery configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	DBPath   string         `yaml:"db_path"`
	LLM      LLMConfig      `yaml:"llm"`
	Cache    CacheConfig    `yaml:"cache"`
	QueryLog QueryLogConfig `yaml:"query_log"`
	Log      LogConfig      `yaml:"log"`
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig controls the in-memory response cache.
type CacheConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TTL               time.Duration `yaml:"ttl"`
	MaxSize           int           `yaml:"max_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxEntryBytes     int           `yaml:"max_entry_bytes"`
	ResetStatsOnClear bool          `yaml:"reset_stats_on_clear"`
	SingleFlight      bool          `yaml:"single_flight"`
}

// QueryLogConfig controls the served-query ledger.
type QueryLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8000",
		DBPath: "data/ecom_data.db",
		LLM: LLMConfig{
			URL:     "https://api.openai.com",
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:         true,
			TTL:             1800 * time.Second,
			MaxSize:         1000,
			CleanupInterval: time.Hour,
			SingleFlight:    true,
		},
		QueryLog: QueryLogConfig{
			Enabled:       true,
			DBPath:        "data/query_log.db",
			RetentionDays: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, expands environment variables and applies
// environment overrides. An empty path returns the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv honours CACHE_TTL, CACHE_MAX_SIZE and CACHE_CLEANUP_INTERVAL
// (seconds / entries) plus LLM_API_KEY.
func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("CACHE_TTL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse CACHE_TTL: %w", err)
		}
		c.Cache.TTL = time.Duration(n) * time.Second
	}
	if v, ok := os.LookupEnv("CACHE_MAX_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse CACHE_MAX_SIZE: %w", err)
		}
		c.Cache.MaxSize = n
	}
	if v, ok := os.LookupEnv("CACHE_CLEANUP_INTERVAL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse CACHE_CLEANUP_INTERVAL: %w", err)
		}
		c.Cache.CleanupInterval = time.Duration(n) * time.Second
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("%w: cache.ttl must be positive", ErrInvalidConfig)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("%w: cache.max_size must be positive", ErrInvalidConfig)
	}
	if c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("%w: cache.cleanup_interval must be positive", ErrInvalidConfig)
	}
	if c.Cache.MaxEntryBytes < 0 {
		return fmt.Errorf("%w: cache.max_entry_bytes must not be negative", ErrInvalidConfig)
	}
	if c.DBPath == "" {
		return fmt.Errorf("%w: db_path is required", ErrInvalidConfig)
	}
	return nil
}
