// Package config loads pipeline configuration. Environment variables win;
// an optional YAML profile (ARBITER_CONFIG) supplies defaults beneath them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the pipeline's runtime configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Store selects the repository backend: "memory", "sqlite", "postgres"
	// or "redis".
	Store       string `yaml:"store"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisAddr   string `yaml:"redis_addr"`

	// PolicyDir holds policy documents loaded at startup.
	PolicyDir string `yaml:"policy_dir"`

	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	// TimeoutSweepSpec is the cron spec of the timeout sweep.
	TimeoutSweepSpec string `yaml:"timeout_sweep_spec"`
	// TimeoutDefaultAction settles timed-out requests: "approve" or "reject".
	TimeoutDefaultAction string `yaml:"timeout_default_action"`

	ArchiveBucket string `yaml:"archive_bucket"`
	ArchivePrefix string `yaml:"archive_prefix"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPEnabled  bool   `yaml:"otlp_enabled"`
}

func defaults() *Config {
	return &Config{
		LogLevel:             "INFO",
		Store:                "memory",
		SQLitePath:           "data/arbiter.db",
		ApprovalTimeout:      24 * time.Hour,
		TimeoutSweepSpec:     "@every 30s",
		TimeoutDefaultAction: "reject",
		ArchivePrefix:        "decisions",
		OTLPEndpoint:         "localhost:4317",
	}
}

// Load builds configuration from the optional YAML profile named by
// ARBITER_CONFIG, then applies environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("ARBITER_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Store, "ARBITER_STORE")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.SQLitePath, "ARBITER_SQLITE_PATH")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.PolicyDir, "ARBITER_POLICY_DIR")
	setString(&cfg.TimeoutSweepSpec, "ARBITER_SWEEP_SPEC")
	setString(&cfg.TimeoutDefaultAction, "ARBITER_TIMEOUT_ACTION")
	setString(&cfg.ArchiveBucket, "ARBITER_ARCHIVE_BUCKET")
	setString(&cfg.ArchivePrefix, "ARBITER_ARCHIVE_PREFIX")
	setString(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")

	if v := os.Getenv("ARBITER_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ApprovalTimeout = d
		}
	}
	if v := os.Getenv("OTLP_ENABLED"); v != "" {
		cfg.OTLPEnabled = v == "true" || v == "1"
	}
}

func (c *Config) validate() error {
	switch c.Store {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store)
	}
	switch c.TimeoutDefaultAction {
	case "approve", "reject":
	default:
		return fmt.Errorf("unknown timeout default action %q", c.TimeoutDefaultAction)
	}
	if c.Store == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("postgres store requires DATABASE_URL")
	}
	if c.Store == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("redis store requires REDIS_ADDR")
	}
	return nil
}
