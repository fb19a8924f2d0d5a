// Package config loads the indexer's configuration from a YAML file, with
// environment-variable overrides applied after parse. This package is the
// concrete loader cobra's --config flag hands off to.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/parastate/archivist/pkg/log"
)

// Config is the complete set of knobs the supervisor needs to wire the
// pipeline.
type Config struct {
	// ChainSpec names the chain whose database is being indexed.
	ChainSpec string `yaml:"chain_spec"`

	// ChainDBPath is the directory holding the chain's on-disk KV store.
	ChainDBPath string `yaml:"chain_db_path"`

	// DatabaseURL is the Postgres connection string for the relational
	// store (pgxpool DSN format).
	DatabaseURL string `yaml:"database_url"`

	// DatabasePoolSize bounds the pgxpool connection pool, default 8.
	DatabasePoolSize int `yaml:"database_pool_size"`

	// SchedulerMaxInFlight bounds how many blocks may be dispatched to
	// the executor pool at once.
	SchedulerMaxInFlight int `yaml:"scheduler_max_in_flight"`

	// ExecutorWorkers sizes the CPU-bound executor pool; 0 means the
	// host's logical CPU count.
	ExecutorWorkers int `yaml:"executor_workers"`

	// HTTPAddr is the bind address for the ambient health/ready/metrics
	// server.
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel and LogJSON configure pkg/log.
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the configuration's baseline values before a file or
// environment overrides are applied.
func Default() Config {
	return Config{
		DatabasePoolSize:     8,
		SchedulerMaxInFlight: 16,
		HTTPAddr:             ":9090",
		LogLevel:             "info",
	}
}

// Load reads path as YAML into Default(), then applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets ARCHIVIST_* environment variables take priority
// over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARCHIVIST_CHAIN_DB_PATH"); v != "" {
		cfg.ChainDBPath = v
	}
	if v := os.Getenv("ARCHIVIST_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("ARCHIVIST_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("ARCHIVIST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARCHIVIST_DATABASE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DatabasePoolSize = n
		} else {
			log.Logger.Warn().Str("value", v).Msg("config: ignoring invalid ARCHIVIST_DATABASE_POOL_SIZE")
		}
	}
	if v := os.Getenv("ARCHIVIST_SCHEDULER_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchedulerMaxInFlight = n
		} else {
			log.Logger.Warn().Str("value", v).Msg("config: ignoring invalid ARCHIVIST_SCHEDULER_MAX_IN_FLIGHT")
		}
	}
}

// Validate checks that the fields required to wire the pipeline are
// present, failing fast at startup rather than partway through a run.
func (c Config) Validate() error {
	if c.ChainDBPath == "" {
		return fmt.Errorf("config: chain_db_path is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if c.DatabasePoolSize <= 0 {
		return fmt.Errorf("config: database_pool_size must be positive")
	}
	if c.SchedulerMaxInFlight <= 0 {
		return fmt.Errorf("config: scheduler_max_in_flight must be positive")
	}
	return nil
}
