package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/fluxion/internal/dispatcher"
	"github.com/rendis/fluxion/internal/engine"
	"github.com/rendis/fluxion/internal/janitor"
)

// Redriver configures the watchdog sweep.
type Redriver struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Workers       int           `yaml:"workers"`
}

// Config holds all fluxion server configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	DBPath      string               `yaml:"db_path"`
	LogLevel    string               `yaml:"log_level"`
	MetricsAddr string               `yaml:"metrics_addr"`
	Backoff     engine.BackoffConfig `yaml:"backoff"`
	Dispatcher  dispatcher.Config    `yaml:"dispatcher"`
	Redriver    Redriver             `yaml:"redriver"`
	Janitor     janitor.Config       `yaml:"janitor"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		DBPath:      filepath.Join(fluxionDir(), "fluxion.db"),
		LogLevel:    "info",
		MetricsAddr: ":9105",
		Backoff:     engine.DefaultBackoffConfig(),
		Dispatcher:  dispatcher.DefaultConfig(),
		Redriver: Redriver{
			SweepInterval: 5 * time.Second,
			BatchSize:     100,
			Workers:       8,
		},
		Janitor: janitor.DefaultConfig(),
	}
}

func fluxionDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fluxion"
	}
	return filepath.Join(home, ".fluxion")
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() string {
	return filepath.Join(fluxionDir(), "fluxion.yaml")
}

// Load builds the effective configuration: defaults, overlaid by the YAML
// file at path (missing file is fine for the default path, an error for an
// explicit one), overlaid by environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults only.
	default:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLUXION_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLUXION_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLUXION_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("FLUXION_NATS_URL"); v != "" {
		cfg.Dispatcher.URL = v
	}
	if v := os.Getenv("FLUXION_SUBJECT_PREFIX"); v != "" {
		cfg.Dispatcher.SubjectPrefix = v
	}
	if v := os.Getenv("FLUXION_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Redriver.SweepInterval = d
		}
	}
	if v := os.Getenv("FLUXION_REDRIVE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redriver.Workers = n
		}
	}
	if v := os.Getenv("FLUXION_BACKOFF_BASE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Backoff.Base = n
		}
	}
}
