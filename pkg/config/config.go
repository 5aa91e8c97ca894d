package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all nodepool configuration shared by the cooperating
// test-worker processes. Every worker must see the same LockDir.
type Config struct {
	// LockDir is the shared filesystem area used as the coordination
	// medium. It must be visible and writable by all workers.
	LockDir string `yaml:"lock_dir"`

	// MaxInstances is the fixed size of the cluster instance pool.
	MaxInstances int `yaml:"max_instances"`

	// StartScript launches one cluster instance. It receives the
	// instance index as $1 and the instance state dir as $2.
	StartScript string `yaml:"start_script"`

	// StopScript stops one cluster instance. Optional; when empty the
	// supervisor terminates the start script's process group instead.
	StopScript string `yaml:"stop_script"`

	// ReadyCmd is polled until it exits 0 to decide instance readiness
	// (e.g. a chain-tip query against the node socket).
	ReadyCmd []string `yaml:"ready_cmd"`

	// Timeouts and intervals.
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	StaleGrace     time.Duration `yaml:"stale_grace"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with sensible defaults. The lock directory
// follows the shared temp-dir convention so that independently scheduled
// workers on the same host agree on it without extra wiring.
func Default() *Config {
	return &Config{
		LockDir:        filepath.Join(os.TempDir(), "nodepool"),
		MaxInstances:   3,
		LockTimeout:    5 * time.Minute,
		StartupTimeout: 2 * time.Minute,
		DrainTimeout:   20 * time.Second,
		PollInterval:   time.Second,
		StaleGrace:     30 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NODEPOOL_LOCK_DIR"); v != "" {
		cfg.LockDir = v
	}
	if v := os.Getenv("NODEPOOL_MAX_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxInstances = n
		}
	}
	if v := os.Getenv("NODEPOOL_START_SCRIPT"); v != "" {
		cfg.StartScript = v
	}
	if v := os.Getenv("NODEPOOL_STOP_SCRIPT"); v != "" {
		cfg.StopScript = v
	}
	if v := os.Getenv("NODEPOOL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks configuration invariants.
func Validate(cfg *Config) error {
	if cfg.LockDir == "" {
		return fmt.Errorf("LockDir cannot be empty")
	}

	if cfg.MaxInstances < 1 {
		return fmt.Errorf("MaxInstances must be >= 1, got %d", cfg.MaxInstances)
	}

	if cfg.StartScript == "" {
		return fmt.Errorf("StartScript cannot be empty")
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be positive, got %v", cfg.PollInterval)
	}

	if cfg.LockTimeout <= 0 {
		return fmt.Errorf("LockTimeout must be positive, got %v", cfg.LockTimeout)
	}

	if cfg.StartupTimeout <= 0 {
		return fmt.Errorf("StartupTimeout must be positive, got %v", cfg.StartupTimeout)
	}

	if cfg.StaleGrace <= 0 {
		return fmt.Errorf("StaleGrace must be positive, got %v", cfg.StaleGrace)
	}

	return nil
}
