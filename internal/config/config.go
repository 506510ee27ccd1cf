// Package config loads the swarmled daemon configuration from
// $SWARMLED_HOME/config.yaml (default ~/.swarmled), applies environment
// overrides, and fingerprints the active config so operators can tell
// which revision a running daemon picked up.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelx "github.com/basket/swarmled/internal/otel"
)

const (
	defaultBindAddr         = "127.0.0.1:8787"
	defaultSweepInterval    = 60
	defaultEventBufferSize  = 256
	defaultApprovalPageSize = 100
)

type Config struct {
	HomeDir string `yaml:"-"`

	// BindAddr is the listen address for the gateway the presentation
	// layer connects to.
	BindAddr string `yaml:"bind_addr"`

	// AuthToken guards the gateway. Empty disables auth (local use).
	AuthToken string `yaml:"auth_token"`

	LogLevel string `yaml:"log_level"`

	// DBPath overrides the ledger database location.
	DBPath string `yaml:"db_path"`

	// SweepIntervalSeconds is the reconciler cadence. Ignored when
	// SweepCron is set.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// SweepCron, when set, schedules sweeps by 5-field cron expression.
	SweepCron string `yaml:"sweep_cron"`

	// EventBufferSize is the broadcaster's replay ring capacity.
	EventBufferSize int `yaml:"event_buffer_size"`

	// AllowOrigins is the Origin allowlist for browser websocket clients.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Otel otelx.Config `yaml:"otel"`
}

// HomeDir resolves the data directory, honoring SWARMLED_HOME.
func HomeDir() (string, error) {
	if custom := strings.TrimSpace(os.Getenv("SWARMLED_HOME")); custom != "" {
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".swarmled"), nil
}

// Load reads config.yaml from the home dir, falling back to defaults when
// the file is absent, then applies environment overrides.
func Load() (*Config, error) {
	homeDir, err := HomeDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(homeDir)
}

// LoadFrom loads the config rooted at an explicit home dir.
func LoadFrom(homeDir string) (*Config, error) {
	cfg := &Config{
		HomeDir:              homeDir,
		BindAddr:             defaultBindAddr,
		LogLevel:             "info",
		SweepIntervalSeconds: defaultSweepInterval,
		EventBufferSize:      defaultEventBufferSize,
	}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.HomeDir = homeDir
	}

	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SWARMLED_BIND_ADDR")); v != "" {
		cfg.BindAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("SWARMLED_AUTH_TOKEN")); v != "" {
		cfg.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("SWARMLED_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("SWARMLED_DB_PATH")); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("SWARMLED_SWEEP_INTERVAL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepIntervalSeconds = n
		}
	}
}

func (c *Config) validate() error {
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("sweep_interval_seconds must be positive, got %d", c.SweepIntervalSeconds)
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("event_buffer_size must be positive, got %d", c.EventBufferSize)
	}
	return nil
}

// SweepInterval returns the configured cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// ResolvedDBPath returns the configured database path, defaulting under the
// home dir.
func (c *Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "swarmled.db")
}

// Fingerprint returns a short stable hash of the active configuration,
// excluding secrets, for exposure in status output.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%s|%d|%v",
		c.BindAddr, c.LogLevel, c.SweepIntervalSeconds, c.SweepCron, c.EventBufferSize, c.AllowOrigins)
	return strconv.FormatUint(h.Sum64(), 16)
}
