// Package config loads ralphd's process configuration: a YAML file
// followed by RALPHD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ralphd/internal/agent"
	"ralphd/internal/slot"
)

const (
	// Dir is the per-user data directory under $HOME.
	Dir = ".ralphd"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RALPHD_"
)

// Config is the process configuration.
type Config struct {
	DBPath        string        `yaml:"db_path"`
	ProfilesFile  string        `yaml:"profiles_file"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	// LeaseTTL bounds how long an execution stays claimed by a process
	// that stopped renewing it.
	LeaseTTL   time.Duration  `yaml:"lease_ttl"`
	Capacities map[string]int `yaml:"capacities"`
	Agent      agent.Config   `yaml:"agent"`
}

// Default returns the configuration used when nothing is set. dataDir is
// where the database lives.
func Default(dataDir string) Config {
	return Config{
		DBPath:        filepath.Join(dataDir, "ralphd.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		SweepInterval: 15 * time.Second,
		PollInterval:  time.Second,
		LeaseTTL:      30 * time.Second,
		Agent:         agent.Config{Binary: agent.DefaultBinary},
	}
}

// DefaultPath returns ~/.ralphd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, Dir, "config.yaml"), nil
}

// Load reads path over the defaults and then applies environment
// overrides. A missing file is not an error unless explicit is set.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default(filepath.Dir(path))
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return cfg, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}
	str("DB", &c.DBPath)
	str("PROFILES", &c.ProfilesFile)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("AGENT_BINARY", &c.Agent.Binary)
	str("AGENT_MODEL", &c.Agent.Model)
	if v, ok := lookup(EnvPrefix + "AGENT_PTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sAGENT_PTY: %w", EnvPrefix, err)
		}
		c.Agent.UsePTY = b
	}
	if err := dur("SWEEP_INTERVAL", &c.SweepInterval); err != nil {
		return err
	}
	if err := dur("LEASE_TTL", &c.LeaseTTL); err != nil {
		return err
	}
	return dur("POLL_INTERVAL", &c.PollInterval)
}

// Validate checks field values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: log_format must be text or json, got %q", c.LogFormat)
	}
	if c.SweepInterval <= 0 || c.PollInterval <= 0 || c.LeaseTTL <= 0 {
		return errors.New("config: intervals must be positive")
	}
	_, err := c.SlotCapacities()
	return err
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return l, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}

// SlotCapacities returns the default capacities with the configured
// overrides applied.
func (c *Config) SlotCapacities() (slot.Capacities, error) {
	over := make(slot.Capacities, len(c.Capacities))
	for name, n := range c.Capacities {
		cat, err := slot.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("config: capacities: %w", err)
		}
		if n < 0 {
			return nil, fmt.Errorf("config: capacity for %s must not be negative", cat)
		}
		over[cat] = n
	}
	return slot.DefaultCapacities.Merge(over), nil
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
