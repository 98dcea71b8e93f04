// Package config loads process configuration.
//
// Sources are applied in order, later ones winning:
//  1. built-in defaults
//  2. the YAML file given by path (or $FABRIC_CONFIG)
//  3. a .env file in the working directory, if present
//  4. FABRIC_* environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/signalsfoundry/loopfree-fabric/internal/logging"
	"github.com/signalsfoundry/loopfree-fabric/internal/observability"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks a configuration that fails Validate.
var ErrInvalid = errors.New("invalid config")

// DefaultConfig returns the protocol defaults: 500ms hello, 3s max age,
// 10ms probes with a 30ms acknowledgement timeout and a 1s recompute
// cooldown.
func DefaultConfig() *Config {
	return &Config{
		Log: logging.Config{Level: "info", Format: "text"},
		Timers: TimersConfig{
			HelloInterval: Duration(500 * time.Millisecond),
			MaxAge:        Duration(3 * time.Second),
			ProbeInterval: Duration(10 * time.Millisecond),
			AckTimeout:    Duration(30 * time.Millisecond),
			Cooldown:      Duration(time.Second),
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Tracing: observability.DefaultTracingConfig(),
		Scenario: ScenarioConfig{
			Duration: Duration(30 * time.Second),
			Tick:     Duration(100 * time.Millisecond),
		},
	}
}

// Load reads path (or $FABRIC_CONFIG when path is empty), then applies
// .env and environment overrides. A missing path yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FABRIC_CONFIG")
	}
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromPath(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads config from a specific path. Fields absent from the
// file keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// loadDotEnv loads path into the environment without overriding variables
// that are already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err == nil {
		return godotenv.Load(path)
	}
	return nil
}

// applyDefaults fills zero values a YAML file may have introduced.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = def.Tracing.ServiceName
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = def.Tracing.Exporter
	}
	if c.Scenario.Tick == 0 {
		c.Scenario.Tick = def.Scenario.Tick
	}
	if c.Scenario.Duration == 0 {
		c.Scenario.Duration = def.Scenario.Duration
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	durations := []struct {
		key string
		dst *Duration
	}{
		{"FABRIC_HELLO_INTERVAL", &c.Timers.HelloInterval},
		{"FABRIC_MAX_AGE", &c.Timers.MaxAge},
		{"FABRIC_PROBE_INTERVAL", &c.Timers.ProbeInterval},
		{"FABRIC_ACK_TIMEOUT", &c.Timers.AckTimeout},
		{"FABRIC_COOLDOWN", &c.Timers.Cooldown},
		{"FABRIC_SCENARIO_DURATION", &c.Scenario.Duration},
		{"FABRIC_SCENARIO_TICK", &c.Scenario.Tick},
	}
	for _, d := range durations {
		raw := os.Getenv(d.key)
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, d.key, raw, err)
		}
		*d.dst = Duration(parsed)
	}
	if v, ok := os.LookupEnv("FABRIC_METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("FABRIC_TOPOLOGY"); v != "" {
		c.TopologyPath = v
	}
	if v := os.Getenv("FABRIC_SCENARIO"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: FABRIC_SCENARIO=%q", ErrInvalid, v)
		}
		c.Scenario.Enabled = enabled
	}
	c.Tracing = observability.ApplyTracingEnv(c.Tracing)
	return nil
}

// Validate rejects timer settings the engines cannot run with.
func (c *Config) Validate() error {
	t := c.Timers
	for name, d := range map[string]Duration{
		"hello_interval": t.HelloInterval,
		"max_age":        t.MaxAge,
		"probe_interval": t.ProbeInterval,
		"ack_timeout":    t.AckTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: timers.%s must be positive, got %s", ErrInvalid, name, d.Duration())
		}
	}
	if t.Cooldown < 0 {
		return fmt.Errorf("%w: timers.cooldown must not be negative", ErrInvalid)
	}
	if t.AckTimeout <= t.ProbeInterval {
		return fmt.Errorf("%w: timers.ack_timeout (%s) must exceed probe_interval (%s)",
			ErrInvalid, t.AckTimeout.Duration(), t.ProbeInterval.Duration())
	}
	if t.MaxAge <= t.HelloInterval {
		return fmt.Errorf("%w: timers.max_age (%s) must exceed hello_interval (%s)",
			ErrInvalid, t.MaxAge.Duration(), t.HelloInterval.Duration())
	}
	if c.Scenario.Enabled && (c.Scenario.Tick <= 0 || c.Scenario.Duration <= 0) {
		return fmt.Errorf("%w: scenario tick and duration must be positive", ErrInvalid)
	}
	return nil
}
