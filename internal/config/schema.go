package config

import (
	"time"

	"github.com/signalsfoundry/loopfree-fabric/internal/logging"
	"github.com/signalsfoundry/loopfree-fabric/internal/observability"
)

// Config is the full process configuration.
type Config struct {
	Log          logging.Config              `yaml:"log"`
	Timers       TimersConfig                `yaml:"timers"`
	Metrics      MetricsConfig               `yaml:"metrics"`
	Tracing      observability.TracingConfig `yaml:"tracing"`
	TopologyPath string                      `yaml:"topology"`
	Scenario     ScenarioConfig              `yaml:"scenario"`
}

// TimersConfig holds the protocol cadences.
type TimersConfig struct {
	HelloInterval Duration `yaml:"hello_interval"`
	MaxAge        Duration `yaml:"max_age"`
	ProbeInterval Duration `yaml:"probe_interval"`
	AckTimeout    Duration `yaml:"ack_timeout"`
	Cooldown      Duration `yaml:"cooldown"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ScenarioConfig drives the scripted demo run.
type ScenarioConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Duration Duration `yaml:"duration"`
	Tick     Duration `yaml:"tick"`
}

// Duration wraps time.Duration for YAML ("500ms", "3s")
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
