// Package config loads the YAML tunables file that configures every
// pipeline stage and the callout scheduler: worker counts, event/batch
// sizes, CPU-affinity maps, and the callout worker count, idle interval
// and shutdown timeout. The callout queue capacities, dequeue jitter,
// minimum task interval and idle-interval floor are constants in
// internal/callout and are not read from this file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StageConfig describes one pipeline stage to create at startup.
type StageConfig struct {
	Name      string `yaml:"name"`
	Workers   int    `yaml:"workers"`
	EventSize int    `yaml:"event_size"`
	MaxBatch  int    `yaml:"max_batch"`
	CPUs      []int  `yaml:"cpu_affinity"` // CPUs[i] pins worker i; -1 or absent leaves it unpinned
}

// CalloutConfig tunes the callout scheduler.
type CalloutConfig struct {
	Workers         int           `yaml:"workers"`          // 0 means dispatch inline, no callout stage
	IdleIntervalMS  int           `yaml:"idle_interval_ms"` // idle proc period; also caps the master loop's sleep
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Config is the top-level tunables document.
type Config struct {
	Stages  []StageConfig `yaml:"stages"`
	Callout CalloutConfig `yaml:"callout"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// IdleInterval returns Callout.IdleIntervalMS as a time.Duration.
func (c *Config) IdleInterval() time.Duration {
	return time.Duration(c.Callout.IdleIntervalMS) * time.Millisecond
}

// Load reads and parses the YAML document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns a minimal, single-stage configuration usable without
// a config file, matching what `lagopusd run` falls back to when
// --config is omitted and the default path is missing.
func Default() *Config {
	return &Config{
		Stages: []StageConfig{
			{Name: "default", Workers: 4, EventSize: 1, MaxBatch: 64},
		},
		Callout: CalloutConfig{
			Workers:         4,
			IdleIntervalMS:  0,
			ShutdownTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: false, Port: 9090},
	}
}
