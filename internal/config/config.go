// Package config holds the execution-host settings and their defaults.
// Settings load from a JSON or YAML file and may be overridden through
// NOMAD_-prefixed environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the execution host.
type Config struct {
	// BootTimeout bounds how long a worker may take to resolve the boot
	// tunnel.
	BootTimeout time.Duration `json:"boot_timeout" yaml:"boot_timeout"`
	// ShutdownTimeout is the grace window user code gets during a
	// graceful shutdown before the forcible stop.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// PingInterval is the liveness probe period; zero disables the
	// pinger.
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	// PongLimit is how stale the last pong may get before the worker is
	// declared unresponsive.
	PongLimit time.Duration `json:"pong_limit" yaml:"pong_limit"`
	// RootEnclosure names the enclosure the worker creates during boot.
	RootEnclosure string `json:"root_enclosure" yaml:"root_enclosure"`

	Logging       LoggingConfig `json:"logging" yaml:"logging"`
	Tracing       TracingConfig `json:"tracing" yaml:"tracing"`
	MetricsAddr   string        `json:"metrics_addr" yaml:"metrics_addr"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text, json
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		BootTimeout:     200 * time.Millisecond,
		ShutdownTimeout: 100 * time.Millisecond,
		PingInterval:    time.Second,
		PongLimit:       10 * time.Second,
		RootEnclosure:   "root",
		Logging:         LoggingConfig{Level: "info", Format: "text"},
		Tracing:         TracingConfig{ServiceName: "nomad", SampleRate: 1.0},
	}
}

// Load reads path (JSON or YAML by extension) over the defaults and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NOMAD_BOOT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.BootTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("NOMAD_SHUTDOWN_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.ShutdownTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("NOMAD_PING_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.PingInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("NOMAD_PONG_LIMIT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.PongLimit = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("NOMAD_ROOT_ENCLOSURE"); v != "" {
		c.RootEnclosure = v
	}
	if v := os.Getenv("NOMAD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NOMAD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("NOMAD_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
}
