// Package config loads the server configuration from a YAML file with
// environment overrides for secrets, validating everything at load time
// so a misconfiguration fails the process before it serves traffic.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/electricautomaticchile/Websocket-api/auth"
	"github.com/electricautomaticchile/Websocket-api/errors"
	"github.com/electricautomaticchile/Websocket-api/gateway"
	"github.com/electricautomaticchile/Websocket-api/hardware"
	"github.com/electricautomaticchile/Websocket-api/pkg/ratelimit"
)

// Environment variables overriding file values; secrets never live in the
// config file
const (
	EnvAuthSecret = "WSAPI_AUTH_SECRET"
	EnvNATSURL    = "WSAPI_NATS_URL"
)

// NATSConfig holds backplane settings. A disabled backplane means no
// cross-instance mirror and no durable snapshots; the server still works.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// LogConfig holds structured-logging settings
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// ThrottleConfig controls update coalescing on the fan-out path
type ThrottleConfig struct {
	Enabled                   bool `yaml:"enabled"`
	ratelimit.ThrottlerConfig `yaml:",inline"`
}

// ReportsConfig dimensions the report worker pool
type ReportsConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// Config is the complete server configuration
type Config struct {
	Log       LogConfig               `yaml:"log"`
	Auth      auth.Config             `yaml:"auth"`
	HTTP      gateway.Config          `yaml:"http"`
	Hardware  hardware.Config         `yaml:"hardware"`
	NATS      NATSConfig              `yaml:"nats"`
	RateLimit ratelimit.LimiterConfig `yaml:"rate_limit"`
	Throttle  ThrottleConfig          `yaml:"throttle"`
	Reports   ReportsConfig           `yaml:"reports"`
	// MetricsEnabled wires the prometheus registry and /metrics endpoint
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// ShutdownTimeout bounds graceful shutdown of every component
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a configuration suitable for local development, except
// that authentication still requires a secret or explicit permissive mode
func Default() Config {
	return Config{
		Log:       LogConfig{Level: "info", Format: "json"},
		HTTP:      gateway.DefaultConfig(),
		Hardware:  hardware.DefaultConfig(),
		NATS:      NATSConfig{Enabled: false, URL: "nats://127.0.0.1:4222"},
		RateLimit: ratelimit.DefaultLimiterConfig(),
		Throttle: ThrottleConfig{
			Enabled:         true,
			ThrottlerConfig: ratelimit.DefaultThrottlerConfig(),
		},
		Reports:         ReportsConfig{Workers: 2, QueueSize: 64},
		MetricsEnabled:  true,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. An empty path loads defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.WrapFatal(err, "Config", "Load", fmt.Sprintf("read %s", path))
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.WrapInvalid(err, "Config", "Load", "parse yaml")
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment ones
func applyEnv(cfg *Config) {
	if secret := os.Getenv(EnvAuthSecret); secret != "" {
		cfg.Auth.Secret = secret
	}
	if url := os.Getenv(EnvNATSURL); url != "" {
		cfg.NATS.URL = url
		cfg.NATS.Enabled = true
	}
}

// Validate checks the assembled configuration
func (c Config) Validate() error {
	if c.Auth.Secret == "" && !c.Auth.Permissive {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			fmt.Sprintf("auth secret required (set %s or auth.permissive)", EnvAuthSecret))
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	if err := c.Hardware.Validate(); err != nil {
		return err
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"nats.url required when the backplane is enabled")
	}
	if c.Reports.Workers <= 0 || c.Reports.QueueSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"reports pool dimensions must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log format %q", c.Log.Format))
	}
	return nil
}
