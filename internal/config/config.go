// Package config loads the runstate host configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Blackrose-blackhat/run-state/supervisor"
	"gopkg.in/yaml.v3"
)

// Config is the host application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Engine   EngineConfig  `yaml:"engine"`
	Control  ControlConfig `yaml:"control"`
	API      APIConfig     `yaml:"api"`
}

// EngineConfig controls how the engine is located, spawned and stopped.
type EngineConfig struct {
	Path           string        `yaml:"path"` // empty means resolve next to the host binary
	Args           []string      `yaml:"args,omitempty"`
	Privileged     bool          `yaml:"privileged"`
	Escalation     string        `yaml:"escalation"`  // escalation wrapper binary, e.g. pkexec
	ForwardEnv     []string      `yaml:"forward_env"` // variables forwarded through the wrapper
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// ControlConfig holds settings for the engine control channel.
type ControlConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max"` // only applies to idempotent requests
}

// APIConfig holds settings for the host command API.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Defaults
const (
	DefaultLogLevel       = "info"
	DefaultEscalation     = "pkexec"
	DefaultStartupTimeout = 60 * time.Second
	DefaultShutdownGrace  = 2 * time.Second
	DefaultControlTimeout = 5 * time.Second
	DefaultRetryMax       = 3
	DefaultListenAddr     = "127.0.0.1:7420"
)

// DefaultForwardEnv lists the display and session variables a polkit agent needs to render its prompt.
func DefaultForwardEnv() []string {
	return supervisor.DefaultForwardEnv()
}

// Default returns a config with default values.
func Default() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Engine: EngineConfig{
			Privileged:     true,
			Escalation:     DefaultEscalation,
			ForwardEnv:     DefaultForwardEnv(),
			StartupTimeout: DefaultStartupTimeout,
			ShutdownGrace:  DefaultShutdownGrace,
		},
		Control: ControlConfig{
			Timeout:  DefaultControlTimeout,
			RetryMax: DefaultRetryMax,
		},
		API: APIConfig{
			ListenAddr: DefaultListenAddr,
		},
	}
}

// Parse parses YAML config data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads config from a file path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Validate checks config validity.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}

	if c.Engine.Privileged && c.Engine.Escalation == "" {
		return fmt.Errorf("engine.escalation is required when engine.privileged is set")
	}
	if c.Engine.StartupTimeout <= 0 {
		return fmt.Errorf("engine.startup_timeout must be positive, got %v", c.Engine.StartupTimeout)
	}
	if c.Engine.ShutdownGrace < 0 {
		return fmt.Errorf("engine.shutdown_grace must not be negative, got %v", c.Engine.ShutdownGrace)
	}

	if c.Control.Timeout <= 0 {
		return fmt.Errorf("control.timeout must be positive, got %v", c.Control.Timeout)
	}
	if c.Control.RetryMax < 0 {
		return fmt.Errorf("control.retry_max must not be negative, got %d", c.Control.RetryMax)
	}

	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required")
	}
	return nil
}
