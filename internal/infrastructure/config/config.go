// Package config holds all process configuration. Every recognized option is
// an explicit struct field with a default; values are validated eagerly at
// startup so bad settings fail the process instead of a request.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"github.com/helloimcx/sandbox-mcp/internal/netpolicy"
	"github.com/helloimcx/sandbox-mcp/internal/types"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig  `yaml:"server"`
	Kernel    KernelConfig  `yaml:"kernel"`
	Sessions  SessionConfig `yaml:"sessions"`
	Network   NetworkConfig `yaml:"network"`
	Logging   LogConfig     `yaml:"logging"`
	RateLimit RateConfig    `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
	Port           int    `envconfig:"PORT" default:"16010" yaml:"port"`
	MaxConnections int    `envconfig:"MAX_CONNECTIONS" default:"256" yaml:"max_connections"`
}

// KernelConfig holds kernel process configuration.
type KernelConfig struct {
	PythonPath            string `envconfig:"KERNEL_PYTHON" default:"python3" yaml:"python_path"`
	StartupTimeoutSeconds int    `envconfig:"KERNEL_STARTUP_TIMEOUT" default:"30" yaml:"startup_timeout_seconds"`
	InterruptGraceSeconds int    `envconfig:"KERNEL_INTERRUPT_GRACE" default:"5" yaml:"interrupt_grace_seconds"`
	WorkspaceRoot         string `envconfig:"KERNEL_WORKSPACE_ROOT" default:"/tmp/sandbox-mcp" yaml:"workspace_root"`
}

// SessionConfig holds session quota and lifecycle configuration.
type SessionConfig struct {
	MaxConcurrentSessions     int `envconfig:"MAX_CONCURRENT_SESSIONS" default:"10" yaml:"max_concurrent_sessions"`
	SessionIdleTimeoutSeconds int `envconfig:"SESSION_IDLE_TIMEOUT" default:"300" yaml:"session_idle_timeout_seconds"`
	ExecutionTimeoutSeconds   int `envconfig:"EXECUTION_TIMEOUT" default:"30" yaml:"execution_timeout_seconds"`
	CleanupIntervalSeconds    int `envconfig:"CLEANUP_INTERVAL" default:"60" yaml:"cleanup_interval_seconds"`
}

// NetworkConfig holds the network-access policy applied to new sessions.
// Sessions snapshot it at creation; later changes never affect running ones.
type NetworkConfig struct {
	EnableNetworkAccess bool     `envconfig:"ENABLE_NETWORK_ACCESS" default:"true" yaml:"enable_network_access"`
	AllowedDomains      []string `envconfig:"ALLOWED_DOMAINS" yaml:"allowed_domains"`
	BlockedDomains      []string `envconfig:"BLOCKED_DOMAINS" yaml:"blocked_domains"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// RateConfig holds rate limiting configuration.
type RateConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, then validates. path may be empty.
func Load(path string) (*Config, error) {
	var cfg Config

	// Defaults come from the envconfig tags.
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", types.ErrConfiguration, path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", types.ErrConfiguration, path, err)
		}
		// Environment wins over the file.
		if err := envconfig.Process("", &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every numeric setting and domain list.
func (c *Config) Validate() error {
	positives := map[string]int{
		"server.port":                        c.Server.Port,
		"server.max_connections":             c.Server.MaxConnections,
		"kernel.startup_timeout_seconds":     c.Kernel.StartupTimeoutSeconds,
		"kernel.interrupt_grace_seconds":     c.Kernel.InterruptGraceSeconds,
		"sessions.max_concurrent_sessions":   c.Sessions.MaxConcurrentSessions,
		"sessions.session_idle_timeout":      c.Sessions.SessionIdleTimeoutSeconds,
		"sessions.execution_timeout_seconds": c.Sessions.ExecutionTimeoutSeconds,
		"sessions.cleanup_interval_seconds":  c.Sessions.CleanupIntervalSeconds,
	}
	for name, value := range positives {
		if value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", types.ErrConfiguration, name, value)
		}
	}

	if c.Kernel.PythonPath == "" {
		return fmt.Errorf("%w: kernel.python_path must not be empty", types.ErrConfiguration)
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("%w: rate limit requires positive rps and burst", types.ErrConfiguration)
	}

	return c.Policy().Validate()
}

// Policy builds the immutable network policy snapshot for new sessions.
func (c *Config) Policy() netpolicy.Policy {
	return netpolicy.Policy{
		Enabled:        c.Network.EnableNetworkAccess,
		AllowedDomains: append([]string(nil), c.Network.AllowedDomains...),
		BlockedDomains: append([]string(nil), c.Network.BlockedDomains...),
	}
}

// Convenience duration accessors.

func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.Kernel.StartupTimeoutSeconds) * time.Second
}

func (c *Config) InterruptGrace() time.Duration {
	return time.Duration(c.Kernel.InterruptGraceSeconds) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sessions.SessionIdleTimeoutSeconds) * time.Second
}

func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Sessions.ExecutionTimeoutSeconds) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Sessions.CleanupIntervalSeconds) * time.Second
}
