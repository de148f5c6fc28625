// Package config loads runtime configuration from an optional YAML file
// with environment variable overrides. Every knob has a working default so
// the runtime starts with no configuration at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Provider   ProviderConfig   `yaml:"provider"`
	Verify     VerifyConfig     `yaml:"verify"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// EngineConfig configures the workflow loop.
type EngineConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	ContextWindow int    `yaml:"context_window"`
	ErrorWindow   int    `yaml:"error_window"`
	SystemPrompt  string `yaml:"system_prompt"`
}

// CheckpointConfig configures the checkpoint store.
type CheckpointConfig struct {
	// Backend selects "sqlite" or "memory".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// ProviderConfig configures the router and its fallback chains.
type ProviderConfig struct {
	// Chains lists provider names per tier in fallback order. Names refer
	// to entries in Endpoints.
	Chains map[string][]string `yaml:"chains"`
	// Endpoints declares the concrete provider endpoints.
	Endpoints map[string]EndpointConfig `yaml:"endpoints"`

	GenerateTimeout time.Duration `yaml:"generate_timeout"`
	MaxFailures     int           `yaml:"max_failures"`
	Cooldown        time.Duration `yaml:"cooldown"`
}

// EndpointConfig declares one provider endpoint.
type EndpointConfig struct {
	// Vendor is "openai", "anthropic" or "mock".
	Vendor string `yaml:"vendor"`
	// Model is the vendor-specific model id.
	Model string `yaml:"model"`
}

// VerifyConfig configures the self-consistency hook.
type VerifyConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Samples   int     `yaml:"samples"`
	Threshold float64 `yaml:"threshold"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Engine: EngineConfig{
			MaxIterations: 5,
			ContextWindow: 3,
			ErrorWindow:   2,
		},
		Checkpoint: CheckpointConfig{
			Backend: "sqlite",
			Path:    "checkpoints.db",
		},
		Provider: ProviderConfig{
			Chains: map[string][]string{
				"standard": {"anthropic-standard"},
				"heavy":    {"anthropic-heavy"},
			},
			Endpoints: map[string]EndpointConfig{
				"anthropic-standard": {Vendor: "anthropic", Model: "claude-3-5-haiku-20241022"},
				"anthropic-heavy":    {Vendor: "anthropic", Model: "claude-3-5-sonnet-20241022"},
			},
			GenerateTimeout: 60 * time.Second,
			MaxFailures:     3,
			Cooldown:        60 * time.Second,
		},
		Verify: VerifyConfig{
			Enabled:   false,
			Samples:   5,
			Threshold: 0.6,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (when non-empty and present) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with AGENT_* environment variables.
func (c *Config) applyEnv() {
	envStr("AGENT_HOST", &c.Server.Host)
	envInt("AGENT_PORT", &c.Server.Port)
	envInt("AGENT_MAX_ITERATIONS", &c.Engine.MaxIterations)
	envInt("AGENT_CONTEXT_WINDOW", &c.Engine.ContextWindow)
	envInt("AGENT_ERROR_WINDOW", &c.Engine.ErrorWindow)
	envStr("AGENT_SYSTEM_PROMPT", &c.Engine.SystemPrompt)
	envStr("AGENT_CHECKPOINT_BACKEND", &c.Checkpoint.Backend)
	envStr("AGENT_CHECKPOINT_DB", &c.Checkpoint.Path)
	envStr("AGENT_LOG_LEVEL", &c.Logging.Level)
	envStr("AGENT_LOG_FORMAT", &c.Logging.Format)
	envDuration("AGENT_PROVIDER_TIMEOUT", &c.Provider.GenerateTimeout)
	envBool("AGENT_VERIFY_ENABLED", &c.Verify.Enabled)
	envInt("AGENT_VERIFY_SAMPLES", &c.Verify.Samples)
	envFloat("AGENT_VERIFY_THRESHOLD", &c.Verify.Threshold)
}

func (c *Config) validate() error {
	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine.max_iterations must be >= 1")
	}
	if c.Checkpoint.Backend != "sqlite" && c.Checkpoint.Backend != "memory" {
		return fmt.Errorf("checkpoint.backend must be sqlite or memory, got %q", c.Checkpoint.Backend)
	}
	if c.Verify.Threshold < 0 || c.Verify.Threshold > 1 {
		return fmt.Errorf("verify.threshold must be within [0, 1]")
	}
	for tier, chain := range c.Provider.Chains {
		for _, name := range chain {
			if _, ok := c.Provider.Endpoints[name]; !ok {
				return fmt.Errorf("provider chain %q references unknown endpoint %q", tier, name)
			}
		}
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
