// Package config loads the proxy configuration from an optional YAML file
// layered under POEMUX_* environment overrides. Zero values fall back to the
// same defaults the pipeline packages carry, so an empty config is valid.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds the inbound HTTP surface settings.
type Server struct {
	Addr string `yaml:"addr"`
}

// Upstream holds provider credentials and call shaping.
type Upstream struct {
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string        `yaml:"openai_api_key"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	MaxTokens       int64         `yaml:"max_tokens"`
	Temperature     float64       `yaml:"temperature"`
}

// RateLimit holds admission and circuit breaker settings.
type RateLimit struct {
	RPM              int           `yaml:"rpm"`
	Burst            int           `yaml:"burst"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

// Retry holds backoff settings for the retry policy.
type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseWait   time.Duration `yaml:"base_wait"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Session holds conversation store settings.
type Session struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Stream holds reassembly settings.
type Stream struct {
	MaxHold time.Duration `yaml:"max_hold"`
}

// Logging holds log output settings.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full proxy configuration tree.
type Config struct {
	Server    Server    `yaml:"server"`
	Upstream  Upstream  `yaml:"upstream"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Retry     Retry     `yaml:"retry"`
	Session   Session   `yaml:"session"`
	Stream    Stream    `yaml:"stream"`
	Logging   Logging   `yaml:"logging"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Server: Server{Addr: ":8080"},
		Upstream: Upstream{
			CallTimeout: 2 * time.Minute,
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		RateLimit: RateLimit{
			RPM:              500,
			FailureThreshold: 5,
			Cooldown:         10 * time.Second,
			MaxCooldown:      2 * time.Minute,
		},
		Retry: Retry{
			MaxRetries: 5,
			BaseWait:   250 * time.Millisecond,
			MaxBackoff: 30 * time.Second,
		},
		Session: Session{
			TTL:           time.Hour,
			SweepInterval: time.Minute,
		},
		Stream:  Stream{MaxHold: 10 * time.Second},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path (when non-empty), layers POEMUX_*
// environment overrides on top and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers POEMUX_* variables over the file values. Only knobs an
// operator plausibly sets per deployment get an override.
func (c *Config) applyEnv() {
	if v := os.Getenv("POEMUX_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("POEMUX_ANTHROPIC_API_KEY"); v != "" {
		c.Upstream.AnthropicAPIKey = v
	}
	if v := os.Getenv("POEMUX_OPENAI_API_KEY"); v != "" {
		c.Upstream.OpenAIAPIKey = v
	}
	if v := os.Getenv("POEMUX_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RPM = n
		}
	}
	if v := os.Getenv("POEMUX_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("POEMUX_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.TTL = d
		}
	}
	if v := os.Getenv("POEMUX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.RateLimit.RPM <= 0 {
		return fmt.Errorf("rate_limit.rpm must be positive, got %d", c.RateLimit.RPM)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL)
	}
	if c.Stream.MaxHold <= 0 {
		return fmt.Errorf("stream.max_hold must be positive, got %s", c.Stream.MaxHold)
	}
	return nil
}
