// Package config loads the gateway's YAML configuration. Environment
// variables referenced as ${VAR} in the file are expanded before parsing so
// secrets stay out of the config file itself.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full gateway configuration.
	Config struct {
		Server    Server    `yaml:"server"`
		Auth      Auth      `yaml:"auth"`
		Mongo     Mongo     `yaml:"mongo"`
		Redis     Redis     `yaml:"redis"`
		Agent     Agent     `yaml:"agent"`
		Tools     Tools     `yaml:"tools"`
		RateLimit RateLimit `yaml:"rate_limit"`
		Models    []Model   `yaml:"models"`
	}

	// Server configures the HTTP listener.
	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	}

	// Auth configures the identity boundary.
	Auth struct {
		JWKSURL  string `yaml:"jwks_url"`
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
		// CookieName is the session cookie checked when no bearer header is
		// present.
		CookieName string `yaml:"cookie_name"`
		// TokenURL is the identity provider's token endpoint used for
		// RFC 8693 exchange.
		TokenURL     string `yaml:"token_url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		// TokenCacheDefaultTTLSeconds caps cached exchanged tokens when the
		// provider response carries no expiry.
		TokenCacheDefaultTTLSeconds int `yaml:"token_cache_default_ttl_seconds"`
	}

	// Mongo configures the event store and read models.
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// Redis configures Pulse streaming.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Agent bounds the conversation loop.
	Agent struct {
		MaxContextMessages       int  `yaml:"max_context_messages"`
		MaxIterations            int  `yaml:"max_iterations"`
		MaxToolCallsPerIteration int  `yaml:"max_tool_calls_per_iteration"`
		StopOnError              bool `yaml:"agent_stop_on_error"`
		TimeoutSeconds           int  `yaml:"agent_timeout_seconds"`
	}

	// Tools bounds dispatch and catalog caching.
	Tools struct {
		DefaultTimeoutSeconds   int `yaml:"tool_default_timeout_seconds"`
		ManifestCacheTTLSeconds int `yaml:"manifest_cache_ttl_seconds"`
		AccessCacheTTLSeconds   int `yaml:"access_cache_ttl_seconds"`
	}

	// RateLimit bounds per-user request volume.
	RateLimit struct {
		RequestsPerMinute  int `yaml:"rate_limit_requests_per_minute"`
		ConcurrentRequests int `yaml:"rate_limit_concurrent_requests"`
	}

	// Model maps a model identifier to a provider backend.
	Model struct {
		ID       string `yaml:"id"`
		Provider string `yaml:"provider"`
		// Name is the provider-side model name; defaults to ID.
		Name   string `yaml:"name"`
		APIKey string `yaml:"api_key"`
		// BaseURL overrides the provider endpoint (self-hosted gateways).
		BaseURL string `yaml:"base_url"`
		// Region applies to Bedrock.
		Region string `yaml:"region"`
		// Default marks the model used when a request names none.
		Default bool `yaml:"default"`
		// TokensPerMinute enables the adaptive rate limiter for this model.
		// Zero disables limiting.
		TokensPerMinute float64 `yaml:"tokens_per_minute"`
		// MaxTokensPerMinute caps how far the limiter probes back up after a
		// backoff. Defaults to TokensPerMinute.
		MaxTokensPerMinute float64 `yaml:"max_tokens_per_minute"`
	}
)

// Load reads, expands, and parses the config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse parses YAML config bytes.
func Parse(raw []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(raw))
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "agentgate_session"
	}
	if c.Auth.TokenCacheDefaultTTLSeconds <= 0 {
		c.Auth.TokenCacheDefaultTTLSeconds = 300
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "agentgate"
	}
	if c.Agent.MaxContextMessages <= 0 {
		c.Agent.MaxContextMessages = 50
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.MaxToolCallsPerIteration <= 0 {
		c.Agent.MaxToolCallsPerIteration = 5
	}
	if c.Agent.TimeoutSeconds <= 0 {
		c.Agent.TimeoutSeconds = 120
	}
	if c.Tools.DefaultTimeoutSeconds <= 0 {
		c.Tools.DefaultTimeoutSeconds = 30
	}
	if c.Tools.ManifestCacheTTLSeconds <= 0 {
		c.Tools.ManifestCacheTTLSeconds = 60
	}
	if c.Tools.AccessCacheTTLSeconds <= 0 {
		c.Tools.AccessCacheTTLSeconds = 60
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	if c.RateLimit.ConcurrentRequests <= 0 {
		c.RateLimit.ConcurrentRequests = 4
	}
	for i := range c.Models {
		if c.Models[i].Name == "" {
			c.Models[i].Name = c.Models[i].ID
		}
	}
}

func (c *Config) validate() error {
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required")
	}
	defaults := 0
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("models[].id is required")
		}
		if m.Provider == "" {
			return fmt.Errorf("model %s: provider is required", m.ID)
		}
		if m.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one model may be marked default")
	}
	return nil
}

// DefaultModel returns the configured default model id, or the first model
// when none is marked.
func (c *Config) DefaultModel() string {
	for _, m := range c.Models {
		if m.Default {
			return m.ID
		}
	}
	if len(c.Models) > 0 {
		return c.Models[0].ID
	}
	return ""
}

// TurnTimeout returns the per-turn bound as a duration.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

// ToolTimeout returns the default dispatch bound as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tools.DefaultTimeoutSeconds) * time.Second
}
