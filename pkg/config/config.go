// Package config provides configuration types and loading for the
// coordinator: system settings from YAML, MCP server definitions from JSON,
// environment variable expansion, and defaulted timeout accessors.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config is the complete system configuration, normally loaded from
// config/system.yaml. Consumers receive it by injection.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Timeouts  map[string]int  `yaml:"timeouts"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	LLM       LLMConfig       `yaml:"llm"`
}

// ServerConfig configures the coordinator's HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DiscoveryConfig configures agent discovery.
type DiscoveryConfig struct {
	// Endpoints are the base URLs probed for agent cards.
	Endpoints []string `yaml:"endpoints"`

	// RefreshInterval is the period between discovery cycles, in seconds.
	RefreshInterval int `yaml:"refresh_interval"`
}

// LLMConfig configures the LLM provider used for task analysis.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// defaultTimeouts holds the fallback timeout values, in seconds.
var defaultTimeouts = map[string]int{
	"agent_communication": 600,
	"llm_api":             600,
	"mcp_tools":           600,
	"http_request":        600,
	"task_processing":     1800,
	"health_check":        30,
	"agent_discovery":     60,
}

// Timeout returns the configured timeout for the given key. Unconfigured
// keys fall back to the default value and log a warning; keys with no
// default fall back to 300s.
func (c *Config) Timeout(name string) time.Duration {
	if v, ok := c.Timeouts[name]; ok && v > 0 {
		return time.Duration(v) * time.Second
	}

	def, ok := defaultTimeouts[name]
	if !ok {
		def = 300
	}
	slog.Warn("Timeout not configured, using default", "timeout", name, "default_seconds", def)
	return time.Duration(def) * time.Second
}

// AllTimeouts returns the effective value for every known timeout key.
func (c *Config) AllTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(defaultTimeouts))
	for name, def := range defaultTimeouts {
		if v, ok := c.Timeouts[name]; ok && v > 0 {
			out[name] = time.Duration(v) * time.Second
		} else {
			out[name] = time.Duration(def) * time.Second
		}
	}
	return out
}

// SetDefaults fills unset fields with default values.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Timeouts == nil {
		c.Timeouts = make(map[string]int)
	}
	if c.Discovery.RefreshInterval == 0 {
		c.Discovery.RefreshInterval = 30
	}
	c.LLM.SetDefaults()
}

// SetDefaults fills unset fields with default values.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
}

// Validate checks the configuration. Suspicious but usable entries are
// logged as warnings so a partially broken file never prevents startup;
// only structurally unusable values are errors.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	for _, ep := range c.Discovery.Endpoints {
		if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
			slog.Warn("Discovery endpoint missing scheme", "endpoint", ep)
		}
	}
	c.LLM.Validate()
	return nil
}

// Validate warns about suspicious LLM settings without failing.
func (c *LLMConfig) Validate() {
	if c.APIKey == "" {
		slog.Warn("LLM api_key is not set")
	} else if !strings.HasPrefix(c.APIKey, "sk-") {
		slog.Warn("LLM api_key does not look like an API key", "expected_prefix", "sk-")
	}
	if c.BaseURL != "" && !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		slog.Warn("LLM base_url missing scheme", "base_url", c.BaseURL)
	}
	if c.Model == "" {
		slog.Warn("LLM model is not set")
	}
}

// Load reads the system configuration from a YAML file. A missing file
// yields the default configuration with a warning.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("System config not found, using defaults", "path", path)
			cfg.SetDefaults()
			applyEnvOverrides(cfg)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	slog.Info("System config loaded", "path", path)
	return cfg, cfg.Validate()
}

// Parse decodes raw YAML bytes into cfg. The pipeline is: parse YAML into
// a raw map, expand ${VAR} references, decode into the typed Config, then
// apply defaults.
func Parse(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	expanded := expandTree(raw)

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build config decoder: %w", err)
	}
	if err := dec.Decode(expanded); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	return nil
}

// applyEnvOverrides applies environment variable overrides on top of the
// file configuration.
func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("AGENT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		} else {
			slog.Warn("Ignoring malformed AGENT_PORT", "value", port)
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = key
	}
}

// LogTimeouts records the effective timeout configuration at startup.
func (c *Config) LogTimeouts() {
	for name, d := range c.AllTimeouts() {
		slog.Info("Timeout configured", "timeout", name, "value", d)
	}
}
