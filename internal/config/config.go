// Package config loads the Houston configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kyleturman/houston-sub001/internal/schedule"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

// Config is the main configuration structure for Houston.
type Config struct {
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProvidersConfig struct {
	Default   string       `yaml:"default"`
	Anthropic VendorConfig `yaml:"anthropic"`
	OpenAI    VendorConfig `yaml:"openai"`
	Local     LocalConfig  `yaml:"local"`
}

type VendorConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxTokens    int           `yaml:"max_tokens"`
	Temperature  float32       `yaml:"temperature"`
	Timeout      time.Duration `yaml:"timeout"`
}

type LocalConfig struct {
	BaseURL      string         `yaml:"base_url"`
	DefaultModel string         `yaml:"default_model"`
	MaxTokens    int            `yaml:"max_tokens"`
	Temperature  float32        `yaml:"temperature"`
	Timeout      time.Duration  `yaml:"timeout"`
	Pricing      usage.Override `yaml:"pricing"`
	DisableTools bool           `yaml:"disable_tools"`
}

type AgentConfig struct {
	ID             string        `yaml:"id"`
	System         string        `yaml:"system"`
	MaxIterations  int           `yaml:"max_iterations"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	CheckIn        schedule.Rule `yaml:"check_in"`
}

type StoreConfig struct {
	// Path to the sqlite database file; empty selects the in-memory store.
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. ${VAR} references expand
// from the environment, so API keys can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration built purely from defaults and the
// environment, for running without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "houston"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.SessionTimeout == 0 {
		cfg.Agent.SessionTimeout = 2 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
