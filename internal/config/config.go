// Package config handles relay configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./vectaix.yaml, ~/.config/vectaix/config.yaml, /etc/vectaix/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"vectaix.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vectaix", "config.yaml"))
	}

	paths = append(paths, "/etc/vectaix/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all relay configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Providers ProvidersConfig `yaml:"providers"`
	Decision  DecisionConfig  `yaml:"decision"`
	Council   CouncilConfig   `yaml:"council"`
	Search    SearchConfig    `yaml:"search"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProvidersConfig holds per-family upstream credentials and endpoints.
type ProvidersConfig struct {
	Gemini    GeminiConfig    `yaml:"gemini"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

// GeminiConfig defines Gemini API settings.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // default: https://generativelanguage.googleapis.com
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // default: https://api.openai.com
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // default: https://api.anthropic.com
}

// DecisionConfig selects the fast model used for search decisions.
type DecisionConfig struct {
	Model     string `yaml:"model"`      // e.g. gemini-2.5-flash-lite
	MaxTokens int    `yaml:"max_tokens"` // hard output cap for decision calls
}

// CouncilConfig defines the three council branch models and the synthesizer.
type CouncilConfig struct {
	Models      []string `yaml:"models"`      // exactly three branch models
	Synthesizer string   `yaml:"synthesizer"` // highest-capability model for the join call
}

// SearchConfig defines the external search collaborator.
type SearchConfig struct {
	Provider string `yaml:"provider"` // "brave"
	APIKey   string `yaml:"api_key"`
	Language string `yaml:"language"` // ISO 639-1, optional
}

// Heartbeat is the interval between SSE comment frames that keep
// long-idle connections alive through intermediary buffering.
const Heartbeat = 12 * time.Second

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so keys can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Providers.Gemini.BaseURL == "" {
		c.Providers.Gemini.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if c.Providers.OpenAI.BaseURL == "" {
		c.Providers.OpenAI.BaseURL = "https://api.openai.com"
	}
	if c.Providers.Anthropic.BaseURL == "" {
		c.Providers.Anthropic.BaseURL = "https://api.anthropic.com"
	}
	if c.Decision.Model == "" {
		c.Decision.Model = "gemini-2.5-flash-lite"
	}
	if c.Decision.MaxTokens == 0 {
		c.Decision.MaxTokens = 512
	}
	if c.Search.Provider == "" {
		c.Search.Provider = "brave"
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}
