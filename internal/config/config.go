package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Classifier providers.
const (
	ProviderNone      = "none"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
)

// Config models mailplane.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Defaults   struct {
		Tenant       string   `yaml:"tenant"`
		AutonomyMode string   `yaml:"autonomy_mode"`
		Scopes       []string `yaml:"scopes"`
	} `yaml:"defaults"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// ClassifierConfig configures the optional LLM delegate. Provider "none"
// (or a missing API key for providers that need one) means local rules only.
type ClassifierConfig struct {
	Provider       string `yaml:"provider"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// APIKey resolves the provider credential from the environment.
func (c ClassifierConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Classifier.Provider {
	case "", ProviderNone, ProviderOpenAI, ProviderOllama, ProviderAnthropic:
	default:
		return fmt.Errorf("config.classifier.provider must be one of none, openai, ollama, anthropic")
	}
	if c.Classifier.Provider != "" && c.Classifier.Provider != ProviderNone && c.Classifier.Model == "" {
		return fmt.Errorf("config.classifier.model is required for provider %s", c.Classifier.Provider)
	}
	if c.Classifier.TimeoutSeconds < 0 {
		return fmt.Errorf("config.classifier.timeout_seconds must be >= 0")
	}
	switch c.Defaults.AutonomyMode {
	case "", "OFF", "SUPERVISED", "AUTONOMOUS":
	default:
		return fmt.Errorf("config.defaults.autonomy_mode must be OFF, SUPERVISED or AUTONOMOUS")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level must be debug, info, warn or error")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mailplane.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	if secret := os.Getenv("MAILPLANE_JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Environment
// overrides for secrets win over file values.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if secret := os.Getenv("MAILPLANE_JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8787
  base_path: /v1

classifier:
  provider: none
  model: ""
  api_key_env: MAILPLANE_LLM_API_KEY
  timeout_seconds: 10

defaults:
  tenant: default
  autonomy_mode: "OFF"
  scopes: [Customers, Projects, Invoices, Emails, Support]

logging:
  level: info
  file: ""
`
