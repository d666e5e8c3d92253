package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in a workspace.
const FileName = "planforge.yml"

// Config models planforge.yml.
type Config struct {
	Gateway      Gateway         `yaml:"gateway"`
	Orchestrator Orchestrator    `yaml:"orchestrator"`
	Prompts      Prompts         `yaml:"prompts"`
	Server       Server          `yaml:"server"`
	Webhooks     []WebhookConfig `yaml:"webhooks"`
}

// Gateway describes the outbound chat-completion endpoint.
type Gateway struct {
	Endpoint          string  `yaml:"endpoint"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	MaxRetries        int     `yaml:"max_retries"`
	BaseDelayMS       int     `yaml:"base_delay_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type Orchestrator struct {
	Attempts    int `yaml:"attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

type Prompts struct {
	// Dir overrides embedded prompt templates file by file.
	Dir string `yaml:"dir"`
}

type Server struct {
	Addr         string `yaml:"addr"`
	BasePath     string `yaml:"base_path"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// WebhookEvents lists the journal event types a webhook may subscribe to.
var WebhookEvents = []string{"run.completed", "run.failed"}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	g := c.Gateway
	if strings.TrimSpace(g.Endpoint) == "" {
		return fmt.Errorf("config.gateway.endpoint is required")
	}
	if u, err := url.Parse(g.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.gateway.endpoint must be an absolute URL")
	}
	if strings.TrimSpace(g.Model) == "" {
		return fmt.Errorf("config.gateway.model is required")
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		return fmt.Errorf("config.gateway.temperature must be between 0 and 2")
	}
	if g.MaxTokens <= 0 {
		return fmt.Errorf("config.gateway.max_tokens must be positive")
	}
	if strings.TrimSpace(g.APIKeyEnv) == "" {
		return fmt.Errorf("config.gateway.api_key_env is required")
	}
	if g.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.gateway.timeout_seconds must be positive")
	}
	if g.MaxRetries <= 0 {
		return fmt.Errorf("config.gateway.max_retries must be positive")
	}
	if g.BaseDelayMS < 0 {
		return fmt.Errorf("config.gateway.base_delay_ms must not be negative")
	}
	if g.RequestsPerSecond < 0 {
		return fmt.Errorf("config.gateway.requests_per_second must not be negative")
	}
	if c.Orchestrator.Attempts <= 0 {
		return fmt.Errorf("config.orchestrator.attempts must be positive")
	}
	if c.Orchestrator.BaseDelayMS < 0 {
		return fmt.Errorf("config.orchestrator.base_delay_ms must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if !knownWebhookEvent(evt) {
				return fmt.Errorf("webhook %d subscribes to unknown event %s", i, evt)
			}
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d timeout_seconds must not be negative", i)
		}
	}
	return nil
}

func knownWebhookEvent(evt string) bool {
	for _, known := range WebhookEvents {
		if evt == known {
			return true
		}
	}
	return false
}

// Timeout is the per-attempt bound on a gateway call.
func (g Gateway) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

func (g Gateway) BaseDelay() time.Duration {
	return time.Duration(g.BaseDelayMS) * time.Millisecond
}

func (o Orchestrator) BaseDelay() time.Duration {
	return time.Duration(o.BaseDelayMS) * time.Millisecond
}

// APIKey reads the gateway secret from the environment.
func (g Gateway) APIKey() string {
	return strings.TrimSpace(os.Getenv(g.APIKeyEnv))
}

// JWTSecret reads the bearer auth secret; empty disables auth.
func (s Server) JWTSecret() string {
	if s.JWTSecretEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(s.JWTSecretEnv))
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pf config init", path)
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

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		return nil, fmt.Errorf("invalid default config yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
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

// ToYAML renders the effective config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `gateway:
  endpoint: https://openrouter.ai/api/v1/chat/completions
  model: openai/gpt-4o-mini
  temperature: 0.7
  max_tokens: 1500
  api_key_env: PLANFORGE_API_KEY
  timeout_seconds: 30
  max_retries: 3
  base_delay_ms: 1000
  requests_per_second: 0

orchestrator:
  attempts: 3
  base_delay_ms: 1000

prompts:
  dir: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret_env: ""

webhooks: []
`
