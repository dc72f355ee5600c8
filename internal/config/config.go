package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taxbridge.yml.
type Config struct {
	Upstream struct {
		BaseURL             string `yaml:"base_url"`
		APIKey              string `yaml:"api_key"`
		TimeoutSeconds      int    `yaml:"timeout_seconds"`
		HeavyTimeoutSeconds int    `yaml:"heavy_timeout_seconds"`
	} `yaml:"upstream"`
	Session struct {
		Secret             string   `yaml:"secret"`
		TTLMinutes         int      `yaml:"ttl_minutes"`
		RefreshSeconds     int      `yaml:"refresh_seconds"`
		CheckSeconds       int      `yaml:"check_seconds"`
		VerifyPath         string   `yaml:"verify_path"`
		PublicPathPrefixes []string `yaml:"public_path_prefixes"`
		VerificationCode   string   `yaml:"verification_code"`
	} `yaml:"session"`
	Notify struct {
		GatewayURL     string `yaml:"gateway_url"`
		DeepLinkBase   string `yaml:"deep_link_base"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"notify"`
	Calculator struct {
		QuietMillis int `yaml:"quiet_millis"`
	} `yaml:"calculator"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("config.upstream.base_url is required")
	}
	if c.Session.Secret == "" {
		return fmt.Errorf("config.session.secret is required")
	}
	if c.Session.TTLMinutes <= 0 {
		return fmt.Errorf("config.session.ttl_minutes must be positive")
	}
	if c.Session.VerifyPath == "" || !strings.HasPrefix(c.Session.VerifyPath, "/") {
		return fmt.Errorf("config.session.verify_path must be an absolute path")
	}
	for _, p := range c.Session.PublicPathPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("public path prefix %q must start with /", p)
		}
	}
	return nil
}

// SessionTTL returns the identity-session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

// RefreshInterval returns the session refresh-timer period.
func (c *Config) RefreshInterval() time.Duration {
	if c.Session.RefreshSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Session.RefreshSeconds) * time.Second
}

// CheckInterval returns the session expiry-check period.
func (c *Config) CheckInterval() time.Duration {
	if c.Session.CheckSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Session.CheckSeconds) * time.Second
}

// UpstreamTimeout returns the bound for ordinary upstream calls.
func (c *Config) UpstreamTimeout() time.Duration {
	if c.Upstream.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// UpstreamHeavyTimeout returns the bound for filing and payment calls.
func (c *Config) UpstreamHeavyTimeout() time.Duration {
	if c.Upstream.HeavyTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Upstream.HeavyTimeoutSeconds) * time.Second
}

// CalculatorQuiet returns the debounce quiet window for tax estimates.
func (c *Config) CalculatorQuiet() time.Duration {
	if c.Calculator.QuietMillis <= 0 {
		return 800 * time.Millisecond
	}
	return time.Duration(c.Calculator.QuietMillis) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taxbridge.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with taxbridge config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
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

// Default returns the default Config with the given upstream base URL and
// session secret filled in.
func Default(baseURL, secret string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, baseURL, secret)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(baseURL, secret string) string {
	return fmt.Sprintf(defaultTemplate, baseURL, secret)
}

const defaultTemplate = `upstream:
  base_url: %s
  api_key: ""
  timeout_seconds: 30
  heavy_timeout_seconds: 60

session:
  secret: %s
  ttl_minutes: 10
  refresh_seconds: 60
  check_seconds: 30
  verify_path: /verify
  public_path_prefixes:
    - /verify
    - /health
    - /about
    - /static
    - /docs
    - /openapi.json
    - /openapi.yaml
    - /schemas
  verification_code: ""

notify:
  gateway_url: ""
  deep_link_base: https://wa.me
  timeout_seconds: 10

calculator:
  quiet_millis: 800
`
