package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"opsqueue/internal/engine"
	"opsqueue/internal/store"
)

// FileName is the workspace config file.
const FileName = "opsqueue.yml"

// Config models opsqueue.yml.
type Config struct {
	Remote struct {
		Enabled bool          `yaml:"enabled"`
		DSN     string        `yaml:"dsn"`
		Strict  bool          `yaml:"strict"`
		Timeout time.Duration `yaml:"timeout"`
		Retry   struct {
			Attempts int           `yaml:"attempts"`
			Delay    time.Duration `yaml:"delay"`
			MaxDelay time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`
	} `yaml:"remote"`
	Feed struct {
		Dir      string        `yaml:"dir"`
		Watch    bool          `yaml:"watch"`
		Debounce time.Duration `yaml:"debounce"`
	} `yaml:"feed"`
	Automation struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"automation"`
	Rules struct {
		ClosedStatus string   `yaml:"closed_status"`
		PaidStatus   string   `yaml:"paid_status"`
		AllowedRoles []string `yaml:"allowed_roles"`
	} `yaml:"rules"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}
	if c.Remote.Retry.Attempts < 0 {
		return fmt.Errorf("remote.retry.attempts must not be negative")
	}
	if c.Remote.Retry.MaxDelay > 0 && c.Remote.Retry.MaxDelay < c.Remote.Retry.Delay {
		return fmt.Errorf("remote.retry.max_delay must be at least remote.retry.delay")
	}
	if c.Automation.Enabled && c.Automation.Interval < time.Second {
		return fmt.Errorf("automation.interval must be at least 1s")
	}
	if strings.TrimSpace(c.Rules.ClosedStatus) == "" {
		return fmt.Errorf("rules.closed_status is required")
	}
	if strings.TrimSpace(c.Rules.PaidStatus) == "" {
		return fmt.Errorf("rules.paid_status is required")
	}
	if len(c.Rules.AllowedRoles) == 0 {
		return fmt.Errorf("rules.allowed_roles is required")
	}
	for _, r := range c.Rules.AllowedRoles {
		if r == "" {
			return fmt.Errorf("rules.allowed_roles contains an empty role")
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	return nil
}

// EngineRules converts the rules section.
func (c *Config) EngineRules() engine.Rules {
	return engine.Rules{
		ClosedStatus: c.Rules.ClosedStatus,
		PaidStatus:   c.Rules.PaidStatus,
		AllowedRoles: append([]string(nil), c.Rules.AllowedRoles...),
	}
}

// RetryPolicy converts the remote.retry section.
func (c *Config) RetryPolicy() store.RetryPolicy {
	return store.RetryPolicy{
		Attempts: c.Remote.Retry.Attempts,
		Delay:    c.Remote.Retry.Delay,
		MaxDelay: c.Remote.Retry.MaxDelay,
	}
}

// FeedDir resolves feed.dir against the workspace.
func (c *Config) FeedDir(workspace string) string {
	if c.Feed.Dir == "" || filepath.IsAbs(c.Feed.Dir) {
		return c.Feed.Dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Feed.Dir)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with opsq config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		return nil, fmt.Errorf("default config yaml: %w", err)
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

const defaultTemplate = `remote:
  # Remote operational tables. Provision them with: opsq remote migrate
  enabled: true
  # Empty means <workspace>/.opsqueue/remote.db
  dsn: ""
  # Report remote write failures to callers instead of logging them.
  strict: false
  timeout: 8s
  retry:
    attempts: 3
    delay: 100ms
    max_delay: 1s

feed:
  # Directory holding leads.json and profiles.json exported from the CRM.
  dir: feed
  watch: true
  debounce: 200ms

automation:
  enabled: true
  interval: 60s

rules:
  closed_status: Fechado
  paid_status: Pago
  allowed_roles: [prospector, executor, freelancer, admin]

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
