package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TierFast     = "fast"
	TierThinking = "thinking"
)

// Config models launchpath.yml.
type Config struct {
	Provider struct {
		BaseURL   string          `yaml:"base_url"`
		APIKeyEnv string          `yaml:"api_key_env"`
		ProxyURL  string          `yaml:"proxy_url"`
		Timeout   Duration        `yaml:"timeout"`
		Tiers     map[string]Tier `yaml:"tiers"`
	} `yaml:"provider"`
	Budget struct {
		DailyTokenLimit int64 `yaml:"daily_token_limit"`
		KillSwitch      bool  `yaml:"kill_switch"`
		WarnPercent     int   `yaml:"warn_percent"`
	} `yaml:"budget"`
	Retry struct {
		MaxAttempts int      `yaml:"max_attempts"`
		Backoff     Duration `yaml:"backoff"`
	} `yaml:"retry"`
	Generation struct {
		Timeout     Duration `yaml:"timeout"`
		MaxParallel int      `yaml:"max_parallel"`
	} `yaml:"generation"`
	Security struct {
		MaxInputChars  int      `yaml:"max_input_chars"`
		MaxOutputChars int      `yaml:"max_output_chars"`
		TrustedDomains []string `yaml:"trusted_domains"`
	} `yaml:"security"`
	Operator struct {
		RedisURL  string `yaml:"redis_url"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"operator"`
	Server struct {
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"server"`
}

// Tier is a model configuration profile.
type Tier struct {
	Model       string  `yaml:"model" json:"model"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
}

// Duration decodes YAML strings such as "2s" or "1m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lp config init", path)
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
	if strings.TrimSpace(c.Provider.BaseURL) == "" {
		return fmt.Errorf("config.provider.base_url is required")
	}
	for _, name := range []string{TierFast, TierThinking} {
		tier, ok := c.Provider.Tiers[name]
		if !ok {
			return fmt.Errorf("config.provider.tiers.%s is required", name)
		}
		if tier.Model == "" {
			return fmt.Errorf("tier %s has empty model", name)
		}
		if tier.MaxTokens <= 0 {
			return fmt.Errorf("tier %s max_tokens must be positive", name)
		}
	}
	if c.Budget.DailyTokenLimit < 0 {
		return fmt.Errorf("config.budget.daily_token_limit must not be negative")
	}
	if c.Budget.WarnPercent < 0 || c.Budget.WarnPercent > 100 {
		return fmt.Errorf("config.budget.warn_percent must be between 0 and 100")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be at least 1")
	}
	if c.Retry.Backoff < 0 {
		return fmt.Errorf("config.retry.backoff must not be negative")
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("config.generation.timeout must be positive")
	}
	if c.Generation.MaxParallel < 0 {
		return fmt.Errorf("config.generation.max_parallel must not be negative")
	}
	if c.Security.MaxInputChars <= 0 || c.Security.MaxOutputChars <= 0 {
		return fmt.Errorf("config.security limits must be positive")
	}
	for _, d := range c.Security.TrustedDomains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("config.security.trusted_domains contains empty domain")
		}
	}
	return nil
}

// Tier returns the named tier, falling back to fast.
func (c *Config) Tier(name string) Tier {
	if t, ok := c.Provider.Tiers[name]; ok {
		return t
	}
	return c.Provider.Tiers[TierFast]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "launchpath.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `provider:
  base_url: https://api.openai.com/v1
  api_key_env: LAUNCHPATH_PROVIDER_API_KEY
  timeout: 55s
  tiers:
    fast:
      model: gpt-4o-mini
      max_tokens: 2000
      temperature: 0.4
    thinking:
      model: o3-mini
      max_tokens: 8000
      temperature: 0.2

budget:
  daily_token_limit: 1000000
  kill_switch: false
  warn_percent: 80

retry:
  max_attempts: 2
  backoff: 2s

generation:
  timeout: 60s
  max_parallel: 0

security:
  max_input_chars: 10000
  max_output_chars: 50000
  trusted_domains:
    - wikipedia.org
    - github.com
    - crunchbase.com
    - statista.com
    - producthunt.com
    - ycombinator.com

operator:
  redis_url: ""
  key_prefix: "launchpath:operator:"

server:
  jwt_secret_env: LAUNCHPATH_JWT_SECRET
`
