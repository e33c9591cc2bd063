package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Agents    []AgentConfig   `yaml:"agents"`
	Routing   RoutingConfig   `yaml:"routing"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Health    HealthConfig    `yaml:"health"`
	Store     StoreConfig     `yaml:"store"`
	Notify    NotifyConfig    `yaml:"notify"`
	Server    ServerConfig    `yaml:"server"`
}

// AgentConfig declares a remote agent. Capabilities and priority may be
// left empty for agents that describe themselves.
type AgentConfig struct {
	ID            string   `yaml:"id"`
	Endpoint      string   `yaml:"endpoint"`
	Capabilities  []string `yaml:"capabilities"`
	Priority      int      `yaml:"priority"`
	MaxConcurrent int      `yaml:"max_concurrent"`
}

type PatternRule struct {
	Match      string `yaml:"match"`
	Capability string `yaml:"capability"`
}

type RoutingConfig struct {
	Direct       map[string][]string            `yaml:"direct"`
	Entity       map[string]map[string][]string `yaml:"entity"`
	Capabilities map[string]string              `yaml:"capabilities"`
	Patterns     []PatternRule                  `yaml:"patterns"`
	// Classifier is "keyword" (default), "anthropic" or "none".
	Classifier       string          `yaml:"classifier"`
	Anthropic        AnthropicConfig `yaml:"anthropic"`
	Threshold        float64         `yaml:"threshold"`
	DiscoveryTimeout time.Duration   `yaml:"discovery_timeout"`
}

type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier int           `yaml:"multiplier"`
}

type WorkflowsConfig struct {
	Dir string `yaml:"dir"`
	// Watch loads new pattern versions written to Dir without a restart.
	Watch       bool          `yaml:"watch"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	Backoff     BackoffConfig `yaml:"backoff"`
	// SubmitWait is how long an HTTP submit waits for a triggered workflow.
	SubmitWait time.Duration `yaml:"submit_wait"`
}

type DispatchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

type HealthConfig struct {
	Interval          time.Duration `yaml:"interval"`
	CheckTimeout      time.Duration `yaml:"check_timeout"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryThreshold int           `yaml:"recovery_threshold"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StoreConfig struct {
	// Driver is sqlite (default), postgres or redis.
	Driver  string      `yaml:"driver"`
	DataDir string      `yaml:"data_dir"`
	DSN     string      `yaml:"dsn"`
	Redis   RedisConfig `yaml:"redis"`
	Prefix  string      `yaml:"prefix"`
	// Retention keeps finished instances this long before pruning.
	Retention time.Duration `yaml:"retention"`
}

type NotifyConfig struct {
	Redis         *RedisConfig `yaml:"redis"`
	ChannelPrefix string       `yaml:"channel_prefix"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"

	DefaultAddr      = ":8080"
	DefaultRetention = 7 * 24 * time.Hour
)

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandEnvInConfig(cfg *Config) {
	for i := range cfg.Agents {
		cfg.Agents[i].Endpoint = expandEnv(cfg.Agents[i].Endpoint)
	}
	cfg.Routing.Anthropic.APIKey = expandEnv(cfg.Routing.Anthropic.APIKey)
	cfg.Routing.Anthropic.BaseURL = expandEnv(cfg.Routing.Anthropic.BaseURL)
	cfg.Workflows.Dir = expandEnv(cfg.Workflows.Dir)
	cfg.Store.DataDir = expandEnv(cfg.Store.DataDir)
	cfg.Store.DSN = expandEnv(cfg.Store.DSN)
	cfg.Store.Redis.Addr = expandEnv(cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = expandEnv(cfg.Store.Redis.Password)
	if r := cfg.Notify.Redis; r != nil {
		r.Addr = expandEnv(r.Addr)
		r.Password = expandEnv(r.Password)
	}
	cfg.Server.Addr = expandEnv(cfg.Server.Addr)
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
	}
	if cfg.Store.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Store.DataDir = filepath.Join(home, ".conductor")
		}
	}
	if cfg.Store.Retention <= 0 {
		cfg.Store.Retention = DefaultRetention
	}
	if cfg.Routing.Classifier == "" {
		cfg.Routing.Classifier = "keyword"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
}

// Validate reports configuration mistakes that would only surface later
// at startup.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Endpoint == "" {
			return fmt.Errorf("agent %q: endpoint is required", a.ID)
		}
	}

	switch c.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store: postgres driver needs a dsn")
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store: redis driver needs redis.addr")
		}
	default:
		return fmt.Errorf("store: unknown driver %q (want sqlite, postgres or redis)", c.Store.Driver)
	}

	switch c.Routing.Classifier {
	case "keyword", "anthropic", "none":
	default:
		return fmt.Errorf("routing: unknown classifier %q (want keyword, anthropic or none)", c.Routing.Classifier)
	}
	if c.Routing.Threshold < 0 || c.Routing.Threshold > 1 {
		return fmt.Errorf("routing: threshold %v outside [0, 1]", c.Routing.Threshold)
	}
	if r := c.Notify.Redis; r != nil && r.Addr == "" {
		return fmt.Errorf("notify: redis.addr is required when notify.redis is set")
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnvInConfig(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
