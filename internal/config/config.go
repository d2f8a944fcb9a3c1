package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the finsight daemon.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Sessions SessionsConfig `yaml:"sessions"`
	Auth     AuthConfig     `yaml:"auth"`
	Tools    ToolsConfig    `yaml:"tools"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host        string        `yaml:"host"`
	HTTPPort    int           `yaml:"http_port"`
	MetricsPort int           `yaml:"metrics_port"`
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

// LLMConfig describes the local endpoint probed at turn start and the
// cloud provider used as fallback.
type LLMConfig struct {
	Local LocalLLMConfig `yaml:"local"`
	Cloud CloudLLMConfig `yaml:"cloud"`

	// PreferredModels is the ordered preference list consulted against
	// the local endpoint's model inventory.
	PreferredModels []string `yaml:"preferred_models"`
}

type LocalLLMConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type CloudLLMConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type SessionsConfig struct {
	// Backend selects the session store: memory, sqlite, or postgres.
	Backend string `yaml:"backend"`

	SQLitePath      string        `yaml:"sqlite_path"`
	PostgresURL     string        `yaml:"postgres_url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// Retention controls the background sweep of stale sessions. A zero
	// Retention disables sweeping.
	Retention     time.Duration `yaml:"retention"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

type AuthConfig struct {
	// Mode is "jwt" for bearer-token auth or "anonymous" for self-hosted
	// single-user deployments.
	Mode        string        `yaml:"mode"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type ToolsConfig struct {
	FinanceSearch FinanceSearchConfig `yaml:"finance_search"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	MaxConcurrent int                 `yaml:"max_concurrent"`
	Timeout       time.Duration       `yaml:"timeout"`
	MaxRetries    int                 `yaml:"max_retries"`
}

type FinanceSearchConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type SandboxConfig struct {
	Enabled  bool          `yaml:"enabled"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
	WorkDir  string        `yaml:"work_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration suitable for self-hosted use with no
// config file present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Server.TurnTimeout == 0 {
		cfg.Server.TurnTimeout = 5 * time.Minute
	}
	if cfg.LLM.Local.BaseURL == "" {
		cfg.LLM.Local.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.LLM.Local.ProbeTimeout == 0 {
		cfg.LLM.Local.ProbeTimeout = 2500 * time.Millisecond
	}
	if cfg.LLM.Cloud.DefaultModel == "" {
		cfg.LLM.Cloud.DefaultModel = "claude-sonnet-4-5"
	}
	if len(cfg.LLM.PreferredModels) == 0 {
		cfg.LLM.PreferredModels = []string{
			"qwen3:32b",
			"qwen3:14b",
			"llama3.3:70b",
			"llama3.1:8b",
		}
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "memory"
	}
	if cfg.Sessions.SQLitePath == "" {
		cfg.Sessions.SQLitePath = "finsight.db"
	}
	if cfg.Sessions.MaxConnections == 0 {
		cfg.Sessions.MaxConnections = 25
	}
	if cfg.Sessions.ConnMaxLifetime == 0 {
		cfg.Sessions.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Sessions.SweepSchedule == "" {
		cfg.Sessions.SweepSchedule = "@hourly"
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "anonymous"
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Tools.MaxConcurrent == 0 {
		cfg.Tools.MaxConcurrent = 5
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 60 * time.Second
	}
	if cfg.Tools.Sandbox.PoolSize == 0 {
		cfg.Tools.Sandbox.PoolSize = 2
	}
	if cfg.Tools.Sandbox.Timeout == 0 {
		cfg.Tools.Sandbox.Timeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Sessions.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Sessions.PostgresURL == "" {
			return fmt.Errorf("sessions: postgres backend requires postgres_url")
		}
	default:
		return fmt.Errorf("sessions: unknown backend %q", c.Sessions.Backend)
	}

	switch c.Auth.Mode {
	case "anonymous":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth: jwt mode requires jwt_secret")
		}
	default:
		return fmt.Errorf("auth: unknown mode %q", c.Auth.Mode)
	}

	if c.Tools.MaxConcurrent < 1 {
		return fmt.Errorf("tools: max_concurrent must be at least 1")
	}

	return nil
}
