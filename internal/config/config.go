package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Gatewright.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Turns         TurnsConfig         `yaml:"turns"`
	Approvals     ApprovalsConfig     `yaml:"approvals"`
	Runner        RunnerConfig        `yaml:"runner"`
	Audit         AuditConfig         `yaml:"audit"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	// AuthToken, when set, requires a matching bearer token on every
	// RPC request. Metrics and health endpoints stay open.
	AuthToken string `yaml:"auth_token"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type TurnsConfig struct {
	MaxSteps              int           `yaml:"max_steps"`
	PerStepTimeout        time.Duration `yaml:"per_step_timeout"`
	TotalTimeout          time.Duration `yaml:"total_timeout"`
	PostTerminalRetention time.Duration `yaml:"post_terminal_retention"`
	EventQueueSoftCap     int           `yaml:"event_queue_soft_cap"`
	VerboseFooter         bool          `yaml:"verbose_footer"`
}

type ApprovalsConfig struct {
	// Timeout is the default per-approval deadline. Minimum 1s.
	Timeout time.Duration `yaml:"timeout"`
}

type RunnerConfig struct {
	// MaxPreviewLen bounds default input previews, in runes.
	MaxPreviewLen int `yaml:"max_preview_len"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"` // "stdout", "stderr", or a file path
	// HashInputs replaces raw tool inputs with a SHA-256 digest.
	HashInputs bool `yaml:"hash_inputs"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	// TracingEndpoint is the OTLP gRPC collector address. Empty
	// disables trace export.
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate"`
	Environment     string  `yaml:"environment"`
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

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate rejects option values outside their documented ranges.
func (c *Config) Validate() error {
	if c.Approvals.Timeout < time.Second {
		return fmt.Errorf("approvals.timeout must be at least 1s, got %s", c.Approvals.Timeout)
	}
	if c.Turns.MaxSteps < 1 {
		return fmt.Errorf("turns.max_steps must be at least 1, got %d", c.Turns.MaxSteps)
	}
	if c.Turns.EventQueueSoftCap < 1 {
		return fmt.Errorf("turns.event_queue_soft_cap must be positive, got %d", c.Turns.EventQueueSoftCap)
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return fmt.Errorf("observability.sampling_rate must be within [0,1], got %v", c.Observability.SamplingRate)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Turns.MaxSteps == 0 {
		cfg.Turns.MaxSteps = 6
	}
	if cfg.Turns.PerStepTimeout == 0 {
		cfg.Turns.PerStepTimeout = 20 * time.Second
	}
	if cfg.Turns.TotalTimeout == 0 {
		cfg.Turns.TotalTimeout = 2 * time.Minute
	}
	if cfg.Turns.PostTerminalRetention == 0 {
		cfg.Turns.PostTerminalRetention = 30 * time.Second
	}
	if cfg.Turns.EventQueueSoftCap == 0 {
		cfg.Turns.EventQueueSoftCap = 1024
	}
	if cfg.Approvals.Timeout == 0 {
		cfg.Approvals.Timeout = 5 * time.Minute
	}
	if cfg.Runner.MaxPreviewLen == 0 {
		cfg.Runner.MaxPreviewLen = 160
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = "stdout"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}
	if cfg.Observability.Environment == "" {
		cfg.Observability.Environment = "development"
	}
}
