// Package config provides configuration loading, validation, and management
// for the siteforge service: JSON project config with environment variable
// substitution, model-name constants, and the encrypted secrets store.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Known model name constants. Provider routing keys off these prefixes.
const (
	ModelClaudeSonnet = "claude-sonnet-4-20250514"
	ModelClaudeHaiku  = "claude-3-5-haiku-latest"
	ModelGPT4o        = "gpt-4o"
	ModelGPT4oMini    = "gpt-4o-mini"
	ModelGeminiFlash  = "gemini-2.0-flash"
	ModelOllamaLlama3 = "llama3.1"
)

// Default workflow tuning values.
const (
	DefaultMaxRetries       = 3
	DefaultImproveMaxCycles = 3
	DefaultQualityThreshold = 80.0
	DefaultStepTimeout      = 2 * time.Minute
	DefaultRunningLease     = 15 * time.Minute
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ModelConfig describes one configured LLM model.
type ModelConfig struct {
	Name        string  `json:"name"`
	Provider    string  `json:"provider"` // "anthropic", "openai", "google", "ollama"
	APIKeyEnv   string  `json:"api_key_env,omitempty"`
	HostURL     string  `json:"host_url,omitempty"` // Ollama only
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
}

// AgentModels maps each LLM-backed agent to the model it uses.
type AgentModels struct {
	Input   string `json:"input"`
	Codegen string `json:"codegen"`
	Audit   string `json:"audit"`
}

// RetryConfig tunes the per-step retry policy.
type RetryConfig struct {
	MaxRetries     int     `json:"max_retries"`
	InitialDelayMS int     `json:"initial_delay_ms"`
	MaxDelayMS     int     `json:"max_delay_ms"`
	BackoffFactor  float64 `json:"backoff_factor"`
	Jitter         bool    `json:"jitter"`
}

// WorkflowConfig tunes orchestrator behavior.
type WorkflowConfig struct {
	MaxRetries       int     `json:"max_retries"`        // Context-level budget per workflow
	ImproveMaxCycles int     `json:"improve_max_cycles"` // Cap on improvement cycles
	QualityThreshold float64 `json:"quality_threshold"`  // Minimum acceptable audit score
	StepTimeoutSec   int     `json:"step_timeout_sec"`   // Per-agent call timeout, 0 = none
	RunningLeaseSec  int     `json:"running_lease_sec"`  // Staleness lease on running snapshots
	SnapshotDir      string  `json:"snapshot_dir"`
	EventLogDir      string  `json:"event_log_dir"`
}

// MetricsConfig points at an optional external Prometheus server for
// aggregate cost queries.
type MetricsConfig struct {
	PrometheusURL string `json:"prometheus_url,omitempty"`
}

// Config is the root project configuration.
type Config struct {
	Server     ServerConfig   `json:"server"`
	DBPath     string         `json:"db_path"`
	PublishDir string         `json:"publish_dir"`
	RubricPath string         `json:"rubric_path,omitempty"`
	Models     []ModelConfig  `json:"models"`
	Agents     AgentModels    `json:"agents"`
	Retry      RetryConfig    `json:"retry"`
	Workflow   WorkflowConfig `json:"workflow"`
	Metrics    MetricsConfig  `json:"metrics"`
}

// envVarPattern matches ${VAR_NAME} placeholders in config values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Default returns a configuration with sensible defaults for local use.
func Default() *Config {
	return &Config{
		Server:     ServerConfig{Host: "127.0.0.1", Port: 8547},
		DBPath:     "siteforge.db",
		PublishDir: "published",
		Models: []ModelConfig{
			{Name: ModelClaudeSonnet, Provider: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY", MaxTokens: 8192, Temperature: 0.7},
			{Name: ModelGPT4oMini, Provider: "openai", APIKeyEnv: "OPENAI_API_KEY", MaxTokens: 8192, Temperature: 0.7},
		},
		Agents: AgentModels{
			Input:   ModelClaudeHaiku,
			Codegen: ModelClaudeSonnet,
			Audit:   ModelClaudeSonnet,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialDelayMS: 100,
			MaxDelayMS:     10000,
			BackoffFactor:  2.0,
			Jitter:         true,
		},
		Workflow: WorkflowConfig{
			MaxRetries:       DefaultMaxRetries,
			ImproveMaxCycles: DefaultImproveMaxCycles,
			QualityThreshold: DefaultQualityThreshold,
			StepTimeoutSec:   int(DefaultStepTimeout.Seconds()),
			RunningLeaseSec:  int(DefaultRunningLease.Seconds()),
			SnapshotDir:      "state",
			EventLogDir:      "logs/events",
		},
	}
}

// Load reads a JSON config file, expands ${ENV} placeholders, and overlays
// it on the defaults. A missing file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))
	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	return cfg, nil
}

// expandEnvVars substitutes ${VAR} placeholders with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("workflow max_retries must be non-negative")
	}
	if c.Workflow.ImproveMaxCycles < 1 {
		return fmt.Errorf("improve_max_cycles must be at least 1")
	}
	if c.Workflow.QualityThreshold < 0 || c.Workflow.QualityThreshold > 100 {
		return fmt.Errorf("quality_threshold %f out of range [0,100]", c.Workflow.QualityThreshold)
	}
	if c.Retry.BackoffFactor <= 1 {
		return fmt.Errorf("retry backoff_factor must be greater than 1")
	}
	for i := range c.Models {
		m := &c.Models[i]
		if m.Name == "" || m.Provider == "" {
			return fmt.Errorf("model entry %d missing name or provider", i)
		}
	}
	return nil
}

// ModelByName returns the configured model entry for a model name.
func (c *Config) ModelByName(name string) (*ModelConfig, bool) {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i], true
		}
	}
	return nil, false
}

// StepTimeout returns the per-agent call timeout, zero meaning none.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Workflow.StepTimeoutSec) * time.Second
}

// RunningLease returns the staleness lease applied to running snapshots.
func (c *Config) RunningLease() time.Duration {
	if c.Workflow.RunningLeaseSec <= 0 {
		return DefaultRunningLease
	}
	return time.Duration(c.Workflow.RunningLeaseSec) * time.Second
}
