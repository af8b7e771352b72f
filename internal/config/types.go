// Package config loads taskrunner settings from file, environment and
// defaults.
package config

import (
	"time"

	"taskrunner/internal/infra/observability"
	rterrors "taskrunner/internal/shared/errors"
	"taskrunner/internal/shared/logging"
)

// Defaults shared by the loader and the CLI help text.
const (
	DefaultAgentBaseURL       = "http://localhost:8000"
	DefaultStoreBaseURL       = "http://localhost:3000/api"
	DefaultServerAddr         = "127.0.0.1:8088"
	DefaultCleanupSettleDelay = 3 * time.Second
	DefaultCooldown           = time.Second
	DefaultMaxTokens          = 4096
	DefaultThinkingBudget     = 2048
	DefaultRecentImages       = 3
	DefaultToolVersion        = "computer_use_20250124"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Agent         AgentConfig         `mapstructure:"agent"`
	Store         StoreConfig         `mapstructure:"store"`
	Runner        RunnerConfig        `mapstructure:"runner"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// AgentConfig describes the remote agent stream and the request settings
// sent with every task.
type AgentConfig struct {
	BaseURL                 string        `mapstructure:"base_url"`
	SystemPrompt            string        `mapstructure:"system_prompt"`
	OnlyNMostRecentImages   int           `mapstructure:"only_n_most_recent_images"`
	ToolVersion             string        `mapstructure:"tool_version"`
	MaxTokens               int           `mapstructure:"max_tokens"`
	Thinking                bool          `mapstructure:"thinking"`
	ThinkingBudget          int           `mapstructure:"thinking_budget"`
	TokenEfficientToolsBeta bool          `mapstructure:"token_efficient_tools_beta"`
	HeaderTimeout           time.Duration `mapstructure:"header_timeout"`
}

// StoreConfig describes the task store REST API.
type StoreConfig struct {
	BaseURL          string                        `mapstructure:"base_url"`
	Timeout          time.Duration                 `mapstructure:"timeout"`
	MaxResponseBytes int64                         `mapstructure:"max_response_bytes"`
	Retry            rterrors.RetryConfig          `mapstructure:"retry"`
	Breaker          rterrors.CircuitBreakerConfig `mapstructure:"breaker"`
}

// RunnerConfig tunes the orchestrator.
type RunnerConfig struct {
	CleanupSettleDelay time.Duration `mapstructure:"cleanup_settle_delay"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	// TaskTimeout bounds a single run; zero disables it.
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	PersistProgress bool          `mapstructure:"persist_progress"`
}

// ServerConfig configures the local API server.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	InspectorCache int           `mapstructure:"inspector_cache"`
}

// ObservabilityConfig groups logging, tracing and metrics.
type ObservabilityConfig struct {
	Logging logging.Config              `mapstructure:"logging"`
	Tracing observability.TracingConfig `mapstructure:"tracing"`
	Metrics observability.MetricsConfig `mapstructure:"metrics"`
}
