package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"taskrunner/internal/infra/httpclient"
	rterrors "taskrunner/internal/shared/errors"
)

// EnvPrefix prefixes every environment override, e.g.
// TASKRUNNER_AGENT_BASE_URL.
const EnvPrefix = "TASKRUNNER"

type loadOptions struct {
	configFile  string
	searchPaths []string
	overrides   map[string]any
}

// Option customises Load.
type Option func(*loadOptions)

// WithConfigFile reads path instead of searching for taskrunner.yaml. A
// missing explicit file is an error.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) {
		o.configFile = strings.TrimSpace(path)
	}
}

// WithSearchPaths replaces the directories searched for taskrunner.yaml.
func WithSearchPaths(paths ...string) Option {
	return func(o *loadOptions) {
		o.searchPaths = paths
	}
}

// WithOverride sets key with the highest precedence, above env and file.
func WithOverride(key string, value any) Option {
	return func(o *loadOptions) {
		if o.overrides == nil {
			o.overrides = map[string]any{}
		}
		o.overrides[key] = value
	}
}

// Load resolves the configuration: overrides, then TASKRUNNER_* env vars,
// then the config file, then defaults.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{
		searchPaths: []string{".", "$HOME/.config/taskrunner", "$HOME"},
	}
	for _, opt := range opts {
		opt(&options)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if options.configFile != "" {
		v.SetConfigFile(options.configFile)
	} else {
		v.SetConfigName("taskrunner")
		v.SetConfigType("yaml")
		for _, path := range options.searchPaths {
			v.AddConfigPath(path)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if options.configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	for key, value := range options.overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	retry := rterrors.DefaultRetryConfig()
	breaker := rterrors.DefaultCircuitBreakerConfig()

	v.SetDefault("agent.base_url", DefaultAgentBaseURL)
	v.SetDefault("agent.system_prompt", "")
	v.SetDefault("agent.only_n_most_recent_images", DefaultRecentImages)
	v.SetDefault("agent.tool_version", DefaultToolVersion)
	v.SetDefault("agent.max_tokens", DefaultMaxTokens)
	v.SetDefault("agent.thinking", false)
	v.SetDefault("agent.thinking_budget", DefaultThinkingBudget)
	v.SetDefault("agent.token_efficient_tools_beta", false)
	v.SetDefault("agent.header_timeout", "60s")

	v.SetDefault("store.base_url", DefaultStoreBaseURL)
	v.SetDefault("store.timeout", "30s")
	v.SetDefault("store.max_response_bytes", 16<<20)
	v.SetDefault("store.retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("store.retry.base_delay", retry.BaseDelay)
	v.SetDefault("store.retry.max_delay", retry.MaxDelay)
	v.SetDefault("store.retry.jitter_factor", retry.JitterFactor)
	v.SetDefault("store.breaker.failure_threshold", breaker.FailureThreshold)
	v.SetDefault("store.breaker.success_threshold", breaker.SuccessThreshold)
	v.SetDefault("store.breaker.timeout", breaker.Timeout)

	v.SetDefault("runner.cleanup_settle_delay", DefaultCleanupSettleDelay)
	v.SetDefault("runner.cooldown", DefaultCooldown)
	v.SetDefault("runner.task_timeout", 0)
	v.SetDefault("runner.persist_progress", false)

	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.inspector_cache", 128)

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "text")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.exporter", "otlp")
	v.SetDefault("observability.tracing.otlp_endpoint", "")
	v.SetDefault("observability.tracing.zipkin_endpoint", "")
	v.SetDefault("observability.tracing.sample_rate", 1.0)
	v.SetDefault("observability.tracing.service_name", "taskrunner")
	v.SetDefault("observability.tracing.service_version", "")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.path", "/metrics")
}

// Validate checks the resolved values and normalises base URLs.
func (c *Config) Validate() error {
	var errs []error

	agentURL, err := httpclient.ValidateBaseURL(c.Agent.BaseURL)
	if err != nil {
		errs = append(errs, fmt.Errorf("agent.base_url: %w", err))
	}
	c.Agent.BaseURL = agentURL

	storeURL, err := httpclient.ValidateBaseURL(c.Store.BaseURL)
	if err != nil {
		errs = append(errs, fmt.Errorf("store.base_url: %w", err))
	}
	c.Store.BaseURL = storeURL

	if c.Agent.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_tokens must be positive"))
	}
	if c.Agent.Thinking && c.Agent.ThinkingBudget <= 0 {
		errs = append(errs, fmt.Errorf("agent.thinking_budget must be positive when thinking is enabled"))
	}
	if c.Agent.OnlyNMostRecentImages < 0 {
		errs = append(errs, fmt.Errorf("agent.only_n_most_recent_images must not be negative"))
	}
	if c.Runner.CleanupSettleDelay < 0 || c.Runner.Cooldown < 0 || c.Runner.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("runner durations must not be negative"))
	}
	switch c.Observability.Tracing.Exporter {
	case "", "otlp", "zipkin":
	default:
		errs = append(errs, fmt.Errorf("observability.tracing.exporter: unsupported exporter %q", c.Observability.Tracing.Exporter))
	}
	if path := c.Observability.Metrics.Path; path != "" && !strings.HasPrefix(path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with /"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
