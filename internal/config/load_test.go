package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "taskrunner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(WithSearchPaths(t.TempDir()))
	require.NoError(t, err)

	require.Equal(t, DefaultAgentBaseURL, cfg.Agent.BaseURL)
	require.Equal(t, DefaultStoreBaseURL, cfg.Store.BaseURL)
	require.Equal(t, DefaultMaxTokens, cfg.Agent.MaxTokens)
	require.Equal(t, DefaultToolVersion, cfg.Agent.ToolVersion)
	require.Equal(t, 60*time.Second, cfg.Agent.HeaderTimeout)
	require.Equal(t, 3*time.Second, cfg.Runner.CleanupSettleDelay)
	require.Equal(t, time.Second, cfg.Runner.Cooldown)
	require.Zero(t, cfg.Runner.TaskTimeout)
	require.Equal(t, 3, cfg.Store.Retry.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Store.Retry.BaseDelay)
	require.Equal(t, 5, cfg.Store.Breaker.FailureThreshold)
	require.Equal(t, DefaultServerAddr, cfg.Server.Addr)
	require.Equal(t, "info", cfg.Observability.Logging.Level)
	require.Equal(t, "/metrics", cfg.Observability.Metrics.Path)
	require.False(t, cfg.Observability.Tracing.Enabled)
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	path := writeConfig(t, `
agent:
  base_url: http://agent.internal:9000/
  max_tokens: 8192
  thinking: true
  thinking_budget: 1024
store:
  base_url: http://store.internal/api
runner:
  cooldown: 250ms
  task_timeout: 10m
server:
  allowed_origins: [http://localhost:3000]
observability:
  logging:
    format: json
`)
	t.Setenv("TASKRUNNER_AGENT_MAX_TOKENS", "2048")
	t.Setenv("TASKRUNNER_RUNNER_PERSIST_PROGRESS", "true")

	cfg, err := Load(WithConfigFile(path))
	require.NoError(t, err)

	require.Equal(t, "http://agent.internal:9000", cfg.Agent.BaseURL)
	require.Equal(t, 2048, cfg.Agent.MaxTokens)
	require.True(t, cfg.Agent.Thinking)
	require.Equal(t, 1024, cfg.Agent.ThinkingBudget)
	require.Equal(t, "http://store.internal/api", cfg.Store.BaseURL)
	require.Equal(t, 250*time.Millisecond, cfg.Runner.Cooldown)
	require.Equal(t, 10*time.Minute, cfg.Runner.TaskTimeout)
	require.True(t, cfg.Runner.PersistProgress)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	require.Equal(t, "json", cfg.Observability.Logging.Format)
}

func TestLoadOverridesWin(t *testing.T) {
	t.Setenv("TASKRUNNER_STORE_BASE_URL", "http://from-env")
	cfg, err := Load(WithSearchPaths(t.TempDir()), WithOverride("store.base_url", "http://from-flag"))
	require.NoError(t, err)
	require.Equal(t, "http://from-flag", cfg.Store.BaseURL)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfig(t, `
agent:
  base_url: ftp://agent
  max_tokens: 0
runner:
  cooldown: -1s
observability:
  tracing:
    exporter: jaeger
`)
	_, err := Load(WithConfigFile(path))
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "agent.base_url")
	require.Contains(t, msg, "agent.max_tokens")
	require.Contains(t, msg, "runner durations")
	require.Contains(t, msg, "unsupported exporter")
}
