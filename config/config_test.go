package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/tool-orchestrator/monitoring"
	"github.com/songzhibin97/tool-orchestrator/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, uint64(30000), cfg.Workflow.TimeoutMs)
	assert.Equal(t, types.DefaultRetryConfig(), cfg.Workflow.Retry.Policy())
	assert.True(t, cfg.Monitoring.Enabled)
	assert.Equal(t, monitoring.DefaultThresholds(), cfg.Monitoring.Thresholds)
	assert.Empty(t, cfg.Monitoring.HealthSweep)
	assert.True(t, cfg.DataFlow.Validation)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "toolflow:events", cfg.Redis.Channel)
	assert.Empty(t, cfg.File)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
workflow:
  timeout_ms: 45000
  retry:
    max_attempts: 5
    initial_delay_ms: 10
    max_delay_ms: 100
    exponential_base: 1.5
monitoring:
  health_sweep: "@every 30s"
  thresholds:
    max_response_time_ms: 250
    max_consecutive_failures: 2
redis:
  addr: localhost:6379
  db: 2
  idle_timeout: 90s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, uint64(45000), cfg.Workflow.TimeoutMs)
	assert.Equal(t, types.RetryConfig{MaxAttempts: 5, InitialDelayMs: 10, MaxDelayMs: 100, ExponentialBase: 1.5}, cfg.Workflow.Retry.Policy())
	assert.Equal(t, "@every 30s", cfg.Monitoring.HealthSweep)
	assert.Equal(t, uint64(250), cfg.Monitoring.Thresholds.MaxResponseTimeMs)
	assert.Equal(t, uint32(2), cfg.Monitoring.Thresholds.MaxConsecutiveFailures)
	assert.Equal(t, 0.1, cfg.Monitoring.Thresholds.MaxErrorRate, "unset keys keep defaults")

	assert.True(t, cfg.Redis.Enabled())
	opts := cfg.Redis.Options()
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 90*time.Second, opts.IdleTimeout)
	assert.Equal(t, "toolflow:events", opts.Channel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\n")
	t.Setenv("TOOLFLOW_LOG_LEVEL", "error")
	t.Setenv("TOOLFLOW_WORKFLOW_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("TOOLFLOW_MONITORING_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, uint32(7), cfg.Workflow.Retry.MaxAttempts)
	assert.False(t, cfg.Monitoring.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, "workflow:\n  retry:\n    max_attempts: 0\n    exponential_base: 0.5\n")
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "max_attempts")
	assert.Contains(t, err.Error(), "exponential_base")

	path = writeConfig(t, "monitoring:\n  thresholds:\n    max_error_rate: 2\n")
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
