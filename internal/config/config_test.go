package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
aws:
  regions: ["us-east-1", "eu-west-1"]
  profile: production

scan:
  concurrency: 8
  timeout: 2m
  interval: 5m
  include_types: [ecs_task_definition]

retry:
  max_attempts: 3
  initial_interval: 50ms
  max_interval: 1s

rate_limit:
  per_second: 10
  burst: 5

otel:
  endpoint: localhost:4317
  insecure: true
  service_name: posture-test
  traces:
    enabled: true
    sample_rate: 1.0

log:
  level: debug
  format: json
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, cfg.AWS.Regions)
	assert.Equal(t, "production", cfg.AWS.Profile)
	assert.Equal(t, 8, cfg.Scan.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Scan.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Scan.Interval)
	assert.Equal(t, []string{"ecs_task_definition"}, cfg.Scan.IncludeTypes)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, time.Second, cfg.Retry.MaxInterval)
	assert.Equal(t, 10.0, cfg.RateLimit.PerSecond)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Insecure)
	assert.Equal(t, "posture-test", cfg.OTEL.ServiceName)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 1.0, cfg.OTEL.Traces.SampleRate)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "aws:\n  regions: [us-east-1]\n")
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "posture", cfg.OTEL.ServiceName)
	assert.Equal(t, 4, cfg.Scan.Concurrency)
	assert.Equal(t, 15*time.Minute, cfg.Scan.Interval)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, []string{"us-east-1"}, cfg.AWS.Regions)
	assert.Equal(t, 10*time.Minute, cfg.Scan.Timeout)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "aws: [unclosed\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeTempConfig(t, "scan:\n  interval: not-a-duration\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan.interval")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no regions", func(c *Config) { c.AWS.Regions = nil }, "at least one region"},
		{"zero concurrency", func(c *Config) { c.Scan.Concurrency = 0 }, "concurrency"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"inverted intervals", func(c *Config) { c.Retry.MaxInterval = time.Millisecond }, "max_interval"},
		{"negative rate", func(c *Config) { c.RateLimit.PerSecond = -1 }, "per_second"},
		{"sample rate", func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, "sample_rate"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "format"},
		{"zero interval", func(c *Config) { c.Scan.Interval = 0 }, "interval must be positive"},
		{"negative interval", func(c *Config) { c.Scan.Interval = -time.Second }, "interval must be positive"},
		{"negative timeout", func(c *Config) { c.Scan.Timeout = -time.Second }, "timeout must not be negative"},
		{"zero timeout", func(c *Config) { c.Scan.Timeout = 0 }, ""},
		{"valid rule", func(c *Config) { c.Rules = []RuleConfig{validRule("r1")} }, ""},
		{"duplicate rule", func(c *Config) { c.Rules = []RuleConfig{validRule("r1"), validRule("r1")} }, "duplicate id"},
		{"rule without id", func(c *Config) { c.Rules = []RuleConfig{validRule("")} }, "id required"},
		{"rule severity", func(c *Config) {
			r := validRule("r1")
			r.Severity = "urgent"
			c.Rules = []RuleConfig{r}
		}, "severity"},
		{"rule without module", func(c *Config) {
			r := validRule("r1")
			r.Module = ""
			c.Rules = []RuleConfig{r}
		}, "module or module_file"},
		{"rule without query", func(c *Config) {
			r := validRule("r1")
			r.Query = ""
			c.Rules = []RuleConfig{r}
		}, "query required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func validRule(id string) RuleConfig {
	return RuleConfig{
		ID:       id,
		Type:     "ecs_task_definition",
		Severity: "high",
		Module:   "package posture\n\npass := true\n",
		Query:    "data.posture.pass",
	}
}

func TestLoad_ZeroIntervalRejected(t *testing.T) {
	path := writeTempConfig(t, "scan:\n  interval: 0s\n  timeout: 0s\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), cfg.Scan.Interval)
	assert.Equal(t, time.Duration(0), cfg.Scan.Timeout)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")
}

func TestLoad_Rules(t *testing.T) {
	dir := t.TempDir()
	module := "package posture.ecs\n\ndefault pass := false\n\npass if not input.host_network\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "host.rego"), []byte(module), 0o600))

	content := `
rules:
  - id: ecs-inline
    type: ecs_task_definition
    severity: low
    description: inline module
    module: |
      package posture.inline
      pass := true
    query: data.posture.inline.pass
  - id: ecs-host-network-rego
    type: ecs_task_definition
    severity: medium
    module_file: host.rego
    query: data.posture.ecs.pass
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "ecs-inline", cfg.Rules[0].ID)
	assert.Contains(t, cfg.Rules[0].Module, "package posture.inline")
	assert.Equal(t, module, cfg.Rules[1].Module)
	assert.Equal(t, "medium", cfg.Rules[1].Severity)
}

func TestLoad_RuleModuleFileMissing(t *testing.T) {
	path := writeTempConfig(t, "rules:\n  - id: r1\n    module_file: nope.rego\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule r1: read module")
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)
	return path
}
