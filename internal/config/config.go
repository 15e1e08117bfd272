// Package config handles YAML configuration for posture.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	AWS       AWSConfig       `yaml:"aws"`
	Scan      ScanConfig      `yaml:"scan"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OTEL      OTELConfig      `yaml:"otel"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	Rules     []RuleConfig    `yaml:"rules"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Regions []string `yaml:"regions"`
	Profile string   `yaml:"profile"`
}

// ScanConfig holds scan scheduling settings.
type ScanConfig struct {
	Concurrency  int               `yaml:"concurrency"`
	TimeoutStr   string            `yaml:"timeout"`
	Timeout      time.Duration     `yaml:"-"`
	IntervalStr  string            `yaml:"interval"`
	Interval     time.Duration     `yaml:"-"`
	IncludeTypes []string          `yaml:"include_types"`
	ExcludeTypes []string          `yaml:"exclude_types"`
	IncludeTags  map[string]string `yaml:"include_tags"`
	ExcludeTags  map[string]string `yaml:"exclude_tags"`
}

// RetryConfig bounds retries of transient provider failures.
type RetryConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialIntervalStr string        `yaml:"initial_interval"`
	InitialInterval    time.Duration `yaml:"-"`
	MaxIntervalStr     string        `yaml:"max_interval"`
	MaxInterval        time.Duration `yaml:"-"`
}

// RateLimitConfig caps provider calls per service.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string       `yaml:"endpoint"`
	Insecure    bool         `yaml:"insecure"`
	ServiceName string       `yaml:"service_name"`
	Traces      TracesConfig `yaml:"traces"`
	Export      ExportConfig `yaml:"export"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// ExportConfig enables OTLP metric export.
type ExportConfig struct {
	Metrics bool `yaml:"metrics"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RuleConfig is a Rego rule evaluated against every resource of Type.
// The module is given inline or read from ModuleFile, relative to the
// config file.
type RuleConfig struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	Severity    string `yaml:"severity"`
	Description string `yaml:"description"`
	Module      string `yaml:"module"`
	ModuleFile  string `yaml:"module_file"`
	Query       string `yaml:"query"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	if err := cfg.readModules(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readModules loads module_file contents into Module.
func (c *Config) readModules(dir string) error {
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.ModuleFile == "" {
			continue
		}
		if r.Module != "" {
			return fmt.Errorf("rule %s: module and module_file are exclusive", r.ID)
		}
		path := r.ModuleFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("rule %s: read module: %w", r.ID, err)
		}
		r.Module = string(data)
	}
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	// Defaults always parse.
	_ = cfg.finish()
	return cfg
}

func (c *Config) finish() error {
	applyDefaults(c)
	return parseDurations(c)
}

func applyDefaults(cfg *Config) {
	if len(cfg.AWS.Regions) == 0 {
		cfg.AWS.Regions = []string{"us-east-1"}
	}
	if cfg.Scan.Concurrency == 0 {
		cfg.Scan.Concurrency = 4
	}
	if cfg.Scan.TimeoutStr == "" {
		cfg.Scan.TimeoutStr = "10m"
	}
	if cfg.Scan.IntervalStr == "" {
		cfg.Scan.IntervalStr = "15m"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.InitialIntervalStr == "" {
		cfg.Retry.InitialIntervalStr = "200ms"
	}
	if cfg.Retry.MaxIntervalStr == "" {
		cfg.Retry.MaxIntervalStr = "5s"
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 1
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "posture"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"scan.timeout", cfg.Scan.TimeoutStr, &cfg.Scan.Timeout},
		{"scan.interval", cfg.Scan.IntervalStr, &cfg.Scan.Interval},
		{"retry.initial_interval", cfg.Retry.InitialIntervalStr, &cfg.Retry.InitialInterval},
		{"retry.max_interval", cfg.Retry.MaxIntervalStr, &cfg.Retry.MaxInterval},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if len(c.AWS.Regions) == 0 {
		return fmt.Errorf("aws: at least one region required")
	}
	if c.Scan.Concurrency < 1 {
		return fmt.Errorf("scan: concurrency must be at least 1 (got %d)", c.Scan.Concurrency)
	}
	if c.Scan.Interval <= 0 {
		return fmt.Errorf("scan: interval must be positive (got %s)", c.Scan.Interval)
	}
	if c.Scan.Timeout < 0 {
		return fmt.Errorf("scan: timeout must not be negative (got %s)", c.Scan.Timeout)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be at least 1 (got %d)", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry: max_interval %s is shorter than initial_interval %s", c.Retry.MaxInterval, c.Retry.InitialInterval)
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rate_limit: per_second must not be negative (got %v)", c.RateLimit.PerSecond)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log: format must be console or json (got %q)", c.Log.Format)
	}
	return c.validateRules()
}

func (c *Config) validateRules() error {
	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return fmt.Errorf("rules[%d]: id required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rules: duplicate id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Type == "" {
			return fmt.Errorf("rule %s: type required", r.ID)
		}
		switch r.Severity {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("rule %s: severity must be low, medium, high or critical (got %q)", r.ID, r.Severity)
		}
		if r.Module == "" {
			return fmt.Errorf("rule %s: module or module_file required", r.ID)
		}
		if r.Query == "" {
			return fmt.Errorf("rule %s: query required", r.ID)
		}
	}
	return nil
}
