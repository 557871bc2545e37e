package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
backend:
  domain: backend.example.com
  private_key: test-key
  application_name: shop
  subsystem_name: checkout
sources:
  - name: app-logs
    type: stdin
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Backend.Domain != "backend.example.com" {
		t.Errorf("Domain = %q", cfg.Backend.Domain)
	}
	if cfg.Backend.ApplicationName != "shop" || cfg.Backend.SubsystemName != "checkout" {
		t.Errorf("statics = %q/%q", cfg.Backend.ApplicationName, cfg.Backend.SubsystemName)
	}

	// Defaults.
	if cfg.Batch.CountThreshold != DefaultCountThreshold {
		t.Errorf("CountThreshold = %d", cfg.Batch.CountThreshold)
	}
	if cfg.Batch.FlushInterval.Duration() != DefaultFlushInterval {
		t.Errorf("FlushInterval = %s", cfg.Batch.FlushInterval.Duration())
	}
	if cfg.Batch.MaxBatchBytes != DefaultMaxBatchBytes {
		t.Errorf("MaxBatchBytes = %d", cfg.Batch.MaxBatchBytes)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log defaults = %q/%q", cfg.Log.Level, cfg.Log.Format)
	}
	if cfg.Pipeline.ChannelSize != DefaultChannelSize {
		t.Errorf("ChannelSize = %d", cfg.Pipeline.ChannelSize)
	}

	if len(cfg.Sources) != 1 || !cfg.Sources[0].IsEnabled() {
		t.Errorf("sources = %+v", cfg.Sources)
	}
}

func TestParseFull(t *testing.T) {
	yaml := `
backend:
  domain: backend.example.com
  private_key: k
  timeout: 10s
  application_name: shop
  subsystem_name: checkout
  computer_name: static-host
  category: orders
  hi_res_timestamps: true
batch:
  count_threshold: 64
  flush_interval: 2s
  max_batch_bytes: 1048576
pipeline:
  min_level: 30
  channel_size: 256
  stats_cron: "*/5 * * * *"
  drain_timeout: 15s
  state_dir: /var/lib/logship
sources:
  - name: app-logs
    type: stdin
  - name: old-source
    type: tail
    enabled: false
    params:
      glob: /var/log/app/*.log
log:
  level: debug
  format: json
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Batch.CountThreshold != 64 {
		t.Errorf("CountThreshold = %d", cfg.Batch.CountThreshold)
	}
	if cfg.Batch.FlushInterval.Duration() != 2*time.Second {
		t.Errorf("FlushInterval = %s", cfg.Batch.FlushInterval.Duration())
	}
	if !cfg.Backend.HiResTimestamps {
		t.Error("HiResTimestamps not set")
	}
	if cfg.Pipeline.MinLevel != 30 || cfg.Pipeline.StatsCron != "*/5 * * * *" {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Sources[1].IsEnabled() {
		t.Error("disabled source reported enabled")
	}
	if cfg.Sources[1].Params["glob"] != "/var/log/app/*.log" {
		t.Errorf("params = %v", cfg.Sources[1].Params)
	}
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("LOGSHIP_TEST_KEY", "from-env")

	yaml := `
backend:
  domain: ${LOGSHIP_TEST_DOMAIN:fallback.example.com}
  private_key: ${LOGSHIP_TEST_KEY}
  application_name: ${LOGSHIP_TEST_APP:shop}
  subsystem_name: checkout
sources:
  - name: s
    type: stdin
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Backend.PrivateKey != "from-env" {
		t.Errorf("PrivateKey = %q, want from-env", cfg.Backend.PrivateKey)
	}
	if cfg.Backend.Domain != "fallback.example.com" {
		t.Errorf("Domain = %q, want fallback", cfg.Backend.Domain)
	}
	if cfg.Backend.ApplicationName != "shop" {
		t.Errorf("ApplicationName = %q, want shop", cfg.Backend.ApplicationName)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing application name", func(c *Config) { c.Backend.ApplicationName = "" }, "application_name"},
		{"missing subsystem name", func(c *Config) { c.Backend.SubsystemName = "" }, "subsystem_name"},
		{"missing domain", func(c *Config) { c.Backend.Domain = "" }, "domain"},
		{"missing key", func(c *Config) { c.Backend.PrivateKey = "" }, "private_key"},
		{"zero count threshold", func(c *Config) { c.Batch.CountThreshold = -1 }, "count_threshold"},
		{"tiny batch ceiling", func(c *Config) { c.Batch.MaxBatchBytes = 100 }, "max_batch_bytes"},
		{"negative min level", func(c *Config) { c.Pipeline.MinLevel = -1 }, "min_level"},
		{"no sources", func(c *Config) { c.Sources = nil }, "at least one source"},
		{"unnamed source", func(c *Config) { c.Sources[0].Name = "" }, "name is required"},
		{"untyped source", func(c *Config) { c.Sources[0].Type = "" }, "type is required"},
		{
			"duplicate source names",
			func(c *Config) { c.Sources = append(c.Sources, SourceConfig{Name: "app-logs", Type: "stdin"}) },
			"duplicate",
		},
		{
			"all sources disabled",
			func(c *Config) {
				off := false
				c.Sources[0].Enabled = &off
			},
			"disabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(validYAML))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDryRunSkipsCredentials(t *testing.T) {
	yaml := `
backend:
  dry_run: true
  application_name: shop
  subsystem_name: checkout
sources:
  - name: s
    type: stdin
`
	if _, err := Parse([]byte(yaml)); err != nil {
		t.Fatalf("dry run config rejected: %v", err)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	yaml := `
backend:
  domain: d.example.com
  private_key: k
  timeout: 1m30s
  application_name: a
  subsystem_name: s
sources:
  - name: s
    type: stdin
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Backend.Timeout.Duration() != 90*time.Second {
		t.Errorf("Timeout = %s", cfg.Backend.Timeout.Duration())
	}

	bad := strings.Replace(yaml, "1m30s", "ninety seconds", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Error("expected error for invalid duration")
	}
}
