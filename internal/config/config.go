// Package config loads and validates the YAML configuration file.
//
// Values support environment expansion in the form ${VAR} or
// ${VAR:default}, so credentials stay out of the file itself.
// Validation is fail-fast: a config that passes Validate is safe to run,
// anything else is rejected before a single record flows.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultCountThreshold = 256
	DefaultFlushInterval  = 5 * time.Second
	DefaultMaxBatchBytes  = 2 << 20
	DefaultTimeout        = 30 * time.Second
	DefaultChannelSize    = 1024
	DefaultDrainTimeout   = 30 * time.Second
)

// Config is the root of the configuration file.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Batch    BatchConfig    `yaml:"batch"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sources  []SourceConfig `yaml:"sources"`
	Log      LogConfig      `yaml:"log"`
}

// BackendConfig identifies the delivery target and the statics stamped
// onto every entry.
type BackendConfig struct {
	Domain     string   `yaml:"domain"`
	PrivateKey string   `yaml:"private_key"`
	URL        string   `yaml:"url"` // optional endpoint override
	Timeout    Duration `yaml:"timeout"`

	ApplicationName string `yaml:"application_name"`
	SubsystemName   string `yaml:"subsystem_name"`
	ComputerName    string `yaml:"computer_name"`
	Category        string `yaml:"category"`
	HiResTimestamps bool   `yaml:"hi_res_timestamps"`

	// DryRun logs batches instead of delivering them. Domain and
	// private key are not required in this mode.
	DryRun bool `yaml:"dry_run"`
}

// BatchConfig tunes the record sink.
type BatchConfig struct {
	CountThreshold int      `yaml:"count_threshold"`
	FlushInterval  Duration `yaml:"flush_interval"`
	MaxBatchBytes  int      `yaml:"max_batch_bytes"`
}

// PipelineConfig tunes the ingest pipeline around the sink.
type PipelineConfig struct {
	// MinLevel drops records below this producer level. 0 ships everything.
	MinLevel int `yaml:"min_level"`

	// ChannelSize is the ingest channel buffer.
	ChannelSize int `yaml:"channel_size"`

	// StatsCron, when set, schedules a periodic stats summary log line.
	StatsCron string `yaml:"stats_cron"`

	// DrainTimeout bounds the final flush during shutdown.
	DrainTimeout Duration `yaml:"drain_timeout"`

	// StateDir is where sources persist local state such as tail
	// bookmarks. Empty disables persistence.
	StateDir string `yaml:"state_dir"`
}

// SourceConfig declares one record source. Params are interpreted by the
// source's factory.
type SourceConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Enabled *bool             `yaml:"enabled"` // nil means enabled
	Params  map[string]string `yaml:"params"`
}

// IsEnabled reports whether the source should run.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads, expands, parses, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Batch.CountThreshold == 0 {
		c.Batch.CountThreshold = DefaultCountThreshold
	}
	if c.Batch.FlushInterval == 0 {
		c.Batch.FlushInterval = Duration(DefaultFlushInterval)
	}
	if c.Batch.MaxBatchBytes == 0 {
		c.Batch.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = Duration(DefaultTimeout)
	}
	if c.Pipeline.ChannelSize == 0 {
		c.Pipeline.ChannelSize = DefaultChannelSize
	}
	if c.Pipeline.DrainTimeout == 0 {
		c.Pipeline.DrainTimeout = Duration(DefaultDrainTimeout)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the configuration for errors that would otherwise
// surface mid-stream. Configuration errors are not retryable: fix the
// file and restart.
func (c *Config) Validate() error {
	if c.Backend.ApplicationName == "" {
		return fmt.Errorf("backend.application_name is required")
	}
	if c.Backend.SubsystemName == "" {
		return fmt.Errorf("backend.subsystem_name is required")
	}
	if !c.Backend.DryRun {
		if c.Backend.Domain == "" && c.Backend.URL == "" {
			return fmt.Errorf("backend.domain (or backend.url) is required")
		}
		if c.Backend.PrivateKey == "" {
			return fmt.Errorf("backend.private_key is required")
		}
	}

	if c.Batch.CountThreshold < 1 {
		return fmt.Errorf("batch.count_threshold must be positive, got %d", c.Batch.CountThreshold)
	}
	if c.Batch.FlushInterval.Duration() <= 0 {
		return fmt.Errorf("batch.flush_interval must be positive, got %s", c.Batch.FlushInterval.Duration())
	}
	if c.Batch.MaxBatchBytes < 1024 {
		return fmt.Errorf("batch.max_batch_bytes must be at least 1024, got %d", c.Batch.MaxBatchBytes)
	}

	if c.Pipeline.MinLevel < 0 {
		return fmt.Errorf("pipeline.min_level must not be negative, got %d", c.Pipeline.MinLevel)
	}
	if c.Pipeline.ChannelSize < 1 {
		return fmt.Errorf("pipeline.channel_size must be positive, got %d", c.Pipeline.ChannelSize)
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	names := make(map[string]bool, len(c.Sources))
	enabled := 0
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if src.Type == "" {
			return fmt.Errorf("source %s: type is required", src.Name)
		}
		if names[src.Name] {
			return fmt.Errorf("duplicate source name: %s", src.Name)
		}
		names[src.Name] = true
		if src.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("all sources are disabled")
	}

	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or
// ${VAR:default}.
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
