package tail

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"logship/internal/logging"
	"logship/internal/shipper"
)

// ParamDefaults returns the default parameter values for a tail source.
func ParamDefaults() map[string]string {
	return map[string]string{
		"poll_interval":  "10s",
		"read_from":      "end",
		"max_line_bytes": "1048576",
	}
}

// NewFactory returns a SourceFactory for file tail sources.
func NewFactory() shipper.SourceFactory {
	return func(id uuid.UUID, params map[string]string, logger *slog.Logger) (shipper.Source, error) {
		cfg, err := parseParams(id, params, logger)
		if err != nil {
			return nil, err
		}
		return newSource(cfg), nil
	}
}

// sourceConfig holds parsed configuration for a tail source.
type sourceConfig struct {
	Name         string
	Patterns     []string
	PollInterval time.Duration
	FromStart    bool
	MaxLineBytes int
	StatePath    string
	Logger       *slog.Logger
}

func parseParams(id uuid.UUID, params map[string]string, logger *slog.Logger) (sourceConfig, error) {
	name := params["_name"]
	if name == "" {
		name = id.String()
	}

	defaults := ParamDefaults()

	pathsJSON := params["paths"]
	if pathsJSON == "" {
		return sourceConfig{}, fmt.Errorf("tail source %q: paths param required (JSON array of glob patterns)", name)
	}
	var patterns []string
	if err := json.Unmarshal([]byte(pathsJSON), &patterns); err != nil {
		return sourceConfig{}, fmt.Errorf("tail source %q: invalid paths JSON: %w", name, err)
	}
	if len(patterns) == 0 {
		return sourceConfig{}, fmt.Errorf("tail source %q: paths must contain at least one pattern", name)
	}

	pollStr := cmp.Or(params["poll_interval"], defaults["poll_interval"])
	pollInterval, err := time.ParseDuration(pollStr)
	if err != nil {
		return sourceConfig{}, fmt.Errorf("tail source %q: invalid poll_interval %q: %w", name, pollStr, err)
	}
	if pollInterval < 0 {
		return sourceConfig{}, fmt.Errorf("tail source %q: poll_interval must be non-negative", name)
	}

	fromStart := false
	switch cmp.Or(params["read_from"], defaults["read_from"]) {
	case "end":
	case "start":
		fromStart = true
	default:
		return sourceConfig{}, fmt.Errorf("tail source %q: read_from must be \"start\" or \"end\"", name)
	}

	lineStr := cmp.Or(params["max_line_bytes"], defaults["max_line_bytes"])
	maxLine, err := strconv.Atoi(lineStr)
	if err != nil || maxLine <= 0 {
		return sourceConfig{}, fmt.Errorf("tail source %q: invalid max_line_bytes %q", name, lineStr)
	}

	var statePath string
	if dir := params["_state_dir"]; dir != "" {
		statePath = filepath.Join(dir, "tail", name+".json")
	}

	return sourceConfig{
		Name:         name,
		Patterns:     patterns,
		PollInterval: pollInterval,
		FromStart:    fromStart,
		MaxLineBytes: maxLine,
		StatePath:    statePath,
		Logger:       logging.Default(logger).With("component", "source", "type", "tail", "name", name),
	}, nil
}
