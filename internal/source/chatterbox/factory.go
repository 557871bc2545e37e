package chatterbox

import (
	"cmp"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"

	"logship/internal/logging"
	"logship/internal/shipper"
)

const (
	defaultMinInterval = 100 * time.Millisecond
	defaultMaxInterval = 1 * time.Second
	defaultHostCount   = 5
)

// NewSource creates a chatterbox source from configuration parameters.
//
// Supported parameters:
//   - "min_interval": minimum delay between records (default: "100ms")
//   - "max_interval": maximum delay between records (default: "1s")
//   - "malformed_pct": percentage of records emitted as unparseable lines,
//     0 to 100 (default: 0)
//   - "host_count": number of distinct hostnames to generate (default: 5)
//
// Intervals use Go duration format: "100us", "1.5ms", "2s", etc.
func NewSource(id uuid.UUID, params map[string]string, logger *slog.Logger) (shipper.Source, error) {
	minInterval := defaultMinInterval
	maxInterval := defaultMaxInterval
	hostCount := defaultHostCount
	malformedPct := 0

	if v, ok := params["min_interval"]; ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid min_interval %q: %w", v, err)
		}
		if parsed < 0 {
			return nil, fmt.Errorf("min_interval must be non-negative, got %v", parsed)
		}
		minInterval = parsed
	}

	if v, ok := params["max_interval"]; ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid max_interval %q: %w", v, err)
		}
		if parsed < 0 {
			return nil, fmt.Errorf("max_interval must be non-negative, got %v", parsed)
		}
		maxInterval = parsed
	}

	if minInterval > maxInterval {
		return nil, fmt.Errorf("min_interval (%v) must not exceed max_interval (%v)", minInterval, maxInterval)
	}

	if v, ok := params["malformed_pct"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid malformed_pct %q: %w", v, err)
		}
		if n < 0 || n > 100 {
			return nil, fmt.Errorf("malformed_pct must be 0..100, got %d", n)
		}
		malformedPct = n
	}

	if v, ok := params["host_count"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid host_count %q: %w", v, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("host_count must be positive, got %d", n)
		}
		hostCount = n
	}

	hosts := make([]string, hostCount)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("host-%d", i+1)
	}

	name := cmp.Or(params["_name"], id.String())

	return &Source{
		name:         name,
		minInterval:  minInterval,
		maxInterval:  maxInterval,
		malformedPct: malformedPct,
		hosts:        hosts,
		pid:          1 + rand.IntN(32768),
		rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger: logging.Default(logger).With(
			"component", "source",
			"type", "chatterbox",
			"name", name,
		),
	}, nil
}
