// Package chatterbox emits synthetic producer records at random intervals.
// It exists to exercise the full pipeline without a real producer: records
// carry the producer's numeric level scale, millisecond timestamps, and the
// optional identity fields a real application would set. A configurable
// fraction of malformed lines lets the parse-and-skip path be observed
// under load.
package chatterbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"logship/internal/shipper"
)

// Source emits random producer records at random intervals.
// It implements shipper.Source.
type Source struct {
	name         string
	minInterval  time.Duration
	maxInterval  time.Duration
	malformedPct int
	hosts        []string
	pid          int
	rng          *rand.Rand

	// Scoped with component="source", type="chatterbox" at construction time.
	// Logging is intentionally sparse; nothing logs in the generation loop.
	logger *slog.Logger
}

// Run emits records to the output channel until ctx is cancelled.
// Returns nil on normal cancellation.
func (s *Source) Run(ctx context.Context, out chan<- shipper.Message) error {
	s.logger.Debug("chatterbox started",
		"min_interval", s.minInterval,
		"max_interval", s.maxInterval,
		"malformed_pct", s.malformedPct,
	)

	timer := time.NewTimer(s.randomInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		select {
		case out <- s.generate():
		case <-ctx.Done():
			return nil
		}

		timer.Reset(s.randomInterval())
	}
}

// randomInterval returns a random duration between minInterval and maxInterval.
func (s *Source) randomInterval() time.Duration {
	if s.minInterval >= s.maxInterval {
		return s.minInterval
	}
	delta := s.maxInterval - s.minInterval
	return s.minInterval + time.Duration(s.rng.Int64N(int64(delta)))
}

// generate creates one record. Most are well-formed producer records;
// a malformedPct fraction are lines no JSON parser will accept.
func (s *Source) generate() shipper.Message {
	now := time.Now()

	if s.rng.IntN(100) < s.malformedPct {
		return shipper.Message{
			Source:   s.name,
			Raw:      []byte(pick(s.rng, garbageLines)),
			IngestTS: now,
		}
	}

	obj := map[string]any{
		"level": s.randomLevel(),
		"time":  now.UnixMilli(),
		"msg":   pick(s.rng, phrases),
		"pid":   s.pid,
	}

	// Identity fields come and go record to record, the way real producers
	// only sometimes run with full context configured.
	if s.rng.IntN(10) < 7 {
		obj["hostname"] = pick(s.rng, s.hosts)
	}
	switch s.rng.IntN(4) {
	case 0:
		obj["category"] = pick(s.rng, categories)
	case 1:
		obj["className"] = pick(s.rng, classNames)
		obj["methodName"] = pick(s.rng, methodNames)
	case 2:
		obj["threadId"] = strconv.Itoa(1 + s.rng.IntN(64))
	}

	raw, _ := json.Marshal(obj)

	return shipper.Message{
		Source:   s.name,
		Raw:      raw,
		SourceTS: now,
		IngestTS: now,
	}
}

// levelWeights skews generated levels toward info, with errors uncommon
// and fatals rare. Weights sum to 100.
var levelWeights = [...]struct {
	level  int
	weight int
}{
	{10, 5},
	{20, 15},
	{30, 50},
	{40, 15},
	{50, 12},
	{60, 3},
}

// randomLevel returns a weighted random producer level.
func (s *Source) randomLevel() int {
	n := s.rng.IntN(100)
	for _, lw := range levelWeights {
		if n < lw.weight {
			return lw.level
		}
		n -= lw.weight
	}
	return 30
}

var phrases = []string{
	"request handled",
	"database connection established",
	"cache invalidated",
	"user session expired",
	"rate limit applied",
	"circuit breaker opened",
	"retry succeeded",
	"fallback activated",
	"feature flag evaluated",
	"upstream latency above threshold",
	"configuration reloaded",
	"worker drained",
}

var categories = []string{"http", "db", "auth", "billing", "scheduler"}

var classNames = []string{"OrderService", "UserRepository", "PaymentClient", "SessionManager"}

var methodNames = []string{"create", "findById", "charge", "refresh", "validate"}

// garbageLines is what ends up in application logs when something other
// than the logger writes to the stream.
var garbageLines = []string{
	"panic: runtime error: invalid memory address or nil pointer dereference",
	"<134>Oct 11 22:14:15 host-3 app[712]: legacy syslog line",
	`{"level":30,"msg":"truncated`,
	"\tat Object.handle (/srv/app/dist/router.js:41:13)",
	"Usage: app [--verbose] [--config FILE]",
}

// pick returns a random element from the slice.
func pick[T any](rng *rand.Rand, s []T) T {
	return s[rng.IntN(len(s))]
}
