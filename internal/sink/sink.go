// Package sink implements the record sink: the batch accumulator that
// decides when buffered entries ship to the backend.
//
// The sink owns a single buffer of wire entries and an approximate byte
// size for it. Entries accumulate until a flush trigger fires: the byte
// size crosses the flush threshold, the interval timer ticks, or the
// owner asks for one. A flush atomically swaps the buffer out and hands
// the batch to the injected deliver function; at most one delivery is in
// flight at a time, and delivery failures are contained here (logged and
// surfaced to the error hook, never propagated, never retried).
//
// Thread-safe: all methods may be called concurrently. The intended
// usage pattern is that the ingest loop calls Add and Flush while the
// interval timer goroutine calls Flush on its own.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"logship/internal/logging"
	"logship/internal/wire"
)

const (
	// DefaultMaxBatchBytes is the backend's hard limit on the serialized
	// size of one batch. Oversized batches are rejected outright, so the
	// sink flushes well before reaching it.
	DefaultMaxBatchBytes = 2 << 20

	// DefaultFlushInterval is the wall-clock period between timer flushes.
	DefaultFlushInterval = 5 * time.Second
)

// DeliverFunc ships one batch to the backend. The batch is never empty.
// The sink transfers ownership of the slice to the callee and holds no
// reference to it afterwards. Implementations must be time-bounded: the
// sink applies no delivery timeout of its own.
type DeliverFunc func(ctx context.Context, batch []wire.Entry) error

// Config configures a Sink.
type Config struct {
	// Deliver ships flushed batches. Required.
	Deliver DeliverFunc

	// MaxBatchBytes is the backend's serialized batch ceiling. The flush
	// threshold is 8/10 of it, leaving headroom for estimator error and
	// array framing. Defaults to DefaultMaxBatchBytes.
	MaxBatchBytes int

	// FlushInterval is the timer flush period. Defaults to
	// DefaultFlushInterval.
	FlushInterval time.Duration

	// OnError, if set, receives each delivery failure exactly once,
	// out of band. Must not block.
	OnError func(error)

	// Clock drives the interval timer. Defaults to the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Sink accumulates wire entries and flushes them in batches.
type Sink struct {
	deliver   DeliverFunc
	threshold int
	onError   func(error)
	logger    *slog.Logger

	mu        sync.Mutex
	buf       []wire.Entry
	sizeBytes int
	flushing  bool
	flushDone chan struct{}
	stopped   bool

	ticker    *clock.Ticker
	stopTimer chan struct{}
	timerDone chan struct{}

	dropWarn sync.Once
}

// New creates a Sink and arms its interval timer. Call Stop to release it.
func New(cfg Config) (*Sink, error) {
	if cfg.Deliver == nil {
		return nil, errors.New("sink: deliver function is required")
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	threshold := cfg.MaxBatchBytes * 8 / 10
	if threshold < 1 {
		threshold = 1
	}

	s := &Sink{
		deliver:   cfg.Deliver,
		threshold: threshold,
		onError:   cfg.OnError,
		logger:    logging.Default(cfg.Logger).With("component", "sink"),
		ticker:    clk.Ticker(cfg.FlushInterval),
		stopTimer: make(chan struct{}),
		timerDone: make(chan struct{}),
	}
	go s.runTimer()
	return s, nil
}

func (s *Sink) runTimer() {
	defer close(s.timerDone)
	for {
		select {
		case <-s.ticker.C:
			s.Flush(context.Background())
		case <-s.stopTimer:
			return
		}
	}
}

// Add appends one entry to the buffer and returns true if the buffered
// size has crossed the flush threshold, signaling that the caller should
// flush. Add never performs I/O. After Stop, entries are dropped and Add
// returns false.
func (s *Sink) Add(e wire.Entry) bool {
	size := e.EstimatedSize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.dropWarn.Do(func() {
			s.logger.Warn("record added after stop, dropping")
		})
		return false
	}
	s.buf = append(s.buf, e)
	s.sizeBytes += size
	return s.sizeBytes >= s.threshold
}

// NeedsFlush reports whether the buffered size has crossed the flush
// threshold.
func (s *Sink) NeedsFlush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeBytes >= s.threshold
}

// Len returns the number of buffered entries.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// EstimatedBytes returns the approximate serialized size of the buffered
// entries.
func (s *Sink) EstimatedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeBytes
}

// Flush ships the buffered entries as one batch, blocking until the
// delivery attempt completes. It is a no-op if the buffer is empty or
// another flush is already in flight (the in-flight flush provides the
// needed progress; requests are not queued). Delivery failures do not
// escape: they are logged, handed to the error hook, and the batch is
// dropped.
func (s *Sink) Flush(ctx context.Context) {
	s.mu.Lock()
	if s.flushing || len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	done := make(chan struct{})
	s.flushDone = done
	batch := s.buf
	size := s.sizeBytes
	s.buf = nil
	s.sizeBytes = 0
	s.mu.Unlock()

	err := s.deliver(ctx, batch)

	s.mu.Lock()
	s.flushing = false
	s.flushDone = nil
	s.mu.Unlock()
	close(done)

	if err != nil {
		s.logger.Error("batch delivery failed, dropping batch",
			"error", err, "records", len(batch), "bytes", size)
		if s.onError != nil {
			s.onError(err)
		}
	}
}

// Stop stops the interval timer, waits for any in-flight delivery, and
// runs one final flush so a cleanly ended stream loses no buffered
// records. Repeat calls are no-ops. The context bounds the wait; if it
// expires, remaining records are abandoned.
func (s *Sink) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.ticker.Stop()
	close(s.stopTimer)
	<-s.timerDone

	s.mu.Lock()
	inflight := s.flushDone
	s.mu.Unlock()
	if inflight != nil {
		select {
		case <-inflight:
		case <-ctx.Done():
			s.logger.Warn("stop aborted while delivery in flight", "error", ctx.Err())
			return
		}
	}

	s.Flush(ctx)
	s.logger.Debug("sink stopped")
}
