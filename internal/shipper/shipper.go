// Package shipper coordinates sources, record transformation, and the
// record sink without owning business logic. Sources emit raw producer
// records into a shared channel; a single ingest loop parses, filters,
// and maps them, feeds the sink, and decides when to flush.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"logship/internal/config"
	"logship/internal/logging"
	"logship/internal/sink"
	"logship/internal/transform"
	"logship/internal/wire"
)

var (
	// ErrAlreadyRunning is returned by Start on a running shipper.
	ErrAlreadyRunning = errors.New("shipper already running")
	// ErrNotRunning is returned by Stop on a stopped shipper.
	ErrNotRunning = errors.New("shipper not running")
)

// Config holds shipper configuration.
type Config struct {
	// Deliver ships flushed batches. Required.
	Deliver sink.DeliverFunc

	// Static is stamped onto every entry.
	Static transform.Static

	// CountThreshold flushes once this many records are buffered,
	// independent of the sink's byte trigger.
	CountThreshold int

	// FlushInterval and MaxBatchBytes are handed to the sink.
	FlushInterval time.Duration
	MaxBatchBytes int

	// MinLevel drops records below this producer level. 0 ships everything.
	MinLevel int

	// ChannelSize is the ingest channel buffer.
	ChannelSize int

	// DrainTimeout bounds the final flush during Stop.
	DrainTimeout time.Duration

	// StatsCron, when set, schedules a periodic stats summary log line.
	// Cron expressions include a seconds field.
	StatsCron string

	// Clock drives the sink's flush timer. Defaults to the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Shipper runs the ingest pipeline: sources → parse → map → sink.
//
// Concurrency model:
//   - RegisterSource is called at startup only, before Start. After
//     setup the source registry is effectively read-only. This is
//     enforced by convention, not by the type system.
//   - A single ingest loop serializes Add and flush decisions.
//   - A Shipper runs one Start/Stop cycle; create a new one to run again.
type Shipper struct {
	mu          sync.Mutex
	running     bool
	stopped     bool
	cancel      context.CancelFunc
	ingestCh    chan Message
	sourcesDone chan struct{}
	sink        *sink.Sink

	sources       map[uuid.UUID]Source
	sourceMeta    map[uuid.UUID]SourceMeta
	sourceCancels map[uuid.UUID]context.CancelFunc

	deliver        sink.DeliverFunc
	static         transform.Static
	countThreshold int
	flushInterval  time.Duration
	maxBatchBytes  int
	minLevel       int
	channelSize    int
	drainTimeout   time.Duration
	clk            clock.Clock

	stats *Stats
	sched *scheduler

	sourceWg sync.WaitGroup
	ingestWg sync.WaitGroup

	baseLogger *slog.Logger
	logger     *slog.Logger
}

// New creates a Shipper. Register sources, then call Start.
func New(cfg Config) (*Shipper, error) {
	if cfg.Deliver == nil {
		return nil, errors.New("shipper: deliver function is required")
	}
	if cfg.Static.ApplicationName == "" || cfg.Static.SubsystemName == "" {
		return nil, errors.New("shipper: application and subsystem names are required")
	}
	if cfg.CountThreshold <= 0 {
		cfg.CountThreshold = config.DefaultCountThreshold
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = config.DefaultChannelSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.DefaultDrainTimeout
	}

	baseLogger := logging.Default(cfg.Logger)
	s := &Shipper{
		sources:        make(map[uuid.UUID]Source),
		sourceMeta:     make(map[uuid.UUID]SourceMeta),
		sourceCancels:  make(map[uuid.UUID]context.CancelFunc),
		deliver:        cfg.Deliver,
		static:         cfg.Static,
		countThreshold: cfg.CountThreshold,
		flushInterval:  cfg.FlushInterval,
		maxBatchBytes:  cfg.MaxBatchBytes,
		minLevel:       cfg.MinLevel,
		channelSize:    cfg.ChannelSize,
		drainTimeout:   cfg.DrainTimeout,
		clk:            cfg.Clock,
		stats:          newStats(),
		baseLogger:     baseLogger,
		logger:         baseLogger.With("component", "shipper"),
	}

	sched, err := newScheduler(s.logger)
	if err != nil {
		return nil, err
	}
	s.sched = sched

	if cfg.StatsCron != "" {
		if err := s.sched.addJob("stats-summary", cfg.StatsCron, s.logStats); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// RegisterSource adds a source. Call before Start.
func (s *Shipper) RegisterSource(id uuid.UUID, meta SourceMeta, src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[id] = src
	s.sourceMeta[id] = meta
	s.stats.register(meta.Name)
}

// Stats returns the pipeline counters.
func (s *Shipper) Stats() *Stats {
	return s.stats
}

// SourcesDone returns a channel closed once every source has exited.
// The shipper keeps running (timer flushes continue) until Stop; callers
// use this to shut down when the input stream is exhausted. Valid after
// Start.
func (s *Shipper) SourcesDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourcesDone
}

// Start builds the sink and launches all sources and the ingest loop.
// Each source runs in its own goroutine, emitting messages to a shared
// channel. Start returns immediately; use Stop to shut down.
func (s *Shipper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.stopped {
		return errors.New("shipper: cannot restart a stopped shipper")
	}
	if len(s.sources) == 0 {
		return errors.New("shipper: no sources registered")
	}

	snk, err := sink.New(sink.Config{
		Deliver:       s.deliverCounted,
		MaxBatchBytes: s.maxBatchBytes,
		FlushInterval: s.flushInterval,
		OnError:       s.stats.noteError,
		Clock:         s.clk,
		Logger:        s.baseLogger,
	})
	if err != nil {
		return fmt.Errorf("create sink: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.sink = snk
	s.ingestCh = make(chan Message, s.channelSize)
	s.sourcesDone = make(chan struct{})

	s.logger.Info("starting shipper",
		"sources", len(s.sources),
		"count_threshold", s.countThreshold,
		"min_level", s.minLevel)

	s.sched.start()

	for id, src := range s.sources {
		runCtx, runCancel := context.WithCancel(ctx)
		s.sourceCancels[id] = runCancel
		meta := s.sourceMeta[id]
		s.logger.Info("starting source", "id", id, "name", meta.Name, "type", meta.Type)
		s.sourceWg.Go(func() {
			if err := src.Run(runCtx, s.ingestCh); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("source exited", "name", meta.Name, "error", err)
			}
		})
	}

	done := s.sourcesDone
	go func() {
		s.sourceWg.Wait()
		close(done)
	}()

	ch := s.ingestCh
	s.ingestWg.Go(func() { s.ingestLoop(ctx, ch) })

	return nil
}

// Stop cancels all sources and drains the pipeline.
//
// Ordered shutdown:
//  1. Cancel source contexts → sourceWg.Wait() → close ingestCh
//  2. ingestWg.Wait() (the ingest loop drains remaining messages)
//  3. sink.Stop (final flush, bounded by the drain timeout)
func (s *Shipper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel := s.cancel
	ingestCh := s.ingestCh
	snk := s.sink
	for _, runCancel := range s.sourceCancels {
		runCancel()
	}
	s.mu.Unlock()

	cancel()

	// Stage 1: wait for sources to exit, then close the ingest channel.
	s.sourceWg.Wait()
	close(ingestCh)

	// Stage 2: wait for the ingest loop to drain remaining messages.
	s.ingestWg.Wait()

	// Stage 3: final flush so a cleanly ended stream loses nothing.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancelDrain()
	snk.Stop(drainCtx)

	_ = s.sched.stop()

	s.mu.Lock()
	s.running = false
	s.stopped = true
	s.cancel = nil
	s.ingestCh = nil
	s.sourceCancels = make(map[uuid.UUID]context.CancelFunc)
	s.mu.Unlock()

	snap := s.stats.Snapshot()
	s.logger.Info("shipper stopped",
		"records_in", snap.RecordsIn,
		"records_shipped", snap.RecordsShipped,
		"batches_shipped", snap.BatchesShipped,
		"batches_failed", snap.BatchesFailed,
		"records_lost", snap.RecordsLost)
	return nil
}

// ingestLoop reads messages, transforms them, and feeds the sink.
//
// On context cancellation it drains remaining messages from the channel
// so that every record emitted before shutdown reaches the sink before
// the final flush.
func (s *Shipper) ingestLoop(ctx context.Context, ch <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			// Cancelled. The channel closes once the sources exit.
			for msg := range ch {
				s.process(msg)
			}
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.process(msg)
		}
	}
}

// process handles one raw record: parse, filter, map, add, flush when a
// trigger fires. A record that cannot be parsed is counted and skipped;
// it never interrupts the stream.
func (s *Shipper) process(msg Message) {
	s.stats.RecordsIn.Add(1)
	s.stats.BytesIn.Add(int64(len(msg.Raw)))
	if ss := s.stats.source(msg.Source); ss != nil {
		ss.Records.Add(1)
		ss.Bytes.Add(int64(len(msg.Raw)))
	}

	rec, err := transform.Parse(msg.Raw)
	if err != nil {
		s.stats.ParseFailures.Add(1)
		s.logger.Debug("skipping unparseable record", "source", msg.Source, "error", err)
		return
	}

	if s.minLevel > 0 && rec.Level < s.minLevel {
		s.stats.RecordsFiltered.Add(1)
		return
	}

	if rec.Time == 0 {
		rec.Time = fallbackTime(msg).UnixMilli()
	}

	needsFlush := s.sink.Add(transform.Map(rec, s.static))
	if needsFlush || s.sink.Len() >= s.countThreshold {
		s.sink.Flush(context.Background())
	}
}

// fallbackTime picks a timestamp for records that carried none.
func fallbackTime(msg Message) time.Time {
	if !msg.SourceTS.IsZero() {
		return msg.SourceTS
	}
	if !msg.IngestTS.IsZero() {
		return msg.IngestTS
	}
	return time.Now()
}

// deliverCounted wraps the configured deliver function with stats.
func (s *Shipper) deliverCounted(ctx context.Context, batch []wire.Entry) error {
	if err := s.deliver(ctx, batch); err != nil {
		s.stats.BatchesFailed.Add(1)
		s.stats.RecordsLost.Add(int64(len(batch)))
		return err
	}
	s.stats.BatchesShipped.Add(1)
	s.stats.RecordsShipped.Add(int64(len(batch)))
	return nil
}

// logStats emits a stats summary. Runs as a scheduled job.
func (s *Shipper) logStats() {
	snap := s.stats.Snapshot()
	s.logger.Info("pipeline stats",
		"records_in", snap.RecordsIn,
		"bytes_in", snap.BytesIn,
		"parse_failures", snap.ParseFailures,
		"records_filtered", snap.RecordsFiltered,
		"records_shipped", snap.RecordsShipped,
		"batches_shipped", snap.BatchesShipped,
		"batches_failed", snap.BatchesFailed,
		"records_lost", snap.RecordsLost)
}
