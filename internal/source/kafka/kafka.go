// Package kafka consumes log records from a Kafka topic using franz-go.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"logship/internal/logging"
	"logship/internal/shipper"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config holds Kafka source configuration.
type Config struct {
	Name    string
	Brokers []string
	Topic   string
	Group   string
	TLS     bool
	SASL    *SASLConfig
	Logger  *slog.Logger
}

// Source consumes records from a Kafka topic. Each Kafka record value is
// forwarded as one raw log record; partition and offset travel as attributes.
type Source struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a new Kafka source.
func New(cfg Config) *Source {
	return &Source{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "source", "type", "kafka", "name", cfg.Name),
	}
}

// Run connects to Kafka and polls records until ctx is cancelled. Consumed
// offsets are committed through the consumer group; on shutdown any
// uncommitted offsets are flushed so a restart resumes where it left off.
func (s *Source) Run(ctx context.Context, out chan<- shipper.Message) error {
	opts := []kgo.Opt{
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumeTopics(s.cfg.Topic),
		kgo.ConsumerGroup(s.cfg.Group),
	}

	if s.cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}

	if s.cfg.SASL != nil {
		mech, err := buildSASLMechanism(s.cfg.SASL)
		if err != nil {
			return err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	s.logger.Info("kafka consumer started",
		"brokers", s.cfg.Brokers,
		"topic", s.cfg.Topic,
		"group", s.cfg.Group,
	)

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			s.logger.Info("kafka consumer stopping")
			_ = client.CommitUncommittedOffsets(context.Background())
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				s.logger.Warn("kafka fetch error",
					"topic", e.Topic,
					"partition", e.Partition,
					"error", e.Err,
				)
			}
		}

		now := time.Now()

		fetches.EachRecord(func(rec *kgo.Record) {
			attrs := make(map[string]string, len(rec.Headers)+3)
			attrs["kafka_topic"] = rec.Topic
			attrs["kafka_partition"] = strconv.Itoa(int(rec.Partition))
			attrs["kafka_offset"] = strconv.FormatInt(rec.Offset, 10)

			for _, h := range rec.Headers {
				attrs[h.Key] = string(h.Value)
			}

			msg := shipper.Message{
				Source:   s.cfg.Name,
				Raw:      rec.Value,
				Attrs:    attrs,
				SourceTS: rec.Timestamp,
				IngestTS: now,
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		})
	}
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
