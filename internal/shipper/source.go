package shipper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Message is one raw producer record emitted by a source.
// The shipper parses Raw as a producer JSON record; sources do not
// interpret payloads beyond framing.
type Message struct {
	// Source is the configured source name, stamped by the source itself.
	Source string

	Raw []byte

	// Attrs carries protocol extras (a fluent tag, a file path) for
	// diagnostics. May be nil.
	Attrs map[string]string

	SourceTS time.Time // when the record was produced, zero if unknown
	IngestTS time.Time // when the source received it
}

// Source is a producer of raw records.
// Implementations must respect context cancellation and exit promptly.
// Sources do not know about parsing, batching, or delivery.
type Source interface {
	// Run starts the source and emits messages to the output channel.
	// Run blocks until ctx is cancelled, the input is exhausted, or an
	// unrecoverable error occurs. Sources must select on ctx.Done() when
	// sending so shutdown is prompt. Returning nil or ctx.Err() after
	// cancellation both count as a clean exit.
	Run(ctx context.Context, out chan<- Message) error
}

// SourceFactory creates a Source from configuration parameters.
// Factories validate required params, apply defaults, and return a fully
// constructed source or a descriptive error. Factories must not start
// goroutines or perform I/O beyond validation.
//
// Params prefixed with an underscore are injected by the shipper rather
// than read from the config file: "_name" is the configured source name,
// "_state_dir" (when present) is where sources may persist local state.
//
// The logger parameter is optional. If nil, the source disables logging.
// Factories should scope the logger with component-specific attributes.
//
// This type is defined in the shipper package because Source is defined
// here. Concrete factory implementations live in their respective source
// packages (e.g., stdin.NewFactory()). The shipper never contains source
// construction logic, it only calls factories.
type SourceFactory func(id uuid.UUID, params map[string]string, logger *slog.Logger) (Source, error)

// SourceMeta describes a registered source for logging and stats.
type SourceMeta struct {
	Name string
	Type string
}
