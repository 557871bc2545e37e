package shipper

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"logship/internal/config"
	"logship/internal/logging"
)

// Factories holds the source constructors available to ApplyConfig,
// keyed by the type name used in configuration.
type Factories struct {
	Sources map[string]SourceFactory

	// StateDir, when set, is injected into source params as "_state_dir"
	// for sources that persist cursors between runs.
	StateDir string

	Logger *slog.Logger
}

// ApplyConfig instantiates one source per enabled config entry and
// registers it. Call before Start. A bad entry aborts the apply with an
// error; callers must treat that as fatal rather than start a partial
// pipeline.
func (s *Shipper) ApplyConfig(cfgs []config.SourceConfig, f Factories) error {
	logger := logging.Default(f.Logger)

	for _, sc := range cfgs {
		if !sc.IsEnabled() {
			logger.Info("skipping disabled source", "name", sc.Name, "type", sc.Type)
			continue
		}

		factory, ok := f.Sources[sc.Type]
		if !ok {
			return fmt.Errorf("unknown source type %q for source %q", sc.Type, sc.Name)
		}

		params := make(map[string]string, len(sc.Params)+2)
		maps.Copy(params, sc.Params)
		params["_name"] = sc.Name
		if f.StateDir != "" {
			params["_state_dir"] = f.StateDir
		}

		id := uuid.Must(uuid.NewV7())
		src, err := factory(id, params, logger)
		if err != nil {
			return fmt.Errorf("create source %q: %w", sc.Name, err)
		}
		s.RegisterSource(id, SourceMeta{Name: sc.Name, Type: sc.Type}, src)
	}

	return nil
}
