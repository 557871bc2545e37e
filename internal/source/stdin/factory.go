package stdin

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/google/uuid"

	"logship/internal/logging"
	"logship/internal/shipper"
)

// ParamDefaults returns the default parameter values for a stdin source.
func ParamDefaults() map[string]string {
	return map[string]string{
		"max_line_bytes": "1048576",
	}
}

// NewFactory returns a SourceFactory reading from standard input.
func NewFactory() shipper.SourceFactory {
	return func(id uuid.UUID, params map[string]string, logger *slog.Logger) (shipper.Source, error) {
		name := params["_name"]
		if name == "" {
			name = id.String()
		}

		v := cmp.Or(params["max_line_bytes"], ParamDefaults()["max_line_bytes"])
		maxLine, err := strconv.Atoi(v)
		if err != nil || maxLine <= 0 {
			return nil, fmt.Errorf("stdin source %q: invalid max_line_bytes %q", name, v)
		}

		return &source{
			name:         name,
			in:           os.Stdin,
			maxLineBytes: maxLine,
			logger:       logging.Default(logger).With("component", "source", "type", "stdin", "name", name),
		}, nil
	}
}
