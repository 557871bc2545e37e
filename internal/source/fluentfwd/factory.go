package fluentfwd

import (
	"cmp"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"logship/internal/shipper"
)

// ParamDefaults returns the default parameter values for a Fluent Forward source.
func ParamDefaults() map[string]string {
	return map[string]string{
		"addr": ":24224",
	}
}

// NewFactory returns a SourceFactory for Fluent Forward sources.
func NewFactory() shipper.SourceFactory {
	return func(id uuid.UUID, params map[string]string, logger *slog.Logger) (shipper.Source, error) {
		addr := cmp.Or(params["addr"], ParamDefaults()["addr"])

		if addr[0] != ':' && addr[0] != '[' && !strings.Contains(addr, ":") {
			return nil, fmt.Errorf("invalid addr %q: must be :port or host:port", addr)
		}

		return New(Config{
			Name:   cmp.Or(params["_name"], id.String()),
			Addr:   addr,
			Logger: logger,
		}), nil
	}
}
