package http

import (
	"cmp"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"logship/internal/shipper"
)

// ParamDefaults returns the default parameter values for an HTTP source.
func ParamDefaults() map[string]string {
	return map[string]string{
		"addr": ":9880",
	}
}

// NewFactory returns a SourceFactory for HTTP push sources.
func NewFactory() shipper.SourceFactory {
	return func(id uuid.UUID, params map[string]string, logger *slog.Logger) (shipper.Source, error) {
		name := params["_name"]
		if name == "" {
			name = id.String()
		}

		addr := cmp.Or(params["addr"], ParamDefaults()["addr"])
		if addr[0] != ':' && addr[0] != '[' && !strings.Contains(addr, ":") {
			return nil, fmt.Errorf("http source %q: invalid addr %q: must be :port or host:port", name, addr)
		}

		var maxBody int64
		if v := params["max_body_bytes"]; v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("http source %q: invalid max_body_bytes %q", name, v)
			}
			maxBody = n
		}

		var limit rate.Limit
		if v := params["rate_limit"]; v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 {
				return nil, fmt.Errorf("http source %q: invalid rate_limit %q", name, v)
			}
			limit = rate.Limit(f)
		}

		var burst int
		if v := params["rate_burst"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("http source %q: invalid rate_burst %q", name, v)
			}
			burst = n
		}

		return New(Config{
			Name:         name,
			Addr:         addr,
			Token:        params["token"],
			MaxBodyBytes: maxBody,
			RateLimit:    limit,
			RateBurst:    burst,
			Logger:       logger,
		}), nil
	}
}
