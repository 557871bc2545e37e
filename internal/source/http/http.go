// Package http provides a push source that accepts producer records over
// HTTP. Bodies are newline-delimited JSON or a single JSON array of
// records, optionally gzip- or zstd-compressed.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"logship/internal/logging"
	"logship/internal/shipper"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second

	cleanupInterval = time.Minute
	staleAfter      = 10 * time.Minute
)

// Config holds HTTP source configuration.
type Config struct {
	// Name is the configured source name.
	Name string

	// Addr is the address to listen on (e.g., ":9880", "127.0.0.1:9880").
	Addr string

	// Token, when set, must be presented as a bearer token by clients.
	Token string

	// MaxBodyBytes caps the decompressed request body. Defaults to 10 MiB.
	MaxBodyBytes int64

	// RateLimit is the per-client-IP request rate. 0 disables limiting.
	RateLimit rate.Limit
	RateBurst int

	Logger *slog.Logger
}

// Source accepts producer records via POST /v1/records.
//
// Request handling:
//   - 204 once every record in the body is queued
//   - 400 for bodies that cannot be read or parsed
//   - 401 when a configured token is missing or wrong
//   - 429 when the client is rate-limited or the ingest queue is near full
type Source struct {
	name         string
	addr         string
	token        string
	maxBodyBytes int64
	limiter      *rateLimiter
	listener     net.Listener
	server       *http.Server
	out          chan<- shipper.Message
	logger       *slog.Logger
}

// New creates a new HTTP source.
func New(cfg Config) *Source {
	var rl *rateLimiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		rl = newRateLimiter(cfg.RateLimit, burst)
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}

	return &Source{
		name:         cfg.Name,
		addr:         cfg.Addr,
		token:        cfg.Token,
		maxBodyBytes: maxBody,
		limiter:      rl,
		logger:       logging.Default(cfg.Logger).With("component", "source", "type", "http", "name", cfg.Name),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Source) Run(ctx context.Context, out chan<- shipper.Message) error {
	s.out = out

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/records", s.handlePush)
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.logger.Info("http source listening", "addr", s.listener.Addr().String())

	var wg sync.WaitGroup
	if s.limiter != nil {
		s.limiter.startCleanup(ctx, &wg, cleanupInterval, staleAfter)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http source stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		wg.Wait()
		return nil
	case err := <-errCh:
		wg.Wait()
		return err
	}
}

// Addr returns the listener address. Only valid after Run has started.
func (s *Source) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Source) handlePush(w http.ResponseWriter, req *http.Request) {
	if s.token != "" && req.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ip := clientIP(req)

	if s.limiter != nil && !s.limiter.allow(ip) {
		w.Header().Set("Retry-After", "60")
		http.Error(w, "too many requests, try again later", http.StatusTooManyRequests)
		return
	}

	if c := cap(s.out); c > 0 && len(s.out) >= c*9/10 {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "queue full, retry later", http.StatusTooManyRequests)
		return
	}

	body, err := readBody(req.Body, req.Header.Get("Content-Encoding"), s.maxBodyBytes)
	if err != nil {
		http.Error(w, "failed to read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	records, err := splitRecords(body)
	if err != nil {
		s.logger.Warn("rejecting push request", "remote", ip, "error", err)
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	now := time.Now()
	for _, raw := range records {
		msg := shipper.Message{
			Source:   s.name,
			Raw:      raw,
			Attrs:    map[string]string{"remote": ip},
			IngestTS: now,
		}
		select {
		case s.out <- msg:
		case <-req.Context().Done():
			http.Error(w, "request cancelled", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// splitRecords extracts individual records from a request body. A body
// whose first significant byte is '[' is a JSON array of records;
// anything else is treated as newline-delimited JSON.
func splitRecords(body []byte) ([][]byte, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, fmt.Errorf("parse JSON array: %w", err)
		}
		records := make([][]byte, 0, len(arr))
		for _, r := range arr {
			records = append(records, []byte(r))
		}
		return records, nil
	}

	var records [][]byte
	for _, line := range bytes.Split(body, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		records = append(records, line)
	}
	return records, nil
}

func clientIP(req *http.Request) string {
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil || ip == "" {
		return req.RemoteAddr
	}
	return ip
}
