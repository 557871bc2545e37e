// Package fluentfwd accepts log records over the Fluent Forward protocol.
// It speaks the msgpack wire format used by Fluentd and Fluent Bit over TCP,
// including Message, Forward, PackedForward, and CompressedPackedForward
// modes, and re-encodes each record as a JSON object for the pipeline.
package fluentfwd

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"logship/internal/logging"
	"logship/internal/shipper"
)

// Config holds Fluent Forward source configuration.
type Config struct {
	Name   string
	Addr   string // e.g. ":24224"
	Logger *slog.Logger
}

// Source accepts records via the Fluent Forward protocol over TCP.
type Source struct {
	name     string
	addr     string
	listener net.Listener
	out      chan<- shipper.Message
	logger   *slog.Logger
}

// New creates a new Fluent Forward source.
func New(cfg Config) *Source {
	return &Source{
		name:   cfg.Name,
		addr:   cfg.Addr,
		logger: logging.Default(cfg.Logger).With("component", "source", "type", "fluentfwd", "name", cfg.Name),
	}
}

func init() {
	// Fluent Forward encodes timestamps as msgpack extension type 0:
	// 8 bytes = 4-byte big-endian seconds + 4-byte big-endian nanoseconds.
	msgpack.RegisterExt(0, (*eventTime)(nil))
}

// eventTime implements msgpack extension type 0 for Fluent Forward EventTime.
type eventTime struct {
	time.Time
}

func (et *eventTime) MarshalMsgpack() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], uint32(et.Unix()))
	binary.BigEndian.PutUint32(b[4:8], uint32(et.Nanosecond()))
	return b, nil
}

func (et *eventTime) UnmarshalMsgpack(b []byte) error {
	if len(b) != 8 {
		return fmt.Errorf("eventtime: expected 8 bytes, got %d", len(b))
	}
	sec := binary.BigEndian.Uint32(b[0:4])
	nsec := binary.BigEndian.Uint32(b[4:8])
	et.Time = time.Unix(int64(sec), int64(nsec))
	return nil
}

// Run starts the TCP listener and blocks until ctx is cancelled.
func (s *Source) Run(ctx context.Context, out chan<- shipper.Message) error {
	s.out = out

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("fluentfwd listen: %w", err)
	}
	s.listener = ln

	s.logger.Info("fluent forward listening", "addr", ln.Addr().String())

	var wg sync.WaitGroup
	defer func() {
		_ = ln.Close()
		wg.Wait()
	}()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Transient accept error, log and continue.
			s.logger.Warn("accept error", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Addr returns the listener address. Only valid after Run has started.
func (s *Source) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConn processes a single TCP connection. A malformed frame closes
// the connection; the sender reconnects and retransmits on its side.
func (s *Source) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("connection accepted", "remote", remote)

	dec := msgpack.NewDecoder(conn)

	for {
		if ctx.Err() != nil {
			return
		}

		// Each frame is a msgpack array of 2 to 4 elements.
		arrLen, err := dec.DecodeArrayLen()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("decode error", "remote", remote, "error", err)
			return
		}

		if arrLen < 2 || arrLen > 4 {
			s.logger.Warn("unexpected array length", "remote", remote, "len", arrLen)
			return
		}

		tag, err := dec.DecodeString()
		if err != nil {
			s.logger.Warn("decode tag error", "remote", remote, "error", err)
			return
		}

		// The second element's msgpack code picks the transport mode.
		code, err := dec.PeekCode()
		if err != nil {
			s.logger.Warn("peek error", "remote", remote, "error", err)
			return
		}

		var option map[string]any

		switch {
		case code == msgpcode.Bin8 || code == msgpcode.Bin16 || code == msgpcode.Bin32:
			// PackedForward or CompressedPackedForward: [tag, bin, option?]
			binData, err := dec.DecodeBytes()
			if err != nil {
				s.logger.Warn("decode packed entries", "remote", remote, "error", err)
				return
			}

			if arrLen >= 3 {
				option, _ = decodeOption(dec)
			}

			if isCompressed(option) {
				binData, err = gunzip(binData)
				if err != nil {
					s.logger.Warn("decompress error", "remote", remote, "error", err)
					return
				}
			}

			if err := s.processPackedEntries(ctx, tag, binData); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("process packed entries", "remote", remote, "error", err)
				return
			}

		case isArrayCode(code):
			// Forward mode: [tag, [[time, record], ...], option?]
			entries, err := decodeEntries(dec)
			if err != nil {
				s.logger.Warn("decode entries", "remote", remote, "error", err)
				return
			}

			if arrLen >= 3 {
				option, _ = decodeOption(dec)
			}

			for _, e := range entries {
				if err := s.processRecord(ctx, tag, e.ts, e.record); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.Warn("process entry", "remote", remote, "error", err)
					return
				}
			}

		default:
			// Message mode: [tag, time, record, option?]
			ts, err := decodeTime(dec)
			if err != nil {
				s.logger.Warn("decode time", "remote", remote, "error", err)
				return
			}

			record, err := decodeRecord(dec)
			if err != nil {
				s.logger.Warn("decode record", "remote", remote, "error", err)
				return
			}

			if arrLen >= 4 {
				option, _ = decodeOption(dec)
			}

			if err := s.processRecord(ctx, tag, ts, record); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("process record", "remote", remote, "error", err)
				return
			}
		}

		// Send ack if the sender requested one.
		if chunk, ok := option["chunk"]; ok {
			if chunkStr, ok := chunk.(string); ok {
				ack := map[string]string{"ack": chunkStr}
				data, _ := msgpack.Marshal(ack)
				_, _ = conn.Write(data)
			}
		}
	}
}

// entry is a [time, record] pair.
type entry struct {
	ts     time.Time
	record map[string]any
}

// decodeEntries decodes a Forward-mode array of [time, record] pairs.
func decodeEntries(dec *msgpack.Decoder) ([]entry, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}

	entries := make([]entry, 0, n)
	for range n {
		innerLen, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if innerLen < 2 {
			return nil, fmt.Errorf("entry array too short: %d", innerLen)
		}

		ts, err := decodeTime(dec)
		if err != nil {
			return nil, err
		}

		record, err := decodeRecord(dec)
		if err != nil {
			return nil, err
		}

		// Skip extra elements.
		for range innerLen - 2 {
			if err := dec.Skip(); err != nil {
				return nil, err
			}
		}

		entries = append(entries, entry{ts: ts, record: record})
	}
	return entries, nil
}

// processPackedEntries decodes concatenated msgpack [time, record] entries.
func (s *Source) processPackedEntries(ctx context.Context, tag string, data []byte) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	for {
		arrLen, err := dec.DecodeArrayLen()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if arrLen < 2 {
			return fmt.Errorf("packed entry too short: %d", arrLen)
		}

		ts, err := decodeTime(dec)
		if err != nil {
			return err
		}
		record, err := decodeRecord(dec)
		if err != nil {
			return err
		}
		for range arrLen - 2 {
			if err := dec.Skip(); err != nil {
				return err
			}
		}

		if err := s.processRecord(ctx, tag, ts, record); err != nil {
			return err
		}
	}
}

// levelNames maps fluent-style level names to the producer's numeric scale.
var levelNames = map[string]int{
	"trace":   10,
	"debug":   20,
	"info":    30,
	"warn":    40,
	"warning": 40,
	"error":   50,
	"fatal":   60,
}

// normalizeRecord rewrites fluent-style fields into the record shape the
// rest of the pipeline parses. String level names become the numeric scale
// (unknown names are dropped so the default applies) and a message or log
// key becomes msg when the record has none.
func normalizeRecord(record map[string]any) {
	if v, ok := record["level"].(string); ok {
		if n, ok := levelNames[strings.ToLower(v)]; ok {
			record["level"] = n
		} else {
			delete(record, "level")
		}
	}
	if _, ok := record["msg"]; !ok {
		for _, key := range []string{"message", "log"} {
			if v, ok := record[key]; ok {
				record["msg"] = v
				delete(record, key)
				break
			}
		}
	}
}

// processRecord re-encodes a single record as JSON and sends it downstream.
// The fluent timestamp travels as SourceTS so records without a time field
// still get ordered by when the sender saw them.
func (s *Source) processRecord(ctx context.Context, tag string, ts time.Time, record map[string]any) error {
	normalizeRecord(record)

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	msg := shipper.Message{
		Source:   s.name,
		Raw:      raw,
		Attrs:    map[string]string{"tag": tag},
		SourceTS: ts,
		IngestTS: time.Now(),
	}

	select {
	case s.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeTime decodes a msgpack value as a timestamp.
// Handles integer (Unix seconds), float, and EventTime extension.
func decodeTime(dec *msgpack.Decoder) (time.Time, error) {
	iface, err := dec.DecodeInterface()
	if err != nil {
		return time.Time{}, err
	}

	switch v := iface.(type) {
	case int64:
		return time.Unix(v, 0), nil
	case uint64:
		return time.Unix(int64(v), 0), nil
	case int8:
		return time.Unix(int64(v), 0), nil
	case int16:
		return time.Unix(int64(v), 0), nil
	case int32:
		return time.Unix(int64(v), 0), nil
	case uint8:
		return time.Unix(int64(v), 0), nil
	case uint16:
		return time.Unix(int64(v), 0), nil
	case uint32:
		return time.Unix(int64(v), 0), nil
	case float64:
		sec := int64(v)
		nsec := int64((v - float64(sec)) * 1e9)
		return time.Unix(sec, nsec), nil
	case *eventTime:
		return v.Time, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time type: %T", iface)
	}
}

// decodeRecord decodes a msgpack map as a record.
func decodeRecord(dec *msgpack.Decoder) (map[string]any, error) {
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// decodeOption decodes the optional option map.
func decodeOption(dec *msgpack.Decoder) (map[string]any, error) {
	var opt map[string]any
	if err := dec.Decode(&opt); err != nil {
		return nil, err
	}
	return opt, nil
}

// isCompressed checks if the option map indicates gzip compression.
func isCompressed(opt map[string]any) bool {
	if opt == nil {
		return false
	}
	v, ok := opt["compressed"]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == "gzip"
}

// gunzip decompresses gzip data.
func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// isArrayCode returns true if the msgpack format code represents an array.
func isArrayCode(c byte) bool {
	return (c >= 0x90 && c <= 0x9f) || c == 0xdc || c == 0xdd
}
