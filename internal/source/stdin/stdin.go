// Package stdin emits newline-delimited records from standard input.
// EOF is a clean exit: when the producer closes the pipe, the source
// returns and the pipeline can drain and stop.
package stdin

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"logship/internal/shipper"
)

type source struct {
	name         string
	in           io.Reader
	maxLineBytes int
	logger       *slog.Logger
}

// Run implements shipper.Source.
//
// Reads happen on a separate goroutine because a pending os.Stdin read
// cannot be interrupted; on cancellation that goroutine is abandoned and
// exits with the process.
func (s *source) Run(ctx context.Context, out chan<- shipper.Message) error {
	lines := make(chan []byte)
	errCh := make(chan error, 1)

	go s.readLines(ctx, lines, errCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				s.logger.Info("input stream ended")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- shipper.Message{Source: s.name, Raw: raw, IngestTS: time.Now()}:
			}
		}
	}
}

// readLines splits the input into lines and forwards them. Lines longer
// than the cap are dropped whole rather than killing the stream.
func (s *source) readLines(ctx context.Context, lines chan<- []byte, errCh chan<- error) {
	defer close(lines)

	r := bufio.NewReaderSize(s.in, 64*1024)
	var carry []byte
	skipping := false

	emit := func(line []byte) bool {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			return true
		}
		if s.maxLineBytes > 0 && len(line) > s.maxLineBytes {
			s.logger.Warn("line exceeds max length, dropping", "bytes", len(line))
			return true
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		select {
		case <-ctx.Done():
			return false
		case lines <- raw:
			return true
		}
	}

	for {
		chunk, err := r.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			if skipping {
				continue
			}
			carry = append(carry, chunk...)
			if s.maxLineBytes > 0 && len(carry) > s.maxLineBytes {
				s.logger.Warn("line exceeds max length, dropping", "max_bytes", s.maxLineBytes)
				carry = nil
				skipping = true
			}

		case err == nil:
			if skipping {
				skipping = false
				continue
			}
			line := chunk[:len(chunk)-1]
			if len(carry) > 0 {
				line = append(carry, line...)
				carry = nil
			}
			if !emit(line) {
				return
			}

		case errors.Is(err, io.EOF):
			// The pipe closing terminates the final record even without
			// a trailing newline.
			if !skipping {
				if line := append(carry, chunk...); len(line) > 0 {
					emit(line)
				}
			}
			errCh <- nil
			return

		default:
			errCh <- err
			return
		}
	}
}
