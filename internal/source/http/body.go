package http

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// zstdDecoder is a concurrent-safe zstd decoder shared by all requests.
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(10<<20),
	)
	if err != nil {
		panic("http source: init zstd decoder: " + err.Error())
	}
}

// readBody reads and decompresses a request body based on the
// Content-Encoding header value. Supports gzip, zstd, and identity.
// The returned bytes are limited to maxBytes of decompressed output.
func readBody(body io.Reader, contentEncoding string, maxBytes int64) ([]byte, error) {
	switch contentEncoding {
	case "zstd":
		compressed, err := io.ReadAll(io.LimitReader(body, maxBytes))
		if err != nil {
			return nil, fmt.Errorf("read compressed body: %w", err)
		}
		decompressed, err := zstdDecoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd body: %w", err)
		}
		return decompressed, nil

	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		return io.ReadAll(io.LimitReader(gz, maxBytes))

	case "", "identity":
		return io.ReadAll(io.LimitReader(body, maxBytes))

	default:
		return nil, fmt.Errorf("unsupported Content-Encoding: %q", contentEncoding)
	}
}
