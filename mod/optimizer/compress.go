package optimizer

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"imuslab.com/cdnswitch/mod/cache"
)

// CompressionType represents the type of compression
type CompressionType string

const (
	CompressionGzip   CompressionType = "gzip"
	CompressionBrotli CompressionType = "br"
	CompressionNone   CompressionType = ""
)

// CompressConfig holds configuration for compression
type CompressConfig struct {
	// Type specifies the compression algorithm to use
	Type CompressionType

	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int

	// MinSize is the minimum size (in bytes) before compression is applied
	MinSize int64
}

// DefaultGzipConfig returns the default gzip compression configuration
func DefaultGzipConfig() CompressConfig {
	return CompressConfig{
		Type:    CompressionGzip,
		Level:   gzip.DefaultCompression,
		MinSize: 1024,
	}
}

// DefaultBrotliConfig returns the default brotli compression configuration
func DefaultBrotliConfig() CompressConfig {
	return CompressConfig{
		Type:    CompressionBrotli,
		Level:   6,
		MinSize: 1024,
	}
}

// CompressTransform creates a Transform that compresses the asset body
func CompressTransform(config CompressConfig) Transform {
	return func(ctx context.Context, in io.Reader, meta *cache.Meta) (io.ReadCloser, *cache.Meta, error) {
		if config.Type == CompressionNone || (meta.Encoding != "" && meta.Encoding != "identity") {
			return readCloser(in), meta, nil
		}

		var buf bytes.Buffer
		written, err := io.Copy(&buf, in)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read input: %w", err)
		}

		uncompressed := func() (io.ReadCloser, *cache.Meta, error) {
			newMeta := *meta
			newMeta.Size = written
			return io.NopCloser(&buf), &newMeta, nil
		}

		if written < config.MinSize {
			return uncompressed()
		}

		var compressed bytes.Buffer
		switch config.Type {
		case CompressionGzip:
			w, err := gzip.NewWriterLevel(&compressed, config.Level)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create gzip writer: %w", err)
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				w.Close()
				return nil, nil, fmt.Errorf("failed to compress with gzip: %w", err)
			}
			if err := w.Close(); err != nil {
				return nil, nil, fmt.Errorf("failed to compress with gzip: %w", err)
			}

		case CompressionBrotli:
			w := brotli.NewWriterLevel(&compressed, config.Level)
			if _, err := w.Write(buf.Bytes()); err != nil {
				w.Close()
				return nil, nil, fmt.Errorf("failed to compress with brotli: %w", err)
			}
			if err := w.Close(); err != nil {
				return nil, nil, fmt.Errorf("failed to compress with brotli: %w", err)
			}

		default:
			return nil, nil, fmt.Errorf("unknown compression type %q", config.Type)
		}

		// Compression didn't help
		if int64(compressed.Len()) >= written {
			return uncompressed()
		}

		newMeta := *meta
		newMeta.Encoding = string(config.Type)
		newMeta.Size = int64(compressed.Len())
		return io.NopCloser(&compressed), &newMeta, nil
	}
}

// NegotiateEncoding picks the preferred encoding the client accepts, brotli over gzip.
// Encodings with q=0 are refused.
func NegotiateEncoding(acceptEncoding string) CompressionType {
	accepted := map[string]bool{}
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				q = parsed
			}
		}
		accepted[name] = q > 0
	}

	switch {
	case accepted["br"]:
		return CompressionBrotli
	case accepted["gzip"]:
		return CompressionGzip
	}
	return CompressionNone
}
