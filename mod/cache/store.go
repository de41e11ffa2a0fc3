package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by stores that distinguish a missing entry from a read failure.
var ErrNotFound = errors.New("cache entry not found")

// CacheStore defines the interface for minified asset storage backends
type CacheStore interface {
	// Get retrieves a stored asset by key
	// Returns the body reader, metadata, found flag, and any error
	Get(ctx context.Context, key string) (io.ReadCloser, *Meta, bool, error)

	// Put stores an asset body under key
	Put(ctx context.Context, key string, body io.Reader, meta *Meta) error

	// Delete removes a stored asset by key
	Delete(ctx context.Context, key string) error

	// Purge removes every stored asset
	Purge(ctx context.Context) error

	// Close cleanly shuts down the store
	Close() error
}

// Meta describes a stored asset
type Meta struct {
	// ContentType is the MIME type served with the asset
	ContentType string

	// Encoding is the content encoding of the stored body ("", "gzip" or "br")
	Encoding string

	// Size is the size of the stored body in bytes
	Size int64

	// SourcePath is the static file the asset was built from
	SourcePath string

	// SourceModified is the last write time of the source file
	SourceModified time.Time

	// TTL is the time-to-live for this entry
	TTL time.Duration

	// CachedAt is when this entry was stored
	CachedAt time.Time
}

// IsExpired checks if the entry has outlived its TTL
func (m *Meta) IsExpired() bool {
	if m.TTL <= 0 {
		return false
	}
	return time.Since(m.CachedAt) > m.TTL
}

// Expires returns the absolute expiry of the entry, or the zero time when it never expires
func (m *Meta) Expires() time.Time {
	if m.TTL <= 0 {
		return time.Time{}
	}
	return m.CachedAt.Add(m.TTL)
}
