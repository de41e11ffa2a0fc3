package cdn

import (
	"context"
	"errors"
	"time"
)

// ErrResourceNotFound is returned by a MediaLibrary when a path or version does not exist
var ErrResourceNotFound = errors.New("media resource not found")

// Resource is a managed media item
type Resource struct {
	ID      string
	Path    string
	Version int
	Updated time.Time
}

// MediaLibrary is the host's resource metadata lookup
type MediaLibrary interface {
	// ResolveResourcePath maps a media URL path (/~/media/a/b.ashx) to the item path the
	// library knows it by. An empty result means the path is not a media item.
	ResolveResourcePath(localPath string) string

	// Resource looks up an item by path. An empty version selects the latest one.
	Resource(ctx context.Context, itemPath string, version string) (*Resource, error)

	// CanAnonymousRead reports whether an anonymous visitor may read the item
	CanAnonymousRead(ctx context.Context, res *Resource) (bool, error)

	// IsTracked reports whether requests for the item must reach the origin for analytics
	IsTracked(ctx context.Context, res *Resource) (bool, error)
}
