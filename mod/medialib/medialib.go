package medialib

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"imuslab.com/cdnswitch/mod/cdn"
)

// DefaultRoot is the item path media URLs resolve under
const DefaultRoot = "/sitecore/media library"

// Manifest describes the media items of a site
type Manifest struct {
	// Root is the item path prefix, DefaultRoot when empty
	Root string `json:"root"`

	// Prefix identifies media URLs, "/~/media/" when empty
	Prefix string `json:"prefix"`

	Items []*Item `json:"items"`
}

// Item is one media item with its versions
type Item struct {
	ID   string `json:"id"`
	Path string `json:"path"`

	Versions []Version `json:"versions"`

	// Public defaults to true
	Public *bool `json:"public,omitempty"`

	Tracking *Tracking `json:"tracking,omitempty"`
}

// Version of an item
type Version struct {
	Number  int       `json:"number"`
	Updated time.Time `json:"updated"`
}

// Tracking is the analytics configuration of an item
type Tracking struct {
	Ignore    bool     `json:"ignore"`
	Events    []string `json:"events,omitempty"`
	Campaigns []string `json:"campaigns,omitempty"`
	Profiles  []string `json:"profiles,omitempty"`
}

// Library serves media metadata from a manifest. It implements cdn.MediaLibrary.
type Library struct {
	mu     sync.RWMutex
	root   string
	prefix string
	items  map[string]*Item
}

// NewLibrary indexes the items of m
func NewLibrary(m *Manifest) (*Library, error) {
	lib := &Library{}
	if err := lib.Replace(m); err != nil {
		return nil, err
	}
	return lib, nil
}

// Load reads a JSON manifest from filename
func Load(filename string) (*Library, error) {
	m, err := readManifest(filename)
	if err != nil {
		return nil, err
	}
	return NewLibrary(m)
}

// Reload replaces the indexed items with the content of filename
func (l *Library) Reload(filename string) error {
	m, err := readManifest(filename)
	if err != nil {
		return err
	}
	return l.Replace(m)
}

func readManifest(filename string) (*Manifest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read media manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse media manifest %s: %w", filename, err)
	}
	return &m, nil
}

// Replace swaps the indexed items for those of m
func (l *Library) Replace(m *Manifest) error {
	root := strings.TrimSuffix(m.Root, "/")
	if root == "" {
		root = DefaultRoot
	}
	prefix := m.Prefix
	if prefix == "" {
		prefix = "/~/media/"
	}

	items := make(map[string]*Item, len(m.Items))
	for _, item := range m.Items {
		if item.ID == "" || item.Path == "" {
			return fmt.Errorf("media item %q: id and path are required", item.Path)
		}
		if len(item.Versions) == 0 {
			return fmt.Errorf("media item %s has no versions", item.Path)
		}
		items[strings.ToLower(item.Path)] = item
	}

	l.mu.Lock()
	l.root, l.prefix, l.items = root, prefix, items
	l.mu.Unlock()
	return nil
}

// Len returns the number of items
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// ResolveResourcePath maps /~/media/a/b.ashx to <root>/a/b
func (l *Library) ResolveResourcePath(localPath string) string {
	l.mu.RLock()
	root, prefix := l.root, l.prefix
	l.mu.RUnlock()

	i := strings.Index(strings.ToLower(localPath), strings.ToLower(prefix))
	if i < 0 {
		return ""
	}
	rest := localPath[i+len(prefix):]
	if q := strings.IndexAny(rest, "?#"); q >= 0 {
		rest = rest[:q]
	}
	rest = strings.TrimSuffix(rest, path.Ext(rest))
	if unescaped, err := url.PathUnescape(rest); err == nil {
		rest = unescaped
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return ""
	}
	return root + "/" + rest
}

// Resource returns the requested version of the item at itemPath, the latest one when
// version is empty
func (l *Library) Resource(ctx context.Context, itemPath string, version string) (*cdn.Resource, error) {
	l.mu.RLock()
	item, ok := l.items[strings.ToLower(itemPath)]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", itemPath, cdn.ErrResourceNotFound)
	}

	var selected *Version
	if version == "" {
		for i := range item.Versions {
			if selected == nil || item.Versions[i].Number > selected.Number {
				selected = &item.Versions[i]
			}
		}
	} else {
		number, err := strconv.Atoi(version)
		if err != nil {
			return nil, fmt.Errorf("%s version %q: %w", itemPath, version, cdn.ErrResourceNotFound)
		}
		for i := range item.Versions {
			if item.Versions[i].Number == number {
				selected = &item.Versions[i]
				break
			}
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("%s version %q: %w", itemPath, version, cdn.ErrResourceNotFound)
	}

	return &cdn.Resource{
		ID:      item.ID,
		Path:    item.Path,
		Version: selected.Number,
		Updated: selected.Updated,
	}, nil
}

func (l *Library) item(res *cdn.Resource) (*Item, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.items[strings.ToLower(res.Path)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", res.Path, cdn.ErrResourceNotFound)
	}
	return item, nil
}

// CanAnonymousRead reports the public flag of the item
func (l *Library) CanAnonymousRead(ctx context.Context, res *cdn.Resource) (bool, error) {
	item, err := l.item(res)
	if err != nil {
		return false, err
	}
	return item.Public == nil || *item.Public, nil
}

// IsTracked reports whether the item has analytics events, campaigns or profiles that
// are not ignored
func (l *Library) IsTracked(ctx context.Context, res *cdn.Resource) (bool, error) {
	item, err := l.item(res)
	if err != nil {
		return false, err
	}
	t := item.Tracking
	if t == nil || t.Ignore {
		return false, nil
	}
	return len(t.Events) > 0 || len(t.Campaigns) > 0 || len(t.Profiles) > 0, nil
}
