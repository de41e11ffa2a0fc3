package minifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"imuslab.com/cdnswitch/mod/cache"
	"imuslab.com/cdnswitch/mod/cdn"
	"imuslab.com/cdnswitch/mod/optimizer"
)

// DefaultExpiry is how far ahead minified assets are marked as expiring
const DefaultExpiry = 14 * 24 * time.Hour

// ErrNotMinifiable is returned for paths that are not .css or .js files
var ErrNotMinifiable = errors.New("not a minifiable asset")

// Config configures a Handler
type Config struct {
	// Settings provides the minify prefix and the css processing switch
	Settings *cdn.Settings

	// Files is the static file root
	Files fs.FS

	// Store keeps built assets. Assets are rebuilt on every request when nil.
	Store cache.CacheStore

	// Rewriter rewrites url() references of stylesheets when Settings.ProcessCSS is on
	Rewriter optimizer.URLRewriteFunc

	// Compress enables brotli/gzip variants negotiated from Accept-Encoding
	Compress bool

	// Expiry defaults to DefaultExpiry
	Expiry time.Duration

	Logger logrus.FieldLogger
}

// Handler serves minified .css and .js files under the minify prefix
type Handler struct {
	config  Config
	keys    *cache.KeyGenerator
	minify  optimizer.Transform
	cssURLs optimizer.Transform
	group   singleflight.Group
	log     logrus.FieldLogger
}

// NewHandler creates a minify handler
func NewHandler(config Config) *Handler {
	if config.Settings == nil {
		config.Settings = cdn.DefaultSettings()
	}
	if config.Expiry <= 0 {
		config.Expiry = DefaultExpiry
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	h := &Handler{
		config: config,
		keys:   cache.NewKeyGenerator(),
		minify: optimizer.MinifyTransform(optimizer.DefaultMinifyConfig()),
		log:    config.Logger,
	}
	if config.Settings.ProcessCSS && config.Rewriter != nil {
		h.cssURLs = optimizer.CSSURLTransform(config.Rewriter)
	}
	return h
}

// asset is a built response body
type asset struct {
	body []byte
	meta *cache.Meta
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	localPath, ok := h.sourcePath(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	encoding := optimizer.CompressionNone
	if h.config.Compress {
		encoding = optimizer.NegotiateEncoding(r.Header.Get("Accept-Encoding"))
	}

	key := h.storeKey(r, encoding)
	a, hit, err := h.load(r.Context(), key, localPath, encoding, cache.IsCacheable(r))
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrNotMinifiable) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.log.WithField("path", localPath).WithError(err).Error("Minify error")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeAsset(w, r, a, hit)
}

// sourcePath returns the static file path a request is for. The inbound intercept stores
// the original URL in the request context; direct requests under the prefix work as well.
func (h *Handler) sourcePath(r *http.Request) (string, bool) {
	if original := cdn.RequestFromContext(r.Context()).MinifyPath; original != "" {
		p, _, _ := strings.Cut(original, "?")
		return p, true
	}

	prefix := strings.TrimSuffix(h.config.Settings.MinifyPrefix, "/")
	if prefix == "" || !strings.HasPrefix(r.URL.Path, prefix+"/") {
		return "", false
	}
	return strings.TrimPrefix(r.URL.Path, prefix), true
}

// storeKey hashes path and query; the negotiated encoding replaces an Accept-Encoding vary
func (h *Handler) storeKey(r *http.Request, encoding optimizer.CompressionType) string {
	variant := string(encoding)
	if variant == "" {
		variant = "identity"
	}
	return h.keys.GenerateKey(r) + "." + variant
}

// load returns the asset under key, building and storing it on a miss. The store is
// skipped entirely when useStore is false.
func (h *Handler) load(ctx context.Context, key string, localPath string, encoding optimizer.CompressionType, useStore bool) (*asset, bool, error) {
	if !useStore || h.config.Store == nil {
		a, err := h.build(ctx, localPath, encoding)
		return a, false, err
	}

	body, meta, found, err := h.config.Store.Get(ctx, key)
	if err != nil {
		h.log.WithField("key", key).WithError(err).Warn("Minify store read failed")
	} else if found {
		data, err := io.ReadAll(body)
		body.Close()
		if err == nil {
			return &asset{body: data, meta: meta}, true, nil
		}
	}

	v, err, _ := h.group.Do(key, func() (interface{}, error) {
		a, err := h.build(ctx, localPath, encoding)
		if err != nil {
			return nil, err
		}
		if err := h.config.Store.Put(ctx, key, bytes.NewReader(a.body), a.meta); err != nil {
			h.log.WithField("key", key).WithError(err).Warn("Minify store write failed")
		}
		return a, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*asset), false, nil
}

// build reads, minifies and optionally compresses a static file
func (h *Handler) build(ctx context.Context, localPath string, encoding optimizer.CompressionType) (*asset, error) {
	contentType := optimizer.ContentTypeFor(localPath)
	if contentType == "" {
		return nil, fmt.Errorf("%s: %w", localPath, ErrNotMinifiable)
	}
	if h.config.Files == nil {
		return nil, fmt.Errorf("%s: %w", localPath, fs.ErrNotExist)
	}

	name, err := url.PathUnescape(strings.TrimPrefix(localPath, "/"))
	if err != nil || !fs.ValidPath(name) {
		return nil, fmt.Errorf("%s: %w", localPath, fs.ErrNotExist)
	}
	info, err := fs.Stat(h.config.Files, name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", localPath, fs.ErrNotExist)
	}
	source, err := fs.ReadFile(h.config.Files, name)
	if err != nil {
		return nil, err
	}

	pipeline := optimizer.NewPipeline(h.minify, h.cssURLs)
	if encoding != optimizer.CompressionNone {
		compress := optimizer.DefaultGzipConfig()
		if encoding == optimizer.CompressionBrotli {
			compress = optimizer.DefaultBrotliConfig()
		}
		pipeline.AddTransform(optimizer.CompressTransform(compress))
	}

	body, meta, err := pipeline.ApplyToBytes(ctx, source, &cache.Meta{
		ContentType:    contentType,
		Size:           int64(len(source)),
		SourcePath:     localPath,
		SourceModified: info.ModTime(),
		TTL:            h.config.Expiry,
		CachedAt:       time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("optimize %s: %w", localPath, err)
	}
	return &asset{body: body, meta: meta}, nil
}

func (h *Handler) writeAsset(w http.ResponseWriter, r *http.Request, a *asset, hit bool) {
	header := w.Header()
	header.Set("Content-Type", a.meta.ContentType)
	if a.meta.Encoding != "" {
		header.Set("Content-Encoding", a.meta.Encoding)
	}
	if h.config.Compress {
		header.Set("Vary", "Accept-Encoding")
	}
	header.Set("Content-Length", strconv.Itoa(len(a.body)))
	header.Set("Expires", time.Now().Add(h.config.Expiry).UTC().Format(http.TimeFormat))
	header.Set("Cache-Control", "public, max-age="+strconv.FormatInt(int64(h.config.Expiry.Seconds()), 10))
	if !a.meta.SourceModified.IsZero() {
		header.Set("Last-Modified", a.meta.SourceModified.UTC().Format(http.TimeFormat))
	}
	if hit {
		header.Set("X-Cache", "HIT")
	} else {
		header.Set("X-Cache", "MISS")
	}

	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(a.body)
	}
}

// variants lists the encodings stored for every asset
func (h *Handler) variants() []optimizer.CompressionType {
	if !h.config.Compress {
		return []optimizer.CompressionType{optimizer.CompressionNone}
	}
	return []optimizer.CompressionType{optimizer.CompressionNone, optimizer.CompressionGzip, optimizer.CompressionBrotli}
}

// assetRequest is the request the CDN sends for pathAndQuery once routed to the minifier
func (h *Handler) assetRequest(ctx context.Context, pathAndQuery string) (*http.Request, string, error) {
	target := strings.TrimSuffix(h.config.Settings.MinifyPrefix, "/") + pathAndQuery
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	localPath, _, _ := strings.Cut(pathAndQuery, "?")
	return r, localPath, nil
}

// Warm builds every stored variant of the asset a CDN would request for pathAndQuery
// (e.g. /css/site.css?d=...&min=1), so its first fetch is a store hit
func (h *Handler) Warm(ctx context.Context, pathAndQuery string) error {
	r, localPath, err := h.assetRequest(ctx, pathAndQuery)
	if err != nil {
		return err
	}
	for _, encoding := range h.variants() {
		if _, _, err := h.load(ctx, h.storeKey(r, encoding), localPath, encoding, true); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate deletes every stored variant of the asset for pathAndQuery
func (h *Handler) Invalidate(ctx context.Context, pathAndQuery string) error {
	if h.config.Store == nil {
		return nil
	}
	r, _, err := h.assetRequest(ctx, pathAndQuery)
	if err != nil {
		return err
	}
	for _, encoding := range h.variants() {
		if err := h.config.Store.Delete(ctx, h.storeKey(r, encoding)); err != nil {
			return err
		}
	}
	return nil
}

// Purge deletes every stored asset
func (h *Handler) Purge(ctx context.Context) error {
	if h.config.Store == nil {
		return nil
	}
	return h.config.Store.Purge(ctx)
}
