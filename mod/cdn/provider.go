package cdn

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"imuslab.com/cdnswitch/mod/cache"
	"imuslab.com/cdnswitch/mod/pattern"
)

// Result cache names
const (
	URLCacheName   = "CDNUrl"
	FlagsCacheName = "CDNFlags"
)

// Query parameters added by the codec
const (
	VersionParam = "vs"
	UpdatedParam = "d"
	MinifyParam  = "min"
)

// ProviderConfig wires a Provider to its collaborators
type ProviderConfig struct {
	// Settings is required
	Settings *Settings

	// Patterns answers the exclusion questions. An empty matcher is built when nil.
	Patterns *pattern.Matcher

	// Media resolves managed media items. Media URLs are left untouched when nil.
	Media MediaLibrary

	// Files is the static file root used for last-write timestamps
	Files fs.FS

	Logger logrus.FieldLogger

	// OnMinifyCandidate is called with the path and query of every static URL marked
	// min=1, the first time it is computed
	OnMinifyCandidate func(pathAndQuery string)
}

// Provider rewrites URLs to their CDN form and memoizes the results
type Provider struct {
	settings *Settings
	patterns *pattern.Matcher
	media    MediaLibrary
	files    fs.FS
	log      logrus.FieldLogger
	onMinify func(string)

	urls  *cache.ResultCache[string]
	flags *cache.ResultCache[bool]
	group singleflight.Group
}

// NewProvider creates a provider from config
func NewProvider(config ProviderConfig) (*Provider, error) {
	if config.Settings == nil {
		return nil, errors.New("cdn: provider settings are required")
	}
	settings := config.Settings

	matcher := config.Patterns
	if matcher == nil {
		var err error
		matcher, err = pattern.NewMatcher(pattern.Config{
			CacheSize: settings.CacheSize,
			CacheTTL:  settings.CacheTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("cdn: build empty pattern matcher: %w", err)
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Provider{
		settings: settings,
		patterns: matcher,
		media:    config.Media,
		files:    config.Files,
		log:      logger,
		onMinify: config.OnMinifyCandidate,
		urls: cache.NewResultCache[string](cache.ResultCacheConfig{
			Name:    URLCacheName,
			MaxSize: settings.CacheSize,
			TTL:     settings.CacheTTL,
		}),
		flags: cache.NewResultCache[bool](cache.ResultCacheConfig{
			Name:    FlagsCacheName,
			MaxSize: settings.CacheSize,
			TTL:     settings.CacheTTL,
		}),
	}, nil
}

// Settings returns the settings the provider was built with
func (p *Provider) Settings() *Settings {
	return p.settings
}

// ReplaceMediaURL rewrites inputURL so it is served from cdnHost. An empty cdnHost keeps
// the origin host but still applies versioning. Failures are logged and the input is
// returned unchanged.
func (p *Provider) ReplaceMediaURL(ctx context.Context, inputURL string, cdnHost string) string {
	if p.isPassThrough(ctx, inputURL) {
		return inputURL
	}

	key := schemeOf(ctx) + cdnHost + "|" + inputURL
	if cached, ok := p.urls.Get(key); ok {
		return cached
	}

	out, err, _ := p.group.Do(key, func() (interface{}, error) {
		if cached, ok := p.urls.Get(key); ok {
			return cached, nil
		}
		rewritten, err := p.safeRewrite(ctx, inputURL, cdnHost)
		if err != nil {
			return nil, err
		}
		p.urls.Set(key, rewritten)
		return rewritten, nil
	})
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"url":        inputURL,
			"cdn_host":   cdnHost,
			"request_id": RequestFromContext(ctx).RequestID,
		}).WithError(err).Error("ReplaceMediaURL failed")
		return inputURL
	}
	return out.(string)
}

// isPassThrough tells if u must be returned verbatim without consulting the cache
func (p *Provider) isPassThrough(ctx context.Context, u string) bool {
	if u == "" || u[0] == '#' {
		return true
	}
	if strings.HasPrefix(u, "//") || hasPrefixFold(u, "data:") {
		return true
	}

	scheme, rest, ok := splitScheme(u)
	if !ok {
		return false
	}
	if !strings.EqualFold(scheme, "http") && !strings.EqualFold(scheme, "https") {
		return true
	}

	// absolute urls are external unless they point at the host being served
	host := strings.TrimPrefix(rest, "//")
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	requestHost := RequestFromContext(ctx).Host
	return requestHost == "" || !strings.EqualFold(host, requestHost)
}

func (p *Provider) safeRewrite(ctx context.Context, inputURL string, cdnHost string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while rewriting: %v", r)
		}
	}()
	return p.rewrite(ctx, inputURL, cdnHost)
}

func (p *Provider) rewrite(ctx context.Context, inputURL string, cdnHost string) (string, error) {
	original, err := ParseURL(inputURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", inputURL, err)
	}

	if p.settings.StopToken != "" && original.Has(p.settings.StopToken) {
		return removeQueryParam(inputURL, p.settings.StopToken), nil
	}

	u := original.Clone()
	if cdnHost != "" {
		u.Host = cdnHost
	}
	if p.settings.MatchProtocol {
		u.Scheme = schemeOf(ctx)
	}

	if p.settings.FilenameVersioning {
		if p.settings.MediaPrefix != "" && strings.Contains(u.Path, p.settings.MediaPrefix) {
			eligible, err := p.versionMedia(ctx, u)
			if err != nil {
				return "", err
			}
			if !eligible {
				return inputURL, nil
			}
		} else {
			p.versionStatic(u)
		}
	}

	if p.settings.DehydrateQuery {
		u = Dehydrate(u)
	}
	return strings.TrimSuffix(u.String(), "?"), nil
}

// versionMedia adds the version and updated parameters of the media item u points at.
// It returns false when the item cannot be served from the CDN.
func (p *Provider) versionMedia(ctx context.Context, u *URLSpec) (bool, error) {
	if p.media == nil {
		return false, nil
	}
	itemPath := p.media.ResolveResourcePath(u.Path)
	if itemPath == "" {
		return false, nil
	}

	version, _ := u.Get(VersionParam)
	res, err := p.media.Resource(ctx, itemPath, version)
	if errors.Is(err, ErrResourceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup media item %s: %w", itemPath, err)
	}

	public, err := p.isPublic(ctx, res)
	if err != nil {
		return false, err
	}
	tracked, err := p.isTracked(ctx, res)
	if err != nil {
		return false, err
	}
	if !public || tracked {
		return false, nil
	}

	u.Set(VersionParam, strconv.Itoa(res.Version))
	if !res.Updated.IsZero() {
		u.Set(UpdatedParam, isoDate(res.Updated))
	}
	return true, nil
}

// versionStatic adds the last-write time of a static file and the minify marker
func (p *Provider) versionStatic(u *URLSpec) {
	if modTime, ok := p.lastWriteTime(u.Path); ok {
		u.Set(UpdatedParam, isoDate(modTime))
	}

	if !p.settings.Minify {
		return
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".css", ".js":
		u.Set(MinifyParam, "1")
		if p.onMinify != nil {
			pathAndQuery := u.Path
			if q := u.RawQuery(); q != "" {
				pathAndQuery += "?" + q
			}
			p.onMinify(pathAndQuery)
		}
	}
}

func (p *Provider) lastWriteTime(urlPath string) (time.Time, bool) {
	if p.files == nil {
		return time.Time{}, false
	}
	name, err := url.PathUnescape(strings.TrimPrefix(urlPath, "/"))
	if err != nil || !fs.ValidPath(name) {
		return time.Time{}, false
	}
	info, err := fs.Stat(p.files, name)
	if err != nil || info.IsDir() {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// IsExcludedURL tells if url must never be rewritten
func (p *Provider) IsExcludedURL(url string) bool {
	return p.patterns.IsExcludedURL(url)
}

// ShouldProcessRequest tells if the response to url should be filtered
func (p *Provider) ShouldProcessRequest(url string) bool {
	return p.patterns.ShouldProcessRequest(url)
}

// ShouldExcludeRequest tells if the response to url must not be filtered
func (p *Provider) ShouldExcludeRequest(url string) bool {
	return p.patterns.ShouldExcludeRequest(url)
}

// IsMediaPubliclyAccessible tells if an anonymous visitor can read res. Lookup failures
// count as not public.
func (p *Provider) IsMediaPubliclyAccessible(ctx context.Context, res *Resource) bool {
	public, err := p.isPublic(ctx, res)
	if err != nil {
		p.log.WithField("item", res.Path).WithError(err).Error("IsMediaPubliclyAccessible")
		return false
	}
	return public
}

// IsMediaAnalyticsTracked tells if requests for res must reach the origin. Lookup failures
// count as not tracked.
func (p *Provider) IsMediaAnalyticsTracked(ctx context.Context, res *Resource) bool {
	tracked, err := p.isTracked(ctx, res)
	if err != nil {
		p.log.WithField("item", res.Path).WithError(err).Error("IsMediaAnalyticsTracked")
		return false
	}
	return tracked
}

func (p *Provider) isPublic(ctx context.Context, res *Resource) (bool, error) {
	if p.media == nil {
		return false, nil
	}
	return p.flag(res.ID+"_public", func() (bool, error) {
		return p.media.CanAnonymousRead(ctx, res)
	})
}

func (p *Provider) isTracked(ctx context.Context, res *Resource) (bool, error) {
	if !p.settings.AnalyticsEnabled || p.media == nil {
		return false, nil
	}
	return p.flag(res.ID+"_tracked", func() (bool, error) {
		return p.media.IsTracked(ctx, res)
	})
}

func (p *Provider) flag(key string, compute func() (bool, error)) (bool, error) {
	if v, ok := p.flags.Get(key); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return false, err
	}
	p.flags.Set(key, v)
	return v, nil
}

// MediaURL returns the link a page should use for media item res, whose origin link is
// mediaURL. The URL state of the request can force rewriting on, or off by adding the
// stop token.
func (p *Provider) MediaURL(ctx context.Context, res *Resource, mediaURL string) string {
	if !p.settings.Enabled {
		return mediaURL
	}

	info := RequestFromContext(ctx)
	shouldReplace := info.CDNHost != "" && !info.Editing
	dontReplace := !p.IsMediaPubliclyAccessible(ctx, res) || p.IsMediaAnalyticsTracked(ctx, res)

	switch info.URLState {
	case URLStateEnabled:
		shouldReplace = true
	case URLStateDisabled:
		if u, err := ParseURL(mediaURL); err == nil {
			u.Set(p.settings.StopToken, "1")
			mediaURL = u.String()
		}
		shouldReplace = false
	}

	if shouldReplace && !dontReplace {
		return p.ReplaceMediaURL(ctx, mediaURL, info.CDNHost)
	}
	return mediaURL
}

// Caches returns every result cache owned by the provider and its matcher
func (p *Provider) Caches() []cache.ResultCacheStats {
	stats := []cache.ResultCacheStats{p.urls.Stats(), p.flags.Stats()}
	for _, c := range p.patterns.Caches() {
		stats = append(stats, c.Stats())
	}
	return stats
}

// Purge drops every memoized URL, flag and match result
func (p *Provider) Purge() {
	p.urls.Purge()
	p.flags.Purge()
	p.patterns.Purge()
}

// Close stops the cache scavengers
func (p *Provider) Close() {
	p.urls.Close()
	p.flags.Close()
	p.patterns.Close()
}

func isoDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
