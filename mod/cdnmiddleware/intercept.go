package cdnmiddleware

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"imuslab.com/cdnswitch/mod/cdn"
	"imuslab.com/cdnswitch/mod/sites"
)

// RequestIDHeader carries the request id between proxies
const RequestIDHeader = "X-Request-Id"

// CDNRequestHeader tells the origin the request arrived from the CDN with a dehydrated path
const CDNRequestHeader = "X-Cdn-Request"

// editModes are the sc_mode values that render a page for an editor
var editModes = map[string]bool{
	"edit":    true,
	"preview": true,
}

// InterceptorConfig configures the inbound side of the pipeline
type InterceptorConfig struct {
	Settings *cdn.Settings

	// Sites resolves the site of a request. Requests resolve to no site when nil.
	Sites *sites.Table

	// Minifier serves requests routed under Settings.MinifyPrefix
	Minifier http.Handler

	// TrustForwardedProto takes the scheme from X-Forwarded-Proto on plain connections
	TrustForwardedProto bool

	// OnRehydrate and OnMinifyRequest receive the site name of the request
	OnRehydrate     func(site string)
	OnMinifyRequest func(site string)

	Metrics *Metrics
	Logger  logrus.FieldLogger
}

// Interceptor runs before routing. It attaches the per-request state every later stage
// reads, restores dehydrated CDN paths and routes minifiable assets to the minifier.
type Interceptor struct {
	config  InterceptorConfig
	handler http.Handler
}

// NewInterceptor creates the inbound middleware in front of handler
func NewInterceptor(config InterceptorConfig, handler http.Handler) *Interceptor {
	if config.Settings == nil {
		config.Settings = cdn.DefaultSettings()
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &Interceptor{
		config:  config,
		handler: handler,
	}
}

// ServeHTTP implements http.Handler
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	settings := i.config.Settings
	info := &cdn.RequestInfo{
		Scheme:    i.scheme(r.TLS, r.Header.Get("X-Forwarded-Proto")),
		Host:      r.Host,
		Editing:   editModes[strings.ToLower(r.URL.Query().Get("sc_mode"))],
		RequestID: r.Header.Get(RequestIDHeader),
	}
	if info.RequestID == "" {
		info.RequestID = uuid.New().String()
	}

	u := *r.URL
	// tokens escape "/" as %2F, so the marker is looked up in the escaped path first
	escaped := u.EscapedPath()
	if !cdn.IsDehydrated(escaped) {
		escaped = u.Path
	}
	if settings.Enabled && cdn.IsDehydrated(escaped) {
		restored, rawQuery, _ := cdn.Rehydrate(escaped)
		if unescaped, err := url.PathUnescape(restored); err == nil {
			u.Path = unescaped
			u.RawPath = ""
			u.RawQuery = rawQuery
			info.IsCDNRequest = true
		} else {
			i.config.Logger.WithField("path", escaped).WithError(err).Warn("Malformed dehydrated path")
		}
	}

	if site := i.resolveSite(r.Host, u.Path); site != nil {
		info.SiteName = site.Name
		info.CDNHost = site.CDNHostname
	}

	if info.IsCDNRequest {
		if i.config.OnRehydrate != nil {
			i.config.OnRehydrate(info.SiteName)
		}
		i.config.Metrics.rehydrated(info.SiteName)
	}

	toMinifier := false
	if settings.Enabled && settings.Minify && isMinifyCandidate(&u, settings) {
		info.MinifyPath = u.Path
		if u.RawQuery != "" {
			info.MinifyPath += "?" + u.RawQuery
		}
		u.Path = strings.TrimSuffix(settings.MinifyPrefix, "/") + u.Path
		u.RawPath = ""
		toMinifier = true
	} else if prefix := strings.TrimSuffix(settings.MinifyPrefix, "/"); prefix != "" && strings.HasPrefix(u.Path, prefix+"/") {
		toMinifier = true
	}

	r = r.WithContext(cdn.WithRequest(r.Context(), info))
	r.URL = &u
	r.RequestURI = u.RequestURI()

	if toMinifier && i.config.Minifier != nil {
		if i.config.OnMinifyRequest != nil {
			i.config.OnMinifyRequest(info.SiteName)
		}
		i.config.Metrics.minifyRequest(info.SiteName)
		i.config.Minifier.ServeHTTP(w, r)
		return
	}
	i.handler.ServeHTTP(w, r)
}

func (i *Interceptor) scheme(state *tls.ConnectionState, forwarded string) string {
	if state != nil {
		return "https"
	}
	if i.config.TrustForwardedProto {
		proto := strings.ToLower(strings.TrimSpace(strings.Split(forwarded, ",")[0]))
		if proto == "https" || proto == "http" {
			return proto
		}
	}
	return "http"
}

func (i *Interceptor) resolveSite(host string, urlPath string) *sites.Site {
	if i.config.Sites == nil {
		return nil
	}
	return i.config.Sites.Resolve(host, urlPath)
}

// isMinifyCandidate reports a .css/.js static file marked min=1 outside the media prefix
func isMinifyCandidate(u *url.URL, settings *cdn.Settings) bool {
	if u.Query().Get(cdn.MinifyParam) != "1" {
		return false
	}
	if settings.MediaPrefix != "" && strings.HasPrefix(strings.ToLower(u.Path), strings.ToLower(settings.MediaPrefix)) {
		return false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".css", ".js":
		return true
	}
	return false
}

// ForwardRequestState copies the request state the Interceptor attached to the context of
// req onto headers for the origin. Reverse proxies call it from their director.
func ForwardRequestState(req *http.Request) {
	info := cdn.RequestFromContext(req.Context())
	if info.RequestID != "" {
		req.Header.Set(RequestIDHeader, info.RequestID)
	}
	if info.IsCDNRequest {
		req.Header.Set(CDNRequestHeader, "1")
	} else {
		req.Header.Del(CDNRequestHeader)
	}
}
