package cdnmiddleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imuslab.com/cdnswitch/mod/cdn"
	"imuslab.com/cdnswitch/mod/medialib"
	"imuslab.com/cdnswitch/mod/pattern"
	"imuslab.com/cdnswitch/mod/sites"
)

func newTestProvider(t *testing.T, configure func(*cdn.Settings)) *cdn.Provider {
	t.Helper()
	settings := cdn.DefaultSettings()
	settings.Enabled = true
	settings.FilenameVersioning = true
	settings.Minify = true
	if configure != nil {
		configure(settings)
	}

	matcher, err := pattern.NewMatcher(pattern.Config{
		ExcludeURLs:     []string{`VisitorIdentification`},
		ProcessRequests: []string{`\.ashx$`},
		ExcludeRequests: []string{`^/sitecore/`},
	})
	require.NoError(t, err)

	lib, err := medialib.NewLibrary(&medialib.Manifest{
		Items: []*medialib.Item{{
			ID:   "{1}",
			Path: medialib.DefaultRoot + "/Images/Logo",
			Versions: []medialib.Version{
				{Number: 2, Updated: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
			},
		}},
	})
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	p, err := cdn.NewProvider(cdn.ProviderConfig{
		Settings: settings,
		Patterns: matcher,
		Media:    lib,
		Logger:   log,
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func newTestSites(t *testing.T) *sites.Table {
	t.Helper()
	table, err := sites.NewTable([]*sites.Site{
		{Name: "website", Hostname: "www.example.com", CDNHostname: "cdn.example.com"},
		{Name: "intranet", Hostname: "intra.example.com"},
	})
	require.NoError(t, err)
	return table
}

// captureHandler records the last request it served
type captureHandler struct {
	req  *http.Request
	info *cdn.RequestInfo
}

func (c *captureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.req = r
	c.info = cdn.RequestFromContext(r.Context())
	w.WriteHeader(http.StatusOK)
}

func newTestInterceptor(t *testing.T, p *cdn.Provider, next, minifier http.Handler) (*Interceptor, *[]string) {
	t.Helper()
	log, _ := test.NewNullLogger()
	var rehydrated []string
	return NewInterceptor(InterceptorConfig{
		Settings:            p.Settings(),
		Sites:               newTestSites(t),
		Minifier:            minifier,
		TrustForwardedProto: true,
		OnRehydrate:         func(site string) { rehydrated = append(rehydrated, site) },
		Logger:              log,
	}, next), &rehydrated
}

func TestInterceptorRehydrates(t *testing.T) {
	p := newTestProvider(t, nil)
	next := &captureHandler{}
	ic, rehydrated := newTestInterceptor(t, p, next, nil)

	req := httptest.NewRequest(http.MethodGet, "http://www.example.com/~/media/Images/Logo!cf!w=100!vs=2.ashx", nil)
	ic.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, next.req)
	assert.Equal(t, "/~/media/Images/Logo.ashx", next.req.URL.Path)
	assert.Equal(t, "w=100&vs=2", next.req.URL.RawQuery)
	assert.Equal(t, "/~/media/Images/Logo.ashx?w=100&vs=2", next.req.RequestURI)
	assert.True(t, next.info.IsCDNRequest)
	assert.Equal(t, "website", next.info.SiteName)
	assert.Equal(t, "cdn.example.com", next.info.CDNHost)
	assert.Equal(t, []string{"website"}, *rehydrated)

	// the caller's request is left alone
	assert.Equal(t, "/~/media/Images/Logo!cf!w=100!vs=2.ashx", req.URL.Path)
}

func TestInterceptorLeavesPlainPaths(t *testing.T) {
	p := newTestProvider(t, nil)
	next := &captureHandler{}
	ic, rehydrated := newTestInterceptor(t, p, next, nil)

	ic.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://intra.example.com/about?x=1", nil))

	assert.Equal(t, "/about", next.req.URL.Path)
	assert.Equal(t, "x=1", next.req.URL.RawQuery)
	assert.False(t, next.info.IsCDNRequest)
	assert.Equal(t, "intranet", next.info.SiteName)
	assert.Empty(t, next.info.CDNHost)
	assert.Empty(t, *rehydrated)
}

func TestForwardRequestState(t *testing.T) {
	p := newTestProvider(t, nil)
	next := &captureHandler{}
	ic, _ := newTestInterceptor(t, p, next, nil)

	req := httptest.NewRequest(http.MethodGet, "http://www.example.com/css/site!cf!d=1.css", nil)
	req.Header.Set(RequestIDHeader, "abc")
	ic.ServeHTTP(httptest.NewRecorder(), req)

	outbound := next.req.Clone(next.req.Context())
	ForwardRequestState(outbound)
	assert.Equal(t, "1", outbound.Header.Get(CDNRequestHeader))
	assert.Equal(t, "abc", outbound.Header.Get(RequestIDHeader))

	// a client cannot claim to be the CDN
	req = httptest.NewRequest(http.MethodGet, "http://www.example.com/about", nil)
	req.Header.Set(CDNRequestHeader, "1")
	ic.ServeHTTP(httptest.NewRecorder(), req)

	outbound = next.req.Clone(next.req.Context())
	ForwardRequestState(outbound)
	assert.Empty(t, outbound.Header.Get(CDNRequestHeader))
	assert.NotEmpty(t, outbound.Header.Get(RequestIDHeader))
}

func TestInterceptorRoutesMinify(t *testing.T) {
	p := newTestProvider(t, nil)
	next := &captureHandler{}
	minifier := &captureHandler{}
	ic, _ := newTestInterceptor(t, p, next, minifier)

	ic.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://www.example.com/css/site.css?d=2020&min=1", nil))
	require.NotNil(t, minifier.req)
	assert.Equal(t, "/~/minify/css/site.css", minifier.req.URL.Path)
	assert.Equal(t, "d=2020&min=1", minifier.req.URL.RawQuery)
	assert.Equal(t, "/css/site.css?d=2020&min=1", minifier.info.MinifyPath)
	assert.Nil(t, next.req)

	// dehydrated and marked for minification
	minifier.req = nil
	ic.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://www.example.com/js/app!cf!min=1.js", nil))
	require.NotNil(t, minifier.req)
	assert.Equal(t, "/js/app.js?min=1", minifier.info.MinifyPath)
	assert.True(t, minifier.info.IsCDNRequest)

	for _, target := range []string{
		"http://www.example.com/css/site.css?min=0",
		"http://www.example.com/css/site.css",
		"http://www.example.com/~/media/site.css?min=1",
		"http://www.example.com/img/logo.png?min=1",
	} {
		minifier.req, next.req = nil, nil
		ic.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
		assert.Nil(t, minifier.req, target)
		assert.NotNil(t, next.req, target)
	}
}

func TestInterceptorMinifyDisabled(t *testing.T) {
	p := newTestProvider(t, func(s *cdn.Settings) { s.Minify = false })
	next := &captureHandler{}
	minifier := &captureHandler{}
	ic, _ := newTestInterceptor(t, p, next, minifier)

	ic.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://www.example.com/css/site.css?min=1", nil))
	assert.Nil(t, minifier.req)
	assert.Equal(t, "/css/site.css", next.req.URL.Path)
}

func TestInterceptorRequestState(t *testing.T) {
	p := newTestProvider(t, nil)
	next := &captureHandler{}
	ic, _ := newTestInterceptor(t, p, next, nil)

	req := httptest.NewRequest(http.MethodGet, "https://www.example.com/?sc_mode=edit", nil)
	req.TLS = &tls.ConnectionState{}
	req.Header.Set(RequestIDHeader, "abc-123")
	ic.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "https", next.info.Scheme)
	assert.True(t, next.info.Editing)
	assert.Equal(t, "abc-123", next.info.RequestID)

	req = httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	ic.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "https", next.info.Scheme)
	assert.False(t, next.info.Editing)
	assert.NotEmpty(t, next.info.RequestID)
}

func TestShouldFilter(t *testing.T) {
	p := newTestProvider(t, nil)
	m := NewMiddleware(Config{Provider: p}, http.NotFoundHandler())

	website := &cdn.RequestInfo{SiteName: "website", CDNHost: "cdn.example.com"}
	tests := []struct {
		name   string
		target string
		info   *cdn.RequestInfo
		want   bool
	}{
		{"page", "/about", website, true},
		{"aspx page", "/default.aspx", website, true},
		{"processed extension", "/~/media/feed.ashx", website, true},
		{"asset", "/css/site.css", website, false},
		{"excluded request", "/sitecore/login", website, false},
		{"no site", "/about", &cdn.RequestInfo{}, false},
		{"no cdn host", "/about", &cdn.RequestInfo{SiteName: "intranet"}, false},
		{"editing", "/about", &cdn.RequestInfo{SiteName: "website", CDNHost: "cdn.example.com", Editing: true}, false},
		{"forced off", "/about?cdn=0", website, false},
		{"forced on", "/css/site.css?cdn=1", website, true},
		{"forced on without site", "/about?cdn=true", &cdn.RequestInfo{}, true},
		{"undefined override", "/about?cdn=maybe", website, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req = req.WithContext(cdn.WithRequest(req.Context(), tt.info))
			assert.Equal(t, tt.want, m.ShouldFilter(req))
		})
	}
}

func TestShouldFilterDisabled(t *testing.T) {
	p := newTestProvider(t, func(s *cdn.Settings) { s.Enabled = false })
	m := NewMiddleware(Config{Provider: p}, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/about?cdn=1", nil)
	req = req.WithContext(cdn.WithRequest(req.Context(), &cdn.RequestInfo{SiteName: "website", CDNHost: "cdn.example.com"}))
	assert.False(t, m.ShouldFilter(req))
}

const testPage = `<html><head><link href="/css/site.css" rel="stylesheet">` +
	`<script src="/layouts/VisitorIdentification.js"></script></head>` +
	`<body><img src="/~/media/Images/Logo.ashx?w=100"></body></html>`

// pageOrigin serves testPage in small chunks
func pageOrigin(contentType string, acceptEncoding *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if acceptEncoding != nil {
			*acceptEncoding = r.Header.Get("Accept-Encoding")
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", "9999")
		w.WriteHeader(http.StatusOK)
		for i := 0; i < len(testPage); i += 20 {
			end := i + 20
			if end > len(testPage) {
				end = len(testPage)
			}
			w.Write([]byte(testPage[i:end]))
		}
	})
}

func TestPipelineRewritesPage(t *testing.T) {
	p := newTestProvider(t, nil)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	var events []FilterEvent
	var acceptEncoding string
	m := NewMiddleware(Config{
		Provider:      p,
		Metrics:       metrics,
		OnFilterEvent: func(site string, event FilterEvent) { events = append(events, event) },
	}, pageOrigin("text/html; charset=utf-8", &acceptEncoding))
	ic, _ := newTestInterceptor(t, p, m, nil)

	req := httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	ic.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, `<img src="http://cdn.example.com/~/media/Images/Logo.ashx?w=100&amp;vs=2&amp;d=2020-01-01T00:00:00Z"/>`)
	assert.Contains(t, body, `<link href="http://cdn.example.com/css/site.css?min=1" rel="stylesheet"/>`)
	assert.Contains(t, body, `<script src="/layouts/VisitorIdentification.js"></script>`)
	assert.Empty(t, rec.Header().Get("Content-Length"))
	assert.Empty(t, acceptEncoding)

	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].URLs)
	assert.False(t, events[0].Failed)
	assert.Equal(t, int64(len(body)), events[0].Bytes)

	stats := m.GetStats()
	assert.Equal(t, int64(1), stats.Filtered)
	assert.Equal(t, int64(2), stats.URLs)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.documents.WithLabelValues("website", "rewritten")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.urls.WithLabelValues("website")))
}

func TestPipelinePassesOtherContent(t *testing.T) {
	p := newTestProvider(t, nil)

	for _, contentType := range []string{"application/json", "text/plain"} {
		m := NewMiddleware(Config{Provider: p}, pageOrigin(contentType, nil))
		ic, _ := newTestInterceptor(t, p, m, nil)

		rec := httptest.NewRecorder()
		ic.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil))
		assert.Equal(t, testPage, rec.Body.String(), contentType)
		assert.Equal(t, int64(1), m.GetStats().PassThrough, contentType)
	}
}

func TestPipelineBypassesUnresolvedSite(t *testing.T) {
	p := newTestProvider(t, nil)
	m := NewMiddleware(Config{Provider: p}, pageOrigin("text/html", nil))
	ic, _ := newTestInterceptor(t, p, m, nil)

	rec := httptest.NewRecorder()
	ic.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://intra.example.com/", nil))
	assert.Equal(t, testPage, rec.Body.String())
	assert.Equal(t, int64(1), m.GetStats().Bypassed)
}

func TestPipelineFlushesUnterminatedDocument(t *testing.T) {
	p := newTestProvider(t, nil)
	fragment := `<div><img src="/~/media/Images/Logo.ashx"></div>`
	m := NewMiddleware(Config{Provider: p}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fragment))
	}))
	ic, _ := newTestInterceptor(t, p, m, nil)

	rec := httptest.NewRecorder()
	ic.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://www.example.com/partial", nil))
	assert.Equal(t, fragment, rec.Body.String())
	assert.Equal(t, int64(1), m.GetStats().Filtered)
}

func TestPipelineLogsParseErrors(t *testing.T) {
	p := newTestProvider(t, func(s *cdn.Settings) { s.DebugParser = true })
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	m := NewMiddleware(Config{Provider: p, Logger: log}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><div><span>x</div></body></html>`))
	}))
	ic, _ := newTestInterceptor(t, p, m, nil)

	rec := httptest.NewRecorder()
	ic.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://www.example.com/page?x=1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var logged []*logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.DebugLevel && entry.Data["source"] != nil {
			logged = append(logged, entry)
		}
	}
	require.Len(t, logged, 1)
	assert.Equal(t, "Document parse error: start tag <span> was not closed", logged[0].Message)
	assert.Equal(t, "/page?x=1", logged[0].Data["url"])
	assert.Equal(t, "website", logged[0].Data["site"])
}

func TestMetricsCountInterception(t *testing.T) {
	p := newTestProvider(t, nil)
	metrics := NewMetrics(prometheus.NewRegistry())
	ic := NewInterceptor(InterceptorConfig{
		Settings: p.Settings(),
		Sites:    newTestSites(t),
		Minifier: &captureHandler{},
		Metrics:  metrics,
	}, &captureHandler{})

	ic.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://www.example.com/a!cf!x=1.css", nil))
	ic.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://www.example.com/b.js?min=1", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.rehydrations.WithLabelValues("website")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.minify.WithLabelValues("website")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.rehydrated("website") })
}
