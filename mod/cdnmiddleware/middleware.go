package cdnmiddleware

import (
	"context"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"imuslab.com/cdnswitch/mod/cdn"
	"imuslab.com/cdnswitch/mod/htmlfilter"
)

// pageExtensions are the request extensions treated as page requests
var pageExtensions = map[string]bool{
	"":      true,
	".aspx": true,
	".html": true,
	".htm":  true,
}

// Config holds configuration for the attach-filter middleware
type Config struct {
	// Provider is the URL codec documents are rewritten with
	Provider *cdn.Provider

	// IsPageRequest reports whether a request renders a page. Defaults to extension-less,
	// .aspx and .html paths.
	IsPageRequest func(r *http.Request) bool

	// OnFilterEvent is called after every filtered document
	OnFilterEvent func(site string, event FilterEvent)

	Metrics *Metrics
	Logger  logrus.FieldLogger
}

// FilterEvent describes one filtered document
type FilterEvent struct {
	URLs     int
	Scripts  int
	Failed   bool
	Bytes    int64
	Duration time.Duration
}

// Middleware attaches the streaming document filter to page responses
type Middleware struct {
	config  Config
	handler http.Handler

	statsMu sync.RWMutex
	stats   Stats
}

// Stats tracks filter statistics
type Stats struct {
	Filtered    int64 `json:"filtered"`
	Bypassed    int64 `json:"bypassed"`
	PassThrough int64 `json:"pass_through"`
	Failures    int64 `json:"failures"`
	URLs        int64 `json:"urls"`
	Scripts     int64 `json:"scripts"`
}

// NewMiddleware creates the attach-filter middleware in front of handler
func NewMiddleware(config Config, handler http.Handler) *Middleware {
	if config.IsPageRequest == nil {
		config.IsPageRequest = isPageRequest
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	return &Middleware{
		config:  config,
		handler: handler,
	}
}

func isPageRequest(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		return false
	}
	return pageExtensions[strings.ToLower(path.Ext(r.URL.Path))]
}

// ShouldFilter decides whether the response to r goes through the document filter. The
// cdn query parameter forces the decision either way.
func (m *Middleware) ShouldFilter(r *http.Request) bool {
	p := m.config.Provider
	if p == nil || !p.Settings().Enabled {
		return false
	}

	info := cdn.RequestFromContext(r.Context())
	pathWithQuery := r.URL.RequestURI()

	shouldFilter := (m.config.IsPageRequest(r) || p.ShouldProcessRequest(pathWithQuery)) &&
		!p.ShouldExcludeRequest(pathWithQuery) &&
		info.SiteName != "" &&
		!info.Editing &&
		info.CDNHost != ""

	if force, err := strconv.ParseBool(r.URL.Query().Get(p.Settings().OverrideParam)); err == nil {
		shouldFilter = force
	}
	return shouldFilter
}

// ServeHTTP implements http.Handler
func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !m.ShouldFilter(r) {
		m.incrementBypassed()
		m.handler.ServeHTTP(w, r)
		return
	}

	// the filter needs the document uncompressed
	r = r.Clone(r.Context())
	r.Header.Del("Accept-Encoding")

	fw := &filterWriter{
		ResponseWriter: w,
		middleware:     m,
		ctx:            r.Context(),
		info:           cdn.RequestFromContext(r.Context()),
		requestURI:     r.URL.RequestURI(),
		head:           r.Method == http.MethodHead,
	}
	defer fw.finish()

	m.handler.ServeHTTP(fw, r)
}

// filterWriter buffers html responses through an htmlfilter.Filter and passes everything
// else through
type filterWriter struct {
	http.ResponseWriter
	middleware *Middleware
	ctx        context.Context
	info       *cdn.RequestInfo
	requestURI string
	head       bool

	wroteHeader bool
	filter      *htmlfilter.Filter
	out         *countingWriter
	result      htmlfilter.Result
	started     time.Time
	elapsed     time.Duration
}

func (fw *filterWriter) WriteHeader(statusCode int) {
	if fw.wroteHeader {
		return
	}
	fw.wroteHeader = true

	header := fw.Header()
	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err == nil && mediaType == "text/html" && header.Get("Content-Encoding") == "" && !fw.head &&
		statusCode != http.StatusNoContent && statusCode != http.StatusNotModified {
		header.Del("Content-Length")
		fw.start(params["charset"])
	} else {
		fw.middleware.incrementPassThrough()
	}

	fw.ResponseWriter.WriteHeader(statusCode)
}

func (fw *filterWriter) start(charset string) {
	m := fw.middleware
	settings := m.config.Provider.Settings()
	opts := htmlfilter.Options{
		CDNHost:        fw.info.CDNHost,
		FastLoadJS:     settings.FastLoadJS,
		ScriptTargetID: settings.ScriptTargetID,
		Charset:        charset,
		DebugParser:    settings.DebugParser,
	}
	log := m.config.Logger.WithFields(logrus.Fields{
		"request_id": fw.info.RequestID,
		"site":       fw.info.SiteName,
	})

	fw.out = &countingWriter{w: fw.ResponseWriter}
	fw.filter = htmlfilter.NewFilter(fw.out, func(doc []byte) ([]byte, error) {
		fw.started = time.Now()
		defer func() { fw.elapsed = time.Since(fw.started) }()

		out, result, err := htmlfilter.RewriteDocument(fw.ctx, doc, m.config.Provider, opts)
		fw.result = result
		for _, pe := range result.ParseErrors {
			log.WithFields(logrus.Fields{
				"url":    fw.requestURI,
				"line":   pe.Line,
				"source": pe.Source,
			}).Debug("Document parse error: ", pe.Reason)
		}
		return out, err
	}, log)
}

func (fw *filterWriter) Write(p []byte) (int, error) {
	if !fw.wroteHeader {
		if fw.Header().Get("Content-Type") == "" {
			fw.Header().Set("Content-Type", http.DetectContentType(p))
		}
		fw.WriteHeader(http.StatusOK)
	}
	if fw.filter != nil {
		return fw.filter.Write(p)
	}
	return fw.ResponseWriter.Write(p)
}

// Flush forwards flushes once nothing is held back
func (fw *filterWriter) Flush() {
	if fw.filter != nil && fw.filter.State() == htmlfilter.Buffering {
		return
	}
	if f, ok := fw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer
func (fw *filterWriter) Unwrap() http.ResponseWriter {
	return fw.ResponseWriter
}

// finish emits a document that never reached the end marker and records the outcome
func (fw *filterWriter) finish() {
	if fw.filter == nil {
		return
	}
	if err := fw.filter.Close(); err != nil {
		fw.middleware.config.Logger.WithError(err).Warn("Failed to write buffered document")
	}

	event := FilterEvent{
		URLs:     fw.result.URLs,
		Scripts:  fw.result.Scripts,
		Failed:   fw.filter.Err != nil,
		Bytes:    fw.out.n,
		Duration: fw.elapsed,
	}
	fw.middleware.record(fw.info.SiteName, event)
}

func (m *Middleware) record(site string, event FilterEvent) {
	m.addDocument(event)
	m.config.Metrics.document(site, event)
	if m.config.OnFilterEvent != nil {
		m.config.OnFilterEvent(site, event)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// GetStats returns current filter statistics
func (m *Middleware) GetStats() Stats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.stats
}

func (m *Middleware) incrementBypassed() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.Bypassed++
}

func (m *Middleware) incrementPassThrough() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.PassThrough++
}

func (m *Middleware) addDocument(event FilterEvent) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.Filtered++
	if event.Failed {
		m.stats.Failures++
	}
	m.stats.URLs += int64(event.URLs)
	m.stats.Scripts += int64(event.Scripts)
}
