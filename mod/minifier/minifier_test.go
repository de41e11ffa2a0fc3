package minifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imuslab.com/cdnswitch/mod/cache"
	"imuslab.com/cdnswitch/mod/cdn"
)

var modTime = time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)

func testFiles() fstest.MapFS {
	return fstest.MapFS{
		"css/site.css": &fstest.MapFile{
			Data:    []byte("body {\n  color: #ff0000;\n  background: url('../img/bg.png');\n}\n"),
			ModTime: modTime,
		},
		"js/app.js": &fstest.MapFile{
			Data:    []byte("function add(a, b) {\n  return a + b;\n}\n"),
			ModTime: modTime,
		},
		"readme.txt": &fstest.MapFile{Data: []byte("hello"), ModTime: modTime},
	}
}

func newTestHandler(t *testing.T, compress bool) (*Handler, cache.CacheStore) {
	t.Helper()
	store, err := cache.NewFSStore(t.TempDir(), 2)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	settings := cdn.DefaultSettings()
	settings.ProcessCSS = true
	log, _ := test.NewNullLogger()

	h := NewHandler(Config{
		Settings: settings,
		Files:    testFiles(),
		Store:    store,
		Rewriter: func(ctx context.Context, rawURL string) string {
			return "//cdn.example.com" + rawURL
		},
		Compress: compress,
		Logger:   log,
	})
	return h, store
}

func TestServeMinifiedCSS(t *testing.T) {
	h, _ := newTestHandler(t, false)

	req := httptest.NewRequest(http.MethodGet, "/~/minify/css/site.css?min=1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "\n")
	assert.Contains(t, body, "//cdn.example.com/img/bg.png")
	assert.Equal(t, "text/css; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=1209600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, modTime.Format(http.TimeFormat), rec.Header().Get("Last-Modified"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	expires, err := http.ParseTime(rec.Header().Get("Expires"))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultExpiry), expires, time.Minute)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/~/minify/css/site.css?min=1", nil))
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, body, rec.Body.String())
}

func TestServeUsesRoutedPath(t *testing.T) {
	h, _ := newTestHandler(t, false)

	req := httptest.NewRequest(http.MethodGet, "/~/minify/js/app.js?min=1", nil)
	req = req.WithContext(cdn.WithRequest(req.Context(), &cdn.RequestInfo{
		Scheme:     "http",
		MinifyPath: "/js/app.js?min=1",
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-javascript; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Less(t, rec.Body.Len(), len(testFiles()["js/app.js"].Data))
}

func TestServeNotFound(t *testing.T) {
	h, _ := newTestHandler(t, false)

	for _, target := range []string{
		"/~/minify/css/missing.css",
		"/~/minify/readme.txt",
		"/css/site.css",
		"/~/minify/../secret.css",
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}

func TestServeRejectsPost(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/~/minify/css/site.css", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeHeadHasNoBody(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/~/minify/css/site.css", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, rec.Body.Len())
	assert.NotEmpty(t, rec.Header().Get("Content-Length"))
}

func TestServeNegotiatesEncoding(t *testing.T) {
	h, _ := newTestHandler(t, true)

	// large enough to pass the compression size threshold
	files := testFiles()
	files["js/big.js"] = &fstest.MapFile{
		Data:    []byte(strings.Repeat("var value = 'some repeated text';\n", 200)),
		ModTime: modTime,
	}
	h.config.Files = files

	req := httptest.NewRequest(http.MethodGet, "/~/minify/js/big.js", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "br", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", rec.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodGet, "/~/minify/js/big.js", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
}

func TestWarmAndInvalidate(t *testing.T) {
	h, _ := newTestHandler(t, true)
	ctx := context.Background()

	require.NoError(t, h.Warm(ctx, "/css/site.css?d=2021-03-04T05:06:07Z&min=1"))

	for _, encoding := range []string{"", "gzip", "br"} {
		req := httptest.NewRequest(http.MethodGet, "/~/minify/css/site.css?d=2021-03-04T05:06:07Z&min=1", nil)
		if encoding != "" {
			req.Header.Set("Accept-Encoding", encoding)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "HIT", rec.Header().Get("X-Cache"), encoding)
	}

	require.NoError(t, h.Invalidate(ctx, "/css/site.css?d=2021-03-04T05:06:07Z&min=1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/~/minify/css/site.css?d=2021-03-04T05:06:07Z&min=1", nil))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
}

func TestWarmMissingFile(t *testing.T) {
	h, _ := newTestHandler(t, false)
	assert.Error(t, h.Warm(context.Background(), "/css/missing.css?min=1"))
}

func TestPurge(t *testing.T) {
	h, _ := newTestHandler(t, false)
	ctx := context.Background()

	require.NoError(t, h.Warm(ctx, "/js/app.js"))
	require.NoError(t, h.Purge(ctx))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/~/minify/js/app.js", nil))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
}

func TestServeNoStoreBypassesStore(t *testing.T) {
	h, _ := newTestHandler(t, false)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/~/minify/js/app.js", nil)
		req.Header.Set("Cache-Control", "no-store")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/~/minify/js/app.js", nil))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
}
