package cdn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		scheme   string
		host     string
		path     string
		query    []Param
		fragment string
	}{
		{
			name: "relative path with query",
			raw:  "/media/pic.ashx?w=100&h=50",
			path: "/media/pic.ashx",
			query: []Param{
				{Key: "w", Value: "100"},
				{Key: "h", Value: "50"},
			},
		},
		{
			name: "tilde path gets a leading slash",
			raw:  "~/media/pic.ashx",
			path: "/~/media/pic.ashx",
		},
		{
			name:     "absolute url",
			raw:      "HTTPS://www.example.com/css/site.css?v=1#top",
			scheme:   "https",
			host:     "www.example.com",
			path:     "/css/site.css",
			query:    []Param{{Key: "v", Value: "1"}},
			fragment: "top",
		},
		{
			name: "host without path",
			raw:  "http://www.example.com",
			host: "www.example.com", scheme: "http",
			path: "/",
		},
		{
			name: "repeated keys keep their order",
			raw:  "/a.png?x=1&y&x=2",
			path: "/a.png",
			query: []Param{
				{Key: "x", Value: "1"},
				{Key: "y"},
				{Key: "x", Value: "2"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, u.Scheme)
			assert.Equal(t, tt.host, u.Host)
			assert.Equal(t, tt.path, u.Path)
			assert.Equal(t, tt.query, u.Query)
			assert.Equal(t, tt.fragment, u.Fragment)
		})
	}
}

func TestParseURL_Errors(t *testing.T) {
	_, err := ParseURL("")
	assert.ErrorIs(t, err, ErrEmptyURL)

	_, err = ParseURL("mailto:someone@example.com")
	assert.Error(t, err)
}

func TestURLSpec_String(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"/a/b.png?x=1&y", "/a/b.png?x=1&y"},
		{"https://cdn.example.com/a.js", "https://cdn.example.com/a.js"},
		{"/a.css#frag", "/a.css#frag"},
		{"a.css", "/a.css"},
	}
	for _, tt := range tests {
		u, err := ParseURL(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, u.String(), tt.raw)
	}
}

func TestURLSpec_HostWithoutScheme(t *testing.T) {
	u, err := ParseURL("/a.png")
	require.NoError(t, err)
	u.Host = "cdn.example.com"
	assert.Equal(t, "http://cdn.example.com/a.png", u.String())
}

func TestURLSpec_Set(t *testing.T) {
	u, err := ParseURL("/a.png?x=1&ncdn=1&x=2")
	require.NoError(t, err)

	u.Set("x", "3")
	u.Set("d", "a b&c")
	assert.Equal(t, "x=3&ncdn=1&x=2&d=a%20b%26c", u.RawQuery())
	assert.True(t, u.Has("ncdn"))

	d, ok := u.Get("d")
	assert.True(t, ok)
	assert.Equal(t, "a%20b%26c", d)
}

func TestRemoveQueryParam(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"images/a.png?ncdn=1&x=2", "images/a.png?x=2"},
		{"../a.png?x=1&ncdn&x=2#top", "../a.png?x=1&x=2#top"},
		{"/a.png?ncdn", "/a.png"},
		{"/a.png?ncdn=1#top", "/a.png#top"},
		{"/a.png?ncdnx=1", "/a.png?ncdnx=1"},
		{"/a.png", "/a.png"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, removeQueryParam(tt.raw, "ncdn"), tt.raw)
	}
}

func TestURLSpec_Clone(t *testing.T) {
	u, err := ParseURL("/a.png?x=1")
	require.NoError(t, err)

	c := u.Clone()
	c.Set("x", "2")
	c.Host = "cdn.example.com"

	v, _ := u.Get("x")
	assert.Equal(t, "1", v)
	assert.Empty(t, u.Host)
}
