package medialib

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imuslab.com/cdnswitch/mod/cdn"
)

const testManifest = `{
	"items": [
		{
			"id": "{1}",
			"path": "/sitecore/media library/Images/Logo",
			"versions": [
				{"number": 1, "updated": "2019-05-01T08:00:00Z"},
				{"number": 3, "updated": "2020-01-01T00:00:00Z"},
				{"number": 2, "updated": "2019-09-01T08:00:00Z"}
			]
		},
		{
			"id": "{2}",
			"path": "/sitecore/media library/Private/Report",
			"versions": [{"number": 1, "updated": "2020-01-01T00:00:00Z"}],
			"public": false
		},
		{
			"id": "{3}",
			"path": "/sitecore/media library/Campaign/Banner",
			"versions": [{"number": 1, "updated": "2020-01-01T00:00:00Z"}],
			"tracking": {"events": ["download"]}
		},
		{
			"id": "{4}",
			"path": "/sitecore/media library/Campaign/Ignored",
			"versions": [{"number": 1, "updated": "2020-01-01T00:00:00Z"}],
			"tracking": {"ignore": true, "campaigns": ["spring"]}
		}
	]
}`

func loadTestLibrary(t *testing.T) *Library {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "media.json")
	require.NoError(t, os.WriteFile(filename, []byte(testManifest), 0644))
	lib, err := Load(filename)
	require.NoError(t, err)
	return lib
}

func TestResolveResourcePath(t *testing.T) {
	lib := loadTestLibrary(t)

	tests := []struct {
		in   string
		want string
	}{
		{"/~/media/Images/Logo.ashx", "/sitecore/media library/Images/Logo"},
		{"/~/MEDIA/Images/Logo.ashx?w=100", "/sitecore/media library/Images/Logo"},
		{"/en/~/media/Images/My%20Logo.png", "/sitecore/media library/Images/My Logo"},
		{"/css/site.css", ""},
		{"/~/media/", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lib.ResolveResourcePath(tt.in), tt.in)
	}
}

func TestResource(t *testing.T) {
	lib := loadTestLibrary(t)
	ctx := context.Background()

	res, err := lib.Resource(ctx, "/sitecore/media library/images/logo", "")
	require.NoError(t, err)
	assert.Equal(t, "{1}", res.ID)
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), res.Updated.UTC())

	res, err = lib.Resource(ctx, "/sitecore/media library/Images/Logo", "2")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)

	_, err = lib.Resource(ctx, "/sitecore/media library/Images/Logo", "9")
	assert.ErrorIs(t, err, cdn.ErrResourceNotFound)

	_, err = lib.Resource(ctx, "/sitecore/media library/Images/Logo", "latest")
	assert.ErrorIs(t, err, cdn.ErrResourceNotFound)

	_, err = lib.Resource(ctx, "/sitecore/media library/Missing", "")
	assert.ErrorIs(t, err, cdn.ErrResourceNotFound)
}

func TestFlags(t *testing.T) {
	lib := loadTestLibrary(t)
	ctx := context.Background()

	tests := []struct {
		path    string
		public  bool
		tracked bool
	}{
		{"/sitecore/media library/Images/Logo", true, false},
		{"/sitecore/media library/Private/Report", false, false},
		{"/sitecore/media library/Campaign/Banner", true, true},
		{"/sitecore/media library/Campaign/Ignored", true, false},
	}
	for _, tt := range tests {
		res, err := lib.Resource(ctx, tt.path, "")
		require.NoError(t, err)

		public, err := lib.CanAnonymousRead(ctx, res)
		require.NoError(t, err)
		assert.Equal(t, tt.public, public, tt.path)

		tracked, err := lib.IsTracked(ctx, res)
		require.NoError(t, err)
		assert.Equal(t, tt.tracked, tracked, tt.path)
	}
}

func TestNewLibraryValidation(t *testing.T) {
	_, err := NewLibrary(&Manifest{Items: []*Item{{ID: "x", Path: "/a"}}})
	assert.Error(t, err)

	_, err = NewLibrary(&Manifest{Items: []*Item{{Path: "/a", Versions: []Version{{Number: 1}}}}})
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLibraryWithProvider(t *testing.T) {
	lib := loadTestLibrary(t)

	settings := cdn.DefaultSettings()
	settings.Enabled = true
	settings.FilenameVersioning = true
	settings.AnalyticsEnabled = true
	p, err := cdn.NewProvider(cdn.ProviderConfig{Settings: settings, Media: lib})
	require.NoError(t, err)
	defer p.Close()

	ctx := cdn.WithRequest(context.Background(), &cdn.RequestInfo{Scheme: "https", Host: "www.example.com"})
	assert.Equal(t,
		"http://cdn.example.com/~/media/Images/Logo.ashx?w=100&vs=3&d=2020-01-01T00:00:00Z",
		p.ReplaceMediaURL(ctx, "/~/media/Images/Logo.ashx?w=100", "cdn.example.com"))
	assert.Equal(t,
		"/~/media/Campaign/Banner.ashx",
		p.ReplaceMediaURL(ctx, "/~/media/Campaign/Banner.ashx", "cdn.example.com"))
	assert.Equal(t,
		"/~/media/Private/Report.ashx",
		p.ReplaceMediaURL(ctx, "/~/media/Private/Report.ashx", "cdn.example.com"))
}
