package optimizer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/js"
	"imuslab.com/cdnswitch/mod/cache"
)

// Content types the minify handler serves
const (
	ContentTypeCSS = "text/css; charset=utf-8"
	ContentTypeJS  = "application/x-javascript; charset=utf-8"
)

var jsMediaTypes = []string{"text/javascript", "application/javascript", "application/x-javascript"}

// MinifyConfig holds configuration for minification
type MinifyConfig struct {
	CSS bool
	JS  bool
}

// DefaultMinifyConfig returns the default minification configuration
func DefaultMinifyConfig() MinifyConfig {
	return MinifyConfig{
		CSS: true,
		JS:  true,
	}
}

// NewMinifier creates a minifier with the specified configuration
func NewMinifier(config MinifyConfig) *minify.M {
	m := minify.New()

	if config.CSS {
		m.Add("text/css", &css.Minifier{KeepCSS2: true})
	}

	if config.JS {
		for _, mediaType := range jsMediaTypes {
			m.AddFunc(mediaType, js.Minify)
		}
	}

	return m
}

// ContentTypeFor returns the served content type of a static file by extension, or ""
// when the file is not minifiable
func ContentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(name), ".css"):
		return ContentTypeCSS
	case strings.HasSuffix(strings.ToLower(name), ".js"):
		return ContentTypeJS
	}
	return ""
}

// MinifyTransform creates a Transform that minifies css and javascript. Content that
// fails to minify is passed through unchanged.
func MinifyTransform(config MinifyConfig) Transform {
	minifier := NewMinifier(config)

	return func(ctx context.Context, in io.Reader, meta *cache.Meta) (io.ReadCloser, *cache.Meta, error) {
		mediaType, ok := minifiable(meta.ContentType, config)
		if !ok {
			return readCloser(in), meta, nil
		}

		source, err := io.ReadAll(in)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read input: %w", err)
		}

		minified, err := minifier.Bytes(mediaType, source)
		if err != nil {
			// serve the original rather than nothing
			return io.NopCloser(bytes.NewReader(source)), meta, nil
		}

		newMeta := *meta
		newMeta.Size = int64(len(minified))
		return io.NopCloser(bytes.NewReader(minified)), &newMeta, nil
	}
}

// minifiable returns the bare media type of contentType when config minifies it
func minifiable(contentType string, config MinifyConfig) (string, bool) {
	if contentType == "" {
		return "", false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}

	if config.CSS && mediaType == "text/css" {
		return mediaType, true
	}
	if config.JS {
		for _, t := range jsMediaTypes {
			if mediaType == t {
				return mediaType, true
			}
		}
	}
	return "", false
}
