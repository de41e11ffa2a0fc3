package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeyGenerator generates store keys for minified asset requests
type KeyGenerator struct {
	// IncludeHost adds the request host to the key. Minified assets are served the same
	// way for the origin and the CDN host, so it is off by default.
	IncludeHost bool

	// IncludeQuery determines whether query parameters are included in the key
	IncludeQuery bool

	// VaryHeaders lists headers to include in key generation (e.g., Accept-Encoding)
	VaryHeaders []string
}

// NewKeyGenerator creates a KeyGenerator keyed on path and query. Callers that store one
// body per encoding add the encoding to the key themselves instead of varying on
// Accept-Encoding.
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{
		IncludeHost:  false,
		IncludeQuery: true,
	}
}

// GenerateKey creates a store key from an HTTP request
func (kg *KeyGenerator) GenerateKey(r *http.Request) string {
	var keyParts []string

	if kg.IncludeHost {
		keyParts = append(keyParts, strings.ToLower(r.Host))
	}

	keyParts = append(keyParts, strings.ToLower(r.URL.Path))

	if kg.IncludeQuery && r.URL.RawQuery != "" {
		keyParts = append(keyParts, normalizeQuery(r.URL.Query()))
	}

	for _, header := range kg.VaryHeaders {
		if value := r.Header.Get(header); value != "" {
			keyParts = append(keyParts, header+":"+value)
		}
	}

	hash := sha256.Sum256([]byte(strings.Join(keyParts, "|")))
	return hex.EncodeToString(hash[:])
}

// normalizeQuery sorts query parameters so equivalent URLs share a key
func normalizeQuery(query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// IsCacheable reports whether a request may be answered from, and stored into, a CacheStore
func IsCacheable(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}

	cacheControl := r.Header.Get("Cache-Control")
	return !strings.Contains(cacheControl, "no-store")
}
