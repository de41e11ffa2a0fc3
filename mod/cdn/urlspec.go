package cdn

import (
	"errors"
	"net/url"
	"strings"
)

// ErrEmptyURL is returned when parsing an empty string
var ErrEmptyURL = errors.New("empty url")

// Param is one query parameter. Keys and values are kept in their raw (escaped) form.
type Param struct {
	Key   string
	Value string
}

// URLSpec is a parsed URL whose query parameters keep their order. Path always starts
// with "/" and never contains the query string.
type URLSpec struct {
	Scheme   string
	Host     string
	Path     string
	Query    []Param
	Fragment string
}

// ParseURL splits raw into its parts. Relative paths are normalized to start with "/".
func ParseURL(raw string) (*URLSpec, error) {
	if raw == "" {
		return nil, ErrEmptyURL
	}

	u := &URLSpec{}
	rest := raw

	if i := strings.IndexByte(rest, '#'); i >= 0 {
		u.Fragment = rest[i+1:]
		rest = rest[:i]
	}

	if i := strings.IndexByte(rest, '?'); i >= 0 {
		u.Query = parseQuery(rest[i+1:])
		rest = rest[:i]
	}

	if scheme, after, ok := splitScheme(rest); ok {
		if !strings.HasPrefix(after, "//") {
			return nil, &url.Error{Op: "parse", URL: raw, Err: errors.New("opaque url")}
		}
		u.Scheme = strings.ToLower(scheme)
		rest = after
	}

	if strings.HasPrefix(rest, "//") {
		rest = rest[2:]
		end := strings.IndexByte(rest, '/')
		if end < 0 {
			end = len(rest)
		}
		u.Host = rest[:end]
		rest = rest[end:]
	}

	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	u.Path = rest

	return u, nil
}

// splitScheme separates "scheme:" from the rest of s when s starts with a valid scheme
func splitScheme(s string) (scheme, rest string, ok bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9' || c == '+' || c == '-' || c == '.':
			if i == 0 {
				return "", s, false
			}
		case c == ':':
			if i == 0 {
				return "", s, false
			}
			return s[:i], s[i+1:], true
		default:
			return "", s, false
		}
	}
	return "", s, false
}

func parseQuery(raw string) []Param {
	var params []Param
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		params = append(params, Param{Key: key, Value: value})
	}
	return params
}

// removeQueryParam drops every occurrence of key from the query of raw and leaves the
// rest of raw as written
func removeQueryParam(raw string, key string) string {
	rest, fragment, hasFragment := strings.Cut(raw, "#")
	base, query, hasQuery := strings.Cut(rest, "?")
	if !hasQuery {
		return raw
	}

	var kept []string
	for _, part := range strings.Split(query, "&") {
		if k, _, _ := strings.Cut(part, "="); part == "" || k == key {
			continue
		}
		kept = append(kept, part)
	}

	out := base
	if len(kept) > 0 {
		out += "?" + strings.Join(kept, "&")
	}
	if hasFragment {
		out += "#" + fragment
	}
	return out
}

var queryComponentEscaper = strings.NewReplacer(
	"&", "%26",
	"#", "%23",
	"+", "%2B",
	" ", "%20",
)

// Get returns the first value of key
func (u *URLSpec) Get(key string) (string, bool) {
	for _, p := range u.Query {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present, with or without a value
func (u *URLSpec) Has(key string) bool {
	_, ok := u.Get(key)
	return ok
}

// Set replaces the first value of key, or appends key when it is absent
func (u *URLSpec) Set(key, value string) {
	value = queryComponentEscaper.Replace(value)
	for i, p := range u.Query {
		if p.Key == key {
			u.Query[i].Value = value
			return
		}
	}
	u.Query = append(u.Query, Param{Key: key, Value: value})
}

// RawQuery renders the query parameters in order, without the leading "?"
func (u *URLSpec) RawQuery() string {
	var b strings.Builder
	for i, p := range u.Query {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.Key)
		if p.Value != "" {
			b.WriteByte('=')
			b.WriteString(p.Value)
		}
	}
	return b.String()
}

// Clone returns a deep copy of u
func (u *URLSpec) Clone() *URLSpec {
	c := *u
	c.Query = append([]Param(nil), u.Query...)
	return &c
}

// String renders the URL. A host without a scheme is rendered as http.
func (u *URLSpec) String() string {
	var b strings.Builder
	if u.Host != "" {
		scheme := u.Scheme
		if scheme == "" {
			scheme = "http"
		}
		b.WriteString(scheme)
		b.WriteString("://")
		b.WriteString(u.Host)
	}
	b.WriteString(u.Path)
	if q := u.RawQuery(); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.Fragment)
	}
	return b.String()
}
