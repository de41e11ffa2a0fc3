package cdn

import (
	"path"
	"strings"
)

// Dehydrated path format: <stem>!cf!<k1>=<v1>!<k2>=<v2><ext>
const (
	DehydrateMarker   = "!cf!"
	ParamSeparator    = "!"
	KeyValueSeparator = "="
)

// Characters that would make a dehydrated file name ambiguous are percent-encoded inside
// keys and values: "!" separates parameters, "." starts the extension, "/" ends the path
// segment and "?" starts the query. "%" is escaped too so existing escapes survive.
var (
	tokenEscaper = strings.NewReplacer(
		"%", "%25",
		"!", "%21",
		".", "%2E",
		"/", "%2F",
		"?", "%3F",
	)
	tokenUnescaper = strings.NewReplacer(
		"%25", "%",
		"%21", "!",
		"%2E", ".", "%2e", ".",
		"%2F", "/", "%2f", "/",
		"%3F", "?", "%3f", "?",
	)
)

// Dehydrate folds the query parameters of u into its file name, just before the
// extension, so caches keyed on the path alone see every parameter combination as a
// separate object. URLs without a query, or already dehydrated, are returned as a copy.
func Dehydrate(u *URLSpec) *URLSpec {
	out := u.Clone()
	if len(out.Query) == 0 || IsDehydrated(out.Path) {
		return out
	}

	dir, file := splitFile(out.Path)
	ext := path.Ext(file)

	var b strings.Builder
	b.WriteString(dir)
	b.WriteString(strings.TrimSuffix(file, ext))
	b.WriteString(DehydrateMarker)
	for i, p := range out.Query {
		if i > 0 {
			b.WriteString(ParamSeparator)
		}
		b.WriteString(tokenEscaper.Replace(p.Key))
		if p.Value != "" {
			b.WriteString(KeyValueSeparator)
			b.WriteString(tokenEscaper.Replace(p.Value))
		}
	}
	b.WriteString(ext)

	out.Path = b.String()
	out.Query = nil
	return out
}

// IsDehydrated reports whether the last segment of p carries the dehydration marker
func IsDehydrated(p string) bool {
	_, file := splitFile(p)
	return strings.Contains(file, DehydrateMarker)
}

// Rehydrate restores the original path and raw query string from a dehydrated path.
// ok is false when p is not dehydrated; p is then returned unchanged.
func Rehydrate(p string) (restoredPath string, rawQuery string, ok bool) {
	dir, file := splitFile(p)
	marker := strings.Index(file, DehydrateMarker)
	if marker < 0 {
		return p, "", false
	}

	stem := file[:marker]
	tokens := file[marker+len(DehydrateMarker):]

	ext := ""
	if dot := strings.LastIndexByte(tokens, '.'); dot >= 0 {
		ext = tokens[dot:]
		tokens = tokens[:dot]
	}

	var params []string
	for _, token := range strings.Split(tokens, ParamSeparator) {
		if token == "" {
			continue
		}
		key, value, hasValue := strings.Cut(token, KeyValueSeparator)
		param := tokenUnescaper.Replace(key)
		if hasValue {
			param += "=" + tokenUnescaper.Replace(value)
		}
		params = append(params, param)
	}

	return dir + stem + ext, strings.Join(params, "&"), true
}

// splitFile splits p after its last "/"
func splitFile(p string) (dir, file string) {
	i := strings.LastIndexByte(p, '/')
	return p[:i+1], p[i+1:]
}
