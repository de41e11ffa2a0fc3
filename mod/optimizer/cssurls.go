package optimizer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
	"imuslab.com/cdnswitch/mod/cache"
)

// URLRewriteFunc returns the replacement of a root-relative URL found in a stylesheet
type URLRewriteFunc func(ctx context.Context, rawURL string) string

// CSSURLTransform creates a Transform that rewrites every url(...) reference of a
// stylesheet through rewrite. Relative references are resolved against the stylesheet's
// SourcePath first; absolute and data: references are left alone.
func CSSURLTransform(rewrite URLRewriteFunc) Transform {
	return func(ctx context.Context, in io.Reader, meta *cache.Meta) (io.ReadCloser, *cache.Meta, error) {
		if mediaType, _, err := mime.ParseMediaType(meta.ContentType); err != nil || mediaType != "text/css" {
			return readCloser(in), meta, nil
		}

		source, err := io.ReadAll(in)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read stylesheet: %w", err)
		}

		out, err := RewriteCSSURLs(ctx, source, meta.SourcePath, rewrite)
		if err != nil {
			return nil, nil, err
		}

		newMeta := *meta
		newMeta.Size = int64(len(out))
		return io.NopCloser(bytes.NewReader(out)), &newMeta, nil
	}
}

// RewriteCSSURLs rewrites the url(...) tokens of stylesheet, which was served from
// sheetPath
func RewriteCSSURLs(ctx context.Context, stylesheet []byte, sheetPath string, rewrite URLRewriteFunc) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(stylesheet))

	lexer := css.NewLexer(parse.NewInputBytes(stylesheet))
	for {
		tt, text := lexer.Next()
		if tt == css.ErrorToken {
			if err := lexer.Err(); err != nil && err != io.EOF {
				return nil, fmt.Errorf("tokenize stylesheet %s: %w", sheetPath, err)
			}
			return out.Bytes(), nil
		}
		if tt != css.URLToken {
			out.Write(text)
			continue
		}

		ref, quote := unwrapURLToken(text)
		resolved, ok := resolveStylesheetRef(sheetPath, ref)
		if !ok {
			out.Write(text)
			continue
		}
		replaced := rewrite(ctx, resolved)
		if replaced == "" {
			out.Write(text)
			continue
		}
		writeURLToken(&out, replaced, quote)
	}
}

// unwrapURLToken splits url( "x" ) into x and its quote character
func unwrapURLToken(token []byte) (string, byte) {
	s := string(token)
	if open := strings.IndexByte(s, '('); open >= 0 {
		s = s[open+1:]
	}
	s = strings.TrimSuffix(s, ")")
	s = strings.TrimSpace(s)

	var quote byte
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		quote = s[0]
		s = s[1 : len(s)-1]
	}
	return s, quote
}

func writeURLToken(out *bytes.Buffer, u string, quote byte) {
	if quote == 0 && strings.ContainsAny(u, " \t\n\"'()\\") {
		quote = '"'
	}
	out.WriteString("url(")
	if quote != 0 {
		out.WriteByte(quote)
		out.WriteString(strings.ReplaceAll(u, string(quote), "\\"+string(quote)))
		out.WriteByte(quote)
	} else {
		out.WriteString(u)
	}
	out.WriteByte(')')
}

// resolveStylesheetRef turns a reference found in the stylesheet at sheetPath into a
// root-relative URL. Only references to the same origin are resolved.
func resolveStylesheetRef(sheetPath string, ref string) (string, bool) {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "//") {
		return "", false
	}
	parsed, err := url.Parse(ref)
	if err != nil || parsed.Scheme != "" || parsed.Host != "" {
		return "", false
	}
	if strings.HasPrefix(ref, "/") {
		return ref, true
	}
	if sheetPath == "" {
		return "", false
	}
	base := &url.URL{Path: "/" + strings.TrimPrefix(sheetPath, "/")}
	return base.ResolveReference(parsed).String(), true
}
