package htmlfilter

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// URLRewriter is the codec the document rewrite applies to every URL-bearing attribute
type URLRewriter interface {
	ReplaceMediaURL(ctx context.Context, inputURL string, cdnHost string) string
	IsExcludedURL(url string) bool
}

// Options of one document rewrite
type Options struct {
	// CDNHost replaces the host of rewritten URLs. Empty keeps the origin host.
	CDNHost string

	// FastLoadJS moves every script element to the element with id ScriptTargetID, or to
	// body when there is none
	FastLoadJS     bool
	ScriptTargetID string

	// Charset of the document bytes. Empty or unknown means UTF-8.
	Charset string

	// DebugParser collects unbalanced markup into Result.ParseErrors
	DebugParser bool
}

// Result summarizes one document rewrite
type Result struct {
	// URLs is the number of attributes whose value changed
	URLs int

	// Scripts is the number of script elements relocated
	Scripts int

	ParseErrors []ParseError
}

// urlAttributes lists the attribute rewritten per element
var urlAttributes = map[atom.Atom]string{
	atom.Link:   "href",
	atom.Img:    "src",
	atom.Script: "src",
}

// RewriteDocument parses doc, rewrites link href and img/script src through rw and
// renders the result in the same charset.
func RewriteDocument(ctx context.Context, doc []byte, rw URLRewriter, opts Options) ([]byte, Result, error) {
	var result Result

	enc := lookupEncoding(opts.Charset)
	if enc != nil {
		decoded, err := enc.NewDecoder().Bytes(doc)
		if err != nil {
			return nil, result, fmt.Errorf("decode %s document: %w", opts.Charset, err)
		}
		doc = decoded
	}

	if opts.DebugParser {
		result.ParseErrors = scanParseErrors(doc)
	}

	// scripting off so noscript content is parsed as markup
	root, err := html.ParseWithOptions(bytes.NewReader(doc), html.ParseOptionEnableScripting(false))
	if err != nil {
		return nil, result, fmt.Errorf("parse document: %w", err)
	}

	var scripts []*html.Node
	var target, body *html.Node

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if key, ok := urlAttributes[n.DataAtom]; ok {
				if rewriteAttr(ctx, n, key, rw, opts.CDNHost) {
					result.URLs++
				}
			}
			switch {
			case n.DataAtom == atom.Script:
				scripts = append(scripts, n)
			case n.DataAtom == atom.Body && body == nil:
				body = n
			}
			if opts.FastLoadJS && target == nil && opts.ScriptTargetID != "" && attr(n, "id") == opts.ScriptTargetID {
				target = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if opts.FastLoadJS {
		if target == nil {
			target = body
		}
		if target != nil {
			for _, s := range scripts {
				if s.Parent != nil {
					s.Parent.RemoveChild(s)
				}
				target.AppendChild(s)
				result.Scripts++
			}
		}
	}

	var out bytes.Buffer
	if err := html.Render(&out, root); err != nil {
		return nil, result, fmt.Errorf("render document: %w", err)
	}

	if enc != nil {
		encoded, err := enc.NewEncoder().Bytes(out.Bytes())
		if err != nil {
			return nil, result, fmt.Errorf("encode %s document: %w", opts.Charset, err)
		}
		return encoded, result, nil
	}
	return out.Bytes(), result, nil
}

func rewriteAttr(ctx context.Context, n *html.Node, key string, rw URLRewriter, cdnHost string) bool {
	for i, a := range n.Attr {
		if a.Namespace != "" || !strings.EqualFold(a.Key, key) {
			continue
		}
		// VisitorIdentification.aspx and friends
		if a.Val == "" || rw.IsExcludedURL(a.Val) {
			return false
		}
		replaced := rw.ReplaceMediaURL(ctx, a.Val, cdnHost)
		if replaced == a.Val {
			return false
		}
		n.Attr[i].Val = replaced
		return true
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// lookupEncoding returns nil for UTF-8 and for charsets htmlindex does not know
func lookupEncoding(charset string) encoding.Encoding {
	if charset == "" {
		return nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return nil
	}
	return enc
}
