package htmlfilter

import (
	"bytes"
	"fmt"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ParseError is an unbalanced tag found in a document
type ParseError struct {
	Reason string
	Line   int
	Source string
}

// optionalEndTags never count as unclosed
var optionalEndTags = map[atom.Atom]bool{
	atom.Html: true, atom.Head: true, atom.Body: true,
	atom.P: true, atom.Li: true, atom.Dt: true, atom.Dd: true,
	atom.Option: true, atom.Optgroup: true, atom.Colgroup: true, atom.Caption: true,
	atom.Thead: true, atom.Tbody: true, atom.Tfoot: true, atom.Tr: true, atom.Td: true, atom.Th: true,
	atom.Rt: true, atom.Rp: true,
}

var voidElements = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true, atom.Embed: true,
	atom.Hr: true, atom.Img: true, atom.Input: true, atom.Link: true, atom.Meta: true,
	atom.Param: true, atom.Source: true, atom.Track: true, atom.Wbr: true,
}

const maxParseErrorSource = 80

// scanParseErrors tokenizes doc and reports end tags without a start tag and start tags
// closed implicitly by an outer end tag or by the end of the document
func scanParseErrors(doc []byte) []ParseError {
	type openTag struct {
		name   string
		line   int
		source string
	}

	var errs []ParseError
	var stack []openTag
	unclosed := func(tags []openTag) {
		for i := len(tags) - 1; i >= 0; i-- {
			if optionalEndTags[atom.Lookup([]byte(tags[i].name))] {
				continue
			}
			errs = append(errs, ParseError{
				Reason: fmt.Sprintf("start tag <%s> was not closed", tags[i].name),
				Line:   tags[i].line,
				Source: tags[i].source,
			})
		}
	}

	line := 1
	z := html.NewTokenizer(bytes.NewReader(doc))
	for {
		tt := z.Next()
		raw := z.Raw()
		tokenLine := line
		line += bytes.Count(raw, []byte("\n"))
		source := truncate(string(raw))

		switch tt {
		case html.ErrorToken:
			unclosed(stack)
			return errs

		case html.StartTagToken:
			name, _ := z.TagName()
			if voidElements[atom.Lookup(name)] {
				continue
			}
			stack = append(stack, openTag{name: string(name), line: tokenLine, source: source})

		case html.EndTagToken:
			name, _ := z.TagName()
			match := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].name == string(name) {
					match = i
					break
				}
			}
			if match < 0 {
				errs = append(errs, ParseError{
					Reason: fmt.Sprintf("end tag </%s> has no start tag", name),
					Line:   tokenLine,
					Source: source,
				})
				continue
			}
			unclosed(stack[match+1:])
			stack = stack[:match]
		}
	}
}

func truncate(s string) string {
	if len(s) > maxParseErrorSource {
		return s[:maxParseErrorSource] + "..."
	}
	return s
}
