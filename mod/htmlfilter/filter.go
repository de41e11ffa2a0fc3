package htmlfilter

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// EndMarker closes the document. Everything up to and including it is rewritten in one pass.
const EndMarker = "</html>"

// State of a Filter
type State int

const (
	// Buffering accumulates writes until the end marker is seen
	Buffering State = iota
	// Flushed passes every write straight through
	Flushed
)

func (s State) String() string {
	switch s {
	case Buffering:
		return "buffering"
	case Flushed:
		return "flushed"
	}
	return "unknown"
}

// TransformFunc rewrites a complete document
type TransformFunc func(doc []byte) ([]byte, error)

// Filter is a chunk accumulator in front of dst. It holds every write in memory until the
// end marker arrives, hands the whole document to the transform once, then streams the
// rest of the response unmodified. A Filter belongs to one response and is not safe for
// concurrent use.
type Filter struct {
	dst       io.Writer
	transform TransformFunc
	log       logrus.FieldLogger

	buf   bytes.Buffer
	state State

	// scanned is how far buf was already searched for the marker
	scanned int

	// Err is the transform error of the last document, if any
	Err error
}

// NewFilter creates a filter writing to dst. A nil logger uses the standard logrus logger.
func NewFilter(dst io.Writer, transform TransformFunc, log logrus.FieldLogger) *Filter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Filter{
		dst:       dst,
		transform: transform,
		log:       log,
	}
}

// State returns the current state
func (f *Filter) State() State {
	return f.state
}

// Buffered returns the number of bytes held back
func (f *Filter) Buffered() int {
	return f.buf.Len()
}

// Write implements io.Writer. It reports the whole chunk as consumed while buffering.
func (f *Filter) Write(p []byte) (int, error) {
	if f.state == Flushed {
		return f.dst.Write(p)
	}

	f.buf.Write(p)
	end := f.findMarker()
	if end < 0 {
		return len(p), nil
	}

	all := f.buf.Bytes()
	doc, extra := all[:end], all[end:]
	f.state = Flushed

	out := f.rewrite(doc)
	if _, err := f.dst.Write(out); err != nil {
		return len(p), err
	}
	if len(extra) > 0 {
		if _, err := f.dst.Write(extra); err != nil {
			return len(p), err
		}
	}

	f.buf.Reset()
	return len(p), nil
}

// findMarker returns the offset just past the marker in buf, or -1. The search resumes
// where the previous one stopped, minus enough bytes to catch a marker split across writes.
func (f *Filter) findMarker() int {
	data := f.buf.Bytes()
	start := f.scanned - (len(EndMarker) - 1)
	if start < 0 {
		start = 0
	}
	f.scanned = len(data)

	if i := indexFold(data[start:], EndMarker); i >= 0 {
		return start + i + len(EndMarker)
	}
	return -1
}

// rewrite runs the transform and returns the raw document if it fails
func (f *Filter) rewrite(doc []byte) (out []byte) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			f.Err = fmt.Errorf("document rewrite panic: %v", r)
			f.log.WithError(f.Err).Error("CDN media URL filter error")
			out = doc
		}
	}()

	rewritten, err := f.transform(doc)
	if err != nil {
		f.Err = err
		f.log.WithError(err).Error("CDN media URL filter error")
		return doc
	}
	f.log.Debugf("replaceMediaURLs in %dms", time.Since(started).Milliseconds())
	return rewritten
}

// Close emits whatever is still buffered when the response ends without the marker
func (f *Filter) Close() error {
	if f.state == Flushed {
		return nil
	}
	f.state = Flushed
	if f.buf.Len() == 0 {
		return nil
	}
	_, err := f.dst.Write(f.buf.Bytes())
	f.buf.Reset()
	return err
}

// indexFold is a case-insensitive bytes.Index for an ASCII needle
func indexFold(s []byte, needle string) int {
	n := len(needle)
	if n == 0 {
		return 0
	}
	want := []byte(needle)
	for i := 0; i+n <= len(s); i++ {
		if s[i] == want[0] && bytes.EqualFold(s[i:i+n], want) {
			return i
		}
	}
	return -1
}
