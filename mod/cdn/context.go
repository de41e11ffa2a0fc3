package cdn

import "context"

// URLState overrides the rewrite decision for media links generated during one request
type URLState int

const (
	// URLStateDefault applies the normal eligibility rules
	URLStateDefault URLState = iota
	// URLStateEnabled forces rewriting
	URLStateEnabled
	// URLStateDisabled suppresses rewriting and marks links with the stop token
	URLStateDisabled
)

// RequestInfo is the per-request state the codec needs. It travels in the request context.
type RequestInfo struct {
	// Scheme of the incoming request ("http" or "https")
	Scheme string

	// Host the request was addressed to
	Host string

	// SiteName and CDNHost come from the site the request resolved to
	SiteName string
	CDNHost  string

	// Editing is set when the page is rendered for an editor rather than a visitor
	Editing bool

	// IsCDNRequest is set when the request arrived with a dehydrated path
	IsCDNRequest bool

	// URLState overrides media link rewriting
	URLState URLState

	// MinifyPath is the original path and query of a request routed to the minifier
	MinifyPath string

	// RequestID correlates log lines of one request
	RequestID string
}

type requestKey struct{}

// WithRequest returns a context carrying info
func WithRequest(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, requestKey{}, info)
}

// RequestFromContext returns the request info of ctx, or a plain http request when none
// was attached
func RequestFromContext(ctx context.Context) *RequestInfo {
	if info, ok := ctx.Value(requestKey{}).(*RequestInfo); ok && info != nil {
		return info
	}
	return &RequestInfo{Scheme: "http"}
}

// WithURLState returns a context whose request info carries state. The original info is
// left untouched.
func WithURLState(ctx context.Context, state URLState) context.Context {
	info := *RequestFromContext(ctx)
	info.URLState = state
	return WithRequest(ctx, &info)
}

func schemeOf(ctx context.Context) string {
	if scheme := RequestFromContext(ctx).Scheme; scheme != "" {
		return scheme
	}
	return "http"
}
