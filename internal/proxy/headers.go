package proxy

import (
	"net/http"
)

// GitHubAPIVersion is sent with every forwarded request unless the client picked one.
const GitHubAPIVersion = "2022-11-28"

// allowedHeaders defines the HTTP headers permitted to pass through to the GitHub API.
// Authorization is absent on purpose: the upstream credential is always the managed token.
var allowedHeaders = map[string]bool{
	"Accept":               true,
	"Accept-Encoding":      true,
	"Content-Type":         true,
	"Content-Length":       true,
	"If-None-Match":        true,
	"If-Modified-Since":    true,
	"X-Github-Api-Version": true,
	"X-Request-Id":         true,

	// W3C Trace Context for distributed tracing correlation.
	"Traceparent": true,
	"Tracestate":  true,
}

// HeaderFilterTransport is an http.RoundTripper that strips client headers the
// GitHub API should not see, such as cookies or a client-supplied Authorization.
type HeaderFilterTransport struct {
	Base      http.RoundTripper
	UserAgent string
}

// Compile-time check that HeaderFilterTransport implements http.RoundTripper.
var _ http.RoundTripper = (*HeaderFilterTransport)(nil)

// RoundTrip implements http.RoundTripper interface.
func (t *HeaderFilterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	newReq := req.Clone(req.Context())

	originalHeaders := newReq.Header
	newReq.Header = make(http.Header, len(allowedHeaders))
	for key, values := range originalHeaders {
		if allowedHeaders[http.CanonicalHeaderKey(key)] {
			newReq.Header[key] = values
		}
	}

	if newReq.Header.Get("X-GitHub-Api-Version") == "" {
		newReq.Header.Set("X-GitHub-Api-Version", GitHubAPIVersion)
	}
	if t.UserAgent != "" {
		newReq.Header.Set("User-Agent", t.UserAgent)
	}

	return base.RoundTrip(newReq)
}
