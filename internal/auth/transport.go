package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/florianilch/ghdevice/internal/ratelimit"
)

// Transport is an http.RoundTripper that sends every request through Execute,
// authenticating it with the manager's current token.
type Transport struct {
	manager *Manager
	base    http.RoundTripper
}

// Compile-time check that Transport implements http.RoundTripper.
var _ http.RoundTripper = (*Transport)(nil)

// Transport returns a RoundTripper over base (http.DefaultTransport if nil).
func (m *Manager) Transport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{manager: m, base: base}
}

// RoundTrip implements http.RoundTripper. Unauthorized and rate-limited
// responses are consumed and turned into errors; every other response is
// returned as is. The request body is buffered when needed so the post-refresh
// retry can resend it.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	newBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	return Execute(req.Context(), t.manager, func(ctx context.Context, token string) (*http.Response, error) {
		out := req.Clone(ctx)
		if newBody != nil {
			body, err := newBody()
			if err != nil {
				return nil, fmt.Errorf("rewinding request body: %w", err)
			}
			out.Body = body
		}
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(out)

		resp, err := t.base.RoundTrip(out)
		if err != nil {
			return nil, newError(KindNetwork, "github api request", err)
		}

		if resp.StatusCode == http.StatusUnauthorized || ratelimit.IsRateLimited(resp.StatusCode, resp.Header) {
			return nil, CheckResponse(resp)
		}
		return resp, nil
	})
}

// replayableBody returns a constructor for fresh copies of req's body, or nil
// if the request has none. The original body is always closed.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}

	defer func() { _ = req.Body.Close() }()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("buffering request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}
