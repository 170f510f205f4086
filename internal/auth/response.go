package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/florianilch/ghdevice/internal/ratelimit"
)

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 64 << 10

// ResponseError reports a non-2xx API response. Downstream request functions
// return it so Execute can tell 401 and 429 apart from other failures.
type ResponseError struct {
	StatusCode int
	Header     http.Header
	// Message is GitHub's "message" field when present.
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("github api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("github api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// RateLimitQuota exposes the quota headers that came with the failure.
func (e *ResponseError) RateLimitQuota() (ratelimit.Quota, bool) {
	return ratelimit.QuotaFromHeader(e.Header)
}

// CheckResponse returns nil for 2xx responses. Otherwise it consumes and closes
// the body and returns a *ResponseError.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(data, &body)

	return &ResponseError{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Message:    body.Message,
	}
}

// statusOf extracts an HTTP status and headers from err, if it carries one.
func statusOf(err error) (int, http.Header, bool) {
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode, respErr.Header, true
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return retrieveErr.Response.StatusCode, retrieveErr.Response.Header, true
	}
	return 0, nil, false
}

func isUnauthorized(err error) bool {
	status, _, ok := statusOf(err)
	return ok && status == http.StatusUnauthorized
}

func isRateLimited(err error) bool {
	if KindOf(err) == KindRateLimited {
		return true
	}
	status, header, ok := statusOf(err)
	return ok && ratelimit.IsRateLimited(status, header)
}
