package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// GitHub quota headers.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Quota is the API quota as reported by the server.
type Quota struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// QuotaReporter is implemented by request results that carry quota metadata
// obtained outside of plain response headers.
type QuotaReporter interface {
	RateLimitQuota() (Quota, bool)
}

// QuotaFromHeader parses GitHub's X-RateLimit-* headers.
// Returns false unless all three are present and well-formed.
func QuotaFromHeader(h http.Header) (Quota, bool) {
	if h == nil {
		return Quota{}, false
	}

	limit, err := strconv.Atoi(h.Get(HeaderLimit))
	if err != nil {
		return Quota{}, false
	}
	remaining, err := strconv.Atoi(h.Get(HeaderRemaining))
	if err != nil {
		return Quota{}, false
	}
	reset, err := strconv.ParseInt(h.Get(HeaderReset), 10, 64)
	if err != nil {
		return Quota{}, false
	}

	return Quota{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Unix(reset, 0),
	}, true
}

// IsRateLimited reports whether a response status and headers signal an
// exhausted quota: 429, or GitHub's primary-limit 403 with no remaining calls.
func IsRateLimited(status int, h http.Header) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status == http.StatusForbidden && h != nil && h.Get(HeaderRemaining) == "0"
}
