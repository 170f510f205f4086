package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/florianilch/ghdevice/internal/clock"
	"github.com/florianilch/ghdevice/internal/ratelimit"
)

// RequestFunc performs one API call with the given bearer token. It should
// report HTTP failures as *ResponseError (see CheckResponse) so that 401 and
// 429 responses are recognized.
type RequestFunc[T any] func(ctx context.Context, token string) (T, error)

// Execute is the entry point for downstream API calls. It waits as long as the
// governor asks, obtains a valid token, runs fn and feeds the outcome back to
// the governor. A 401 triggers one refresh and one retry; a rate-limit
// response grows the backoff and surfaces as KindRateLimited. Other failures
// are returned unchanged.
//
// Governor state is only updated after fn has returned.
func Execute[T any](ctx context.Context, m *Manager, fn RequestFunc[T]) (T, error) {
	var zero T

	if err := m.awaitQuota(ctx); err != nil {
		return zero, err
	}

	token, err := m.GetToken(ctx)
	if err != nil {
		return zero, err
	}

	result, err := fn(ctx, token)
	switch {
	case err == nil:
		m.recordSuccess(result)
		return result, nil
	case isRateLimited(err):
		m.recordRateLimited(ctx, err)
		return zero, newError(KindRateLimited, "github api rate limit exceeded", err)
	case !isUnauthorized(err):
		m.governor.MarkRequest()
		return zero, err
	}

	m.governor.MarkRequest()
	slog.InfoContext(ctx, "access token rejected, refreshing")

	token, err = m.refreshFrom(ctx, token)
	if err != nil {
		return zero, err
	}

	result, err = fn(ctx, token)
	if err == nil {
		m.recordSuccess(result)
		return result, nil
	}

	if isRateLimited(err) {
		m.recordRateLimited(ctx, err)
	} else {
		m.governor.MarkRequest()
	}
	return zero, newError(KindAuthRetryFailed, "request failed after token refresh", err)
}

// awaitQuota sleeps for the governor's wait in bounded increments. A pacing
// slot reserved for a request that never goes out is handed back.
func (m *Manager) awaitQuota(ctx context.Context) error {
	wait, cancel := m.governor.Reserve()
	if wait <= 0 {
		if err := ctx.Err(); err != nil {
			cancel()
			return err
		}
		return nil
	}

	slog.DebugContext(ctx, "waiting before request", "wait", wait)
	if err := clock.SleepSliced(ctx, m.clock, wait, m.maxSleepSlice); err != nil {
		cancel()
		return err
	}
	return nil
}

func (m *Manager) recordSuccess(result any) {
	m.governor.OnSuccess()
	if q, ok := quotaOf(result); ok {
		m.governor.UpdateQuota(q)
	}
}

func (m *Manager) recordRateLimited(ctx context.Context, err error) {
	m.governor.OnRateLimited()

	var reporter ratelimit.QuotaReporter
	if errors.As(err, &reporter) {
		if q, ok := reporter.RateLimitQuota(); ok {
			m.governor.UpdateQuota(q)
		}
	}

	s := m.governor.Snapshot()
	slog.WarnContext(ctx, "rate limited", "backoff", s.BackoffDelay, "reset_at", s.ResetAt)
}

// quotaOf extracts quota metadata surfaced by a request result.
func quotaOf(result any) (ratelimit.Quota, bool) {
	switch v := result.(type) {
	case *http.Response:
		if v == nil {
			return ratelimit.Quota{}, false
		}
		return ratelimit.QuotaFromHeader(v.Header)
	case ratelimit.QuotaReporter:
		return v.RateLimitQuota()
	default:
		return ratelimit.Quota{}, false
	}
}
