package ratelimit_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/florianilch/ghdevice/internal/clock"
	"github.com/florianilch/ghdevice/internal/ratelimit"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestGovernorInitialWaitIsZero(t *testing.T) {
	g := ratelimit.New(clock.NewFake(epoch), ratelimit.Config{})
	if got := g.WaitDuration(); got != 0 {
		t.Errorf("want 0, got %v", got)
	}
	if s := g.Snapshot(); s.Remaining >= 0 {
		t.Errorf("remaining should be unknown, got %d", s.Remaining)
	}
}

func TestGovernorBackoffMeasuredFromLastRequest(t *testing.T) {
	c := clock.NewFake(epoch)
	g := ratelimit.New(c, ratelimit.Config{BaseDelay: time.Second})

	g.OnSuccess()
	if got := g.WaitDuration(); got != time.Second {
		t.Errorf("immediately after request: want 1s, got %v", got)
	}

	c.Advance(400 * time.Millisecond)
	if got := g.WaitDuration(); got != 600*time.Millisecond {
		t.Errorf("after 400ms: want 600ms, got %v", got)
	}

	c.Advance(time.Hour)
	if got := g.WaitDuration(); got != 0 {
		t.Errorf("long after: want 0, got %v", got)
	}
}

func TestGovernorDoublesAndCaps(t *testing.T) {
	c := clock.NewFake(epoch)
	g := ratelimit.New(c, ratelimit.Config{BaseDelay: time.Second, MaxBackoff: 5 * time.Second})

	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		g.OnRateLimited()
		if got := g.Snapshot().BackoffDelay; got != w {
			t.Errorf("step %d: want %v, got %v", i, w, got)
		}
	}

	g.MarkRequest()
	if got := g.Snapshot().BackoffDelay; got != 5*time.Second {
		t.Errorf("MarkRequest must not reset backoff, got %v", got)
	}

	g.OnSuccess()
	if got := g.Snapshot().BackoffDelay; got != time.Second {
		t.Errorf("OnSuccess: want base delay, got %v", got)
	}
}

func TestGovernorExhaustedQuotaWaitsForReset(t *testing.T) {
	c := clock.NewFake(epoch)
	g := ratelimit.New(c, ratelimit.Config{})

	g.UpdateQuota(ratelimit.Quota{Limit: 5000, Remaining: 0, ResetAt: epoch.Add(90 * time.Second)})
	if got := g.WaitDuration(); got != 90*time.Second {
		t.Errorf("want 90s, got %v", got)
	}

	c.Advance(2 * time.Minute)
	if got := g.WaitDuration(); got != 0 {
		t.Errorf("after reset: want 0, got %v", got)
	}
}

func TestGovernorPacing(t *testing.T) {
	c := clock.NewFake(epoch)
	g := ratelimit.New(c, ratelimit.Config{BaseDelay: time.Millisecond, RequestsPerSecond: 2, Burst: 1})

	if got, _ := g.Reserve(); got != 0 {
		t.Fatalf("first reservation: want 0, got %v", got)
	}
	if got, _ := g.Reserve(); got != 500*time.Millisecond {
		t.Errorf("second reservation: want 500ms, got %v", got)
	}
}

func TestGovernorWaitDurationDoesNotReserve(t *testing.T) {
	c := clock.NewFake(epoch)
	g := ratelimit.New(c, ratelimit.Config{BaseDelay: time.Millisecond, RequestsPerSecond: 1, Burst: 1})

	for i := range 5 {
		if got := g.WaitDuration(); got != 0 {
			t.Fatalf("read %d: want 0, got %v", i, got)
		}
	}

	if got, _ := g.Reserve(); got != 0 {
		t.Fatalf("reservation: want 0, got %v", got)
	}
	for i := range 5 {
		if got := g.WaitDuration(); got != time.Second {
			t.Fatalf("read %d after reservation: want 1s, got %v", i, got)
		}
	}
}

func TestGovernorCancelledReservationIsReturned(t *testing.T) {
	c := clock.NewFake(epoch)
	g := ratelimit.New(c, ratelimit.Config{BaseDelay: time.Millisecond, RequestsPerSecond: 1, Burst: 1})

	if got, _ := g.Reserve(); got != 0 {
		t.Fatalf("first reservation: want 0, got %v", got)
	}

	wait, cancel := g.Reserve()
	if wait != time.Second {
		t.Fatalf("second reservation: want 1s, got %v", wait)
	}
	cancel()

	if got := g.WaitDuration(); got != time.Second {
		t.Errorf("want 1s after cancel, got %v", got)
	}
	if got, _ := g.Reserve(); got != time.Second {
		t.Errorf("slot not handed back, next reservation waits %v", got)
	}
}

func TestQuotaFromHeader(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   ratelimit.Quota
		ok     bool
	}{
		{
			name: "complete",
			header: http.Header{
				"X-Ratelimit-Limit":     {"5000"},
				"X-Ratelimit-Remaining": {"4999"},
				"X-Ratelimit-Reset":     {"1750000000"},
			},
			want: ratelimit.Quota{Limit: 5000, Remaining: 4999, ResetAt: time.Unix(1750000000, 0)},
			ok:   true,
		},
		{
			name:   "missing reset",
			header: http.Header{"X-Ratelimit-Limit": {"5000"}, "X-Ratelimit-Remaining": {"1"}},
		},
		{
			name:   "garbage",
			header: http.Header{"X-Ratelimit-Limit": {"x"}, "X-Ratelimit-Remaining": {"1"}, "X-Ratelimit-Reset": {"1"}},
		},
		{
			name: "nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ratelimit.QuotaFromHeader(tt.header)
			if ok != tt.ok {
				t.Fatalf("ok: want %v, got %v", tt.ok, ok)
			}
			if ok && (got.Limit != tt.want.Limit || got.Remaining != tt.want.Remaining || !got.ResetAt.Equal(tt.want.ResetAt)) {
				t.Errorf("want %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestIsRateLimited(t *testing.T) {
	exhausted := http.Header{}
	exhausted.Set(ratelimit.HeaderRemaining, "0")
	remaining := http.Header{}
	remaining.Set(ratelimit.HeaderRemaining, "10")

	tests := []struct {
		status int
		header http.Header
		want   bool
	}{
		{http.StatusTooManyRequests, nil, true},
		{http.StatusForbidden, exhausted, true},
		{http.StatusForbidden, remaining, false},
		{http.StatusForbidden, nil, false},
		{http.StatusOK, exhausted, false},
	}
	for _, tt := range tests {
		if got := ratelimit.IsRateLimited(tt.status, tt.header); got != tt.want {
			t.Errorf("IsRateLimited(%d, %v): want %v, got %v", tt.status, tt.header, tt.want, got)
		}
	}
}
