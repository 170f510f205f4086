// Package ratelimit turns observed GitHub quota headers and rate-limit failures
// into a wait policy for outgoing API requests.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/florianilch/ghdevice/internal/clock"
)

// Defaults for Config fields left at zero.
const (
	DefaultBaseDelay  = time.Second
	DefaultMaxBackoff = time.Minute
)

// Config tunes a Governor.
type Config struct {
	// BaseDelay is the minimum spacing between requests while nothing is failing.
	BaseDelay time.Duration

	// MaxBackoff caps the doubling of the delay after rate-limit signals.
	MaxBackoff time.Duration

	// RequestsPerSecond enables client-side pacing on top of the server quota.
	// Zero disables it.
	RequestsPerSecond float64

	// Burst is the pacing bucket size; defaults to 1 when pacing is enabled.
	Burst int
}

// State is a point-in-time copy of the governor's bookkeeping.
type State struct {
	Limit         int
	Remaining     int // negative until the first quota snapshot arrives
	ResetAt       time.Time
	BackoffDelay  time.Duration
	LastRequestAt time.Time
}

// Governor tracks the remaining API quota and the adaptive backoff delay.
// It is safe for concurrent use.
type Governor struct {
	clock      clock.Clock
	baseDelay  time.Duration
	maxBackoff time.Duration
	pacer      *rate.Limiter // nil when pacing is disabled

	mu    sync.Mutex
	state State
}

// New creates a Governor with an unknown quota and the base delay armed.
func New(c clock.Clock, cfg Config) *Governor {
	if c == nil {
		c = clock.System{}
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.BaseDelay {
		cfg.MaxBackoff = cfg.BaseDelay
	}

	var pacer *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}

	return &Governor{
		clock:      c,
		baseDelay:  cfg.BaseDelay,
		maxBackoff: cfg.MaxBackoff,
		pacer:      pacer,
		state: State{
			Remaining:    -1,
			BackoffDelay: cfg.BaseDelay,
		},
	}
}

// WaitDuration returns how long the next request should be held back.
// An exhausted quota waits until the reset time; otherwise the backoff delay
// is measured from the last completed request. Client-side pacing, when
// enabled, may extend the wait. WaitDuration only reads state; use Reserve
// before actually sending a request.
func (g *Governor) WaitDuration() time.Duration {
	now := g.clock.Now()

	g.mu.Lock()
	wait := g.waitLocked(now)
	g.mu.Unlock()

	return max(wait, g.pacedWait(now))
}

// Reserve is WaitDuration for a request that is about to be sent: it also
// claims a pacing slot. The returned cancel func hands the slot back and
// must be called when the request is abandoned before it is sent.
func (g *Governor) Reserve() (time.Duration, func()) {
	now := g.clock.Now()

	g.mu.Lock()
	wait := g.waitLocked(now)
	g.mu.Unlock()

	if g.pacer == nil {
		return wait, func() {}
	}

	r := g.pacer.ReserveN(now, 1)
	cancel := func() { r.CancelAt(g.clock.Now()) }
	return max(wait, r.DelayFrom(now)), cancel
}

// pacedWait is the time until the pacing bucket holds a full token again.
func (g *Governor) pacedWait(now time.Time) time.Duration {
	if g.pacer == nil {
		return 0
	}
	tokens := g.pacer.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(g.pacer.Limit()) * float64(time.Second))
}

func (g *Governor) waitLocked(now time.Time) time.Duration {
	s := g.state
	if s.Remaining == 0 && now.Before(s.ResetAt) {
		return s.ResetAt.Sub(now)
	}
	if s.LastRequestAt.IsZero() {
		return 0
	}
	return max(0, s.BackoffDelay-now.Sub(s.LastRequestAt))
}

// OnSuccess resets the backoff to the base delay.
func (g *Governor) OnSuccess() {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.BackoffDelay = g.baseDelay
	g.state.LastRequestAt = now
}

// OnRateLimited doubles the backoff, bounded by MaxBackoff.
func (g *Governor) OnRateLimited() {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.BackoffDelay = min(g.state.BackoffDelay*2, g.maxBackoff)
	g.state.LastRequestAt = now
}

// MarkRequest records a completed request that neither succeeded nor hit a
// rate limit. The backoff is left untouched.
func (g *Governor) MarkRequest() {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.LastRequestAt = now
}

// UpdateQuota overwrites the quota snapshot.
func (g *Governor) UpdateQuota(q Quota) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Limit = q.Limit
	g.state.Remaining = q.Remaining
	g.state.ResetAt = q.ResetAt
}

// Snapshot returns a copy of the current state.
func (g *Governor) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
