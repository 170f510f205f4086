// Package proxy exposes the GitHub REST API on a loopback address, authenticated
// with the managed token.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/florianilch/ghdevice/internal/auth"
	"github.com/florianilch/ghdevice/internal/ratelimit"
)

// DefaultUserAgent identifies forwarded requests to GitHub.
const DefaultUserAgent = "ghdevice-proxy"

// Option configures a Proxy.
type Option func(*Proxy)

// WithBaseURL sets the upstream API root. Defaults to https://api.github.com.
func WithBaseURL(baseURL string) Option {
	return func(p *Proxy) {
		p.baseURL = baseURL
	}
}

// WithGovernor lets the proxy report the rate-limit state and derive Retry-After
// for throttled responses.
func WithGovernor(g *ratelimit.Governor) Option {
	return func(p *Proxy) {
		p.governor = g
	}
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) Option {
	return func(p *Proxy) {
		p.userAgent = ua
	}
}

// Proxy represents the reverse proxy server
type Proxy struct {
	baseURL   string
	userAgent string
	governor  *ratelimit.Governor

	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a reverse proxy to the GitHub API. transport must authenticate
// requests, typically auth.Manager.Transport.
func New(transport http.RoundTripper, opts ...Option) (*Proxy, error) {
	if transport == nil {
		return nil, errors.New("missing transport")
	}

	p := &Proxy{
		baseURL:   "https://api.github.com",
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(p)
	}

	upstream, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme and host required", p.baseURL)
	}

	reverseProxyHandler := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Host = upstream.Host
		},
		// Flush as soon as the upstream does; the API streams large listings and archives
		FlushInterval: -1,
		Transport: &HeaderFilterTransport{
			Base:      transport,
			UserAgent: p.userAgent,
		},
		ErrorHandler: p.handleError,
	}

	logger := slog.Default()

	mux := http.NewServeMux()

	mux.Handle("GET /_ghdevice/ratelimit", applyMiddlewares(http.HandlerFunc(p.handleRateLimit),
		Logging(logger),
		Recovery,
		RequestID,
	))

	// Everything else is forwarded as is
	mux.Handle("/", applyMiddlewares(reverseProxyHandler,
		Logging(logger),
		Recovery,
		RequestID,
	))

	p.mux = mux
	return p, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// handleError maps transport failures to client responses. Token problems are
// reported as 401 so that clients know to run a new login.
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	if errors.Is(err, context.Canceled) {
		slog.DebugContext(ctx, "client went away", "error", err)
		return
	}

	status := statusFor(err)
	if status == http.StatusTooManyRequests && p.governor != nil {
		if wait := p.governor.WaitDuration(); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
	}

	slog.WarnContext(ctx, "upstream request failed", "status", status, "kind", auth.KindOf(err), "error", err)
	writeUpstreamError(ctx, w, err, status)
}

// statusFor picks the response status for an upstream failure.
func statusFor(err error) int {
	switch auth.KindOf(err) {
	case auth.KindRateLimited:
		return http.StatusTooManyRequests
	case auth.KindNoToken, auth.KindNoRefreshToken, auth.KindRefreshFailed,
		auth.KindAuthRetryFailed, auth.KindInvalidToken:
		return http.StatusUnauthorized
	case auth.KindNetwork:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// rateLimitResponse is the body of the rate-limit status endpoint.
type rateLimitResponse struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitzero"`
	Backoff   string    `json:"backoff"`
	Wait      string    `json:"wait"`
}

func (p *Proxy) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if p.governor == nil {
		writeJSONError(r.Context(), w, "rate limit state unavailable", http.StatusNotFound)
		return
	}

	s := p.governor.Snapshot()
	writeJSON(r.Context(), w, rateLimitResponse{
		Limit:     s.Limit,
		Remaining: s.Remaining,
		ResetAt:   s.ResetAt,
		Backoff:   s.BackoffDelay.String(),
		Wait:      p.governor.WaitDuration().String(),
	}, http.StatusOK)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // Covers rate-limit waits before the upstream call
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
