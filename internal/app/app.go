package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/ghdevice/internal/auth"
	"github.com/florianilch/ghdevice/internal/clock"
	"github.com/florianilch/ghdevice/internal/proxy"
	"github.com/florianilch/ghdevice/internal/ratelimit"
	"github.com/florianilch/ghdevice/internal/tokensource"
)

// App wires configuration into the token lifecycle components and runs the
// user-facing operations on top of them.
type App struct {
	cfg        *Config
	endpoints  tokensource.Endpoints
	httpClient *http.Client
	manager    *auth.Manager
	device     *auth.DeviceClient
	proxy      *proxy.Proxy
}

// Status describes the stored credential and the current API quota.
type Status struct {
	Authenticated bool
	Login         string
	Refreshable   bool
	// ExpiresAt is zero for non-expiring tokens.
	ExpiresAt time.Time
	Quota     ratelimit.Quota
}

// New creates a new App instance. No I/O is performed until an operation runs.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	store, err := cfg.Auth.NewCredentialStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential store: %w", err)
	}

	governor := ratelimit.New(clock.System{}, ratelimit.Config{
		BaseDelay:         cfg.RateLimit.BaseDelay,
		MaxBackoff:        cfg.RateLimit.MaxBackoff,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})

	refresher := tokensource.NewRefresher(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret, endpoints.OAuth,
		tokensource.WithTimeout(cfg.HTTP.Timeout),
	)

	manager, err := auth.NewManager(store, refresher, auth.WithGovernor(governor))
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.HTTP.Timeout}

	device, err := auth.NewDeviceClient(auth.DeviceClientConfig{
		ClientID:     cfg.GitHub.ClientID,
		ClientSecret: cfg.GitHub.ClientSecret,
		Scopes:       cfg.GitHub.Scopes,
		Endpoints:    endpoints,
		HTTPClient:   httpClient,
		MaxAttempts:  cfg.Device.MaxAttempts,
	}, manager)
	if err != nil {
		return nil, fmt.Errorf("failed to create device client: %w", err)
	}

	proxyServer, err := proxy.New(manager.Transport(nil),
		proxy.WithBaseURL(endpoints.APIURL),
		proxy.WithGovernor(governor),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return &App{
		cfg:        cfg,
		endpoints:  endpoints,
		httpClient: httpClient,
		manager:    manager,
		device:     device,
		proxy:      proxyServer,
	}, nil
}

// Login runs the device flow. prompt is called once with the code the user has
// to enter; Login then blocks until the user approves, the code expires or ctx
// is cancelled.
func (a *App) Login(ctx context.Context, prompt func(auth.Verification)) (auth.Identity, error) {
	if !a.cfg.Auth.Writable() {
		return auth.Identity{}, &ConfigError{Err: fmt.Errorf("login requires writable storage, %s is read-only", a.cfg.Auth.Storage)}
	}

	verification, err := a.device.Initiate(ctx)
	if err != nil {
		return auth.Identity{}, err
	}
	prompt(verification)

	return a.device.Poll(ctx)
}

// Logout revokes the stored token. Without a stored token it does nothing.
func (a *App) Logout(ctx context.Context) error {
	if !a.cfg.Auth.Writable() {
		return &ConfigError{Err: fmt.Errorf("logout requires writable storage, %s is read-only", a.cfg.Auth.Storage)}
	}
	return a.device.Revoke(ctx)
}

// Status reports the stored credential together with the account it belongs to
// and the live quota. Both API calls go through the token manager, so an
// expiring token is refreshed on the way.
func (a *App) Status(ctx context.Context) (Status, error) {
	rec, err := a.manager.Current(ctx)
	if err != nil {
		return Status{}, err
	}
	if rec == nil {
		return Status{}, nil
	}

	identity, err := a.identity(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("fetching identity: %w", err)
	}

	limits, err := auth.Execute(ctx, a.manager, a.fetchRateLimit)
	if err != nil {
		return Status{}, fmt.Errorf("fetching rate limit: %w", err)
	}

	// The record may have been replaced by a refresh during the calls above
	if current, err := a.manager.Current(ctx); err == nil && current != nil {
		rec = current
	}

	quota, _ := limits.RateLimitQuota()
	return Status{
		Authenticated: true,
		Login:         identity.Login,
		Refreshable:   rec.CanRefresh(),
		ExpiresAt:     rec.ExpiresAt,
		Quota:         quota,
	}, nil
}

// TokenSource exposes the managed token to oauth2-based clients.
func (a *App) TokenSource() oauth2.TokenSource {
	return &managerTokenSource{manager: a.manager}
}

// identity asks the profile endpoint who the token belongs to.
func (a *App) identity(ctx context.Context) (auth.Identity, error) {
	client := &http.Client{
		Transport: a.manager.Transport(a.httpClient.Transport),
		Timeout:   a.cfg.HTTP.Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoints.ProfileURL(), nil)
	if err != nil {
		return auth.Identity{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return auth.Identity{}, err
	}
	if err := auth.CheckResponse(resp); err != nil {
		return auth.Identity{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var identity auth.Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return auth.Identity{}, fmt.Errorf("decoding profile: %w", err)
	}
	return identity, nil
}

// rateLimitResult is the "rate" object of GET /rate_limit.
type rateLimitResult struct {
	Rate struct {
		Limit     int   `json:"limit"`
		Remaining int   `json:"remaining"`
		Reset     int64 `json:"reset"`
	} `json:"rate"`
}

// Compile-time check that the quota endpoint result feeds the governor
var _ ratelimit.QuotaReporter = rateLimitResult{}

// RateLimitQuota reports the body's quota numbers.
func (r rateLimitResult) RateLimitQuota() (ratelimit.Quota, bool) {
	if r.Rate.Limit == 0 {
		return ratelimit.Quota{}, false
	}
	return ratelimit.Quota{
		Limit:     r.Rate.Limit,
		Remaining: r.Rate.Remaining,
		ResetAt:   time.Unix(r.Rate.Reset, 0),
	}, true
}

// fetchRateLimit queries the quota endpoint, which does not count against the quota.
func (a *App) fetchRateLimit(ctx context.Context, token string) (rateLimitResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoints.RateLimitURL(), nil)
	if err != nil {
		return rateLimitResult{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return rateLimitResult{}, &auth.Error{Kind: auth.KindNetwork, Msg: "rate limit request", Err: err}
	}
	if err := auth.CheckResponse(resp); err != nil {
		return rateLimitResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result rateLimitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return rateLimitResult{}, fmt.Errorf("decoding rate limit: %w", err)
	}
	return result, nil
}

// Start starts the proxy and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting proxy server", "address", address, "upstream", a.endpoints.APIURL)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
