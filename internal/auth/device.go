package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/ghdevice/internal/clock"
	"github.com/florianilch/ghdevice/internal/tokensource"
)

const (
	// DefaultMaxAttempts bounds the number of token requests per Poll.
	DefaultMaxAttempts = 12

	// DefaultPollInterval applies when the server omits "interval".
	DefaultPollInterval = 5 * time.Second

	// DefaultCodeLifetime applies when the server omits "expires_in".
	DefaultCodeLifetime = 15 * time.Minute

	// slowDownIncrement is added to the interval on every slow_down (RFC 8628 §3.5).
	slowDownIncrement = 5 * time.Second

	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// Device flow error codes that keep the polling loop going.
const (
	errAuthorizationPending = "authorization_pending"
	errSlowDown             = "slow_down"
	errExpiredToken         = "expired_token"
)

// DeviceAuthorization is an in-progress login. It lives only inside a
// DeviceClient and is never persisted.
type DeviceAuthorization struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresAt       time.Time
	PollInterval    time.Duration
}

// Verification is what the user needs to approve the login in a browser.
type Verification struct {
	VerificationURI string
	UserCode        string
	ExpiresAt       time.Time
}

// Identity is the account a verified token belongs to.
type Identity struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// DeviceClientConfig configures a DeviceClient.
type DeviceClientConfig struct {
	ClientID string
	// ClientSecret is optional; it authenticates revocation when set.
	ClientSecret string
	Scopes       []string
	Endpoints    tokensource.Endpoints
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int
}

// DeviceClient drives the OAuth 2.0 Device Authorization Grant against GitHub.
// See https://docs.github.com/en/apps/oauth-apps/building-oauth-apps/authorizing-oauth-apps#device-flow
//
// At most one authorization is outstanding: Initiate replaces it and Poll
// consumes it.
type DeviceClient struct {
	clientID     string
	clientSecret string
	scopes       []string
	endpoints    tokensource.Endpoints
	httpClient   *http.Client
	clock        clock.Clock
	maxAttempts  int
	manager      *Manager

	mu      sync.Mutex
	pending *DeviceAuthorization
}

// NewDeviceClient creates a DeviceClient that hands issued tokens to manager.
func NewDeviceClient(cfg DeviceClientConfig, manager *Manager) (*DeviceClient, error) {
	if cfg.ClientID == "" {
		return nil, newError(KindConfig, "missing client id", nil)
	}
	if len(cfg.Scopes) == 0 {
		return nil, newError(KindConfig, "missing scopes", nil)
	}
	if manager == nil {
		return nil, newError(KindConfig, "missing token manager", nil)
	}
	if cfg.Endpoints.OAuth.DeviceAuthURL == "" || cfg.Endpoints.OAuth.TokenURL == "" {
		cfg.Endpoints = tokensource.DefaultEndpoints()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	return &DeviceClient{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scopes:       cfg.Scopes,
		endpoints:    cfg.Endpoints,
		httpClient:   cfg.HTTPClient,
		clock:        cfg.Clock,
		maxAttempts:  cfg.MaxAttempts,
		manager:      manager,
	}, nil
}

// Initiate requests a device code. The returned verification URI and user code
// must be shown to the user.
func (c *DeviceClient) Initiate(ctx context.Context) (Verification, error) {
	payload := map[string]string{
		"client_id": c.clientID,
		"scope":     strings.Join(c.scopes, " "),
	}

	var raw struct {
		DeviceCode       string `json:"device_code"`
		UserCode         string `json:"user_code"`
		VerificationURI  string `json:"verification_uri"`
		ExpiresIn        int    `json:"expires_in"`
		Interval         int    `json:"interval"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}

	status, err := c.postJSON(ctx, c.endpoints.OAuth.DeviceAuthURL, payload, &raw, KindInitiationFailed)
	if err != nil {
		return Verification{}, err
	}
	if status < 200 || status > 299 {
		return Verification{}, newError(KindInitiationFailed, fmt.Sprintf("device code endpoint responded %d", status), nil)
	}
	if raw.Error != "" {
		return Verification{}, newError(KindInitiationFailed, describeOAuthError(raw.Error, raw.ErrorDescription), nil)
	}
	if raw.DeviceCode == "" || raw.UserCode == "" || raw.VerificationURI == "" {
		return Verification{}, newError(KindInitiationFailed, "incomplete device code response", nil)
	}

	interval := time.Duration(raw.Interval) * time.Second
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	lifetime := time.Duration(raw.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = DefaultCodeLifetime
	}

	auth := &DeviceAuthorization{
		DeviceCode:      raw.DeviceCode,
		UserCode:        raw.UserCode,
		VerificationURI: raw.VerificationURI,
		ExpiresAt:       c.clock.Now().Add(lifetime),
		PollInterval:    interval,
	}

	c.mu.Lock()
	c.pending = auth
	c.mu.Unlock()

	slog.InfoContext(ctx, "device authorization started",
		"verification_uri", auth.VerificationURI,
		"expires_at", auth.ExpiresAt,
		"interval", auth.PollInterval,
	)

	return Verification{
		VerificationURI: auth.VerificationURI,
		UserCode:        auth.UserCode,
		ExpiresAt:       auth.ExpiresAt,
	}, nil
}

// Poll waits for the user to approve the pending authorization, verifies the
// issued token and stores it with the manager. The pending authorization is
// dropped however Poll ends. Cancelling ctx stops polling within one interval.
func (c *DeviceClient) Poll(ctx context.Context) (Identity, error) {
	c.mu.Lock()
	auth := c.pending
	c.pending = nil
	c.mu.Unlock()

	if auth == nil {
		return Identity{}, newError(KindNotInitiated, "no device authorization in progress", nil)
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.clock.Now().After(auth.ExpiresAt) {
			return Identity{}, newError(KindExpired, "device code expired", nil)
		}

		res, err := c.requestToken(ctx, auth.DeviceCode)
		if err != nil {
			return Identity{}, err
		}

		switch res.Error {
		case "":
			return c.complete(ctx, res)
		case errAuthorizationPending:
			slog.DebugContext(ctx, "authorization pending", "attempt", attempt)
		case errSlowDown:
			auth.PollInterval = max(auth.PollInterval+slowDownIncrement, time.Duration(res.Interval)*time.Second)
			slog.DebugContext(ctx, "server requested slower polling", "interval", auth.PollInterval)
		case errExpiredToken:
			return Identity{}, newError(KindExpired, "device code expired", nil)
		default:
			return Identity{}, newError(KindDenied, describeOAuthError(res.Error, res.ErrorDescription), nil)
		}

		if attempt == c.maxAttempts {
			break
		}

		// Never sleep past the device code's deadline
		remaining := auth.ExpiresAt.Sub(c.clock.Now())
		if remaining <= 0 {
			return Identity{}, newError(KindExpired, "device code expired", nil)
		}
		if err := c.clock.Sleep(ctx, min(auth.PollInterval, remaining)); err != nil {
			return Identity{}, err
		}
	}

	return Identity{}, newError(KindTimeout, fmt.Sprintf("authorization not completed after %d attempts", c.maxAttempts), nil)
}

// Revoke deletes the stored token on the server and then locally. Without a
// stored token it does nothing. A failed server call leaves the token in place.
func (c *DeviceClient) Revoke(ctx context.Context) error {
	rec, err := c.manager.Current(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		slog.DebugContext(ctx, "no token to revoke")
		return nil
	}

	body, err := json.Marshal(map[string]string{"access_token": rec.AccessToken})
	if err != nil {
		return newError(KindRevokeFailed, "encoding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoints.RevokeURL(c.clientID), bytes.NewReader(body))
	if err != nil {
		return newError(KindRevokeFailed, "creating request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	// GitHub authenticates the app; without a secret fall back to the token itself
	password := c.clientSecret
	if password == "" {
		password = rec.AccessToken
	}
	req.SetBasicAuth(c.clientID, password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(KindRevokeFailed, "revoke request failed", redactURLError(err))
	}
	if err := CheckResponse(resp); err != nil {
		return newError(KindRevokeFailed, "server rejected revocation", err)
	}
	_ = resp.Body.Close()

	if err := c.manager.DeleteToken(ctx); err != nil {
		return fmt.Errorf("token revoked but not removed locally: %w", err)
	}

	slog.InfoContext(ctx, "token revoked")
	return nil
}

// tokenResponse covers both the success and the error shape of the token endpoint.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Interval         int    `json:"interval"`
}

// requestToken performs one device_code grant request.
func (c *DeviceClient) requestToken(ctx context.Context, deviceCode string) (tokenResponse, error) {
	payload := map[string]string{
		"client_id":   c.clientID,
		"device_code": deviceCode,
		"grant_type":  deviceGrantType,
	}

	var res tokenResponse
	status, err := c.postJSON(ctx, c.endpoints.OAuth.TokenURL, payload, &res, KindInvalidToken)
	if err != nil {
		return tokenResponse{}, err
	}

	// RFC 8628 servers answer pending states with 400 and an error body
	if status < 200 || status > 299 {
		if res.Error == "" {
			res.Error = fmt.Sprintf("http_%d", status)
		}
		return res, nil
	}
	if res.Error == "" && res.AccessToken == "" {
		return tokenResponse{}, newError(KindInvalidToken, "token response missing access_token", nil)
	}
	return res, nil
}

// complete verifies the issued token and persists it.
func (c *DeviceClient) complete(ctx context.Context, res tokenResponse) (Identity, error) {
	identity, err := c.verify(ctx, res.AccessToken)
	if err != nil {
		return Identity{}, err
	}

	expiresIn := time.Duration(res.ExpiresIn) * time.Second
	if err := c.manager.StoreToken(ctx, res.AccessToken, expiresIn, res.RefreshToken); err != nil {
		return Identity{}, fmt.Errorf("storing token: %w", err)
	}

	slog.InfoContext(ctx, "device authorization complete", "login", identity.Login, "scope", res.Scope)
	return identity, nil
}

// verify checks the token against the profile endpoint.
func (c *DeviceClient) verify(ctx context.Context, accessToken string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.ProfileURL(), nil)
	if err != nil {
		return Identity{}, newError(KindInvalidToken, "creating verification request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Identity{}, newError(KindNetwork, "verifying token", redactURLError(err))
	}
	if err := CheckResponse(resp); err != nil {
		return Identity{}, newError(KindInvalidToken, "token verification failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return Identity{}, newError(KindInvalidToken, "decoding profile", err)
	}
	return identity, nil
}

// postJSON sends payload as JSON and decodes the JSON reply into out, whatever
// the status. Transport failures become KindNetwork.
func (c *DeviceClient) postJSON(ctx context.Context, endpoint string, payload, out any, kind Kind) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, newError(kind, "encoding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, newError(kind, "creating request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, newError(KindNetwork, "request to "+endpoint+" failed", redactURLError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return resp.StatusCode, newError(KindNetwork, "reading response", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp.StatusCode, newError(kind, "decoding response from "+endpoint, err)
		}
	}
	return resp.StatusCode, nil
}

// redactURLError strips the request URL wrapper from transport errors; the
// underlying cause is kept.
func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err
	}
	return err
}

func describeOAuthError(code, description string) string {
	if description == "" {
		return code
	}
	return code + ": " + description
}
