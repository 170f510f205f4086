package tokensource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// RefresherOption configures a Refresher.
type RefresherOption func(*refresherConfig)

// refresherConfig holds configuration for NewRefresher.
type refresherConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
}

// WithTransport sets a custom base transport for refresh requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) RefresherOption {
	return func(c *refresherConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds each refresh exchange. Defaults to 30s.
func WithTimeout(timeout time.Duration) RefresherOption {
	return func(c *refresherConfig) {
		c.timeout = timeout
	}
}

// Refresher exchanges refresh tokens for new access tokens at the token endpoint.
type Refresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewRefresher creates a Refresher for the given OAuth app. clientSecret may be
// empty for public clients.
func NewRefresher(clientID, clientSecret string, endpoint oauth2.Endpoint, opts ...RefresherOption) *Refresher {
	cfg := &refresherConfig{
		baseTransport: http.DefaultTransport,
		timeout:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// Client credentials travel in the body, which is then re-encoded as JSON
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &Refresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
		},
		httpClient: &http.Client{
			Timeout: cfg.timeout,
			Transport: &jsonTokenTransport{
				base: cfg.baseTransport,
			},
		},
	}
}

// Refresh performs one refresh_token grant. The returned token keeps the old
// refresh token when the server does not rotate it. Provider rejections surface
// as *oauth2.RetrieveError.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("missing refresh token")
	}

	// oauth2 injects custom HTTP clients via context (oauth2.HTTPClient key)
	oauthCtx := context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	// A token with only a refresh token is never valid, so Token() always exchanges
	tok, err := r.config.TokenSource(oauthCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// ExpiresIn returns the lifetime announced with tok, or zero for non-expiring
// tokens. When only an absolute expiry is known it is measured from now.
func ExpiresIn(tok *oauth2.Token, now time.Time) time.Duration {
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	if tok.Expiry.IsZero() {
		return 0
	}
	return max(tok.Expiry.Sub(now), 0)
}

// jsonTokenTransport converts oauth2's form-encoded token requests to the JSON
// format and asks for a JSON response.
// The oauth2 package guarantees this transport only receives token endpoint requests.
type jsonTokenTransport struct {
	base http.RoundTripper
}

// Compile-time check that jsonTokenTransport implements http.RoundTripper.
var _ http.RoundTripper = (*jsonTokenTransport)(nil)

// RoundTrip intercepts token requests and converts them from form-encoded to JSON.
func (t *jsonTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// We consume the body entirely and create a new one for the cloned request.
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	formData, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form data: %w", err)
	}

	jsonData := make(map[string]string, len(formData))
	for key, values := range formData {
		jsonData[key] = values[0] // OAuth 2.0 token parameters are single-valued
	}

	jsonBody, err := json.Marshal(jsonData)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON request: %w", err)
	}

	newReq := req.Clone(req.Context())
	newReq.Body = io.NopCloser(bytes.NewReader(jsonBody))
	newReq.ContentLength = int64(len(jsonBody))
	newReq.Header.Set("Content-Type", "application/json")
	newReq.Header.Set("Accept", "application/json")

	return t.base.RoundTrip(newReq)
}
