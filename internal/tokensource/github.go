package tokensource

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	// DefaultBaseURL hosts the OAuth endpoints on github.com.
	DefaultBaseURL = "https://github.com"

	// DefaultAPIURL is the REST API root for github.com.
	DefaultAPIURL = "https://api.github.com"
)

// Endpoints groups the URLs used by the device flow and the token lifecycle.
type Endpoints struct {
	// OAuth carries DeviceAuthURL and TokenURL.
	OAuth oauth2.Endpoint

	// APIURL is the REST API root used for verification, revocation and quota queries.
	APIURL string
}

// DefaultEndpoints returns the github.com endpoints.
func DefaultEndpoints() Endpoints {
	ep := github.Endpoint
	ep.AuthStyle = oauth2.AuthStyleInParams
	if ep.DeviceAuthURL == "" {
		ep.DeviceAuthURL = DefaultBaseURL + "/login/device/code"
	}
	return Endpoints{OAuth: ep, APIURL: DefaultAPIURL}
}

// NewEndpoints builds Endpoints for a GitHub instance (e.g. GitHub Enterprise Server
// or a test server). Empty arguments fall back to github.com.
func NewEndpoints(baseURL, apiURL string) (Endpoints, error) {
	if baseURL == "" && apiURL == "" {
		return DefaultEndpoints(), nil
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	for _, raw := range []string{baseURL, apiURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return Endpoints{}, fmt.Errorf("invalid URL %q: %w", raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return Endpoints{}, fmt.Errorf("invalid URL %q: scheme and host required", raw)
		}
	}

	base := strings.TrimSuffix(baseURL, "/")
	return Endpoints{
		OAuth: oauth2.Endpoint{
			AuthURL:       base + "/login/oauth/authorize",
			DeviceAuthURL: base + "/login/device/code",
			TokenURL:      base + "/login/oauth/access_token",
			AuthStyle:     oauth2.AuthStyleInParams,
		},
		APIURL: strings.TrimSuffix(apiURL, "/"),
	}, nil
}

// ProfileURL is the identity endpoint used to verify a freshly issued token.
func (e Endpoints) ProfileURL() string {
	return e.APIURL + "/user"
}

// RevokeURL is the token deletion endpoint for the given OAuth app.
func (e Endpoints) RevokeURL(clientID string) string {
	return e.APIURL + "/applications/" + url.PathEscape(clientID) + "/token"
}

// RateLimitURL reports the caller's current quota without consuming it.
func (e Endpoints) RateLimitURL() string {
	return e.APIURL + "/rate_limit"
}
