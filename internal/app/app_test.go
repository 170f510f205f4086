package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/florianilch/ghdevice/internal/auth"
)

// githubStub answers a login that the user approves on the first poll.
type githubStub struct {
	tokenCalls  atomic.Int32
	revokeCalls atomic.Int32
}

func (s *githubStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/device/code", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]any{
			"device_code":      "dev-1",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://github.com/login/device",
			"expires_in":       900,
			"interval":         5,
		})
	})
	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		s.tokenCalls.Add(1)
		writeTestJSON(w, map[string]any{
			"access_token":  "gho_app",
			"token_type":    "bearer",
			"scope":         "repo,read:org",
			"refresh_token": "ghr_app",
			"expires_in":    28800,
		})
	})
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_app" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeTestJSON(w, map[string]any{"login": "octocat", "id": 583231})
	})
	mux.HandleFunc("GET /rate_limit", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_app" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeTestJSON(w, map[string]any{
			"rate": map[string]any{"limit": 5000, "remaining": 4990, "reset": 1750000000},
		})
	})
	mux.HandleFunc("DELETE /applications/{client}/token", func(w http.ResponseWriter, r *http.Request) {
		s.revokeCalls.Add(1)
		if user, _, _ := r.BasicAuth(); user != "Iv1.test" {
			t.Errorf("revoke authenticated as %q", user)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestApp(t *testing.T, storage TokenStorageType) (*App, *githubStub) {
	t.Helper()
	stub := &githubStub{}
	server := httptest.NewServer(stub.handler(t))
	t.Cleanup(server.Close)

	cfg := &Config{
		GitHub: GitHubConfig{
			ClientID: "Iv1.test",
			BaseURL:  server.URL,
			APIURL:   server.URL,
		},
		Auth: AuthConfig{
			Storage:   storage,
			File:      filepath.Join(t.TempDir(), "credentials.json"),
			EnvPrefix: "GHDEVICE_TEST_",
		},
		RateLimit: RateLimitConfig{BaseDelay: time.Millisecond},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}

	application, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return application, stub
}

func TestLoginStatusLogout(t *testing.T) {
	application, stub := newTestApp(t, TokenStorageTypeFile)
	ctx := context.Background()

	var prompted auth.Verification
	identity, err := application.Login(ctx, func(v auth.Verification) { prompted = v })
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if prompted.UserCode != "ABCD-1234" {
		t.Errorf("prompt not shown with user code, got %+v", prompted)
	}
	if identity.Login != "octocat" {
		t.Errorf("want octocat, got %s", identity.Login)
	}
	if stub.tokenCalls.Load() != 1 {
		t.Errorf("approved login should need one poll, got %d", stub.tokenCalls.Load())
	}

	status, err := application.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Authenticated || status.Login != "octocat" || !status.Refreshable {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.ExpiresAt.IsZero() {
		t.Error("expiry should be reported")
	}
	if status.Quota.Limit != 5000 || status.Quota.Remaining != 4990 {
		t.Errorf("unexpected quota: %+v", status.Quota)
	}

	if err := application.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if stub.revokeCalls.Load() != 1 {
		t.Errorf("want one revoke call, got %d", stub.revokeCalls.Load())
	}

	status, err = application.Status(ctx)
	if err != nil {
		t.Fatalf("Status after logout: %v", err)
	}
	if status.Authenticated {
		t.Error("should be logged out")
	}
}

func TestLoginRequiresWritableStorage(t *testing.T) {
	application, stub := newTestApp(t, TokenStorageTypeEnv)

	_, err := application.Login(context.Background(), func(auth.Verification) {
		t.Error("no prompt expected")
	})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if stub.tokenCalls.Load() != 0 {
		t.Error("no token request expected")
	}

	if err := application.Logout(context.Background()); !errors.As(err, &cfgErr) {
		t.Errorf("logout: expected *ConfigError, got %v", err)
	}
}

func TestTokenSourceReadsPreprovisionedToken(t *testing.T) {
	t.Setenv("GHDEVICE_TEST_TOKEN", "ghp_provisioned")
	application, _ := newTestApp(t, TokenStorageTypeEnv)

	tok, err := application.TokenSource().Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "ghp_provisioned" {
		t.Errorf("want ghp_provisioned, got %s", tok.AccessToken)
	}
	if !tok.Expiry.IsZero() || !tok.Valid() {
		t.Errorf("personal access tokens do not expire: %+v", tok.Expiry)
	}
}

func TestTokenSourceWithoutToken(t *testing.T) {
	application, _ := newTestApp(t, TokenStorageTypeFile)

	if _, err := application.TokenSource().Token(); !errors.Is(err, auth.ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
}

func TestStartAndShutdown(t *testing.T) {
	application, _ := newTestApp(t, TokenStorageTypeFile)
	application.cfg.Server.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
