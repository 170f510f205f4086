package tokensource_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/ghdevice/internal/tokensource"
)

func TestRefresherSendsJSON(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login/oauth/access_token" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type: want application/json, got %s", ct)
		}
		if accept := r.Header.Get("Accept"); accept != "application/json" {
			t.Errorf("Accept: want application/json, got %s", accept)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "ghu_new",
			"token_type":    "bearer",
			"refresh_token": "ghr_new",
			"expires_in":    28800,
		})
	}))
	defer server.Close()

	endpoints, err := tokensource.NewEndpoints(server.URL, server.URL)
	if err != nil {
		t.Fatalf("NewEndpoints: %v", err)
	}

	r := tokensource.NewRefresher("client-1", "secret-1", endpoints.OAuth)
	tok, err := r.Refresh(context.Background(), "ghr_old")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if tok.AccessToken != "ghu_new" {
		t.Errorf("access token: want ghu_new, got %s", tok.AccessToken)
	}
	if tok.RefreshToken != "ghr_new" {
		t.Errorf("refresh token: want ghr_new, got %s", tok.RefreshToken)
	}
	if got := tokensource.ExpiresIn(tok, time.Now()); got != 8*time.Hour {
		t.Errorf("expires in: want 8h, got %v", got)
	}

	want := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": "ghr_old",
		"client_id":     "client-1",
		"client_secret": "secret-1",
	}
	for k, v := range want {
		if gotBody[k] != v {
			t.Errorf("body[%s]: want %q, got %q", k, v, gotBody[k])
		}
	}
}

func TestRefresherKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "ghu_new",
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	endpoints, _ := tokensource.NewEndpoints(server.URL, server.URL)
	tok, err := tokensource.NewRefresher("client-1", "", endpoints.OAuth).Refresh(context.Background(), "ghr_keep")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.RefreshToken != "ghr_keep" {
		t.Errorf("refresh token: want ghr_keep, got %s", tok.RefreshToken)
	}
	if got := tokensource.ExpiresIn(tok, time.Now()); got != 0 {
		t.Errorf("expires in: want 0, got %v", got)
	}
}

func TestRefresherSurfacesProviderError(t *testing.T) {
	// GitHub reports grant errors with HTTP 200 and an error field
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "bad_refresh_token",
			"error_description": "The refresh token passed is incorrect or expired.",
		})
	}))
	defer server.Close()

	endpoints, _ := tokensource.NewEndpoints(server.URL, server.URL)
	_, err := tokensource.NewRefresher("client-1", "", endpoints.OAuth).Refresh(context.Background(), "ghr_bad")

	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		t.Fatalf("expected *oauth2.RetrieveError, got %T: %v", err, err)
	}
	if retrieveErr.ErrorCode != "bad_refresh_token" {
		t.Errorf("error code: want bad_refresh_token, got %s", retrieveErr.ErrorCode)
	}
}

func TestRefresherRequiresToken(t *testing.T) {
	r := tokensource.NewRefresher("client-1", "", tokensource.DefaultEndpoints().OAuth)
	if _, err := r.Refresh(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty refresh token")
	}
}

func TestNewEndpoints(t *testing.T) {
	tests := []struct {
		name        string
		baseURL     string
		apiURL      string
		wantDevice  string
		wantRevoke  string
		wantProfile string
		wantErr     bool
	}{
		{
			name:        "defaults",
			wantDevice:  "https://github.com/login/device/code",
			wantRevoke:  "https://api.github.com/applications/abc/token",
			wantProfile: "https://api.github.com/user",
		},
		{
			name:        "enterprise",
			baseURL:     "https://ghe.example.com/",
			apiURL:      "https://ghe.example.com/api/v3/",
			wantDevice:  "https://ghe.example.com/login/device/code",
			wantRevoke:  "https://ghe.example.com/api/v3/applications/abc/token",
			wantProfile: "https://ghe.example.com/api/v3/user",
		},
		{
			name:    "relative URL",
			baseURL: "/not-absolute",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := tokensource.NewEndpoints(tt.baseURL, tt.apiURL)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ep.OAuth.DeviceAuthURL != tt.wantDevice {
				t.Errorf("device URL: want %s, got %s", tt.wantDevice, ep.OAuth.DeviceAuthURL)
			}
			if got := ep.RevokeURL("abc"); got != tt.wantRevoke {
				t.Errorf("revoke URL: want %s, got %s", tt.wantRevoke, got)
			}
			if got := ep.ProfileURL(); got != tt.wantProfile {
				t.Errorf("profile URL: want %s, got %s", tt.wantProfile, got)
			}
		})
	}
}

func TestExpiresIn(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		tok  *oauth2.Token
		want time.Duration
	}{
		{name: "wire lifetime", tok: &oauth2.Token{ExpiresIn: 3600, Expiry: now.Add(time.Minute)}, want: time.Hour},
		{name: "absolute expiry", tok: &oauth2.Token{Expiry: now.Add(90 * time.Minute)}, want: 90 * time.Minute},
		{name: "already expired", tok: &oauth2.Token{Expiry: now.Add(-time.Minute)}, want: 0},
		{name: "non-expiring", tok: &oauth2.Token{}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokensource.ExpiresIn(tt.tok, now); got != tt.want {
				t.Errorf("want %v, got %v", tt.want, got)
			}
		})
	}
}
