package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/ghdevice/internal/clock"
	"github.com/florianilch/ghdevice/internal/ratelimit"
	"github.com/florianilch/ghdevice/internal/tokensource"
	"github.com/florianilch/ghdevice/internal/tokenstore"
)

const (
	// DefaultRefreshWindow is how long before expiry a token is renewed.
	DefaultRefreshWindow = 5 * time.Minute

	// DefaultMaxSleepSlice bounds a single rate-limit sleep increment.
	DefaultMaxSleepSlice = 30 * time.Second
)

// refreshFlightKey is the single-flight key; there is one record per manager.
const refreshFlightKey = "refresh"

// Refresher exchanges a refresh token for a new token.
// *tokensource.Refresher implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Compile-time check that the oauth2-backed refresher satisfies Refresher
var _ Refresher = (*tokensource.Refresher)(nil)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces the wall clock, e.g. with a clock.Fake in tests.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithGovernor sets the rate-limit governor consulted by Execute.
func WithGovernor(g *ratelimit.Governor) ManagerOption {
	return func(m *Manager) {
		m.governor = g
	}
}

// WithRefreshWindow overrides DefaultRefreshWindow.
func WithRefreshWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.refreshWindow = d
	}
}

// WithMaxSleepSlice overrides DefaultMaxSleepSlice.
func WithMaxSleepSlice(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maxSleepSlice = d
	}
}

// Manager is the sole authority over the stored token: it persists new tokens,
// renews them before they expire and gates API calls through the governor.
//
// The record is read from the CredentialStore once and cached; every commit
// replaces both the stored value and the cached pointer as a whole.
type Manager struct {
	records   *RecordStore
	refresher Refresher
	governor  *ratelimit.Governor
	clock     clock.Clock

	refreshWindow time.Duration
	maxSleepSlice time.Duration

	loadMu  sync.Mutex
	loaded  atomic.Bool
	current atomic.Pointer[TokenRecord]

	writeMu sync.Mutex
	flight  singleflight.Group

	// flightJoined, when set, runs once a caller is attached to the refresh flight.
	flightJoined func()
}

// NewManager creates a Manager. No I/O is performed until the first call that
// needs the record.
func NewManager(store tokenstore.CredentialStore, refresher Refresher, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, newError(KindConfig, "missing credential store", nil)
	}
	if refresher == nil {
		return nil, newError(KindConfig, "missing refresher", nil)
	}

	m := &Manager{
		records:       NewRecordStore(store),
		refresher:     refresher,
		clock:         clock.System{},
		refreshWindow: DefaultRefreshWindow,
		maxSleepSlice: DefaultMaxSleepSlice,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.governor == nil {
		m.governor = ratelimit.New(m.clock, ratelimit.Config{})
	}

	return m, nil
}

// Governor returns the rate-limit governor consulted by Execute.
func (m *Manager) Governor() *ratelimit.Governor {
	return m.governor
}

// Current returns a copy of the stored record, or nil if there is none.
func (m *Manager) Current(ctx context.Context) (*TokenRecord, error) {
	if m.loaded.Load() {
		return copyRecord(m.current.Load()), nil
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if m.loaded.Load() {
		return copyRecord(m.current.Load()), nil
	}

	rec, err := m.records.Load(ctx)
	if err != nil {
		return nil, err
	}
	m.current.Store(rec)
	m.loaded.Store(true)

	return copyRecord(rec), nil
}

// GetToken returns a usable access token, refreshing it first when it expires
// within the refresh window.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	rec, err := m.Current(ctx)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", newError(KindNoToken, "no token stored", nil)
	}

	if rec.needsRefresh(m.clock.Now(), m.refreshWindow) {
		slog.DebugContext(ctx, "token within refresh window", "token", rec)
		return m.refreshFrom(ctx, rec.AccessToken)
	}
	return rec.AccessToken, nil
}

// StoreToken replaces the stored record. expiresIn <= 0 stores a non-expiring
// token; an empty refreshToken stores a token that cannot be renewed.
func (m *Manager) StoreToken(ctx context.Context, accessToken string, expiresIn time.Duration, refreshToken string) error {
	if accessToken == "" {
		return newError(KindInvalidToken, "empty access token", nil)
	}

	rec := TokenRecord{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	if expiresIn > 0 {
		rec.ExpiresAt = m.clock.Now().Add(expiresIn)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.records.Save(ctx, rec); err != nil {
		return err
	}
	m.current.Store(&rec)
	m.loaded.Store(true)

	slog.InfoContext(ctx, "token stored", "token", rec)
	return nil
}

// DeleteToken removes the stored record.
func (m *Manager) DeleteToken(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.records.Delete(ctx); err != nil {
		return err
	}
	m.current.Store(nil)
	m.loaded.Store(true)

	slog.InfoContext(ctx, "token deleted")
	return nil
}

// Refresh unconditionally renews the stored token and returns the new access token.
// Concurrent callers share a single exchange.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	rec, err := m.Current(ctx)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", newError(KindNoToken, "no token stored", nil)
	}
	return m.refreshFrom(ctx, rec.AccessToken)
}

// refreshFrom renews the token the caller last saw as stale. Callers that
// arrive while an exchange is running wait for it instead of starting another.
// The exchange itself is detached from the caller's cancellation so that one
// impatient caller cannot fail the others; each caller still stops waiting when
// its own ctx is done.
func (m *Manager) refreshFrom(ctx context.Context, stale string) (string, error) {
	ch := m.flight.DoChan(refreshFlightKey, func() (any, error) {
		return m.exchange(context.WithoutCancel(ctx), stale)
	})
	if m.flightJoined != nil {
		m.flightJoined()
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// exchange runs inside the single flight.
func (m *Manager) exchange(ctx context.Context, stale string) (string, error) {
	rec, err := m.Current(ctx)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", newError(KindNoToken, "no token stored", nil)
	}

	// A flight that finished just before this one started already replaced the token
	if rec.AccessToken != stale && !rec.needsRefresh(m.clock.Now(), m.refreshWindow) {
		return rec.AccessToken, nil
	}

	if !rec.CanRefresh() {
		return "", newError(KindNoRefreshToken, "stored token cannot be renewed", nil)
	}

	tok, err := m.refresher.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		slog.WarnContext(ctx, "token refresh failed", "error", err)
		return "", newError(KindRefreshFailed, "exchanging refresh token", err)
	}

	if err := m.StoreToken(ctx, tok.AccessToken, tokensource.ExpiresIn(tok, m.clock.Now()), tok.RefreshToken); err != nil {
		var authErr *Error
		if errors.As(err, &authErr) {
			return "", newError(KindRefreshFailed, "refreshed token rejected", err)
		}
		return "", newError(KindRefreshFailed, "persisting refreshed token", err)
	}

	slog.InfoContext(ctx, "token refreshed")
	return tok.AccessToken, nil
}

func copyRecord(rec *TokenRecord) *TokenRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	return &c
}
