package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/florianilch/ghdevice/internal/tokenstore"
)

// RecordKey is the CredentialStore key holding the serialized TokenRecord.
const RecordKey = "token"

// TokenRecord is the persisted token state.
type TokenRecord struct {
	AccessToken string `json:"access_token"`
	// RefreshToken is empty when the token cannot be renewed silently.
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is zero for non-expiring tokens (e.g. classic PATs).
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Compile-time checks that TokenRecord redacts itself in logs and fmt output
var (
	_ slog.LogValuer = TokenRecord{}
	_ fmt.Stringer   = TokenRecord{}
)

// Expires reports whether the record carries an expiry.
func (r TokenRecord) Expires() bool {
	return !r.ExpiresAt.IsZero()
}

// CanRefresh reports whether a refresh token is available.
func (r TokenRecord) CanRefresh() bool {
	return r.RefreshToken != ""
}

// needsRefresh reports whether the token expires within window of now.
func (r TokenRecord) needsRefresh(now time.Time, window time.Duration) bool {
	return r.Expires() && now.Add(window).After(r.ExpiresAt)
}

// LogValue describes the record without its secrets.
func (r TokenRecord) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Bool("refreshable", r.CanRefresh()),
	}
	if r.Expires() {
		attrs = append(attrs, slog.Time("expires_at", r.ExpiresAt))
	}
	return slog.GroupValue(attrs...)
}

// String describes the record without its secrets.
func (r TokenRecord) String() string {
	expiry := "never"
	if r.Expires() {
		expiry = r.ExpiresAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("TokenRecord{access_token:[redacted] refreshable:%t expires:%s}", r.CanRefresh(), expiry)
}

// GoString keeps %#v from printing secrets.
func (r TokenRecord) GoString() string {
	return r.String()
}

// RecordStore serializes a TokenRecord into a single CredentialStore key so that
// each update replaces the whole record.
type RecordStore struct {
	store tokenstore.CredentialStore
	key   string
}

// NewRecordStore creates a RecordStore writing under RecordKey.
func NewRecordStore(store tokenstore.CredentialStore) *RecordStore {
	return &RecordStore{store: store, key: RecordKey}
}

// Load returns the stored record, or nil if none is stored.
func (s *RecordStore) Load(ctx context.Context) (*TokenRecord, error) {
	raw, err := s.store.Get(ctx, s.key)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token record: %w", err)
	}
	return decodeRecord(raw)
}

// Save replaces the stored record.
func (s *RecordStore) Save(ctx context.Context, rec TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding token record: %w", err)
	}
	if err := s.store.Set(ctx, s.key, string(data)); err != nil {
		return fmt.Errorf("writing token record: %w", err)
	}
	return nil
}

// Delete removes the stored record.
func (s *RecordStore) Delete(ctx context.Context) error {
	if err := s.store.Remove(ctx, s.key); err != nil {
		return fmt.Errorf("removing token record: %w", err)
	}
	return nil
}

// decodeRecord parses a stored value. Anything that is not a JSON object is
// taken as a bare, non-expiring access token, which is how a pre-provisioned
// token arrives through the env store.
func decodeRecord(raw string) (*TokenRecord, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, "{") {
		return &TokenRecord{AccessToken: raw}, nil
	}

	var rec TokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// json errors may quote input; keep the secret out of the message
		return nil, errors.New("decoding token record: malformed JSON")
	}
	if rec.AccessToken == "" {
		return nil, errors.New("decoding token record: missing access_token")
	}
	return &rec, nil
}
