package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// The namespace maps to the keyring service; keys are prefixed with the user
// so several accounts can coexist under one service.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements CredentialStore
var _ CredentialStore = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the given service (namespace) and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

func (k *KeyringStore) account(key string) string {
	return k.user + ":" + key
}

// Get returns the value from the system keyring.
func (k *KeyringStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value, err := keyring.Get(k.service, k.account(key))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Set persists the value to the system keyring, overwriting any existing value.
func (k *KeyringStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return keyring.Set(k.service, k.account(key), value)
}

// Remove deletes the keyring entry. A missing entry is not an error.
func (k *KeyringStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := keyring.Delete(k.service, k.account(key))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
