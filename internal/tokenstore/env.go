package tokenstore

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvStore provides read-only access to credentials stored in environment variables.
// Key "token" with prefix "GHDEVICE_" is read from GHDEVICE_TOKEN.
// Suitable for pre-provisioned tokens but not device-flow login (requires writable storage).
type EnvStore struct {
	prefix string
}

// Compile-time check to ensure EnvStore implements CredentialStore
var _ CredentialStore = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore that resolves keys under the given variable prefix.
func NewEnvStore(prefix string) (*EnvStore, error) {
	if prefix == "" {
		return nil, fmt.Errorf("environment prefix cannot be empty")
	}

	return &EnvStore{
		prefix: prefix,
	}, nil
}

// variable maps a key to its environment variable name.
func (e *EnvStore) variable(key string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
	return e.prefix + name
}

// Get returns the value of the mapped environment variable.
func (e *EnvStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value := strings.TrimSpace(os.Getenv(e.variable(key)))
	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Set is not supported for environment variables (they are read-only).
func (e *EnvStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("setting %s: %w", e.variable(key), ErrReadOnly)
}

// Remove is not supported for environment variables (they are read-only).
func (e *EnvStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("removing %s: %w", e.variable(key), ErrReadOnly)
}
