package tokenstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("credential not found")

// ErrReadOnly is returned by Set and Remove on stores that cannot be written.
var ErrReadOnly = errors.New("credential store is read-only")

// CredentialStore is a namespaced key→string map for secret material.
// Writes are last-write-wins per key; no transactional guarantees are made.
//
// Device-flow login requires writable storage.
type CredentialStore interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}
