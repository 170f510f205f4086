package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore provides atomic file-based credential storage with secure permissions.
// The file holds one JSON object per namespace, so several namespaces can share a file.
// Writes use temp file + rename for crash safety.
type FileStore struct {
	filePath  string
	namespace string

	// serializes read-modify-write cycles within this process
	mu sync.Mutex
}

// Compile-time check to ensure FileStore implements CredentialStore
var _ CredentialStore = (*FileStore)(nil)

// fileContents is the on-disk layout: namespace → key → value.
type fileContents map[string]map[string]string

// NewFileStore creates a FileStore for the given path and namespace, creating
// parent directories with 0700 permissions if they don't exist.
func NewFileStore(filePath, namespace string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		filePath:  filePath,
		namespace: namespace,
	}, nil
}

// Get returns the value for key in this store's namespace.
func (f *FileStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	contents, err := f.load()
	if err != nil {
		return "", err
	}

	value, ok := contents[f.namespace][key]
	if !ok || value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores value under key and rewrites the file atomically.
func (f *FileStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	contents, err := f.load()
	if err != nil {
		return err
	}

	if contents[f.namespace] == nil {
		contents[f.namespace] = make(map[string]string)
	}
	contents[f.namespace][key] = value

	return f.save(ctx, contents)
}

// Remove deletes key and rewrites the file atomically. Missing keys are ignored.
func (f *FileStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	contents, err := f.load()
	if err != nil {
		return err
	}

	ns, ok := contents[f.namespace]
	if !ok {
		return nil
	}
	if _, ok := ns[key]; !ok {
		return nil
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(contents, f.namespace)
	}

	return f.save(ctx, contents)
}

// load reads the file. A missing file is an empty store; a file with
// permissions other than 0600 is rejected.
func (f *FileStore) load() (fileContents, error) {
	info, err := os.Stat(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return make(fileContents), nil
	}
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm() != 0600 {
		return nil, fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm())
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return nil, err
	}

	contents := make(fileContents)
	if len(data) == 0 {
		return contents, nil
	}
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("parsing credential file %s: %w", f.filePath, err)
	}
	return contents, nil
}

// save writes contents using temp file + rename and sets 0600 permissions.
func (f *FileStore) save(ctx context.Context, contents fileContents) error {
	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential file: %w", err)
	}

	// Create secure temp file in same directory for atomic rename
	dir := filepath.Dir(f.filePath)
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(append(data, '\n')); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tempName, f.filePath); err != nil {
		return err
	}

	// 0600 = rw-------
	return os.Chmod(f.filePath, 0600)
}
