// Package tokenstore provides persistent storage abstractions for credentials.
//
// Every backend implements CredentialStore, a namespaced key→string map, with
// different security and deployment tradeoffs:
//   - File: Local JSON file with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Env: Read-only environment variable access (requires external secret management)
//   - Memory: Process-local map, lost on exit
//
// Device-flow login requires writable storage (file, keyring or memory), while a
// pre-provisioned token can be read from any backend including env.
package tokenstore
