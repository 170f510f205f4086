package auth

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindInitiationFailed
	KindNotInitiated
	KindExpired
	KindDenied
	KindTimeout
	KindInvalidToken
	KindNoToken
	KindNoRefreshToken
	KindRefreshFailed
	KindAuthRetryFailed
	KindRevokeFailed
	KindRateLimited
	KindNetwork
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConfig:           "config",
	KindInitiationFailed: "initiation_failed",
	KindNotInitiated:     "not_initiated",
	KindExpired:          "expired",
	KindDenied:           "denied",
	KindTimeout:          "timeout",
	KindInvalidToken:     "invalid_token",
	KindNoToken:          "no_token",
	KindNoRefreshToken:   "no_refresh_token",
	KindRefreshFailed:    "refresh_failed",
	KindAuthRetryFailed:  "auth_retry_failed",
	KindRevokeFailed:     "revoke_failed",
	KindRateLimited:      "rate_limited",
	KindNetwork:          "network",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the caller may try the same operation again later
// without user interaction.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindNetwork
}

// remediation is appended to messages of kinds that need user action.
var remediation = map[Kind]string{
	KindExpired:         "run `ghdevice login` to start a new device authorization",
	KindDenied:          "run `ghdevice login` and approve the request in the browser",
	KindTimeout:         "run `ghdevice login` again and complete the browser step sooner",
	KindInvalidToken:    "run `ghdevice login` again",
	KindNoToken:         "run `ghdevice login` to authenticate",
	KindNoRefreshToken:  "run `ghdevice login` to obtain a new token",
	KindRefreshFailed:   "run `ghdevice login` to re-authenticate",
	KindAuthRetryFailed: "run `ghdevice login` to re-authenticate",
	KindNotInitiated:    "start a device authorization before polling",
	KindConfig:          "set github.client_id and github.scopes",
}

// Error is the single error type of this package. Messages never contain
// token material.
type Error struct {
	Kind Kind
	// Msg adds context to the kind; optional.
	Msg string
	// Err is the underlying cause; optional.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if hint, ok := remediation[e.Kind]; ok {
		msg += " (" + hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrConfig           = &Error{Kind: KindConfig}
	ErrInitiationFailed = &Error{Kind: KindInitiationFailed}
	ErrNotInitiated     = &Error{Kind: KindNotInitiated}
	ErrExpired          = &Error{Kind: KindExpired}
	ErrDenied           = &Error{Kind: KindDenied}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrInvalidToken     = &Error{Kind: KindInvalidToken}
	ErrNoToken          = &Error{Kind: KindNoToken}
	ErrNoRefreshToken   = &Error{Kind: KindNoRefreshToken}
	ErrRefreshFailed    = &Error{Kind: KindRefreshFailed}
	ErrAuthRetryFailed  = &Error{Kind: KindAuthRetryFailed}
	ErrRevokeFailed     = &Error{Kind: KindRevokeFailed}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrNetwork          = &Error{Kind: KindNetwork}
)

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}
