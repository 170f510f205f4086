package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/florianilch/ghdevice/internal/auth"
)

// ErrorResponse is the body of every response the proxy produces itself
// instead of relaying GitHub's.
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind is the token lifecycle failure class, empty for unclassified errors.
	Kind string `json:"kind,omitempty"`
	// Retryable tells clients the same request may succeed later without a new login.
	Retryable bool `json:"retryable,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
// Encoding failures are only logged; the status line is already out.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeJSONError writes a plain JSON error without a failure class.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, ErrorResponse{Error: message}, status)
}

// writeUpstreamError reports a failed forward, classified by its auth.Kind.
// auth errors never carry token material, so the message is safe to return.
func writeUpstreamError(ctx context.Context, w http.ResponseWriter, err error, status int) {
	resp := ErrorResponse{Error: err.Error()}
	if kind := auth.KindOf(err); kind != auth.KindUnknown {
		resp.Kind = kind.String()
		resp.Retryable = kind.Retryable()
	}
	writeJSON(ctx, w, resp, status)
}
