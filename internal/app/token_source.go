package app

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/florianilch/ghdevice/internal/auth"
)

// managerTokenSource exposes the Manager as an oauth2.TokenSource so the token
// can be handed to clients built around golang.org/x/oauth2.
type managerTokenSource struct {
	manager *auth.Manager
}

// Compile-time check to ensure managerTokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*managerTokenSource)(nil)

// Token returns a valid token, refreshing it through the Manager when needed.
func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation)
	ctx := context.Background()

	accessToken, err := s.manager.GetToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting token from manager: %w", err)
	}

	tok := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}

	// Expiry is informational; a concurrent refresh may already have replaced the record
	if rec, err := s.manager.Current(ctx); err == nil && rec != nil && rec.AccessToken == accessToken {
		tok.Expiry = rec.ExpiresAt
	}

	return tok, nil
}
