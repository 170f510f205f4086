// Package tokensource describes the GitHub OAuth endpoints and performs the
// refresh-token exchange.
//
// The exchange is delegated to golang.org/x/oauth2 with a transport that
// re-encodes oauth2's form bodies as JSON and asks GitHub for a JSON reply
// (GitHub answers form-encoded unless told otherwise):
//
//	r := tokensource.NewRefresher(clientID, clientSecret, tokensource.DefaultEndpoints().OAuth)
//	tok, err := r.Refresh(ctx, refreshToken)
//
// # Custom Base Transport
//
// Configure a custom base transport for refresh requests (e.g., for proxies or tests):
//
//	r := tokensource.NewRefresher(
//		clientID, "", endpoints.OAuth,
//		tokensource.WithTransport(customTransport),
//	)
package tokensource
