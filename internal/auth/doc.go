// Package auth obtains and maintains a GitHub access token.
//
// A DeviceClient runs the OAuth 2.0 device authorization grant and hands the
// issued token to a Manager. The Manager persists it through a
// tokenstore.CredentialStore, renews it shortly before it expires and gates
// API calls through a ratelimit.Governor:
//
//	store := tokenstore.NewKeyringStore("ghdevice", "default")
//	manager, _ := auth.NewManager(store, tokensource.NewRefresher(clientID, "", endpoints.OAuth))
//	device, _ := auth.NewDeviceClient(auth.DeviceClientConfig{ClientID: clientID, Scopes: []string{"repo"}}, manager)
//
//	v, _ := device.Initiate(ctx)
//	fmt.Printf("Open %s and enter %s\n", v.VerificationURI, v.UserCode)
//	identity, err := device.Poll(ctx)
//
// Downstream calls go through Execute, or through Manager.Transport for plain
// HTTP clients. Either way a rejected token is refreshed and the call retried
// once, and rate-limit responses grow the governor's backoff.
//
// Every failure is an *Error whose Kind can be matched with errors.Is against
// the Err* sentinels. Token values never appear in errors or log output.
package auth
