// Package providers defines the upstream identity provider interface and the
// error taxonomy upstream failures are reported through.
//
// The Provider interface covers the calls the broker makes on behalf of its
// clients: device authorization, device code exchange, token verification,
// refresh and revocation. Implementations live in subpackages:
//   - providers/upstream: generic HTTP provider (POST {base}/oauth/token,
//     GET {base}/oauth/verify and friends)
//   - providers/mock: in-process test double
//
// Failures fall into two classes. Protocol-level OAuth errors from the
// upstream (authorization_pending, slow_down, access_denied, expired_token)
// surface as *UpstreamError and pass through to clients unchanged. Transport
// failures are wrapped with the backend sentinels (ErrBackendTimeout,
// ErrBackendConnection, ErrBackendInvalidResponse) so the HTTP layer can map
// them to 504/502-class responses without depending on a concrete provider.
//
// Example usage:
//
//	provider, err := upstream.NewProvider(&upstream.Config{
//	    BaseURL: "https://id.example.com",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Use provider with the OAuth server
//	server, _ := oauth.NewServer(provider, tokenStore, clientStore, flowStore, config, logger)
package providers
