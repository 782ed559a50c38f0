// Package providers defines the interface to the upstream identity provider
// that this server brokers tokens for, plus the error taxonomy upstream
// failures are reported through.
package providers

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Provider is the upstream identity provider the server delegates user
// authentication to. Device authorization happens at the upstream; the server
// proxies the handshake and mints its own tokens once the upstream approves.
// Token responses use golang.org/x/oauth2.Token; the granted scope travels in
// the token's "scope" extra, matching the wire response.
type Provider interface {
	// Name returns the provider name used in logs and issued token metadata
	Name() string

	// DeviceAuthorize starts a device authorization at the upstream and
	// returns its device_code/user_code pair for the client to act on
	DeviceAuthorize(ctx context.Context, clientID, scope string) (*DeviceAuthorization, error)

	// ExchangeDeviceCode polls the upstream token endpoint with a device code.
	// While the user has not yet approved, the upstream's OAuth error
	// (authorization_pending, slow_down, access_denied, expired_token) is
	// returned as an *UpstreamError for the caller to pass through.
	ExchangeDeviceCode(ctx context.Context, clientID, deviceCode string) (*oauth2.Token, error)

	// Verify checks an upstream-issued access token and returns its
	// authoritative state (active flag, subject, scopes, expiry)
	Verify(ctx context.Context, accessToken string) (*TokenInfo, error)

	// Refresh exchanges an upstream refresh token for a fresh token pair.
	// Providers that rotate refresh tokens return the successor in the result.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// Revoke revokes a token at the upstream
	Revoke(ctx context.Context, token string) error
}

// DeviceAuthorization is the upstream response to a device authorization
// request (RFC 8628 section 3.2).
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval,omitempty"`
}

// TokenInfo is the upstream's authoritative view of an access token.
type TokenInfo struct {
	// Active reports whether the upstream still honors the token
	Active bool

	// UserID is the upstream subject the token was issued to
	UserID string

	// ClientID is the upstream client the token was issued for
	ClientID string

	// Scopes are the scopes the upstream granted
	Scopes []string

	// ExpiresAt is the upstream expiry; zero means the upstream reported none
	ExpiresAt time.Time
}
