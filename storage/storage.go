// Package storage defines interfaces for persisting OAuth tokens, clients, and
// authorization flow state. It supports pluggable backend implementations; the
// in-memory backend under storage/memory is the one provided.
package storage

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// TokenStore defines the interface for storing and retrieving issued tokens.
// Access and refresh tokens are opaque strings keyed by their own value.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveAccessToken saves an issued access token record
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token record by token value.
	// Returns ErrTokenNotFound for unknown tokens and ErrTokenExpired for
	// expired ones.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken removes an access token record
	DeleteAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken saves an issued refresh token record, including its
	// family metadata for reuse detection
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token record without consuming it
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token record
	DeleteRefreshToken(ctx context.Context, token string) error

	// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a
	// refresh token record. This prevents race conditions in refresh token
	// rotation and reuse detection: of N concurrent presentations of the same
	// token, exactly one succeeds.
	// Returns ErrTokenNotFound when the token is unknown (possibly already
	// rotated) and ErrTokenExpired when past its expiry.
	// SECURITY: This operation MUST be atomic to prevent concurrent token
	// refresh attacks.
	AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
}

// RefreshTokenFamilyStore tracks families of refresh tokens for reuse
// detection (OAuth 2.1). Family metadata outlives the tokens themselves so a
// rotated-out token can still be recognized when replayed.
// This is optional - only implemented by stores that support reuse detection.
type RefreshTokenFamilyStore interface {
	// GetRefreshTokenFamily retrieves family metadata for a refresh token,
	// including tokens that have already been rotated out
	GetRefreshTokenFamily(ctx context.Context, refreshToken string) (*RefreshTokenFamilyMetadata, error)

	// RevokeRefreshTokenFamily revokes all tokens in a family
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) error
}

// RefreshTokenFamilyMetadata contains metadata about a token family
type RefreshTokenFamilyMetadata struct {
	FamilyID   string
	UserID     string
	ClientID   string
	Generation int
	IssuedAt   time.Time
	Revoked    bool
	RevokedAt  time.Time // When this family was revoked (for forensics and cleanup)
}

// TokenRevocationStore supports bulk token revocation operations (OAuth 2.1
// security). Used for critical security scenarios like authorization code
// reuse detection.
// This is optional - only implemented by stores that support bulk revocation.
type TokenRevocationStore interface {
	// RevokeAllTokensForUserClient revokes all tokens (access + refresh) for a
	// specific user+client combination. Called when authorization code reuse
	// is detected (OAuth 2.1 requirement).
	// Returns the number of tokens revoked and any error encountered.
	RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)

	// GetTokensByUserClient retrieves all token values for a user+client
	// combination (for testing/debugging).
	GetTokensByUserClient(ctx context.Context, userID, clientID string) ([]string, error)
}

// ClientStore defines the interface for managing OAuth client registrations.
// CIMD clients are not persisted here; they resolve through the metadata
// fetcher at request time.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit checks if an IP has reached the client registration limit
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error
}

// FlowStore defines the interface for managing grant flow state:
// authorization codes and device authorizations in flight.
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and
	// marks it as used. This prevents race conditions in authorization code
	// reuse detection.
	// Returns the auth code if successful. On reuse (ErrAuthorizationCodeUsed)
	// the code is also returned so the caller can revoke the tokens it minted.
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks.
	AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error

	// SaveDeviceAuthorization saves an in-flight device authorization so
	// polling can be validated against the client that started it
	SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error

	// GetDeviceAuthorization retrieves a device authorization by device code
	GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)

	// DeleteDeviceAuthorization removes a device authorization
	DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	CreatedAt               time.Time
}

// AccessToken represents an issued access token and the grant it came from
type AccessToken struct {
	// Token is the opaque token value (also the storage key)
	Token string

	ClientID string

	// UserID is empty for client_credentials grants
	UserID string

	Scopes []string

	// GrantType records which grant minted the token
	GrantType string

	// Provider names the upstream provider for upstream-backed tokens;
	// empty for purely local tokens
	Provider string

	// UpstreamToken is the upstream token pair this local token wraps, when
	// the grant came through the upstream (device flow). Encrypted at rest
	// when the store has an encryptor.
	UpstreamToken *oauth2.Token

	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshToken represents an issued refresh token with rotation metadata
type RefreshToken struct {
	// Token is the opaque token value (also the storage key)
	Token string

	ClientID string
	UserID   string
	Scopes   []string

	// FamilyID ties rotation generations together for reuse detection
	FamilyID string

	// Generation increments with each rotation inside the family
	Generation int

	// UpstreamRefreshToken is the upstream refresh token forwarded unchanged
	// for upstream-backed grants; empty otherwise
	UpstreamRefreshToken string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// DeviceAuthorization represents an in-flight device authorization, binding
// the upstream device code to the client that requested it
type DeviceAuthorization struct {
	DeviceCode string
	UserCode   string
	ClientID   string
	Scope      string
	Interval   int
	CreatedAt  time.Time
	ExpiresAt  time.Time
}
