package oauth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/relayhq/agent-oauth/providers"
	"github.com/relayhq/agent-oauth/server"
)

// Config holds the OAuth handler configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Issuer is the authorization server's base URL (required).
	// It appears in discovery documents and is the expected audience of
	// client assertions.
	Issuer string

	// Provider is the upstream identity provider tokens are brokered
	// against (required).
	Provider providers.Provider

	// SupportedScopes lists the scopes clients may request.
	// Empty means all scopes are allowed.
	SupportedScopes []string

	// DefaultScope is assigned when upstream scope data is missing or
	// malformed during introspection revalidation.
	DefaultScope string

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Dynamic client registration settings (RFC 7591)
	Registration RegistrationConfig

	// Client ID Metadata Document settings
	ClientMetadata ClientMetadataConfig

	// Device authorization grant settings (RFC 8628)
	DeviceFlow DeviceFlowConfig

	// CleanupInterval is how often to cleanup expired tokens
	// Default: 1 minute
	CleanupInterval time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for outbound requests
	// If not provided, uses the default HTTP client
	// Can be used to add timeouts, logging, metrics, etc.
	HTTPClient *http.Client
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration

	// UserRate is requests per second allowed per authenticated client,
	// independent of source IP. Applied in addition to IP-based limiting.
	// Zero disables.
	UserRate int

	// UserBurst is the maximum burst size per authenticated client.
	UserBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. Used with TrustProxy to extract the client IP.
	TrustedProxyCount int
}

// SecurityConfig holds OAuth security settings (secure by default)
type SecurityConfig struct {
	// DisableRefreshTokenRotation disables automatic refresh token rotation.
	// WARNING: Violates OAuth 2.1. Stolen tokens remain valid indefinitely.
	DisableRefreshTokenRotation bool

	// AllowPKCEPlain allows the deprecated 'plain' code_challenge_method.
	// WARNING: Weak protection; OAuth 2.1 requires S256.
	AllowPKCEPlain bool

	// AllowInsecureHTTP permits a non-HTTPS issuer (development only).
	AllowInsecureHTTP bool

	// AccessTokenTTL is how long access tokens remain valid.
	// Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens remain valid.
	// Recommended: 30-90 days. Default: 90 days.
	RefreshTokenTTL time.Duration

	// AuthorizationCodeTTL is how long authorization codes remain valid.
	// Default: 10 minutes.
	AuthorizationCodeTTL time.Duration

	// AllowedCustomSchemes lists allowed custom URI scheme regex patterns.
	// Default: RFC 3986 compliant schemes.
	AllowedCustomSchemes []string

	// AllowLocalhostRedirectURIs permits loopback redirect URIs over HTTP
	// (RFC 8252 native app support).
	AllowLocalhostRedirectURIs bool

	// AllowPrivateIPRedirectURIs permits RFC 1918 addresses in redirect URIs.
	// WARNING: SSRF risk. Only for internal/VPN deployments.
	AllowPrivateIPRedirectURIs bool

	// DisableProductionMode relaxes the HTTPS requirement for non-loopback
	// redirect URIs (development only).
	DisableProductionMode bool

	// DisableDNSValidation skips resolving redirect URI hostnames during
	// registration. WARNING: Allows DNS rebinding.
	DisableDNSValidation bool

	// AllowedAssertionAlgorithms lists JWS algorithms accepted for
	// private_key_jwt client assertions. Symmetric algorithms and "none"
	// are always rejected. Default: the asymmetric RS/ES/PS family.
	AllowedAssertionAlgorithms []string

	// EncryptionKey is the AES-256 key (32 bytes) for token encryption at rest.
	// Nil disables encryption. Generate with oauth.GenerateEncryptionKey().
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// RegistrationConfig holds dynamic client registration settings (RFC 7591)
type RegistrationConfig struct {
	// AllowPublicClientRegistration permits unauthenticated client registration.
	// WARNING: Can enable DoS via mass registration.
	AllowPublicClientRegistration bool

	// RegistrationAccessToken is required for client registration when
	// AllowPublicClientRegistration is false.
	RegistrationAccessToken string

	// TrustedPublicRegistrationSchemes lists custom URI schemes (e.g. "myapp")
	// whose clients may register without a registration access token.
	TrustedPublicRegistrationSchemes []string

	// MaxClientsPerIP limits registrations per IP to prevent DoS.
	// Zero means the default limit.
	MaxClientsPerIP int

	// MaxRegistrationsPerHour limits registration attempts per IP per window.
	MaxRegistrationsPerHour int
}

// ClientMetadataConfig holds Client ID Metadata Document settings.
// When enabled, URL-shaped client_ids are resolved by fetching the client's
// metadata document from the URL itself.
type ClientMetadataConfig struct {
	// Enable accepts URL-shaped client_ids.
	Enable bool

	// AllowLocalhost permits http://localhost client_id URLs (development only).
	// WARNING: Never enable in production; defeats origin binding.
	AllowLocalhost bool

	// FetchTimeout bounds each metadata document fetch. Default: 10s.
	FetchTimeout time.Duration

	// CacheTTL is how long fetched metadata documents are cached. Default: 24h.
	CacheTTL time.Duration

	// CacheMaxEntries caps the metadata cache size (LRU eviction). Default: 1000.
	CacheMaxEntries int
}

// DeviceFlowConfig holds device authorization grant settings (RFC 8628)
type DeviceFlowConfig struct {
	// IssueRateLimit caps device authorization starts per client per window.
	// Default: DefaultDeviceCodeRateLimit.
	IssueRateLimit int

	// PollRateLimit caps device token polls per device code per window.
	// Default: DefaultDevicePollRateLimit.
	PollRateLimit int

	// RateWindow is the sliding window for both limiters. Default: 1 minute.
	RateWindow time.Duration
}

// toServerConfig translates the user-facing composed configuration into the
// flat server.Config the core operates on. Zero values pass through; the
// server applies its own secure defaults.
func (c *Config) toServerConfig() *server.Config {
	sc := &server.Config{
		Issuer:          c.Issuer,
		SupportedScopes: c.SupportedScopes,
		DefaultScope:    c.DefaultScope,

		AccessTokenTTL:       int64(c.Security.AccessTokenTTL.Seconds()),
		RefreshTokenTTL:      int64(c.Security.RefreshTokenTTL.Seconds()),
		AuthorizationCodeTTL: int64(c.Security.AuthorizationCodeTTL.Seconds()),

		AllowPKCEPlain:    c.Security.AllowPKCEPlain,
		AllowInsecureHTTP: c.Security.AllowInsecureHTTP,

		TrustProxy:        c.RateLimit.TrustProxy,
		TrustedProxyCount: c.RateLimit.TrustedProxyCount,

		AllowPublicClientRegistration:    c.Registration.AllowPublicClientRegistration,
		RegistrationAccessToken:          c.Registration.RegistrationAccessToken,
		TrustedPublicRegistrationSchemes: c.Registration.TrustedPublicRegistrationSchemes,
		MaxClientsPerIP:                  c.Registration.MaxClientsPerIP,
		MaxRegistrationsPerHour:          c.Registration.MaxRegistrationsPerHour,

		AllowedCustomSchemes:        c.Security.AllowedCustomSchemes,
		AllowLocalhostRedirectURIs:  c.Security.AllowLocalhostRedirectURIs,
		AllowPrivateIPRedirectURIs:  c.Security.AllowPrivateIPRedirectURIs,
		DisableProductionMode:       c.Security.DisableProductionMode,
		DisableDNSValidation:        c.Security.DisableDNSValidation,
		AllowedAssertionAlgorithms:  c.Security.AllowedAssertionAlgorithms,

		EnableClientIDMetadataDocuments: c.ClientMetadata.Enable,
		AllowLocalhostCIMD:              c.ClientMetadata.AllowLocalhost,
		ClientMetadataFetchTimeout:      c.ClientMetadata.FetchTimeout,
		ClientMetadataCacheTTL:          c.ClientMetadata.CacheTTL,
		ClientMetadataCacheMaxEntries:   c.ClientMetadata.CacheMaxEntries,

		DeviceCodeRateLimit: c.DeviceFlow.IssueRateLimit,
		DevicePollRateLimit: c.DeviceFlow.PollRateLimit,
		DeviceRateWindow:    c.DeviceFlow.RateWindow,

		StorageCleanupInterval:     c.CleanupInterval,
		RateLimiterCleanupInterval: c.RateLimit.CleanupInterval,
	}

	// Rotation is on unless explicitly disabled; the flat config expresses
	// the positive form.
	sc.AllowRefreshTokenRotation = !c.Security.DisableRefreshTokenRotation

	return sc
}
