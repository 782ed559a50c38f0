package server

import (
	"strings"
	"time"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL).
	// Used in discovery documents and as the audience for client assertions.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// DefaultUpstreamTokenTTL is the lifetime assumed for upstream-backed
	// tokens when the upstream reports no expiry
	DefaultUpstreamTokenTTL int64 // seconds, default: 3600 (1 hour)

	// TokenRefreshThreshold is how close to expiry an upstream token must be
	// before introspection triggers a proactive upstream refresh
	TokenRefreshThreshold int64 // seconds, default: 300 (5 minutes)

	// ClockSkewGracePeriod is the grace period for token expiration checks (in seconds)
	// This prevents false expiration errors due to time synchronization issues
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds, default: 5

	// AllowRefreshTokenRotation enables refresh token rotation (OAuth 2.1)
	// Default: true (secure by default)
	AllowRefreshTokenRotation bool // default: true

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For
	// Default: 1
	TrustedProxyCount int // default: 1

	// SupportedScopes lists the scopes that are allowed for clients
	// If empty, all scopes are allowed
	SupportedScopes []string

	// DefaultScope is the scope assigned when upstream scope data is missing
	// or malformed during introspection revalidation
	DefaultScope string

	// MaxScopeLength caps the total length of a requested scope string
	MaxScopeLength int // default: 1000

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1
	// When false, only S256 method is accepted (secure by default)
	// Default: false
	AllowPKCEPlain bool // default: false

	// RequirePKCE enforces PKCE for all authorization code exchanges
	// WARNING: Disabling this significantly weakens security
	// Default: true
	RequirePKCE bool // default: true

	// AllowInsecureHTTP permits a non-HTTPS Issuer (development only)
	// WARNING: All tokens and credentials are exposed to network interception
	// Default: false
	AllowInsecureHTTP bool // default: false

	// --- Dynamic client registration (RFC 7591) ---

	// AllowPublicClientRegistration allows unauthenticated dynamic client registration
	// WARNING: This can lead to DoS attacks via unlimited client registration
	// When false, client registration requires a registration access token
	// Default: false (authentication REQUIRED for security)
	AllowPublicClientRegistration bool // default: false

	// RegistrationAccessToken is the token required for client registration
	// Only checked if AllowPublicClientRegistration is false
	RegistrationAccessToken string

	// MaxClientsPerIP limits client registrations per IP address
	// Prevents DoS via mass client registration
	// Default: 10
	MaxClientsPerIP int // default: 10

	// MaxRegistrationsPerHour limits registration attempts per IP per window
	MaxRegistrationsPerHour int // default: 10

	// RegistrationRateLimitWindow is the window for MaxRegistrationsPerHour
	RegistrationRateLimitWindow int64 // seconds, default: 3600

	// TrustedPublicRegistrationSchemes lists custom URI schemes (e.g. "myapp")
	// whose clients may register without a registration access token.
	// Custom schemes are OS-protected on the client host, which makes them
	// safer than http/https for unauthenticated registration.
	TrustedPublicRegistrationSchemes []string

	// StrictSchemeMatching requires ALL redirect URIs of an unauthenticated
	// registration to use trusted schemes, not just one.
	// Default: true when TrustedPublicRegistrationSchemes is configured
	StrictSchemeMatching bool

	// DisableStrictSchemeMatching explicitly opts out of StrictSchemeMatching
	// (not recommended)
	DisableStrictSchemeMatching bool

	// --- Redirect URI security ---

	// ProductionMode requires HTTPS for non-loopback redirect URIs
	// Default: true (use DisableProductionMode to opt out)
	ProductionMode bool

	// DisableProductionMode explicitly opts out of ProductionMode
	DisableProductionMode bool

	// DNSValidation resolves redirect URI hostnames at registration and
	// rejects those resolving to private or link-local addresses
	// Default: true (use DisableDNSValidation to opt out)
	DNSValidation bool

	// DisableDNSValidation explicitly opts out of DNSValidation
	DisableDNSValidation bool

	// DNSValidationStrict fails registration when DNS resolution fails
	// (fail-closed). Default: true (use DisableDNSValidationStrict to opt out)
	DNSValidationStrict bool

	// DisableDNSValidationStrict explicitly opts out of DNSValidationStrict
	DisableDNSValidationStrict bool

	// DNSValidationTimeout bounds DNS lookups during redirect URI validation
	DNSValidationTimeout time.Duration // default: 2s, max: 30s

	// BlockedRedirectSchemes lists URI schemes never allowed in redirect URIs
	// Default: DefaultBlockedRedirectSchemes (javascript, data, file, ...)
	BlockedRedirectSchemes []string

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns (regex)
	// Used for validating custom redirect URIs (e.g., myapp://, com.example.app://)
	// Empty list allows all RFC 3986 compliant schemes
	AllowedCustomSchemes []string

	// AllowLocalhostRedirectURIs permits loopback redirect URIs with HTTP
	// (RFC 8252 native app support)
	AllowLocalhostRedirectURIs bool

	// AllowPrivateIPRedirectURIs permits RFC 1918 addresses in redirect URIs
	// WARNING: SSRF risk; only for internal/VPN deployments
	AllowPrivateIPRedirectURIs bool

	// AllowLinkLocalRedirectURIs permits link-local addresses in redirect URIs
	// WARNING: exposes cloud metadata services (169.254.169.254)
	AllowLinkLocalRedirectURIs bool

	// --- Upstream provider revocation ---

	// ProviderRevocationTimeout bounds each upstream revocation call
	ProviderRevocationTimeout int64 // seconds, default: 10

	// ProviderRevocationMaxRetries is the retry count for upstream revocation
	ProviderRevocationMaxRetries int // default: 3

	// ProviderRevocationFailureThreshold is the fraction of upstream
	// revocations that must succeed for a bulk revocation to be reported
	// as successful
	ProviderRevocationFailureThreshold float64 // default: 0.5

	// RevokedFamilyRetentionDays is how long revoked refresh token family
	// metadata is kept for reuse detection after revocation
	RevokedFamilyRetentionDays int64 // days, default: 90

	// --- Client ID Metadata Documents ---

	// EnableClientIDMetadataDocuments accepts URL-shaped client_ids whose
	// metadata is fetched from the URL itself
	// (draft-ietf-oauth-client-id-metadata-document)
	EnableClientIDMetadataDocuments bool

	// AllowLocalhostCIMD permits http://localhost client_id URLs (development only)
	// WARNING: Never enable in production; defeats CIMD origin binding
	AllowLocalhostCIMD bool

	// ClientMetadataFetchTimeout bounds each metadata document fetch
	ClientMetadataFetchTimeout time.Duration // default: 10s

	// ClientMetadataCacheTTL is how long fetched metadata documents are cached
	ClientMetadataCacheTTL time.Duration // default: 24h

	// ClientMetadataCacheMaxEntries caps the metadata cache size (LRU eviction)
	ClientMetadataCacheMaxEntries int // default: 1000

	// --- Client assertion authentication (private_key_jwt, RFC 7523) ---

	// AllowedAssertionAlgorithms lists the JWS algorithms accepted for client
	// assertions. Symmetric algorithms (HS*) and "none" are always rejected
	// regardless of this list.
	// Default: RS256/RS384/RS512, ES256/ES384/ES512, PS256/PS384/PS512
	AllowedAssertionAlgorithms []string

	// AssertionClockSkew is the leeway applied to assertion time claims
	AssertionClockSkew time.Duration // default: 60s

	// MaxAssertionAge bounds how old an assertion's iat may be
	MaxAssertionAge time.Duration // default: 5m

	// --- Device authorization grant (RFC 8628) ---

	// DeviceCodeRateLimit caps device authorization starts per client per window
	DeviceCodeRateLimit int // default: 10

	// DevicePollRateLimit caps device token polls per device code per window
	DevicePollRateLimit int // default: 30

	// DeviceRateWindow is the sliding window for the device flow limiters
	DeviceRateWindow time.Duration // default: 1m

	// --- Background cleanup ---

	// StorageCleanupInterval is how often expired storage entries are pruned
	StorageCleanupInterval time.Duration // default: 1m

	// RateLimiterCleanupInterval is how often idle rate limiter entries are pruned
	RateLimiterCleanupInterval time.Duration // default: 5m

	// trustedSchemesMap is the lowercase lookup set built from
	// TrustedPublicRegistrationSchemes during applySecureDefaults
	trustedSchemesMap map[string]bool
}

// TokenEndpoint returns the token endpoint URL derived from the issuer.
// Client assertions must carry this value as their audience.
func (c *Config) TokenEndpoint() string {
	return strings.TrimSuffix(c.Issuer, "/") + "/token"
}

// DefaultAssertionAlgorithms is the asymmetric algorithm allow-list applied
// when Config.AllowedAssertionAlgorithms is empty.
var DefaultAssertionAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"ES256", "ES384", "ES512",
	"PS256", "PS384", "PS512",
}
