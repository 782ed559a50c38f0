package oauth

import "time"

// Token lifetime and cleanup defaults.
const (
	// DefaultRefreshTokenTTL is the default refresh token lifetime
	DefaultRefreshTokenTTL = 90 * 24 * time.Hour

	// DefaultAuthorizationCodeTTL is the default authorization code lifetime
	DefaultAuthorizationCodeTTL = 10 * time.Minute

	// DefaultAccessTokenTTL is the default access token lifetime
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultDeviceCodeTTL is the fallback device code lifetime when the
	// upstream provider does not report one
	DefaultDeviceCodeTTL = 15 * time.Minute

	// DefaultCleanupInterval is how often expired tokens are cleaned up
	DefaultCleanupInterval = 1 * time.Minute

	// DefaultRateLimitCleanupInterval is how often inactive rate limiters are cleaned up
	DefaultRateLimitCleanupInterval = 5 * time.Minute

	// InactiveLimiterCleanupWindow is how long a rate limiter must be inactive before cleanup
	InactiveLimiterCleanupWindow = 10 * time.Minute

	// TokenRefreshThreshold is how close to expiry an upstream token must be
	// before introspection triggers a proactive refresh
	TokenRefreshThreshold = 5 * time.Minute

	// DefaultAssertionClockSkew is the leeway applied to client assertion
	// time claims (private_key_jwt)
	DefaultAssertionClockSkew = 60 * time.Second

	// DefaultMaxAssertionAge bounds how old a client assertion's iat may be
	DefaultMaxAssertionAge = 5 * time.Minute
)

// Numeric limits.
const (
	// TokenExpiringThreshold is the threshold (in seconds) for considering a token about to expire
	TokenExpiringThreshold = 60

	// ClockSkewGrace is the grace period (in seconds) for token expiration checks
	ClockSkewGrace = 5

	// DefaultMaxClientsPerIP limits client registrations per IP address
	DefaultMaxClientsPerIP = 10

	// DefaultRateLimitRate is the default rate limit (requests per second)
	DefaultRateLimitRate = 10

	// DefaultRateLimitBurst is the default rate limit burst size
	DefaultRateLimitBurst = 20

	// DefaultDeviceCodeRateLimit caps device authorization starts per client per window
	DefaultDeviceCodeRateLimit = 10

	// DefaultDevicePollRateLimit caps device token polls per device code per window
	DefaultDevicePollRateLimit = 30

	// MinCodeVerifierLength is the minimum PKCE code verifier length (RFC 7636)
	MinCodeVerifierLength = 43

	// MaxCodeVerifierLength is the maximum PKCE code verifier length (RFC 7636)
	MaxCodeVerifierLength = 128

	// ClientIDTokenLength is the byte length of generated client IDs
	ClientIDTokenLength = 32

	// ClientSecretTokenLength is the byte length of generated client secrets
	ClientSecretTokenLength = 48

	// AccessTokenLength is the byte length of generated access tokens
	AccessTokenLength = 48

	// RefreshTokenLength is the byte length of generated refresh tokens
	RefreshTokenLength = 48
)

// Grant types supported at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// ClientAssertionTypeJWTBearer is the client_assertion_type for
// private_key_jwt authentication (RFC 7523).
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Client types and authentication methods.
const (
	// DefaultTokenEndpointAuthMethod is the default auth method for confidential clients
	DefaultTokenEndpointAuthMethod = "client_secret_basic"

	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"

	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"

	// TokenEndpointAuthMethodPrivateKeyJWT represents JWT assertion
	// authentication against the client's published keys (RFC 7523)
	TokenEndpointAuthMethodPrivateKeyJWT = "private_key_jwt"
)

// PKCE methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// URI schemes.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Allowed and dangerous scheme lists for redirect URI validation.
var (
	// AllowedHTTPSchemes are the HTTP-family schemes accepted in redirect URIs
	AllowedHTTPSchemes = []string{SchemeHTTP, SchemeHTTPS}

	// DangerousSchemes are never allowed in redirect URIs
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// LoopbackAddresses are the host values treated as loopback (RFC 8252)
	LoopbackAddresses = []string{"localhost", "127.0.0.1", "::1", "[::1]"}
)

// Defaults applied to dynamically registered clients.
var (
	// DefaultGrantTypes are the grant types assigned to new clients
	DefaultGrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeDeviceCode}

	// DefaultResponseTypes are the response types assigned to new clients
	DefaultResponseTypes = []string{"code"}
)

// Capabilities advertised in the discovery document.
var (
	// SupportedGrantTypes lists every grant type the token endpoint accepts
	SupportedGrantTypes = []string{
		GrantTypeAuthorizationCode,
		GrantTypeRefreshToken,
		GrantTypeClientCredentials,
		GrantTypeDeviceCode,
	}

	// SupportedCodeChallengeMethods lists the PKCE methods accepted (OAuth 2.1: S256 only)
	SupportedCodeChallengeMethods = []string{PKCEMethodS256}

	// SupportedTokenAuthMethods lists the token endpoint auth methods accepted
	SupportedTokenAuthMethods = []string{
		TokenEndpointAuthMethodBasic,
		TokenEndpointAuthMethodPost,
		TokenEndpointAuthMethodPrivateKeyJWT,
		TokenEndpointAuthMethodNone,
	}
)

// Endpoint paths served by the handler.
const (
	PathToken               = "/token"
	PathDeviceAuthorization = "/device/code"
	PathIntrospection       = "/introspect"
	PathRevocation          = "/revoke"
	PathRegistration        = "/register"
	PathServerMetadata      = "/.well-known/oauth-authorization-server"
	PathOpenIDConfiguration = "/.well-known/openid-configuration"
)
