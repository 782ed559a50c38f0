package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by the user or client
	EventTokenRevoked = "token_revoked"

	// EventTokenIntrospected is logged when a resource server introspects a token
	EventTokenIntrospected = "token_introspected"

	// EventRefreshTokenReuseDetected is logged when an already-rotated refresh token is presented
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// EventScopeEscalationAttempt is logged when a client requests scopes beyond its grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// Authorization code events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an authorization code is reused (attack)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// Client registration and resolution events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when client registration is rejected for security reasons
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientMetadataFetched is logged when a CIMD document is fetched and validated
	EventClientMetadataFetched = "client_metadata_fetched"

	// EventClientMetadataFetchBlocked is logged when a CIMD fetch is blocked (SSRF protection)
	EventClientMetadataFetchBlocked = "client_metadata_fetch_blocked"

	// EventClientMetadataFetchFailed is logged when a CIMD fetch fails (network, status, size)
	EventClientMetadataFetchFailed = "client_metadata_fetch_failed"

	// EventClientMetadataIDMismatch is logged when a CIMD document's client_id does not match its URL
	EventClientMetadataIDMismatch = "client_metadata_id_mismatch"

	// EventJWKSFetchBlocked is logged when a jwks_uri fetch is blocked (SSRF protection)
	EventJWKSFetchBlocked = "jwks_fetch_blocked"

	// Client assertion events (RFC 7523)

	// EventAssertionVerified is logged when a private_key_jwt assertion verifies successfully
	EventAssertionVerified = "client_assertion_verified"

	// EventAssertionRejected is logged when a client assertion fails verification
	EventAssertionRejected = "client_assertion_rejected"

	// EventAssertionReplayDetected is logged when a jti is presented a second time
	EventAssertionReplayDetected = "client_assertion_replay_detected"

	// EventAssertionAlgorithmBlocked is logged when an assertion uses a blocklisted algorithm
	EventAssertionAlgorithmBlocked = "client_assertion_algorithm_blocked"

	// Device flow events

	// EventDeviceCodeIssued is logged when an upstream device code is proxied to a client
	EventDeviceCodeIssued = "device_code_issued"

	// EventDeviceCodeExchanged is logged when a device code is exchanged for local tokens
	EventDeviceCodeExchanged = "device_code_exchanged"

	// EventDeviceFlowRateLimited is logged when device code issuance or polling is throttled
	EventDeviceFlowRateLimited = "device_flow_rate_limited"

	// Security violation events

	// EventAuthFailure is logged when authentication fails (wrong credentials, etc.)
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventSuspiciousActivity is logged for general suspicious behavior
	EventSuspiciousActivity = "suspicious_activity"

	// Upstream provider events

	// EventUpstreamUnavailable is logged when the upstream provider times out or refuses connections
	EventUpstreamUnavailable = "upstream_unavailable"

	// EventUpstreamInvalidResponse is logged when the upstream provider returns an undecodable body
	EventUpstreamInvalidResponse = "upstream_invalid_response"
)
