package oauth

import (
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes returned in the "error" field of error responses.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeInvalidRedirectURI   = "invalid_redirect_uri"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// Device authorization grant error codes (RFC 8628 section 3.5).
// These pass through from the upstream provider to the polling client.
const (
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
)

// Upstream transport error codes. These describe failures talking to the
// upstream identity provider, not protocol-level denials.
const (
	ErrorCodeBackendTimeout         = "backend_timeout"
	ErrorCodeBackendConnection      = "backend_connection_error"
	ErrorCodeBackendInvalidResponse = "backend_invalid_response"
)

// OAuthError is an OAuth 2.0 error response with the HTTP status it should be
// written with.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError builds an error with an explicit code and status. Prefer the
// per-code constructors below, which pin the right status to each code.
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

// ErrInvalidRequest: the request is malformed or missing required parameters.
func ErrInvalidRequest(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidGrant: the authorization code, refresh token, or device code is
// invalid, expired, or already consumed.
func ErrInvalidGrant(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

// ErrInvalidClient: client authentication failed.
func ErrInvalidClient(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
}

// ErrInvalidScope: the requested scope is malformed or not granted.
func ErrInvalidScope(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
}

// ErrInvalidToken: the presented access token is invalid or expired.
func ErrInvalidToken(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
}

// ErrUnauthorizedClient: the client may not use the requested grant type.
func ErrUnauthorizedClient(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
}

// ErrUnsupportedGrantType: the grant type is not supported by this server.
func ErrUnsupportedGrantType(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

// ErrServerError: an internal failure unrelated to the client's request.
func ErrServerError(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
}

// ErrAccessDenied: the user or the server refused the request.
func ErrAccessDenied(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
}

// ErrInvalidRedirectURI: the redirect URI is invalid or not registered.
func ErrInvalidRedirectURI(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
}

// ErrRateLimitExceeded: the caller must slow down. The handler attaches a
// Retry-After header alongside this error.
func ErrRateLimitExceeded(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
}

// ErrBackendTimeout: the upstream provider did not answer in time.
func ErrBackendTimeout(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeBackendTimeout, desc, http.StatusGatewayTimeout)
}

// ErrBackendConnection: the upstream provider could not be reached.
func ErrBackendConnection(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeBackendConnection, desc, http.StatusBadGateway)
}

// ErrBackendInvalidResponse: the upstream provider returned a response the
// server could not parse.
func ErrBackendInvalidResponse(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeBackendInvalidResponse, desc, http.StatusBadGateway)
}
