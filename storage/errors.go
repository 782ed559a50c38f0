package storage

import "errors"

// Sentinel errors returned by storage implementations. Callers use errors.Is
// to distinguish not-found (possibly rotated/reused) from expired without
// depending on a concrete backend.
var (
	// ErrTokenNotFound indicates the token does not exist, or was already
	// consumed by rotation
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the record exists but is past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrClientNotFound indicates no client is registered under the ID
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthorizationCodeNotFound indicates the authorization code does not exist
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed indicates the authorization code was already
	// exchanged (reuse attack signal)
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrRefreshTokenFamilyNotFound indicates no family metadata exists for
	// the refresh token
	ErrRefreshTokenFamilyNotFound = errors.New("refresh token family not found")

	// ErrDeviceAuthorizationNotFound indicates the device code does not exist
	ErrDeviceAuthorizationNotFound = errors.New("device authorization not found")
)
