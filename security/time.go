package security

import "time"

// DefaultClockSkewGracePeriod absorbs clock drift between this broker, its
// clients and the upstream provider when checking token expiry. Five seconds
// covers typical NTP drift; it also means a token stays usable that long past
// its nominal expiry.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether expiresAt has passed, allowing the default
// clock skew grace period. A zero time means the token never expires.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod is IsTokenExpired with a caller-chosen grace
// period.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether expiresAt falls within the threshold
// from now. Used to decide when a stored upstream token should be refreshed
// ahead of use.
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
