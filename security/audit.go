// Package security provides security features for OAuth including encryption,
// rate limiting, audit logging, and secure header management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Event is a single security audit record. UserID is hashed before it reaches
// the log; everything else is logged as given.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// Auditor writes security events to a structured log with PII protection.
// A disabled Auditor accepts every call and writes nothing.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// LogEvent records an event, stamping it with the current time and hashing
// the user identifier.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()
	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued records a successful token grant.
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{Type: "token_issued", UserID: userID, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"scope": scope}})
}

// LogTokenRefreshed records a refresh grant, noting whether the refresh token
// rotated.
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{Type: "token_refreshed", UserID: userID, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"rotated": rotated}})
}

// LogTokenRevoked records a revocation, with tokenType "access" or "refresh".
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{Type: "token_revoked", UserID: userID, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"token_type": tokenType}})
}

// LogAuthFailure records a failed client or user authentication.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{Type: EventAuthFailure, UserID: userID, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"reason": reason}})
}

// LogTokenReuse records an attempted reuse of an already-rotated refresh
// token. The whole family is revoked by the caller; this is the audit trail.
func (a *Auditor) LogTokenReuse(userID, clientID string) {
	a.LogEvent(Event{Type: EventRefreshTokenReuseDetected, UserID: userID, ClientID: clientID,
		Details: map[string]any{"severity": "critical"}})
}

// LogAssertionReplay records a replayed private_key_jwt client assertion.
// jtiHash is the already-hashed jti, never the raw value.
func (a *Auditor) LogAssertionReplay(clientID, jtiHash string) {
	a.LogEvent(Event{Type: EventAssertionReplayDetected, ClientID: clientID,
		Details: map[string]any{"jti_hash": jtiHash}})
}

// LogInvalidPKCE records a failed PKCE code_verifier check.
func (a *Auditor) LogInvalidPKCE(clientID, ipAddress, reason string) {
	a.LogEvent(Event{Type: EventPKCEValidationFailed, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"reason": reason}})
}

// LogInvalidRedirect records a redirect URI that failed validation against
// the client's registered URIs. The URI itself is hashed.
func (a *Auditor) LogInvalidRedirect(clientID, ipAddress, redirectURI, reason string) {
	a.LogEvent(Event{Type: EventSuspiciousActivity, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"redirect_uri": hashForLogging(redirectURI), "reason": reason}})
}

// LogSuspiciousActivity records behavior that does not match normal client
// patterns.
func (a *Auditor) LogSuspiciousActivity(userID, clientID, ipAddress, description string) {
	a.LogEvent(Event{Type: EventSuspiciousActivity, UserID: userID, ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"description": description}})
}

// LogRateLimitExceeded records a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID string) {
	a.LogEvent(Event{Type: "rate_limit_exceeded", UserID: userID, IPAddress: ipAddress})
}

// LogClientRegistered records a new dynamic client registration.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{Type: "client_registered", ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"client_type": clientType}})
}

// hashForLogging returns the first 16 hex chars of the SHA-256 of a sensitive
// value, enough to correlate log lines without storing the value itself.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}
