package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/relayhq/agent-oauth/internal/util"
	"github.com/relayhq/agent-oauth/providers"
	"github.com/relayhq/agent-oauth/security"
	"github.com/relayhq/agent-oauth/storage"
)

// DefaultDevicePollInterval is the polling interval (seconds) reported to
// clients when the upstream does not name one (RFC 8628 section 3.2).
const DefaultDevicePollInterval = 5

// DefaultDeviceCodeLifetime is used when the upstream response carries no
// expires_in.
const DefaultDeviceCodeLifetime = 15 * time.Minute

// RateLimitedError reports a sliding-window limit violation together with how
// long the caller must wait. The HTTP layer maps it to slow_down with a
// Retry-After header on the polling endpoint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", int(e.RetryAfter.Seconds()))
}

// AsRateLimitedError extracts a *RateLimitedError from an error chain.
func AsRateLimitedError(err error) (*RateLimitedError, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// StartDeviceAuthorization proxies a device authorization request (RFC 8628)
// to the upstream provider and records the in-flight authorization so later
// polls can be validated against the client that started it.
func (s *Server) StartDeviceAuthorization(ctx context.Context, clientID, scope, clientIP string) (*providers.DeviceAuthorization, error) {
	// CIMD client IDs are URLs; everything else must be a strict opaque
	// identifier before it goes anywhere near the upstream
	if !s.cimd.IsCIMDClientID(clientID) && !isValidOpaqueIdentifier(clientID) {
		return nil, fmt.Errorf("%s: malformed client_id", ErrorCodeInvalidRequest)
	}

	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, clientIP, ErrorCodeInvalidClient)
		}
		return nil, fmt.Errorf("%s: unknown client", ErrorCodeInvalidClient)
	}

	if scope != "" {
		if err := s.validateScopes(scope); err != nil {
			return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
		}
		if err := s.validateClientScopes(scope, client.Scopes); err != nil {
			return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
		}
	}

	if !s.deviceIssueLimiter.Allow(clientID) {
		retryAfter := s.deviceIssueLimiter.RetryAfter(clientID)
		s.deviceFlowRateLimited(ctx, clientID, clientIP, "issue", retryAfter)
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	resp, err := s.provider.DeviceAuthorize(ctx, clientID, scope)
	if err != nil {
		s.Logger.Debug("Upstream device authorization failed",
			"client_id", clientID,
			"error", err)
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}

	// The upstream's codes are relayed to the client verbatim, so they get
	// the same shape check as client input
	if !isValidOpaqueIdentifier(resp.DeviceCode) || !isValidOpaqueIdentifier(resp.UserCode) {
		s.Logger.Error("Upstream returned malformed device authorization codes",
			"client_id", clientID)
		return nil, fmt.Errorf("%w: malformed device authorization codes", providers.ErrBackendInvalidResponse)
	}

	if resp.Interval <= 0 {
		resp.Interval = DefaultDevicePollInterval
	}
	lifetime := DefaultDeviceCodeLifetime
	if resp.ExpiresIn > 0 {
		lifetime = time.Duration(resp.ExpiresIn) * time.Second
	} else {
		resp.ExpiresIn = int(lifetime.Seconds())
	}

	now := time.Now()
	auth := &storage.DeviceAuthorization{
		DeviceCode: resp.DeviceCode,
		UserCode:   resp.UserCode,
		ClientID:   clientID,
		Scope:      scope,
		Interval:   resp.Interval,
		CreatedAt:  now,
		ExpiresAt:  now.Add(lifetime),
	}
	if err := s.flowStore.SaveDeviceAuthorization(ctx, auth); err != nil {
		return nil, fmt.Errorf("failed to save device authorization: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventDeviceCodeIssued,
			ClientID:  clientID,
			IPAddress: clientIP,
			Details: map[string]any{
				"scope":      scope,
				"expires_in": resp.ExpiresIn,
				"interval":   resp.Interval,
			},
		})
	}
	if m := s.metrics(); m != nil {
		m.RecordDeviceAuthorizationStarted(ctx, clientID)
	}

	s.Logger.Info("Device authorization started",
		"client_id", clientID,
		"user_code", resp.UserCode,
		"expires_in", resp.ExpiresIn)

	return resp, nil
}

// PollDeviceToken exchanges a device code for a local token pair once the
// upstream reports approval. While the user has not decided, the upstream's
// authorization_pending/slow_down/access_denied/expired_token pass through
// unchanged. Returns the token pair and the granted scope.
func (s *Server) PollDeviceToken(ctx context.Context, clientID, deviceCode, clientIP string) (*oauth2.Token, string, error) {
	if !isValidOpaqueIdentifier(deviceCode) {
		return nil, "", fmt.Errorf("%s: malformed device_code", ErrorCodeInvalidRequest)
	}
	if !s.cimd.IsCIMDClientID(clientID) && !isValidOpaqueIdentifier(clientID) {
		return nil, "", fmt.Errorf("%s: malformed client_id", ErrorCodeInvalidRequest)
	}

	// Poll limiting is keyed by device code: one noisy device must not
	// throttle the client's other flows
	if !s.devicePollLimiter.Allow(deviceCode) {
		retryAfter := s.devicePollLimiter.RetryAfter(deviceCode)
		s.deviceFlowRateLimited(ctx, clientID, clientIP, "poll", retryAfter)
		return nil, "", &RateLimitedError{RetryAfter: retryAfter}
	}

	auth, err := s.flowStore.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		s.Logger.Debug("Device authorization lookup failed",
			"reason", err.Error(),
			"client_id", clientID,
			"device_code_prefix", util.SafeTruncate(deviceCode, 8))
		// A device code past its own lifetime answers expired_token
		// (RFC 8628 section 3.5), not invalid_grant, and ends the flow.
		if errors.Is(err, storage.ErrTokenExpired) {
			_ = s.flowStore.DeleteDeviceAuthorization(ctx, deviceCode)
			if m := s.metrics(); m != nil {
				m.RecordDeviceCodeExchange(ctx, clientID, false)
			}
			return nil, "", fmt.Errorf("%s: device code expired", ErrorCodeExpiredToken)
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if auth.ClientID != clientID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, clientIP, "device_code_client_mismatch")
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	upstreamToken, err := s.provider.ExchangeDeviceCode(ctx, clientID, deviceCode)
	if err != nil {
		if ue, ok := providers.AsUpstreamError(err); ok {
			// Protocol states pass through to the polling client unchanged.
			// A terminal answer ends the flow on our side too.
			switch ue.Code {
			case "expired_token", "access_denied":
				_ = s.flowStore.DeleteDeviceAuthorization(ctx, deviceCode)
				if m := s.metrics(); m != nil {
					m.RecordDeviceCodeExchange(ctx, clientID, false)
				}
			}
			return nil, "", err
		}
		// Transport failure: surface for the handler's backend error mapping
		return nil, "", fmt.Errorf("device code exchange failed: %w", err)
	}

	// Approved. The upstream's granted scopes are authoritative; the wire
	// response carries them in the scope extra.
	grantedScopes := normalizeScopes(upstreamToken.Extra("scope"))
	if grantedScopes == nil {
		grantedScopes = normalizeScopes(auth.Scope)
	}
	if grantedScopes == nil && s.Config.DefaultScope != "" {
		grantedScopes = normalizeScopes(s.Config.DefaultScope)
	}

	// Best effort subject lookup; a token without a resolvable subject is
	// still usable, it just cannot participate in per-user revocation
	userID := ""
	if info, verifyErr := s.provider.Verify(ctx, upstreamToken.AccessToken); verifyErr == nil && info.Active {
		userID = info.UserID
	} else if verifyErr != nil {
		s.Logger.Debug("Upstream verify after device exchange failed",
			"client_id", clientID,
			"error", verifyErr)
	}

	accessToken, err := s.mintAccessToken(ctx, clientID, userID, grantedScopes, GrantTypeDeviceCode, s.provider.Name(), upstreamToken)
	if err != nil {
		return nil, "", err
	}
	refreshToken, err := s.mintRefreshToken(ctx, clientID, userID, grantedScopes,
		uuid.NewString(), 0, upstreamToken.RefreshToken)
	if err != nil {
		return nil, "", err
	}

	_ = s.flowStore.DeleteDeviceAuthorization(ctx, deviceCode)

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventDeviceCodeExchanged,
			UserID:    userID,
			ClientID:  clientID,
			IPAddress: clientIP,
			Details:   map[string]any{"scope": scopeString(grantedScopes)},
		})
		s.Auditor.LogTokenIssued(userID, clientID, clientIP, scopeString(grantedScopes))
	}
	if m := s.metrics(); m != nil {
		m.RecordDeviceCodeExchange(ctx, clientID, true)
	}

	s.Logger.Info("Device code exchanged for tokens",
		"client_id", clientID,
		"user_id", userID,
		"provider", s.provider.Name())

	return &oauth2.Token{
		AccessToken:  accessToken.Token,
		RefreshToken: refreshToken.Token,
		TokenType:    "Bearer",
		Expiry:       accessToken.ExpiresAt,
	}, scopeString(grantedScopes), nil
}

// deviceFlowRateLimited records a device flow throttling event.
func (s *Server) deviceFlowRateLimited(ctx context.Context, clientID, clientIP, phase string, retryAfter time.Duration) {
	s.Logger.Debug("Device flow rate limited",
		"client_id", clientID,
		"phase", phase,
		"retry_after", retryAfter)

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventDeviceFlowRateLimited,
			ClientID:  clientID,
			IPAddress: clientIP,
			Details: map[string]any{
				"phase":       phase,
				"retry_after": retryAfter.Seconds(),
			},
		})
	}
	if m := s.metrics(); m != nil {
		m.RecordRateLimitExceeded(ctx, "device_"+phase)
	}
}
