package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/relayhq/agent-oauth/internal/util"
	"github.com/relayhq/agent-oauth/security"
	"github.com/relayhq/agent-oauth/storage"
)

// OAuth 2.0 error codes from RFC 6749.
// Note: These are intentionally duplicated from errors.go to avoid circular imports
// (root package imports server, server can't import root).
// Keep these in sync with errors.go.
const (
	ErrorCodeInvalidClient      = "invalid_client"
	ErrorCodeInvalidRequest     = "invalid_request"
	ErrorCodeInvalidRedirectURI = "invalid_redirect_uri"
	ErrorCodeInvalidScope       = "invalid_scope"
	ErrorCodeInvalidGrant       = "invalid_grant"
	ErrorCodeUnauthorizedClient = "unauthorized_client"
	ErrorCodeExpiredToken       = "expired_token"
)

// Grant type identifiers issued tokens are tagged with.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// IntrospectionResult is the server's answer to a token introspection
// (RFC 7662). Inactive results carry only Active=false.
type IntrospectionResult struct {
	Active    bool
	ClientID  string
	UserID    string
	Scope     string
	TokenType string
	ExpiresAt time.Time
}

// IssueAuthorizationCode mints an authorization code for a client after the
// embedding application has authenticated the user. The code is single-use
// and expires after AuthorizationCodeTTL.
func (s *Server) IssueAuthorizationCode(ctx context.Context, clientID, redirectURI, scope, codeChallenge, codeChallengeMethod, userID string) (string, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(userID, clientID, "", ErrorCodeInvalidClient)
		}
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}

	if err := s.validateRedirectURI(client, redirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(userID, clientID, "", ErrorCodeInvalidRedirectURI)
		}
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}

	if err := s.validateScopes(scope); err != nil {
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
	}
	if err := s.validateClientScopes(scope, client.Scopes); err != nil {
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
	}

	if s.Config.RequirePKCE && codeChallenge == "" {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(userID, clientID, "", "missing_pkce_parameters")
		}
		return "", fmt.Errorf("PKCE is required: code_challenge is mandatory (OAuth 2.1)")
	}
	if codeChallenge != "" {
		if codeChallengeMethod == PKCEMethodPlain && !s.Config.AllowPKCEPlain {
			return "", fmt.Errorf("'plain' code_challenge_method is not allowed (only S256 is supported for security)")
		}
		if codeChallengeMethod != PKCEMethodS256 && codeChallengeMethod != PKCEMethodPlain {
			return "", fmt.Errorf("unsupported code_challenge_method: %s", codeChallengeMethod)
		}
	}

	code := generateRandomToken()
	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		UserID:              userID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeIssued,
			UserID:   userID,
			ClientID: clientID,
			Details:  map[string]any{"scope": scope},
		})
	}

	return code, nil
}

// ExchangeAuthorizationCode exchanges an authorization code for a token pair.
// The code is consumed atomically before any token is minted; of N concurrent
// exchanges of the same code exactly one can succeed, and a reuse attempt
// revokes every token the code ever produced (OAuth 2.1 Section 4.1.2).
// Returns the token pair and the granted scope.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*oauth2.Token, string, error) {
	authCode, err := s.flowStore.AtomicCheckAndMarkAuthCodeUsed(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) && authCode != nil {
			// Reuse of a consumed code indicates the code was intercepted.
			// Rate limit logging to prevent DoS via log flooding.
			if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(authCode.UserID+":"+clientID) {
				s.Logger.Error("Authorization code reuse detected - revoking all tokens",
					"user_id", authCode.UserID,
					"client_id", clientID,
					"oauth_spec", "OAuth 2.1 Section 4.1.2")
			}

			if err := s.RevokeAllTokensForUserClient(ctx, authCode.UserID, clientID); err != nil {
				s.Logger.Error("Failed to revoke tokens after code reuse detection", "error", err)
				// Continue with deletion even if revocation failed
			}

			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventAuthorizationCodeReuseDetected,
					UserID:   authCode.UserID,
					ClientID: clientID,
					Details: map[string]any{
						"severity":   "critical",
						"action":     "all_tokens_revoked",
						"oauth_spec": "OAuth 2.1 Section 4.1.2",
					},
				})
				s.Auditor.LogAuthFailure(authCode.UserID, clientID, "", "authorization_code_reuse")
			}
			if m := s.metrics(); m != nil {
				m.RecordCodeReuseDetected(ctx)
			}

			_ = s.flowStore.DeleteAuthorizationCode(ctx, code)

			// Generic error per RFC 6749 (don't reveal details to attacker)
			return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
		}

		// Not found or expired. Log detail internally, answer generically.
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_authorization_code")
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// Code is now atomically marked as used - no other request can use it

	if authCode.ClientID != clientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "client_id_mismatch")
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if authCode.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "redirect_uri_mismatch")
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventPKCEValidationFailed,
				UserID:   authCode.UserID,
				ClientID: clientID,
				Details:  map[string]any{"reason": err.Error()},
			})
			s.Auditor.LogAuthFailure(authCode.UserID, clientID, "", fmt.Sprintf("pkce_validation_failed: %v", err))
		}
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		return nil, "", fmt.Errorf("PKCE validation failed: %w", err)
	}

	scopes := normalizeScopes(authCode.Scope)

	accessToken, err := s.mintAccessToken(ctx, clientID, authCode.UserID, scopes, GrantTypeAuthorizationCode, "", nil)
	if err != nil {
		return nil, "", err
	}
	refreshToken, err := s.mintRefreshToken(ctx, clientID, authCode.UserID, scopes, uuid.NewString(), 0, "")
	if err != nil {
		return nil, "", err
	}

	// The code stays in storage marked Used so a replay can be recognized;
	// the cleanup goroutine drops it after the TTL expires.

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserID, clientID, "", scopeString(scopes))
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, clientID, authCode.CodeChallengeMethod)
	}

	return &oauth2.Token{
		AccessToken:  accessToken.Token,
		RefreshToken: refreshToken.Token,
		TokenType:    "Bearer",
		Expiry:       accessToken.ExpiresAt,
	}, scopeString(scopes), nil
}

// RefreshAccessToken rotates a refresh token into a fresh token pair.
// The presented token is consumed atomically first; a token that was already
// rotated out always fails, and when its family metadata still exists the
// whole family plus every user+client token is revoked (reuse detection).
// requestedScope, when non-empty, must be a subset of the grant's scopes.
// Returns the token pair and the granted scope.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, requestedScope string) (*oauth2.Token, string, error) {
	familyStore, supportsFamilies := s.tokenStore.(storage.RefreshTokenFamilyStore)

	// Atomic delete FIRST: this is the synchronization point, only one
	// concurrent presentation can succeed. Family metadata is checked after,
	// which closes the TOCTOU window between lookup and consumption.
	oldToken, err := s.tokenStore.AtomicGetAndDeleteRefreshToken(ctx, refreshToken)
	if err != nil {
		if supportsFamilies {
			if family, famErr := familyStore.GetRefreshTokenFamily(ctx, refreshToken); famErr == nil {
				return nil, "", s.handleRefreshTokenReuse(ctx, family, clientID)
			}
		}

		s.Logger.Debug("Refresh token validation failed",
			"reason", err.Error(),
			"client_id", clientID,
			"token_prefix", util.SafeTruncate(refreshToken, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_refresh_token")
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// Token is now atomically deleted - no other request can use it

	if oldToken.ClientID != clientID {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", oldToken.ClientID,
			"provided_client_id", clientID)

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(oldToken.UserID, clientID, "", "refresh_token_client_mismatch")
		}
		return nil, "", fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// Requested scopes must be a subset of what the grant already has;
	// a refresh can narrow a grant, never widen it.
	grantedScopes := oldToken.Scopes
	if requested := normalizeScopes(requestedScope); requested != nil {
		if !scopesSubset(requested, oldToken.Scopes) {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventScopeEscalationAttempt,
					UserID:   oldToken.UserID,
					ClientID: clientID,
					Details: map[string]any{
						"requested_scope": requestedScope,
					},
				})
			}
			return nil, "", fmt.Errorf("%s: requested scope exceeds grant", ErrorCodeInvalidScope)
		}
		grantedScopes = requested
	}

	// Upstream-backed grants forward the rotation to the upstream provider
	var newUpstream *oauth2.Token
	upstreamRefresh := oldToken.UpstreamRefreshToken
	providerName := ""
	if oldToken.UpstreamRefreshToken != "" {
		newUpstream, err = s.provider.Refresh(ctx, oldToken.UpstreamRefreshToken)
		if err != nil {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure(oldToken.UserID, clientID, "", fmt.Sprintf("provider_refresh_failed: %v", err))
			}
			return nil, "", fmt.Errorf("failed to refresh token with provider: %w", err)
		}
		providerName = s.provider.Name()
		// Providers that rotate refresh tokens return the successor
		if newUpstream.RefreshToken != "" {
			upstreamRefresh = newUpstream.RefreshToken
		}
	}

	accessToken, err := s.mintAccessToken(ctx, clientID, oldToken.UserID, grantedScopes, GrantTypeRefreshToken, providerName, newUpstream)
	if err != nil {
		return nil, "", err
	}

	// OAuth 2.1: rotate within the same family, successor gets the full TTL
	newRefresh, err := s.mintRefreshToken(ctx, clientID, oldToken.UserID, grantedScopes,
		oldToken.FamilyID, oldToken.Generation+1, upstreamRefresh)
	if err != nil {
		return nil, "", err
	}

	s.Logger.Info("Refresh token rotated (OAuth 2.1)",
		"user_id", oldToken.UserID,
		"generation", oldToken.Generation+1,
		"family_tracking", supportsFamilies)

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(oldToken.UserID, clientID, "", true)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, clientID, true)
	}

	return &oauth2.Token{
		AccessToken:  accessToken.Token,
		RefreshToken: newRefresh.Token,
		TokenType:    "Bearer",
		Expiry:       accessToken.ExpiresAt,
	}, scopeString(grantedScopes), nil
}

// handleRefreshTokenReuse deals with a refresh token that was already rotated
// out but whose family metadata still exists: a reuse attack signal.
func (s *Server) handleRefreshTokenReuse(ctx context.Context, family *storage.RefreshTokenFamilyMetadata, clientID string) error {
	if family.Revoked {
		// Attempted use of a token from a family already revoked by a prior
		// reuse detection
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     "revoked_token_family_reuse_attempt",
				UserID:   family.UserID,
				ClientID: clientID,
				Details: map[string]any{
					"severity":  "critical",
					"family_id": family.FamilyID,
				},
			})
		}
		s.Logger.Error("Attempted use of revoked token family",
			"user_id", family.UserID,
			"family_id", util.SafeTruncate(family.FamilyID, 8))
		return fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// Rate limit logging to prevent DoS via log flooding
	if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(family.UserID+":"+clientID) {
		s.Logger.Error("Refresh token reuse detected - token was rotated but still being used",
			"user_id", family.UserID,
			"client_id", clientID,
			"family_id", util.SafeTruncate(family.FamilyID, 8),
			"generation", family.Generation,
			"oauth_spec", "OAuth 2.1 Refresh Token Rotation")
	}

	familyStore := s.tokenStore.(storage.RefreshTokenFamilyStore)
	if err := familyStore.RevokeRefreshTokenFamily(ctx, family.FamilyID); err != nil {
		s.Logger.Error("Failed to revoke token family", "error", err)
		// Continue with user token revocation even if family revocation failed
	}

	if err := s.RevokeAllTokensForUserClient(ctx, family.UserID, family.ClientID); err != nil {
		s.Logger.Error("Failed to revoke user tokens", "error", err)
		// Continue - still return the security error to the client
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventRefreshTokenReuseDetected,
			UserID:   family.UserID,
			ClientID: clientID,
			Details: map[string]any{
				"severity":   "critical",
				"family_id":  family.FamilyID,
				"generation": family.Generation,
				"action":     "family_and_tokens_revoked",
				"oauth_spec": "OAuth 2.1 Refresh Token Rotation",
			},
		})
		s.Auditor.LogTokenReuse(family.UserID, clientID)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenReuseDetected(ctx)
	}

	return fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
}

// ClientCredentialsGrant issues an access token for the client itself, with
// no user and no refresh token. Scopes default to the client's registered
// scopes; an explicit request must be a subset of them. Only confidential
// clients qualify (RFC 6749 section 4.4): a public client has no credentials
// to authenticate with, so the grant would hand out tokens for a bare
// client_id.
func (s *Server) ClientCredentialsGrant(ctx context.Context, client *storage.Client, requestedScope string) (*oauth2.Token, string, error) {
	if client.ClientType != ClientTypeConfidential {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, "", "client_credentials grant requested by public client")
		}
		return nil, "", fmt.Errorf("%s: client_credentials requires a confidential client", ErrorCodeUnauthorizedClient)
	}

	grantedScopes := normalizeScopes(client.Scopes)
	if requested := normalizeScopes(requestedScope); requested != nil {
		if err := s.validateScopes(requestedScope); err != nil {
			return nil, "", fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
		}
		if len(client.Scopes) > 0 && !scopesSubset(requested, client.Scopes) {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventScopeEscalationAttempt,
					ClientID: client.ClientID,
					Details:  map[string]any{"requested_scope": requestedScope},
				})
			}
			return nil, "", fmt.Errorf("%s: client is not authorized for one or more requested scopes", ErrorCodeInvalidScope)
		}
		grantedScopes = requested
	}

	accessToken, err := s.mintAccessToken(ctx, client.ClientID, "", grantedScopes, GrantTypeClientCredentials, "", nil)
	if err != nil {
		return nil, "", err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued("", client.ClientID, "", scopeString(grantedScopes))
	}

	return &oauth2.Token{
		AccessToken: accessToken.Token,
		TokenType:   "Bearer",
		Expiry:      accessToken.ExpiresAt,
	}, scopeString(grantedScopes), nil
}

// IntrospectToken reports the state of an access token (RFC 7662). Unknown,
// expired and malformed tokens all introspect as inactive; errors are
// reserved for upstream transport failures. Upstream-backed tokens are
// revalidated against the upstream verify endpoint and its answer is adopted
// as authoritative.
func (s *Server) IntrospectToken(ctx context.Context, token string) (*IntrospectionResult, error) {
	inactive := &IntrospectionResult{Active: false}

	if token == "" {
		return inactive, nil
	}

	record, err := s.tokenStore.GetAccessToken(ctx, token)
	if err != nil {
		s.Logger.Debug("Introspection lookup failed",
			"reason", err.Error(),
			"token_prefix", util.SafeTruncate(token, 8))
		return inactive, nil
	}

	// Expiry re-checked at lookup even though the store filters expired
	// entries: the record could have aged between store read and here
	if security.IsTokenExpired(record.ExpiresAt) {
		return inactive, nil
	}

	result := &IntrospectionResult{
		Active:    true,
		ClientID:  record.ClientID,
		UserID:    record.UserID,
		Scope:     scopeString(record.Scopes),
		TokenType: "Bearer",
		ExpiresAt: record.ExpiresAt,
	}

	// Upstream-backed tokens: the upstream's view wins over the local record
	if record.Provider != "" && record.UpstreamToken != nil {
		info, err := s.provider.Verify(ctx, record.UpstreamToken.AccessToken)
		if err != nil {
			// Transport failures surface to the caller; the local record
			// alone cannot vouch for an upstream-backed token
			return nil, fmt.Errorf("upstream verification failed: %w", err)
		}
		if !info.Active {
			_ = s.tokenStore.DeleteAccessToken(ctx, token)
			return inactive, nil
		}

		// Adopt the upstream's authoritative scopes and expiry, degrading
		// malformed scope data to the configured default and a missing
		// expiry to the default TTL
		if scopes := normalizeScopes(info.Scopes); scopes != nil {
			result.Scope = scopeString(scopes)
		} else if s.Config.DefaultScope != "" {
			result.Scope = s.Config.DefaultScope
		}
		if !info.ExpiresAt.IsZero() {
			result.ExpiresAt = info.ExpiresAt
		} else {
			result.ExpiresAt = time.Now().Add(time.Duration(s.Config.DefaultUpstreamTokenTTL) * time.Second)
		}
		if info.UserID != "" {
			result.UserID = info.UserID
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventTokenIntrospected,
			UserID:   result.UserID,
			ClientID: result.ClientID,
			Details:  map[string]any{"active": result.Active},
		})
	}

	return result, nil
}

// RevokeToken revokes a token (access or refresh). Per RFC 7009 revocation
// always reports success: an unknown token is already in the state the
// caller asked for. Revoking a refresh token takes its whole family with it.
func (s *Server) RevokeToken(ctx context.Context, token, clientID, clientIP string) error {
	if record, err := s.tokenStore.GetAccessToken(ctx, token); err == nil {
		if record.UpstreamToken != nil && record.UpstreamToken.AccessToken != "" {
			if err := s.revokeTokenWithRetry(ctx, record.UpstreamToken.AccessToken, "access", record.UserID, clientID); err != nil {
				s.Logger.Warn("Failed to revoke token at provider", "error", err)
				// Continue with local deletion even if provider revocation fails
			}
		}
		if err := s.tokenStore.DeleteAccessToken(ctx, token); err != nil {
			s.Logger.Warn("Failed to delete token locally", "error", err)
		}
		s.auditRevocation(ctx, record.UserID, clientID, clientIP, "access_token")
		return nil
	}

	if record, err := s.tokenStore.GetRefreshToken(ctx, token); err == nil {
		if record.UpstreamRefreshToken != "" {
			if err := s.revokeTokenWithRetry(ctx, record.UpstreamRefreshToken, "refresh", record.UserID, clientID); err != nil {
				s.Logger.Warn("Failed to revoke refresh token at provider", "error", err)
			}
		}
		if familyStore, ok := s.tokenStore.(storage.RefreshTokenFamilyStore); ok && record.FamilyID != "" {
			if err := familyStore.RevokeRefreshTokenFamily(ctx, record.FamilyID); err != nil {
				s.Logger.Warn("Failed to revoke refresh token family", "error", err)
			}
		}
		if err := s.tokenStore.DeleteRefreshToken(ctx, token); err != nil {
			s.Logger.Warn("Failed to delete refresh token locally", "error", err)
		}
		s.auditRevocation(ctx, record.UserID, clientID, clientIP, "refresh_token")
		return nil
	}

	// Unknown token: revocation still reports success per RFC 7009
	s.Logger.Debug("Revocation requested for unknown token",
		"client_id", clientID,
		"token_prefix", util.SafeTruncate(token, 8))
	return nil
}

func (s *Server) auditRevocation(ctx context.Context, userID, clientID, clientIP, tokenType string) {
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(userID, clientID, clientIP, tokenType)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, clientID)
	}
	s.Logger.Info("Token revoked", "client_id", clientID, "token_type", tokenType)
}

// RevokeAllTokensForUserClient revokes all tokens (access + refresh) for a
// specific user+client combination. Called when authorization code or refresh
// token reuse is detected (OAuth 2.1 security requirement).
//
// Upstream-backed tokens are revoked at the provider FIRST with exponential
// backoff retries; local revocation always runs, but the call fails when the
// provider failure rate exceeds ProviderRevocationFailureThreshold so
// operators know tokens may remain valid upstream.
func (s *Server) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) error {
	revocationStore, supportsRevocation := s.tokenStore.(storage.TokenRevocationStore)
	if !supportsRevocation {
		s.Logger.Error("CRITICAL: Token storage does not support TokenRevocationStore - OAuth 2.1 NOT compliant",
			"user_id", userID,
			"client_id", clientID)

		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     "token_revocation_not_supported",
				UserID:   userID,
				ClientID: clientID,
				Details: map[string]any{
					"severity": "critical",
					"message":  "Storage backend does not support bulk token revocation",
				},
			})
		}
		return fmt.Errorf("storage backend must implement TokenRevocationStore for OAuth 2.1 compliance")
	}

	// Collect upstream tokens BEFORE local revocation deletes the records
	tokens, err := revocationStore.GetTokensByUserClient(ctx, userID, clientID)
	if err != nil {
		return fmt.Errorf("failed to get tokens for revocation: %w", err)
	}

	revokedAtProvider := 0
	failedAtProvider := 0
	totalToRevoke := 0

	for _, tokenValue := range tokens {
		record, err := s.tokenStore.GetAccessToken(ctx, tokenValue)
		if err != nil || record.UpstreamToken == nil {
			continue
		}

		if record.UpstreamToken.AccessToken != "" {
			totalToRevoke++
			if err := s.revokeTokenWithRetry(ctx, record.UpstreamToken.AccessToken, "access", userID, clientID); err != nil {
				failedAtProvider++
			} else {
				revokedAtProvider++
			}
		}
		if record.UpstreamToken.RefreshToken != "" {
			totalToRevoke++
			if err := s.revokeTokenWithRetry(ctx, record.UpstreamToken.RefreshToken, "refresh", userID, clientID); err != nil {
				failedAtProvider++
			} else {
				revokedAtProvider++
			}
		}
	}

	failureRate := 0.0
	if totalToRevoke > 0 {
		failureRate = float64(failedAtProvider) / float64(totalToRevoke)
	}

	s.Logger.Info("Provider revocation complete",
		"user_id", userID,
		"client_id", clientID,
		"revoked_at_provider", revokedAtProvider,
		"failed_at_provider", failedAtProvider,
		"total_tokens", totalToRevoke)

	if totalToRevoke > 0 && failureRate > s.Config.ProviderRevocationFailureThreshold {
		s.Logger.Error("CRITICAL: Provider revocation failure rate exceeds threshold",
			"user_id", userID,
			"client_id", clientID,
			"failure_rate", fmt.Sprintf("%.2f%%", failureRate*100),
			"threshold", fmt.Sprintf("%.2f%%", s.Config.ProviderRevocationFailureThreshold*100))

		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     "provider_revocation_threshold_exceeded",
				UserID:   userID,
				ClientID: clientID,
				Details: map[string]any{
					"severity":     "critical",
					"impact":       "Too many tokens remain valid at provider",
					"failure_rate": failureRate,
					"failed_count": failedAtProvider,
					"total_count":  totalToRevoke,
					"action":       "Manual provider-side revocation REQUIRED",
				},
			})
		}

		// Still revoke locally so the tokens at least die here
		if _, localErr := revocationStore.RevokeAllTokensForUserClient(ctx, userID, clientID); localErr != nil {
			s.Logger.Error("Failed to revoke tokens locally", "error", localErr)
		}

		return fmt.Errorf("provider revocation failure rate %.2f%% exceeds threshold %.2f%% (%d/%d failed)",
			failureRate*100, s.Config.ProviderRevocationFailureThreshold*100, failedAtProvider, totalToRevoke)
	}

	revokedCount, err := revocationStore.RevokeAllTokensForUserClient(ctx, userID, clientID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens locally",
			"user_id", userID,
			"client_id", clientID,
			"error", err)
		return fmt.Errorf("failed to revoke tokens locally: %w", err)
	}

	s.Logger.Warn("Revoked all tokens for user+client due to security event",
		"user_id", userID,
		"client_id", clientID,
		"tokens_revoked_locally", revokedCount,
		"tokens_revoked_at_provider", revokedAtProvider,
		"reason", "reuse_detection")

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     "all_tokens_revoked",
			UserID:   userID,
			ClientID: clientID,
			Details: map[string]any{
				"severity":                "critical",
				"tokens_revoked_local":    revokedCount,
				"tokens_revoked_provider": revokedAtProvider,
				"reason":                  "reuse_detection",
				"oauth_spec":              "OAuth 2.1 Section 4.1.2",
			},
		})
	}

	return nil
}

// revokeTokenWithRetry attempts to revoke a token at the provider with
// exponential backoff: 100ms, 200ms, 400ms, ... between retries.
func (s *Server) revokeTokenWithRetry(ctx context.Context, token, tokenType, userID, clientID string) error {
	maxRetries := s.Config.ProviderRevocationMaxRetries
	timeout := time.Duration(s.Config.ProviderRevocationTimeout) * time.Second

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := s.provider.Revoke(attemptCtx, token)
		cancel()

		if err == nil {
			if attempt > 0 {
				s.Logger.Info("Provider token revocation succeeded after retry",
					"token_type", tokenType,
					"attempt", attempt+1,
					"user_id", userID,
					"client_id", clientID)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			// Exponential backoff: 100ms * 2^attempt
			backoffDuration := time.Duration(100*math.Pow(2, float64(attempt))) * time.Millisecond

			s.Logger.Debug("Provider token revocation failed, retrying",
				"token_type", tokenType,
				"attempt", attempt+1,
				"backoff_ms", backoffDuration.Milliseconds(),
				"error", err)

			select {
			case <-ctx.Done():
				return fmt.Errorf("revocation cancelled during backoff: %w", ctx.Err())
			case <-time.After(backoffDuration):
			}
		}
	}

	s.Logger.Warn("Provider token revocation failed after all retries",
		"token_type", tokenType,
		"attempts", maxRetries+1,
		"user_id", userID,
		"client_id", clientID,
		"final_error", lastErr)

	return fmt.Errorf("provider revocation failed after %d attempts: %w", maxRetries+1, lastErr)
}

// mintAccessToken creates and stores an access token record.
func (s *Server) mintAccessToken(ctx context.Context, clientID, userID string, scopes []string, grantType, providerName string, upstream *oauth2.Token) (*storage.AccessToken, error) {
	now := time.Now()
	token := &storage.AccessToken{
		Token:         generateRandomToken(),
		ClientID:      clientID,
		UserID:        userID,
		Scopes:        scopes,
		GrantType:     grantType,
		Provider:      providerName,
		UpstreamToken: upstream,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
	}
	if err := s.tokenStore.SaveAccessToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}
	return token, nil
}

// mintRefreshToken creates and stores a refresh token record inside a family.
func (s *Server) mintRefreshToken(ctx context.Context, clientID, userID string, scopes []string, familyID string, generation int, upstreamRefresh string) (*storage.RefreshToken, error) {
	now := time.Now()
	token := &storage.RefreshToken{
		Token:                generateRandomToken(),
		ClientID:             clientID,
		UserID:               userID,
		Scopes:               scopes,
		FamilyID:             familyID,
		Generation:           generation,
		UpstreamRefreshToken: upstreamRefresh,
		CreatedAt:            now,
		ExpiresAt:            now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
	}
	if err := s.tokenStore.SaveRefreshToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return token, nil
}
