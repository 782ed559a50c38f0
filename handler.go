package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/relayhq/agent-oauth/instrumentation"
	"github.com/relayhq/agent-oauth/providers"
	"github.com/relayhq/agent-oauth/security"
	"github.com/relayhq/agent-oauth/server"
	"github.com/relayhq/agent-oauth/storage"
)

const tokenTypeBearer = "Bearer"

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	// Initialize tracer if instrumentation is enabled
	if server.inst != nil {
		h.tracer = server.inst.Tracer("http")
	}

	return h
}

// RegisterRoutes registers every OAuth endpoint on the mux: token, device
// authorization, introspection, revocation, registration, and the discovery
// documents (including multi-tenant variants when the issuer has a path).
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathDeviceAuthorization, h.ServeDeviceAuthorization)
	mux.HandleFunc(PathIntrospection, h.ServeTokenIntrospection)
	mux.HandleFunc(PathRevocation, h.ServeTokenRevocation)
	mux.HandleFunc(PathRegistration, h.ServeClientRegistration)
	h.RegisterAuthorizationServerMetadataRoutes(mux)
}

// Routes returns the complete endpoint surface as a single handler with the
// request ID middleware applied, for callers that do not manage their own mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

// config returns the core server configuration with secure defaults applied.
func (h *Handler) config() *server.Config {
	return h.server.core.Config
}

// endpointURL derives an absolute endpoint URL from the issuer.
func (h *Handler) endpointURL(endpointPath string) string {
	return strings.TrimSuffix(h.config().Issuer, "/") + endpointPath
}

// clientIP extracts the caller's IP honoring the proxy trust configuration.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config().TrustProxy, h.config().TrustedProxyCount)
}

// ==================== Rate limiting ====================

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.rateLimiter == nil || h.server.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP)
	h.recordRateLimitExceeded(r.Context(), "ip", clientIP, "", r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// checkClientRateLimit rate limits authenticated principals independently of
// their source IP. Returns true if limited.
func (h *Handler) checkClientRateLimit(w http.ResponseWriter, r *http.Request, clientID, clientIP string) bool {
	if h.server.userRateLimiter == nil || h.server.userRateLimiter.Allow(clientID) {
		return false
	}

	h.logger.Warn("Client rate limit exceeded", "client_id", clientID, "ip", clientIP)
	h.recordRateLimitExceeded(r.Context(), "client", clientIP, clientID, r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded for client. Please try again later.", http.StatusTooManyRequests)
	return true
}

// recordRateLimitExceeded records rate limit metrics and audit events.
func (h *Handler) recordRateLimitExceeded(ctx context.Context, limitType, clientIP, userID, endpoint string) {
	if h.server.inst != nil {
		h.server.inst.Metrics().RecordRateLimitExceeded(ctx, limitType)
	}
	if aud := h.server.core.Auditor; aud != nil {
		aud.LogEvent(security.Event{
			Type:      security.EventRateLimitExceeded,
			IPAddress: clientIP,
			Details:   map[string]any{"endpoint": endpoint},
		})
		aud.LogRateLimitExceeded(clientIP, userID)
	}
}

// ==================== Discovery (RFC 8414) ====================

// RegisterAuthorizationServerMetadataRoutes registers the authorization server
// metadata endpoints on the mux.
//
// For single-tenant deployments (issuer without a path) the standard
// well-known endpoints are registered. When the issuer carries a path
// component, path-inserted and path-appended discovery variants are registered
// as well so clients resolving either form find the document:
//
//	/.well-known/oauth-authorization-server/tenant1
//	/.well-known/openid-configuration/tenant1
//	/tenant1/.well-known/openid-configuration
func (h *Handler) RegisterAuthorizationServerMetadataRoutes(mux *http.ServeMux) {
	issuerPath := h.extractIssuerPath()

	// Standard endpoints are always registered for backward compatibility
	registerStandardEndpoints := func() {
		mux.HandleFunc(PathServerMetadata, h.ServeAuthorizationServerMetadata)
		mux.HandleFunc(PathOpenIDConfiguration, h.ServeOpenIDConfiguration)
	}

	if issuerPath == "" || issuerPath == "/" {
		registerStandardEndpoints()
		h.logger.Info("Registered authorization server metadata endpoints",
			"oauth_endpoint", PathServerMetadata,
			"oidc_endpoint", PathOpenIDConfiguration)
		return
	}

	// Multi-tenant deployment with path-based issuer

	// 1. OAuth 2.0 AS Metadata with path insertion
	oauthPathInsert := PathServerMetadata + issuerPath
	mux.HandleFunc(oauthPathInsert, h.ServeAuthorizationServerMetadata)

	// 2. OpenID Connect Discovery with path insertion
	oidcPathInsert := PathOpenIDConfiguration + issuerPath
	mux.HandleFunc(oidcPathInsert, h.ServeOpenIDConfiguration)

	// 3. OpenID Connect Discovery with path appending
	oidcPathAppend := issuerPath + PathOpenIDConfiguration
	mux.HandleFunc(oidcPathAppend, h.ServeOpenIDConfiguration)

	registerStandardEndpoints()

	h.logger.Info("Registered multi-tenant authorization server metadata endpoints",
		"issuer_path", issuerPath,
		"oauth_path_insert", oauthPathInsert,
		"oidc_path_insert", oidcPathInsert,
		"oidc_path_append", oidcPathAppend,
		"standard_endpoints", "also registered for backward compatibility")
}

// extractIssuerPath extracts the path component from the issuer URL.
// Returns empty string if the issuer has no path or only "/".
// Example: "https://auth.example.com/tenant1" -> "/tenant1"
func (h *Handler) extractIssuerPath() string {
	if h.config().Issuer == "" {
		return ""
	}

	parsed, err := url.Parse(h.config().Issuer)
	if err != nil {
		h.logger.Warn("Failed to parse issuer URL for path extraction",
			"issuer", h.config().Issuer,
			"error", err)
		return ""
	}

	cleanedPath := path.Clean(parsed.Path)
	if cleanedPath == "" || cleanedPath == "/" || cleanedPath == "." {
		return ""
	}

	return cleanedPath
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkDiscoveryRateLimit(w, r, clientIP) {
		return
	}

	security.SetSecurityHeaders(w, h.config().Issuer)

	metadata := h.buildAuthServerMetadata()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// checkDiscoveryRateLimit checks rate limit for discovery endpoints.
// Returns true if rate limit exceeded and response was written.
func (h *Handler) checkDiscoveryRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.rateLimiter == nil || h.server.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded on discovery endpoint",
		"ip", clientIP,
		"endpoint", "authorization_server_metadata")

	if h.server.inst != nil {
		h.server.inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}

	if aud := h.server.core.Auditor; aud != nil {
		aud.LogEvent(security.Event{
			Type:      security.EventRateLimitExceeded,
			IPAddress: clientIP,
			Details:   map[string]any{"endpoint": r.URL.Path},
		})
	}

	w.Header().Set("Retry-After", "60")
	http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// buildAuthServerMetadata builds the RFC 8414 authorization server metadata.
func (h *Handler) buildAuthServerMetadata() AuthorizationServerMetadata {
	cfg := h.config()

	algs := cfg.AllowedAssertionAlgorithms
	if len(algs) == 0 {
		algs = server.DefaultAssertionAlgorithms
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		TokenEndpoint:                     cfg.TokenEndpoint(),
		DeviceAuthorizationEndpoint:       h.endpointURL(PathDeviceAuthorization),
		RevocationEndpoint:                h.endpointURL(PathRevocation),
		IntrospectionEndpoint:             h.endpointURL(PathIntrospection),
		ResponseTypesSupported:            DefaultResponseTypes,
		GrantTypesSupported:               SupportedGrantTypes,
		CodeChallengeMethodsSupported:     SupportedCodeChallengeMethods,
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		TokenEndpointAuthSigningAlgValuesSupported: algs,
	}

	if len(cfg.SupportedScopes) > 0 {
		metadata.ScopesSupported = cfg.SupportedScopes
	}

	if h.isRegistrationAvailable() {
		metadata.RegistrationEndpoint = h.endpointURL(PathRegistration)
	}

	if cfg.EnableClientIDMetadataDocuments {
		metadata.ClientIDMetadataDocumentSupported = true
	}

	return metadata
}

// isRegistrationAvailable checks if client registration is available.
func (h *Handler) isRegistrationAvailable() bool {
	return h.config().AllowPublicClientRegistration ||
		h.config().RegistrationAccessToken != "" ||
		len(h.config().TrustedPublicRegistrationSchemes) > 0
}

// ServeOpenIDConfiguration handles OpenID Connect Discovery 1.0 requests
// Per RFC 8414 Section 5, this endpoint returns the same metadata as the
// Authorization Server Metadata endpoint for compatibility with OpenID Connect clients
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.ServeAuthorizationServerMetadata(w, r)
}

// ==================== Token endpoint ====================

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	grantType := r.FormValue("grant_type")

	switch grantType {
	case GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r)
	case GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r)
	case GrantTypeClientCredentials:
		h.handleClientCredentialsGrant(w, r)
	case GrantTypeDeviceCode:
		h.handleDeviceCodeGrant(w, r)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %s not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	clientIP := h.clientIP(r)

	code := r.FormValue("code")
	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	if code == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, clientID, clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeAuthError(w, err)
		return
	}

	if h.checkClientRateLimit(w, r, client.ClientID, clientIP) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	token, scope, err := h.server.core.ExchangeAuthorizationCode(ctx, code, client.ClientID, redirectURI, codeVerifier)
	if err != nil {
		h.logger.Error("Failed to exchange authorization code", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		// Internal details stay out of the response; auditing happens in
		// ExchangeAuthorizationCode
		oauthErr := h.grantError(err, ErrInvalidGrant("Authorization code is invalid or expired"))
		h.recordHTTPMetrics("token", http.MethodPost, oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)

	pkceMethod := ""
	if codeVerifier != "" {
		pkceMethod = PKCEMethodS256
	}
	h.recordCodeExchanged(client.ClientID, pkceMethod)

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token, scope)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	clientIP := h.clientIP(r)

	refreshToken := r.FormValue("refresh_token")
	clientID := r.FormValue("client_id")
	requestedScope := r.FormValue("scope")

	if refreshToken == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, clientID, clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeAuthError(w, err)
		return
	}

	if h.checkClientRateLimit(w, r, client.ClientID, clientIP) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	token, scope, err := h.server.core.RefreshAccessToken(ctx, refreshToken, client.ClientID, requestedScope)
	if err != nil {
		h.logger.Error("Failed to refresh token", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token refresh failed")
		// Audit logging is already done in RefreshAccessToken
		oauthErr := h.grantError(err, ErrInvalidGrant("Refresh token is invalid or expired"))
		h.recordHTTPMetrics("token", http.MethodPost, oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.recordTokenRefreshed(client.ClientID, h.config().AllowRefreshTokenRotation)

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token, scope)
}

func (h *Handler) handleClientCredentialsGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_credentials")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	requestedScope := r.FormValue("scope")

	client, err := h.authenticateClient(r, r.FormValue("client_id"), clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeAuthError(w, err)
		return
	}

	if h.checkClientRateLimit(w, r, client.ClientID, clientIP) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	token, scope, err := h.server.core.ClientCredentialsGrant(ctx, client, requestedScope)
	if err != nil {
		h.logger.Warn("Client credentials grant failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client credentials grant failed")
		oauthErr := h.grantError(err, ErrUnauthorizedClient("Client is not authorized for this grant type"))
		h.recordHTTPMetrics("token", http.MethodPost, oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token, scope)
}

func (h *Handler) handleDeviceCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.device_token")
		defer span.End()
	}

	clientIP := h.clientIP(r)

	deviceCode := r.FormValue("device_code")
	clientID := r.FormValue("client_id")

	if deviceCode == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "device_code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "device_code is required", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, clientID, clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeAuthError(w, err)
		return
	}

	if h.checkClientRateLimit(w, r, client.ClientID, clientIP) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	token, scope, err := h.server.core.PollDeviceToken(ctx, client.ClientID, deviceCode, clientIP)
	if err != nil {
		h.recordDeviceCodeExchanged(client.ClientID, false)
		instrumentation.RecordError(span, err)

		// Local poll throttling maps to slow_down so well-behaved clients
		// back off (RFC 8628 section 3.5)
		if rle, ok := server.AsRateLimitedError(err); ok {
			h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
			instrumentation.SetSpanError(span, "poll rate limited")
			w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
			h.writeError(w, ErrorCodeSlowDown, "Polling too frequently. Slow down.", http.StatusBadRequest)
			return
		}

		instrumentation.SetSpanError(span, "device token poll failed")
		oauthErr := h.grantError(err, ErrInvalidGrant("Device code is invalid or expired"))
		h.recordHTTPMetrics("token", http.MethodPost, oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.logger.Info("Device code exchange successful", "client_id", client.ClientID, "ip", clientIP)
	h.recordDeviceCodeExchanged(client.ClientID, true)

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token, scope)
}

// ==================== Device authorization endpoint (RFC 8628) ====================

// ServeDeviceAuthorization handles the device authorization endpoint.
// The request is proxied to the upstream provider; the user completes the
// verification there while the device polls the token endpoint here.
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.device_authorization")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("device_authorization", http.MethodPost, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("device_authorization", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("device_authorization", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	scope := r.FormValue("scope")

	client, err := h.authenticateClient(r, r.FormValue("client_id"), clientIP)
	if err != nil {
		h.recordHTTPMetrics("device_authorization", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeAuthError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	auth, err := h.server.core.StartDeviceAuthorization(ctx, client.ClientID, scope, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)

		if rle, ok := server.AsRateLimitedError(err); ok {
			h.logger.Warn("Device authorization rate limited", "client_id", client.ClientID, "ip", clientIP)
			h.recordHTTPMetrics("device_authorization", http.MethodPost, http.StatusTooManyRequests, startTime)
			instrumentation.SetSpanError(span, "device authorization rate limited")
			w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
			h.writeError(w, ErrorCodeRateLimitExceeded, "Too many device authorization requests. Please try again later.", http.StatusTooManyRequests)
			return
		}

		h.logger.Error("Failed to start device authorization", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.SetSpanError(span, "device authorization failed")
		oauthErr := h.grantError(err, ErrServerError("Failed to start device authorization"))
		h.recordHTTPMetrics("device_authorization", http.MethodPost, oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.logger.Info("Device authorization started", "client_id", client.ClientID, "ip", clientIP)
	h.recordDeviceAuthorizationStarted(client.ClientID)
	h.recordHTTPMetrics("device_authorization", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.config().Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(DeviceAuthorizationResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
		ExpiresIn:               auth.ExpiresIn,
		Interval:                auth.Interval,
	})
}

// ==================== Revocation endpoint (RFC 7009) ====================

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	clientID := r.FormValue("client_id")

	if token == "" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	// Credentials are validated when presented; an unauthenticated revocation
	// of an unknown token still answers 200 per RFC 7009
	if authClientID, authClientSecret := h.parseBasicAuth(r); authClientID != "" {
		clientID = authClientID
		if err := h.server.core.ValidateClientCredentials(ctx, clientID, authClientSecret); err != nil {
			h.logger.Warn("Client authentication failed for revocation", "client_id", clientID, "ip", clientIP)
			if aud := h.server.core.Auditor; aud != nil {
				aud.LogAuthFailure("", clientID, clientIP, "revocation_auth_failed")
			}
			h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusUnauthorized, startTime)
			instrumentation.RecordError(span, err)
			instrumentation.SetSpanError(span, "client authentication failed")
			h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
			return
		}
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	if err := h.server.core.RevokeToken(ctx, token, clientID, clientIP); err != nil {
		h.logger.Error("Failed to revoke token", "client_id", clientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		// Per RFC 7009, don't fail the request even if revocation failed
	}

	h.recordTokenRevoked(clientID)

	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.config().Issuer)
	w.WriteHeader(http.StatusOK)
}

// ==================== Introspection endpoint (RFC 7662) ====================

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// Introspection always requires client authentication; unauthenticated
// callers could otherwise probe token validity.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_introspection")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	clientID, err := h.authenticateIntrospectionClient(r, clientIP)
	if err != nil {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, ErrorCodeInvalidClient, err.Error(), http.StatusUnauthorized)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	response := h.buildIntrospectionResponse(ctx, token, clientIP)

	h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.config().Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// authenticateIntrospectionClient validates client credentials for token introspection.
// Returns the client ID on success, or an error if authentication fails.
func (h *Handler) authenticateIntrospectionClient(r *http.Request, clientIP string) (string, error) {
	ctx := r.Context()

	if assertion := r.FormValue("client_assertion"); assertion != "" {
		clientID := r.FormValue("client_id")
		err := h.server.core.ClientAuthenticator().AuthenticateClientAssertion(
			ctx, clientID, assertion, r.FormValue("client_assertion_type"))
		h.recordAssertionVerified(ctx, err == nil)
		if err != nil {
			h.logger.Warn("Client assertion rejected for introspection", "client_id", clientID, "ip", clientIP)
			if aud := h.server.core.Auditor; aud != nil {
				aud.LogAuthFailure("", clientID, clientIP, "introspection_assertion_rejected")
			}
			return "", fmt.Errorf("client authentication failed")
		}
		return clientID, nil
	}

	authClientID, authClientSecret := h.parseBasicAuth(r)
	if authClientID != "" {
		if err := h.server.core.ValidateClientCredentials(ctx, authClientID, authClientSecret); err != nil {
			h.logger.Warn("Client authentication failed for introspection", "client_id", authClientID, "ip", clientIP)
			if aud := h.server.core.Auditor; aud != nil {
				aud.LogAuthFailure("", authClientID, clientIP, "introspection_auth_failed")
			}
			return "", fmt.Errorf("client authentication failed")
		}
		return authClientID, nil
	}

	// A bare client_id without credentials is still rejected
	clientID := r.FormValue("client_id")
	if clientID == "" {
		h.logger.Warn("Token introspection rejected: missing client authentication", "ip", clientIP)
		if aud := h.server.core.Auditor; aud != nil {
			aud.LogAuthFailure("", "", clientIP, "introspection_missing_auth")
		}
		return "", fmt.Errorf("client authentication required for token introspection")
	}

	h.logger.Warn("Token introspection rejected: client_id without credentials", "client_id", clientID, "ip", clientIP)
	if aud := h.server.core.Auditor; aud != nil {
		aud.LogAuthFailure("", clientID, clientIP, "introspection_missing_credentials")
	}
	return "", fmt.Errorf("client authentication required for token introspection")
}

// buildIntrospectionResponse creates the RFC 7662 introspection response.
// Inactive tokens answer {"active": false} and nothing else.
func (h *Handler) buildIntrospectionResponse(ctx context.Context, token, clientIP string) IntrospectionResponse {
	result, err := h.server.core.IntrospectToken(ctx, token)
	if err != nil || result == nil || !result.Active {
		h.logger.Debug("Token introspection found inactive token", "error", err, "ip", clientIP)
		return IntrospectionResponse{Active: false}
	}

	response := IntrospectionResponse{
		Active:    true,
		Scope:     result.Scope,
		ClientID:  result.ClientID,
		Sub:       result.UserID,
		TokenType: result.TokenType,
	}
	if !result.ExpiresAt.IsZero() {
		response.Exp = result.ExpiresAt.Unix()
	}
	return response
}

// ==================== Registration endpoint (RFC 7591) ====================

// clientRegistrationRequest represents the JSON request for client registration
type clientRegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	ClientType              string   `json:"client_type"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	RedirectURIs            []string `json:"redirect_uris"`
	Scopes                  []string `json:"scopes"`
}

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startRegistrationSpan(r)
	if span != nil {
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)

	if h.checkClientRegistrationRateLimit(w, clientIP) {
		return
	}

	req, err := h.parseAndValidateRegistrationRequest(w, r, clientIP)
	if err != nil {
		return
	}

	registeredViaTrustedScheme, trustedScheme, authorized := h.authorizeClientRegistration(w, r, req, clientIP)
	if !authorized {
		return
	}

	if !h.validatePublicClientRegistration(w, req, clientIP, registeredViaTrustedScheme, startTime, span) {
		return
	}

	h.recordTrustedSchemeSpan(span, registeredViaTrustedScheme, trustedScheme)

	maxClients := h.getMaxClientsPerIP()
	client, clientSecret, err := h.server.core.RegisterClient(ctx, req.ClientName, req.ClientType, req.TokenEndpointAuthMethod, req.RedirectURIs, req.Scopes, clientIP, maxClients)
	if err != nil {
		h.handleRegistrationError(w, err, clientIP, startTime, span)
		return
	}

	h.recordClientRegistered(client.ClientType)
	h.auditTrustedSchemeRegistration(registeredViaTrustedScheme, trustedScheme, client, clientIP)
	h.recordHTTPMetrics("register", http.MethodPost, http.StatusCreated, startTime)
	h.setRegistrationSpanSuccess(span, client)
	h.writeRegistrationResponse(w, client, clientSecret)
}

// checkClientRegistrationRateLimit checks if client registration is rate limited
// Returns true if request should be rejected, false if allowed
func (h *Handler) checkClientRegistrationRateLimit(w http.ResponseWriter, clientIP string) bool {
	limiter := h.server.registrationLimiter
	if limiter == nil {
		return false
	}

	if !limiter.Allow(clientIP) {
		h.logger.Warn("Client registration rate limit exceeded",
			"ip", clientIP,
			"max_per_window", h.config().MaxRegistrationsPerHour,
			"window", time.Duration(h.config().RegistrationRateLimitWindow)*time.Second)
		if aud := h.server.core.Auditor; aud != nil {
			aud.LogEvent(security.Event{
				Type:      security.EventRateLimitExceeded,
				IPAddress: clientIP,
				Details:   map[string]any{"endpoint": PathRegistration},
			})
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(limiter.RetryAfter(clientIP).Seconds())))
		h.writeError(w, ErrorCodeInvalidRequest,
			"Client registration rate limit exceeded. Please try again later.",
			http.StatusTooManyRequests)
		return true
	}
	return false
}

// validateRegistrationToken validates the registration access token
// Returns true if valid token was provided
func (h *Handler) validateRegistrationToken(authHeader string) bool {
	if authHeader == "" || h.config().RegistrationAccessToken == "" {
		return false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(parts[1]), []byte(h.config().RegistrationAccessToken)) == 1
}

// authorizeClientRegistration checks if client registration is authorized
// Returns (registeredViaTrustedScheme, trustedScheme, authorized)
func (h *Handler) authorizeClientRegistration(w http.ResponseWriter, r *http.Request, req *clientRegistrationRequest, clientIP string) (bool, string, bool) {
	if h.config().AllowPublicClientRegistration {
		h.logger.Warn("Unauthenticated client registration (DoS risk)", "client_ip", clientIP)
		return false, "", true
	}

	authHeader := r.Header.Get("Authorization")
	if h.validateRegistrationToken(authHeader) {
		h.logger.Info("Client registration authenticated with valid token")
		return false, "", true
	}

	// Check trusted schemes
	if authHeader != "" {
		h.logger.Warn("Invalid registration token provided, checking trusted schemes as fallback",
			"client_ip", clientIP, "has_trusted_schemes_configured", len(h.config().TrustedPublicRegistrationSchemes) > 0)
	}

	allowed, scheme, err := h.server.core.CanRegisterWithTrustedScheme(req.RedirectURIs)
	if err != nil {
		h.logger.Warn("Client registration rejected: invalid redirect URI", "client_ip", clientIP, "error", err)
		h.writeError(w, ErrorCodeInvalidRequest, fmt.Sprintf("Invalid redirect URI: %v", err), http.StatusBadRequest)
		return false, "", false
	}

	if allowed {
		h.logger.Info("Client registration authorized via trusted scheme",
			"scheme", scheme, "client_ip", clientIP, "strict_matching", !h.config().DisableStrictSchemeMatching)
		return true, scheme, true
	}

	h.logger.Warn("Client registration rejected: missing or invalid authorization",
		"client_ip", clientIP, "has_token", authHeader != "",
		"trusted_schemes_configured", len(h.config().TrustedPublicRegistrationSchemes) > 0)
	h.writeError(w, ErrorCodeInvalidToken,
		"Registration requires authentication. Provide a valid registration token or use a trusted redirect URI scheme.",
		http.StatusUnauthorized)
	return false, "", false
}

// validatePublicClientRegistration validates public client registration is allowed
// Returns true if allowed, false if rejected
func (h *Handler) validatePublicClientRegistration(w http.ResponseWriter, req *clientRegistrationRequest, clientIP string, registeredViaTrustedScheme bool, startTime time.Time, span trace.Span) bool {
	isPublicClientRequest := req.TokenEndpointAuthMethod == TokenEndpointAuthMethodNone || req.ClientType == ClientTypePublic
	if !isPublicClientRequest {
		return true
	}

	if !h.config().AllowPublicClientRegistration && !registeredViaTrustedScheme {
		h.logger.Warn("Public client registration rejected (not allowed by configuration)",
			"token_endpoint_auth_method", req.TokenEndpointAuthMethod,
			"client_type", req.ClientType, "ip", clientIP)
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		if span != nil {
			instrumentation.SetSpanAttributes(span,
				attribute.String("oauth.client_type", "public"),
				attribute.String("security.event", "public_client_registration_denied"),
			)
			instrumentation.SetSpanError(span, "public client registration not allowed")
		}
		h.writeError(w, ErrorCodeInvalidRequest,
			"Public client registration is not enabled on this server. Contact the server administrator.",
			http.StatusBadRequest)
		return false
	}

	h.logger.Info("Public client registration authorized",
		"token_endpoint_auth_method", req.TokenEndpointAuthMethod, "client_type", req.ClientType,
		"ip", clientIP, "via_trusted_scheme", registeredViaTrustedScheme)
	return true
}

// startRegistrationSpan creates a tracing span for client registration.
func (h *Handler) startRegistrationSpan(r *http.Request) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), nil
	}
	return h.tracer.Start(r.Context(), "oauth.http.client_registration")
}

// parseAndValidateRegistrationRequest parses the request and validates auth method.
func (h *Handler) parseAndValidateRegistrationRequest(w http.ResponseWriter, r *http.Request, clientIP string) (*clientRegistrationRequest, error) {
	var req clientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON", http.StatusBadRequest)
		return nil, err
	}

	if req.TokenEndpointAuthMethod != "" && !isValidAuthMethod(req.TokenEndpointAuthMethod) {
		h.logger.Warn("Unsupported token_endpoint_auth_method requested",
			"method", req.TokenEndpointAuthMethod, "supported_methods", SupportedTokenAuthMethods, "ip", clientIP)
		h.writeError(w, ErrorCodeInvalidRequest,
			fmt.Sprintf("Unsupported token_endpoint_auth_method: %s", req.TokenEndpointAuthMethod),
			http.StatusBadRequest)
		return nil, fmt.Errorf("unsupported auth method")
	}

	// private_key_jwt clients publish their keys through a metadata document;
	// they identify by URL-shaped client_id instead of registering here
	if req.TokenEndpointAuthMethod == TokenEndpointAuthMethodPrivateKeyJWT {
		h.logger.Warn("private_key_jwt requested via dynamic registration", "ip", clientIP)
		h.writeError(w, ErrorCodeInvalidRequest,
			"private_key_jwt clients must use a client ID metadata document instead of dynamic registration",
			http.StatusBadRequest)
		return nil, fmt.Errorf("private_key_jwt not registrable")
	}

	return &req, nil
}

// getMaxClientsPerIP returns the max clients per IP with default.
func (h *Handler) getMaxClientsPerIP() int {
	if h.config().MaxClientsPerIP == 0 {
		return DefaultMaxClientsPerIP
	}
	return h.config().MaxClientsPerIP
}

// recordTrustedSchemeSpan records trusted scheme info in span.
func (h *Handler) recordTrustedSchemeSpan(span trace.Span, registeredViaTrustedScheme bool, trustedScheme string) {
	if span != nil && registeredViaTrustedScheme {
		instrumentation.SetSpanAttributes(span,
			attribute.String("oauth.registration_method", "trusted_scheme"),
			attribute.String("oauth.trusted_scheme", trustedScheme),
		)
	}
}

// handleRegistrationError handles client registration errors.
func (h *Handler) handleRegistrationError(w http.ResponseWriter, err error, clientIP string, startTime time.Time, span trace.Span) {
	if strings.Contains(err.Error(), "registration limit") {
		h.logger.Warn("Client registration limit exceeded", "ip", clientIP, "error", err)
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "registration limit exceeded")
		h.writeError(w, ErrorCodeInvalidRequest, "Client registration limit exceeded", http.StatusTooManyRequests)
		return
	}

	if code, _, ok := splitErrorCode(err); ok && code == ErrorCodeInvalidRedirectURI {
		h.logger.Warn("Client registration rejected: redirect URI failed validation", "ip", clientIP, "error", err)
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "invalid redirect URI")
		h.writeError(w, ErrorCodeInvalidRedirectURI, "One or more redirect URIs failed validation", http.StatusBadRequest)
		return
	}

	h.logger.Error("Failed to register client", "ip", clientIP, "error", err)
	h.recordHTTPMetrics("register", http.MethodPost, http.StatusInternalServerError, startTime)
	instrumentation.RecordError(span, err)
	instrumentation.SetSpanError(span, "registration failed")
	h.writeError(w, ErrorCodeServerError, "Failed to register client", http.StatusInternalServerError)
}

// auditTrustedSchemeRegistration logs trusted scheme registration for security monitoring.
func (h *Handler) auditTrustedSchemeRegistration(registeredViaTrustedScheme bool, trustedScheme string, client *storage.Client, clientIP string) {
	if !registeredViaTrustedScheme || h.server.core.Auditor == nil {
		return
	}

	h.server.core.Auditor.LogEvent(security.Event{
		Type:     security.EventClientRegistered,
		ClientID: client.ClientID,
		Details: map[string]any{
			"scheme":           trustedScheme,
			"client_type":      client.ClientType,
			"client_ip":        clientIP,
			"redirect_uris":    client.RedirectURIs,
			"strict_matching":  !h.config().DisableStrictSchemeMatching,
			"security_context": "unauthenticated_registration_via_trusted_scheme",
		},
	})
}

// setRegistrationSpanSuccess sets success attributes on the span.
func (h *Handler) setRegistrationSpanSuccess(span trace.Span, client *storage.Client) {
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)
	instrumentation.SetSpanSuccess(span)
}

// writeRegistrationResponse writes the client registration response.
func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string) {
	security.SetSecurityHeaders(w, h.config().Issuer)

	response := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		ClientType:              client.ClientType,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		Scope:                   strings.Join(client.Scopes, " "),
	}
	if clientSecret != "" {
		response.ClientSecret = clientSecret
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

// ==================== Client authentication ====================

func (h *Handler) parseBasicAuth(r *http.Request) (username, password string) {
	username, password, _ = r.BasicAuth()
	return
}

// authenticateClient validates client credentials from Basic Auth, form
// parameters or a private_key_jwt client assertion.
// Returns the validated client or an *OAuthError.
func (h *Handler) authenticateClient(r *http.Request, clientID, clientIP string) (*storage.Client, error) {
	if assertion := r.FormValue("client_assertion"); assertion != "" {
		return h.authenticateAssertionClient(r, clientID, assertion, clientIP)
	}

	authClientID, authClientSecret := h.parseBasicAuth(r)
	if authClientID != "" {
		clientID = authClientID
	}
	if authClientSecret == "" {
		authClientSecret = r.FormValue("client_secret")
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.core.GetClient(r.Context(), clientID)
	if err != nil {
		h.logAuthFailure(clientID, clientIP, ErrorCodeInvalidClient, "Unknown client")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if err := h.validateConfidentialClient(r.Context(), client, authClientSecret, clientIP); err != nil {
		return nil, err
	}

	return client, nil
}

// authenticateAssertionClient verifies a private_key_jwt client assertion
// (RFC 7523) against the client's published keys.
func (h *Handler) authenticateAssertionClient(r *http.Request, clientID, assertion, clientIP string) (*storage.Client, error) {
	ctx := r.Context()

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required with client_assertion")
	}

	err := h.server.core.ClientAuthenticator().AuthenticateClientAssertion(
		ctx, clientID, assertion, r.FormValue("client_assertion_type"))
	h.recordAssertionVerified(ctx, err == nil)
	if err != nil {
		h.logAuthFailure(clientID, clientIP, "client_assertion_rejected", "Client assertion verification failed")
		return nil, ErrInvalidClient("Client assertion verification failed")
	}

	client, err := h.server.core.GetClient(ctx, clientID)
	if err != nil {
		h.logAuthFailure(clientID, clientIP, ErrorCodeInvalidClient, "Unknown client")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	return client, nil
}

// validateConfidentialClient validates credentials for confidential clients.
func (h *Handler) validateConfidentialClient(ctx context.Context, client *storage.Client, secret, clientIP string) error {
	if client.ClientType != ClientTypeConfidential {
		return nil
	}

	if secret == "" {
		h.logAuthFailure(client.ClientID, clientIP, "confidential_client_auth_required", "Confidential client missing credentials")
		return ErrInvalidClient("Client authentication required")
	}

	if err := h.server.core.ValidateClientCredentials(ctx, client.ClientID, secret); err != nil {
		h.logAuthFailure(client.ClientID, clientIP, "client_authentication_failed", "Client authentication failed")
		return ErrInvalidClient("Client authentication failed")
	}

	return nil
}

// logAuthFailure logs authentication failures with optional auditing.
func (h *Handler) logAuthFailure(clientID, clientIP, reason, message string) {
	h.logger.Warn(message, "client_id", clientID, "ip", clientIP)
	if aud := h.server.core.Auditor; aud != nil {
		aud.LogAuthFailure("", clientID, clientIP, reason)
	}
}

// ==================== Response helpers ====================

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token, scope string) {
	security.SetSecurityHeaders(w, h.config().Issuer)

	expiresIn := int64(time.Until(token.Expiry).Seconds())
	if expiresIn < 0 {
		expiresIn = 3600
	}

	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	w.Header().Set("Content-Type", "application/json")
	// RFC 6749 section 5.1: token responses must not be cached
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.config().Issuer)

	// RFC 6749 section 5.2: failed client authentication over Basic auth
	// answers 401 with a matching challenge
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth", charset="UTF-8"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeAuthError writes a client authentication failure, preserving the OAuth
// error code when the error carries one.
func (h *Handler) writeAuthError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
}

// grantErrorStatus maps protocol error codes carried by grant errors to the
// HTTP statuses this server answers with.
var grantErrorStatus = map[string]int{
	ErrorCodeInvalidRequest:       http.StatusBadRequest,
	ErrorCodeInvalidGrant:         http.StatusBadRequest,
	ErrorCodeInvalidClient:        http.StatusUnauthorized,
	ErrorCodeInvalidScope:         http.StatusBadRequest,
	ErrorCodeUnauthorizedClient:   http.StatusBadRequest,
	ErrorCodeUnsupportedGrantType: http.StatusBadRequest,
	ErrorCodeAccessDenied:         http.StatusBadRequest,
	ErrorCodeAuthorizationPending: http.StatusBadRequest,
	ErrorCodeSlowDown:             http.StatusBadRequest,
	ErrorCodeExpiredToken:         http.StatusBadRequest,
	ErrorCodeRateLimitExceeded:    http.StatusTooManyRequests,
}

// grantErrorDescriptions are the client-facing descriptions used when a grant
// error carries a protocol code. Internal wording never reaches the wire.
var grantErrorDescriptions = map[string]string{
	ErrorCodeInvalidRequest:       "The request is missing a required parameter or is malformed",
	ErrorCodeInvalidGrant:         "The grant is invalid, expired or revoked",
	ErrorCodeInvalidClient:        "Client authentication failed",
	ErrorCodeInvalidScope:         "The requested scope is invalid or exceeds the granted scope",
	ErrorCodeUnauthorizedClient:   "The client is not authorized for this grant type",
	ErrorCodeUnsupportedGrantType: "The grant type is not supported",
	ErrorCodeAccessDenied:         "The authorization request was denied",
	ErrorCodeAuthorizationPending: "The user has not yet completed the authorization",
	ErrorCodeSlowDown:             "Polling too frequently. Slow down.",
	ErrorCodeExpiredToken:         "The device code has expired",
	ErrorCodeRateLimitExceeded:    "Rate limit exceeded. Please try again later.",
}

// grantError translates an error from the grant operations into the OAuth
// error to answer with. Upstream OAuth error bodies pass through unchanged,
// transport failures map to the backend error codes, and errors carrying a
// known protocol code keep the code with a sanitized description. Anything
// else falls back to the given error.
func (h *Handler) grantError(err error, fallback *OAuthError) *OAuthError {
	if ue, ok := providers.AsUpstreamError(err); ok {
		status, known := grantErrorStatus[ue.Code]
		if !known {
			status = http.StatusBadRequest
		}
		return NewOAuthError(ue.Code, ue.Description, status)
	}

	switch {
	case errors.Is(err, providers.ErrBackendTimeout):
		return ErrBackendTimeout("The upstream provider did not respond in time")
	case errors.Is(err, providers.ErrBackendConnection):
		return ErrBackendConnection("The upstream provider could not be reached")
	case errors.Is(err, providers.ErrBackendInvalidResponse):
		return ErrBackendInvalidResponse("The upstream provider returned an invalid response")
	}

	if code, _, ok := splitErrorCode(err); ok {
		if status, known := grantErrorStatus[code]; known {
			return NewOAuthError(code, grantErrorDescriptions[code], status)
		}
	}

	return fallback
}

// splitErrorCode extracts the leading OAuth error code from errors of the form
// "code: description". Returns ok=false when the prefix is not a plain code.
func splitErrorCode(err error) (code, description string, ok bool) {
	if err == nil {
		return "", "", false
	}
	msg := err.Error()
	idx := strings.Index(msg, ": ")
	if idx <= 0 {
		return "", "", false
	}
	code = msg[:idx]
	if strings.ContainsAny(code, " \t") {
		return "", "", false
	}
	return code, msg[idx+2:], true
}

// isValidAuthMethod reports whether the token endpoint auth method is supported.
func isValidAuthMethod(method string) bool {
	for _, supported := range SupportedTokenAuthMethods {
		if method == supported {
			return true
		}
	}
	return false
}

// ==================== Metrics recorders ====================

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.inst == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // milliseconds
	h.server.inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}

// recordCodeExchanged records when an authorization code is exchanged
func (h *Handler) recordCodeExchanged(clientID, pkceMethod string) {
	if h.server.inst == nil {
		return
	}
	h.server.inst.Metrics().RecordCodeExchange(context.Background(), clientID, pkceMethod)
}

// recordTokenRefreshed records when a token is refreshed
func (h *Handler) recordTokenRefreshed(clientID string, rotated bool) {
	if h.server.inst == nil {
		return
	}
	h.server.inst.Metrics().RecordTokenRefresh(context.Background(), clientID, rotated)
}

// recordTokenRevoked records when a token is revoked
func (h *Handler) recordTokenRevoked(clientID string) {
	if h.server.inst == nil {
		return
	}
	h.server.inst.Metrics().RecordTokenRevocation(context.Background(), clientID)
}

// recordClientRegistered records when a client is registered
func (h *Handler) recordClientRegistered(clientType string) {
	if h.server.inst == nil {
		return
	}
	h.server.inst.Metrics().RecordClientRegistration(context.Background(), clientType)
}

// recordDeviceAuthorizationStarted records when a device authorization is started
func (h *Handler) recordDeviceAuthorizationStarted(clientID string) {
	if h.server.inst == nil {
		return
	}
	h.server.inst.Metrics().RecordDeviceAuthorizationStarted(context.Background(), clientID)
}

// recordDeviceCodeExchanged records the outcome of a device code exchange
func (h *Handler) recordDeviceCodeExchanged(clientID string, success bool) {
	if h.server.inst == nil {
		return
	}
	h.server.inst.Metrics().RecordDeviceCodeExchange(context.Background(), clientID, success)
}

// recordAssertionVerified records the outcome of a client assertion verification
func (h *Handler) recordAssertionVerified(ctx context.Context, success bool) {
	if h.server.inst == nil {
		return
	}
	h.server.inst.Metrics().RecordAssertionVerification(ctx, success)
}
