package server

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relayhq/agent-oauth/security"
	"github.com/relayhq/agent-oauth/storage"
	"github.com/relayhq/agent-oauth/storage/memory"
)

// Client type and auth method constants. The root package declares the same
// values; they are repeated here because the root package imports this one.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token endpoint authentication methods (RFC 7591).
const (
	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"

	// TokenEndpointAuthMethodPrivateKeyJWT authenticates with a signed JWT
	// assertion verified against the client's published keys (RFC 7523)
	TokenEndpointAuthMethodPrivateKeyJWT = "private_key_jwt"
)

// RegisterClient registers a new OAuth client. Registrations are capped per
// source IP, and every redirect URI passes the full security validation
// before anything is stored.
//
// tokenEndpointAuthMethod selects how the client authenticates at the token
// endpoint: "none" for public clients (PKCE only), "client_secret_basic"
// (the default for confidential clients), or "client_secret_post".
// private_key_jwt is not offered through dynamic registration: assertion keys
// resolve through client metadata documents, where the URL itself is the
// client identity.
func (s *Server) RegisterClient(ctx context.Context, clientName, clientType, tokenEndpointAuthMethod string, redirectURIs []string, scopes []string, clientIP string, maxClientsPerIP int) (*storage.Client, string, error) {
	if err := s.clientStore.CheckIPLimit(ctx, clientIP, maxClientsPerIP); err != nil {
		return nil, "", err
	}
	if err := s.validateRedirectURIsWithAudit(ctx, redirectURIs, clientIP); err != nil {
		return nil, "", err
	}
	if tokenEndpointAuthMethod == TokenEndpointAuthMethodPrivateKeyJWT {
		return nil, "", fmt.Errorf("%s: private_key_jwt requires a client metadata document client_id", ErrorCodeInvalidRequest)
	}

	clientType, tokenEndpointAuthMethod = normalizeClientAuth(clientType, tokenEndpointAuthMethod)

	var clientSecret, clientSecretHash string
	if clientType == ClientTypeConfidential {
		var err error
		if clientSecret, clientSecretHash, err = newClientSecret(); err != nil {
			return nil, "", err
		}
	}

	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            redirectURIs,
		TokenEndpointAuthMethod: tokenEndpointAuthMethod,
		GrantTypes:              []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeDeviceCode},
		ResponseTypes:           []string{"code"},
		ClientName:              clientName,
		Scopes:                  normalizeScopes(scopes),
		CreatedAt:               time.Now(),
	}
	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.recordClientRegistered(ctx, client, clientIP)
	return client, clientSecret, nil
}

// validateRedirectURIsWithAudit runs redirect URI validation and records the
// rejection in the audit log and metrics before returning it.
func (s *Server) validateRedirectURIsWithAudit(ctx context.Context, redirectURIs []string, clientIP string) error {
	err := s.ValidateRedirectURIsForRegistration(ctx, redirectURIs)
	if err == nil {
		return nil
	}

	category := GetRedirectURIErrorCategory(err)
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type: security.EventClientRegistrationRejected,
			Details: map[string]any{
				"reason":    "redirect_uri_validation_failed",
				"category":  category,
				"client_ip": clientIP,
			},
		})
	}
	if m := s.metrics(); m != nil {
		m.RecordRedirectURISecurityRejected(ctx, category, "registration")
	}
	s.Logger.Warn("Client registration rejected: redirect URI validation failed",
		"error", err.Error(),
		"client_ip", clientIP)
	return fmt.Errorf("invalid_redirect_uri: %w", err)
}

// normalizeClientAuth fills in whichever of type and auth method the request
// left empty. Per RFC 7591 section 2, token_endpoint_auth_method "none" makes
// the client public regardless of the declared type; public clients default
// to "none" and confidential ones to "client_secret_basic".
func normalizeClientAuth(clientType, tokenEndpointAuthMethod string) (string, string) {
	switch {
	case tokenEndpointAuthMethod == TokenEndpointAuthMethodNone:
		clientType = ClientTypePublic
	case clientType == "":
		clientType = ClientTypeConfidential
	}

	if tokenEndpointAuthMethod == "" {
		switch clientType {
		case ClientTypePublic:
			tokenEndpointAuthMethod = TokenEndpointAuthMethodNone
		default:
			tokenEndpointAuthMethod = TokenEndpointAuthMethodBasic
		}
	}
	return clientType, tokenEndpointAuthMethod
}

// newClientSecret mints a secret and its bcrypt hash. Only the hash is
// persisted; the plaintext goes back to the client exactly once.
func newClientSecret() (secret, hash string, err error) {
	secret = generateRandomToken()
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return secret, string(hashed), nil
}

func (s *Server) recordClientRegistered(ctx context.Context, client *storage.Client, clientIP string) {
	if memStore, ok := s.clientStore.(*memory.Store); ok {
		memStore.TrackClientIP(clientIP)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	}
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, client.ClientType)
	}

	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)
}

// ValidateClientCredentials checks a client secret at the token endpoint.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
}

// GetClient retrieves a client by ID. URL-shaped client IDs resolve through
// client metadata documents when that subsystem is enabled; everything else
// comes from the client store.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if s.Config.EnableClientIDMetadataDocuments {
		client, err := s.cimd.GetClientInfo(ctx, clientID)
		if err != nil {
			return nil, err
		}
		if client != nil {
			return client, nil
		}
	}
	return s.clientStore.GetClient(ctx, clientID)
}

// CanRegisterWithTrustedScheme reports whether a registration may proceed
// without a registration access token because its redirect URIs use trusted
// custom schemes. Custom schemes are harder to hijack than web URLs, though
// platform protection varies; PKCE remains the primary control either way.
//
// The returned scheme is the first trusted one found, for audit logging.
func (s *Server) CanRegisterWithTrustedScheme(redirectURIs []string) (allowed bool, scheme string, err error) {
	if len(s.Config.trustedSchemesMap) == 0 || len(redirectURIs) == 0 {
		return false, "", nil
	}

	// In strict mode every URI must use a trusted scheme, not just one.
	strictMatching := !s.Config.DisableStrictSchemeMatching

	var firstTrusted string
	trustedCount := 0

	for _, uri := range redirectURIs {
		parsed, parseErr := url.Parse(uri)
		if parseErr != nil {
			return false, "", fmt.Errorf("invalid redirect URI: %w", parseErr)
		}

		// Scheme comparison is case-insensitive (RFC 3986).
		uriScheme := strings.ToLower(parsed.Scheme)
		if uriScheme == "" {
			return false, "", fmt.Errorf("redirect URI missing scheme: %s", uri)
		}

		switch {
		case s.Config.trustedSchemesMap[uriScheme]:
			trustedCount++
			if firstTrusted == "" {
				firstTrusted = uriScheme
			}
		case strictMatching:
			return false, "", nil
		}
	}

	if trustedCount == 0 {
		return false, "", nil
	}
	return true, firstTrusted, nil
}
