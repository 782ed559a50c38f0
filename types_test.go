package oauth

import (
	"encoding/json"
	"testing"
)

// marshalToMap serializes v and decodes it back into a map so tests can
// assert on the wire field names, which discovery and token clients match
// by string.
func marshalToMap(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return raw
}

func TestErrorResponse_WireFormat(t *testing.T) {
	raw := marshalToMap(t, ErrorResponse{
		Error:            "invalid_request",
		ErrorDescription: "The request is missing a required parameter",
		ErrorURI:         "https://example.com/docs/errors#invalid_request",
	})
	if raw["error"] != "invalid_request" {
		t.Errorf("error = %v", raw["error"])
	}
	if raw["error_description"] != "The request is missing a required parameter" {
		t.Errorf("error_description = %v", raw["error_description"])
	}

	// omitempty keeps minimal errors minimal
	minimal := marshalToMap(t, ErrorResponse{Error: "server_error"})
	if len(minimal) != 1 {
		t.Errorf("minimal error response has %d fields, want 1: %v", len(minimal), minimal)
	}
}

func TestAuthorizationServerMetadata_WireFormat(t *testing.T) {
	raw := marshalToMap(t, AuthorizationServerMetadata{
		Issuer:                            "https://auth.example.com",
		TokenEndpoint:                     "https://auth.example.com/token",
		DeviceAuthorizationEndpoint:       "https://auth.example.com/device/code",
		RegistrationEndpoint:              "https://auth.example.com/register",
		ScopesSupported:                   []string{"openid", "email", "profile"},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               SupportedGrantTypes,
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		TokenEndpointAuthSigningAlgValuesSupported: []string{"RS256", "ES256"},
		CodeChallengeMethodsSupported:              []string{"S256"},
		ClientIDMetadataDocumentSupported:          true,
	})

	// RFC 8414 field names are load-bearing for discovery clients
	for _, field := range []string{
		"issuer",
		"token_endpoint",
		"device_authorization_endpoint",
		"registration_endpoint",
		"grant_types_supported",
		"token_endpoint_auth_methods_supported",
		"token_endpoint_auth_signing_alg_values_supported",
		"code_challenge_methods_supported",
		"client_id_metadata_document_supported",
	} {
		if _, ok := raw[field]; !ok {
			t.Errorf("serialized metadata missing field %q", field)
		}
	}
	if raw["issuer"] != "https://auth.example.com" {
		t.Errorf("issuer = %v", raw["issuer"])
	}
	if raw["client_id_metadata_document_supported"] != true {
		t.Errorf("client_id_metadata_document_supported = %v", raw["client_id_metadata_document_supported"])
	}

	// token_endpoint and response_types_supported have no omitempty and
	// must appear even on a zero value
	empty := marshalToMap(t, AuthorizationServerMetadata{})
	if _, ok := empty["token_endpoint"]; !ok {
		t.Error("token_endpoint must always be serialized")
	}
	if _, ok := empty["response_types_supported"]; !ok {
		t.Error("response_types_supported must always be serialized")
	}
}

func TestClientRegistrationMessages_WireFormat(t *testing.T) {
	reqRaw := marshalToMap(t, ClientRegistrationRequest{
		RedirectURIs:            []string{"https://example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Example Client",
		ClientURI:               "https://example.com",
		Scope:                   "openid email profile",
		ClientType:              "confidential",
	})
	for _, field := range []string{"redirect_uris", "token_endpoint_auth_method", "grant_types", "client_name", "client_type"} {
		if _, ok := reqRaw[field]; !ok {
			t.Errorf("registration request missing field %q", field)
		}
	}

	respRaw := marshalToMap(t, ClientRegistrationResponse{
		ClientID:         "test-client-id",
		ClientSecret:     "test-client-secret",
		ClientIDIssuedAt: 1234567890,
	})
	if respRaw["client_id"] != "test-client-id" {
		t.Errorf("client_id = %v", respRaw["client_id"])
	}
	if respRaw["client_secret"] != "test-client-secret" {
		t.Errorf("client_secret = %v", respRaw["client_secret"])
	}

	// public clients get no client_secret key at all, not an empty one
	publicRaw := marshalToMap(t, ClientRegistrationResponse{ClientID: "public-client"})
	if _, ok := publicRaw["client_secret"]; ok {
		t.Error("empty client_secret must be omitted for public clients")
	}
}

func TestTokenResponse_WireFormat(t *testing.T) {
	raw := marshalToMap(t, TokenResponse{
		AccessToken:  "test-access-token",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		RefreshToken: "test-refresh-token",
		Scope:        "openid email profile",
	})
	if raw["access_token"] != "test-access-token" || raw["token_type"] != "Bearer" {
		t.Errorf("token response = %v", raw)
	}
	if raw["expires_in"] != float64(3600) {
		t.Errorf("expires_in = %v", raw["expires_in"])
	}

	// client_credentials responses carry no refresh token
	ccRaw := marshalToMap(t, TokenResponse{AccessToken: "at", TokenType: "Bearer"})
	if _, ok := ccRaw["refresh_token"]; ok {
		t.Error("empty refresh_token must be omitted")
	}
}

func TestDeviceAuthorizationResponse_WireFormat(t *testing.T) {
	raw := marshalToMap(t, DeviceAuthorizationResponse{
		DeviceCode:              "device-code-value",
		UserCode:                "WDJB-MJHT",
		VerificationURI:         "https://idp.example.com/device",
		VerificationURIComplete: "https://idp.example.com/device?user_code=WDJB-MJHT",
		ExpiresIn:               900,
		Interval:                5,
	})

	// RFC 8628 section 3.2 wire names
	for _, field := range []string{"device_code", "user_code", "verification_uri", "verification_uri_complete", "expires_in", "interval"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("device authorization response missing field %q", field)
		}
	}
	if raw["user_code"] != "WDJB-MJHT" {
		t.Errorf("user_code = %v", raw["user_code"])
	}
	if raw["interval"] != float64(5) {
		t.Errorf("interval = %v", raw["interval"])
	}
}

func TestIntrospectionResponse_WireFormat(t *testing.T) {
	t.Run("active token", func(t *testing.T) {
		raw := marshalToMap(t, IntrospectionResponse{
			Active:    true,
			Scope:     "openid email",
			ClientID:  "test-client-id",
			Sub:       "user-123",
			TokenType: "Bearer",
			Exp:       1234567890,
		})
		if raw["active"] != true {
			t.Errorf("active = %v", raw["active"])
		}
		if raw["sub"] != "user-123" || raw["client_id"] != "test-client-id" {
			t.Errorf("introspection response = %v", raw)
		}
	})

	t.Run("inactive token reveals nothing", func(t *testing.T) {
		// RFC 7662 section 2.2: inactive responses must not leak token details
		raw := marshalToMap(t, IntrospectionResponse{Active: false})
		if len(raw) != 1 {
			t.Errorf("inactive introspection response has %d fields, want only {active}: %v", len(raw), raw)
		}
	})
}
