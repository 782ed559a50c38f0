package server

import (
	"context"
	"strings"
	"testing"
)

func TestRegisterClient_Defaults(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, secret := registerTestClient(t, srv, "")

	if client.ClientID == "" {
		t.Fatal("expected client ID")
	}
	if client.ClientType != ClientTypeConfidential {
		t.Errorf("ClientType = %q, want confidential", client.ClientType)
	}
	if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodBasic {
		t.Errorf("TokenEndpointAuthMethod = %q, want client_secret_basic", client.TokenEndpointAuthMethod)
	}
	if secret == "" {
		t.Error("confidential client should receive a secret")
	}
	if client.ClientSecretHash == secret {
		t.Error("stored secret must be hashed")
	}

	wantGrants := []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeDeviceCode}
	if len(client.GrantTypes) != len(wantGrants) {
		t.Fatalf("GrantTypes = %v, want %v", client.GrantTypes, wantGrants)
	}
	for i, g := range wantGrants {
		if client.GrantTypes[i] != g {
			t.Errorf("GrantTypes[%d] = %q, want %q", i, client.GrantTypes[i], g)
		}
	}
}

func TestRegisterClient_PublicClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, secret := registerTestClient(t, srv, TokenEndpointAuthMethodNone)

	if client.ClientType != ClientTypePublic {
		t.Errorf("ClientType = %q, want public", client.ClientType)
	}
	if secret != "" {
		t.Error("public client must not receive a secret")
	}
	if client.ClientSecretHash != "" {
		t.Error("public client must not store a secret hash")
	}
}

func TestRegisterClient_PrivateKeyJWTRejected(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, _, err := srv.RegisterClient(context.Background(), "Agent", "", TokenEndpointAuthMethodPrivateKeyJWT,
		[]string{"https://example.com/callback"}, nil, "192.0.2.10", 10)
	if err == nil {
		t.Fatal("expected private_key_jwt registration to be rejected")
	}
	if !strings.Contains(err.Error(), "metadata document") {
		t.Errorf("error = %v, want pointer to metadata documents", err)
	}
}

func TestRegisterClient_IPLimit(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	if _, _, err := srv.RegisterClient(ctx, "First", "", "",
		[]string{"https://example.com/callback"}, nil, "192.0.2.10", 1); err != nil {
		t.Fatalf("first RegisterClient() error = %v", err)
	}

	_, _, err := srv.RegisterClient(ctx, "Second", "", "",
		[]string{"https://example.com/callback"}, nil, "192.0.2.10", 1)
	if err == nil {
		t.Fatal("expected registration beyond the per-IP limit to fail")
	}
}

func TestRegisterClient_InvalidRedirectURI(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, _, err := srv.RegisterClient(context.Background(), "Evil", "", "",
		[]string{"javascript:alert(1)"}, nil, "192.0.2.10", 10)
	if err == nil {
		t.Fatal("expected blocked-scheme redirect URI to fail registration")
	}
	if !strings.Contains(err.Error(), ErrorCodeInvalidRedirectURI) {
		t.Errorf("error = %v, want %s", err, ErrorCodeInvalidRedirectURI)
	}
}

func TestValidateClientCredentials(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, secret := registerTestClient(t, srv, "")
	ctx := context.Background()

	if err := srv.ValidateClientCredentials(ctx, client.ClientID, secret); err != nil {
		t.Errorf("ValidateClientCredentials() error = %v", err)
	}
	if err := srv.ValidateClientCredentials(ctx, client.ClientID, "wrong-secret"); err == nil {
		t.Error("wrong secret should fail validation")
	}
	if err := srv.ValidateClientCredentials(ctx, "no-such-client", secret); err == nil {
		t.Error("unknown client should fail validation")
	}
}

func TestGetClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "")
	ctx := context.Background()

	got, err := srv.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, client.ClientID)
	}

	if _, err := srv.GetClient(ctx, "no-such-client"); err == nil {
		t.Error("unknown client should return an error")
	}
}

func TestNormalizeClientAuth(t *testing.T) {
	tests := []struct {
		name       string
		clientType string
		authMethod string
		wantType   string
		wantMethod string
	}{
		{"all_defaults", "", "", ClientTypeConfidential, TokenEndpointAuthMethodBasic},
		{"none_forces_public", "", TokenEndpointAuthMethodNone, ClientTypePublic, TokenEndpointAuthMethodNone},
		{"none_overrides_confidential", ClientTypeConfidential, TokenEndpointAuthMethodNone, ClientTypePublic, TokenEndpointAuthMethodNone},
		{"public_defaults_to_none", ClientTypePublic, "", ClientTypePublic, TokenEndpointAuthMethodNone},
		{"explicit_post", ClientTypeConfidential, TokenEndpointAuthMethodPost, ClientTypeConfidential, TokenEndpointAuthMethodPost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotMethod := normalizeClientAuth(tt.clientType, tt.authMethod)
			if gotType != tt.wantType {
				t.Errorf("client type = %q, want %q", gotType, tt.wantType)
			}
			if gotMethod != tt.wantMethod {
				t.Errorf("auth method = %q, want %q", gotMethod, tt.wantMethod)
			}
		})
	}
}

func TestCanRegisterWithTrustedScheme(t *testing.T) {
	t.Run("no schemes configured", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		allowed, _, err := srv.CanRegisterWithTrustedScheme([]string{"myapp://callback"})
		if err != nil {
			t.Fatalf("CanRegisterWithTrustedScheme() error = %v", err)
		}
		if allowed {
			t.Error("should require a token when no trusted schemes are configured")
		}
	})

	t.Run("all URIs trusted", func(t *testing.T) {
		srv, _ := newTestServer(t, &Config{TrustedPublicRegistrationSchemes: []string{"myapp"}})
		allowed, scheme, err := srv.CanRegisterWithTrustedScheme([]string{"myapp://callback", "MYAPP://other"})
		if err != nil {
			t.Fatalf("CanRegisterWithTrustedScheme() error = %v", err)
		}
		if !allowed {
			t.Error("all-trusted redirect URIs should allow tokenless registration")
		}
		if scheme != "myapp" {
			t.Errorf("scheme = %q, want myapp", scheme)
		}
	})

	t.Run("mixed schemes rejected under strict matching", func(t *testing.T) {
		srv, _ := newTestServer(t, &Config{TrustedPublicRegistrationSchemes: []string{"myapp"}})
		allowed, _, err := srv.CanRegisterWithTrustedScheme([]string{"myapp://callback", "https://example.com/cb"})
		if err != nil {
			t.Fatalf("CanRegisterWithTrustedScheme() error = %v", err)
		}
		if allowed {
			t.Error("strict matching requires every URI to use a trusted scheme")
		}
	})

	t.Run("no redirect URIs", func(t *testing.T) {
		srv, _ := newTestServer(t, &Config{TrustedPublicRegistrationSchemes: []string{"myapp"}})
		allowed, _, err := srv.CanRegisterWithTrustedScheme(nil)
		if err != nil {
			t.Fatalf("CanRegisterWithTrustedScheme() error = %v", err)
		}
		if allowed {
			t.Error("missing redirect URIs should require a token")
		}
	})

	t.Run("URI without scheme", func(t *testing.T) {
		srv, _ := newTestServer(t, &Config{TrustedPublicRegistrationSchemes: []string{"myapp"}})
		_, _, err := srv.CanRegisterWithTrustedScheme([]string{"not-a-uri"})
		if err == nil {
			t.Error("expected error for redirect URI without scheme")
		}
	})
}
