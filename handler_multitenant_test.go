package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fetchMetadata drives a discovery path through the mux and decodes the
// metadata document, failing the test on any non-200.
func fetchMetadata(t *testing.T, mux *http.ServeMux, path string) map[string]any {
	t.Helper()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s status = %d, want %d", path, w.Code, http.StatusOK)
	}

	var metadata map[string]any
	if err := json.NewDecoder(w.Body).Decode(&metadata); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return metadata
}

func newDiscoveryMux(t *testing.T, issuer string) *http.ServeMux {
	t.Helper()

	config := newTestConfig()
	config.Issuer = issuer
	h := newTestHandler(t, config)

	mux := http.NewServeMux()
	h.RegisterAuthorizationServerMetadataRoutes(mux)
	return mux
}

// Discovery routes depend on the issuer shape: a bare host registers only
// the standard well-known endpoints, while an issuer with a path (one
// deployment serving several tenants) additionally gets the RFC 8414
// path-inserted variant and the OIDC path-appended variant.
func TestRegisterAuthorizationServerMetadataRoutes(t *testing.T) {
	tests := []struct {
		name   string
		issuer string
		paths  []string
	}{
		{
			name:   "single tenant",
			issuer: "https://auth.example.com",
			paths: []string{
				"/.well-known/oauth-authorization-server",
				"/.well-known/openid-configuration",
			},
		},
		{
			name:   "issuer with path",
			issuer: "https://auth.example.com/tenant1",
			paths: []string{
				"/.well-known/oauth-authorization-server/tenant1",
				"/.well-known/openid-configuration/tenant1",
				"/tenant1/.well-known/openid-configuration",
				// standard endpoints stay registered for old clients
				"/.well-known/oauth-authorization-server",
				"/.well-known/openid-configuration",
			},
		},
		{
			name:   "nested issuer path",
			issuer: "https://auth.example.com/org1/tenant1/prod",
			paths: []string{
				"/.well-known/oauth-authorization-server/org1/tenant1/prod",
				"/.well-known/openid-configuration/org1/tenant1/prod",
				"/org1/tenant1/prod/.well-known/openid-configuration",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newDiscoveryMux(t, tt.issuer)

			for _, path := range tt.paths {
				metadata := fetchMetadata(t, mux, path)

				if metadata["issuer"] != tt.issuer {
					t.Errorf("GET %s issuer = %v, want %s", path, metadata["issuer"], tt.issuer)
				}
				for _, field := range []string{
					"token_endpoint",
					"response_types_supported",
					"grant_types_supported",
					"code_challenge_methods_supported",
				} {
					if _, ok := metadata[field]; !ok {
						t.Errorf("GET %s missing required field %s", path, field)
					}
				}
			}
		})
	}
}

func TestExtractIssuerPath(t *testing.T) {
	tests := []struct {
		issuer   string
		wantPath string
	}{
		{"https://auth.example.com", ""},
		{"https://auth.example.com/", ""},
		{"https://auth.example.com/tenant1", "/tenant1"},
		{"https://auth.example.com/org/tenant", "/org/tenant"},
		{"https://auth.example.com/tenant1/", "/tenant1"},
	}

	for _, tt := range tests {
		config := newTestConfig()
		config.Issuer = tt.issuer
		h := newTestHandler(t, config)

		if gotPath := h.extractIssuerPath(); gotPath != tt.wantPath {
			t.Errorf("extractIssuerPath(%q) = %q, want %q", tt.issuer, gotPath, tt.wantPath)
		}
	}
}
