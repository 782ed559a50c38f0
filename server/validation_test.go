package server

import (
	"strings"
	"testing"

	"github.com/relayhq/agent-oauth/internal/testutil"
)

func TestNormalizeScopes(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
		want string
	}{
		{"nil", nil, ""},
		{"string slice", []string{"write", "read"}, "read write"},
		{"space separated", "write read", "read write"},
		{"json array string", `["write","read"]`, "read write"},
		{"interface slice", []interface{}{"write", "read"}, "read write"},
		{"interface slice with non-strings", []interface{}{"read", 42, "write"}, "read write"},
		{"duplicates collapsed", "read read write", "read write"},
		{"surrounding whitespace", "  read   write  ", "read write"},
		{"empty string", "", ""},
		{"whitespace only", "   ", ""},
		{"invalid entries dropped", []string{"read", `bad"scope`, "write"}, "read write"},
		{"all invalid", []string{`bad"scope`, "bad\\scope"}, ""},
		{"unsupported type", 42, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeScopes(tt.raw)
			if tt.want == "" {
				if got != nil {
					t.Errorf("normalizeScopes(%v) = %v, want nil", tt.raw, got)
				}
				return
			}
			if scopeString(got) != tt.want {
				t.Errorf("normalizeScopes(%v) = %v, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestScopesSubset(t *testing.T) {
	granted := []string{"read", "write"}

	if !scopesSubset([]string{"read"}, granted) {
		t.Error("narrower request should be a subset")
	}
	if !scopesSubset([]string{"read", "write"}, granted) {
		t.Error("equal request should be a subset")
	}
	if !scopesSubset(nil, granted) {
		t.Error("empty request should be a subset")
	}
	if scopesSubset([]string{"read", "admin"}, granted) {
		t.Error("escalated request must not be a subset")
	}
	if scopesSubset([]string{"read"}, nil) {
		t.Error("nothing is a subset of an empty grant")
	}
}

func TestValidatePKCE(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	challenge, verifier := testutil.GeneratePKCEPair()

	t.Run("S256 match", func(t *testing.T) {
		if err := srv.validatePKCE(challenge, PKCEMethodS256, verifier); err != nil {
			t.Errorf("validatePKCE() error = %v", err)
		}
	})

	t.Run("S256 mismatch", func(t *testing.T) {
		otherChallenge, _ := testutil.GeneratePKCEPair()
		err := srv.validatePKCE(otherChallenge, PKCEMethodS256, verifier)
		if err == nil {
			t.Fatal("mismatched verifier should fail")
		}
		if !strings.Contains(err.Error(), "does not match") {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("challenge required", func(t *testing.T) {
		// PKCE enforcement cannot be switched off
		if err := srv.validatePKCE("", "", verifier); err == nil {
			t.Error("missing challenge should fail")
		}
	})

	t.Run("verifier required", func(t *testing.T) {
		if err := srv.validatePKCE(challenge, PKCEMethodS256, ""); err == nil {
			t.Error("missing verifier should fail")
		}
	})

	t.Run("verifier too short", func(t *testing.T) {
		err := srv.validatePKCE(challenge, PKCEMethodS256, strings.Repeat("a", MinCodeVerifierLength-1))
		if err == nil || !strings.Contains(err.Error(), "at least") {
			t.Errorf("error = %v, want length rejection", err)
		}
	})

	t.Run("verifier too long", func(t *testing.T) {
		err := srv.validatePKCE(challenge, PKCEMethodS256, strings.Repeat("a", MaxCodeVerifierLength+1))
		if err == nil || !strings.Contains(err.Error(), "at most") {
			t.Errorf("error = %v, want length rejection", err)
		}
	})

	t.Run("verifier charset", func(t *testing.T) {
		bad := strings.Repeat("a", MinCodeVerifierLength-1) + "!"
		err := srv.validatePKCE(challenge, PKCEMethodS256, bad)
		if err == nil || !strings.Contains(err.Error(), "invalid characters") {
			t.Errorf("error = %v, want charset rejection", err)
		}
	})

	t.Run("plain rejected by default", func(t *testing.T) {
		plainVerifier := strings.Repeat("p", MinCodeVerifierLength)
		err := srv.validatePKCE(plainVerifier, PKCEMethodPlain, plainVerifier)
		if err == nil || !strings.Contains(err.Error(), "not allowed") {
			t.Errorf("error = %v, want plain rejection", err)
		}
	})

	t.Run("plain allowed when configured", func(t *testing.T) {
		plainSrv, _ := newTestServer(t, &Config{AllowPKCEPlain: true})
		plainVerifier := strings.Repeat("p", MinCodeVerifierLength)
		if err := plainSrv.validatePKCE(plainVerifier, PKCEMethodPlain, plainVerifier); err != nil {
			t.Errorf("validatePKCE() error = %v", err)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		err := srv.validatePKCE(challenge, "S512", verifier)
		if err == nil || !strings.Contains(err.Error(), "unsupported") {
			t.Errorf("error = %v, want unsupported method", err)
		}
	})
}

func TestValidateScopes(t *testing.T) {
	srv, _ := newTestServer(t, &Config{SupportedScopes: []string{"read", "write"}})

	if err := srv.validateScopes("read write"); err != nil {
		t.Errorf("validateScopes() error = %v", err)
	}
	if err := srv.validateScopes(""); err != nil {
		t.Errorf("empty scope should be allowed, got %v", err)
	}
	if err := srv.validateScopes("admin"); err == nil {
		t.Error("unsupported scope should fail")
	}

	t.Run("no supported scopes configured", func(t *testing.T) {
		open, _ := newTestServer(t, nil)
		if err := open.validateScopes("anything goes"); err != nil {
			t.Errorf("validateScopes() error = %v", err)
		}
	})

	t.Run("max length", func(t *testing.T) {
		limited, _ := newTestServer(t, &Config{
			SupportedScopes: []string{"read"},
			MaxScopeLength:  10,
		})
		if err := limited.validateScopes("read read read"); err == nil {
			t.Error("overlong scope string should fail")
		}
	})
}

func TestValidateClientScopes(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	if err := srv.validateClientScopes("read", []string{"read", "write"}); err != nil {
		t.Errorf("validateClientScopes() error = %v", err)
	}
	if err := srv.validateClientScopes("", []string{"read"}); err != nil {
		t.Errorf("empty request should be allowed, got %v", err)
	}
	if err := srv.validateClientScopes("read admin", []string{"read", "write"}); err == nil {
		t.Error("scope beyond the client grant should fail")
	}
	if err := srv.validateClientScopes("anything", nil); err != nil {
		t.Errorf("clients without scope restrictions allow all, got %v", err)
	}
}

func TestIsLocalhostHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"0.0.0.0", true},
		{"127.0.0.1", true},
		{"127.5.5.5", true},
		{"::1", true},
		{"[::1]", true},
		{"example.com", false},
		{"192.168.1.1", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isLocalhostHostname(tt.hostname); got != tt.want {
			t.Errorf("isLocalhostHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
		}
	}
}

func TestIsValidOpaqueIdentifier(t *testing.T) {
	valid := []string{
		"abc123",
		"client-id_with.all~chars",
		"ce0b8843-4cf7-4a21-a508-91ef9a6f9e3c",
	}
	for _, s := range valid {
		if !isValidOpaqueIdentifier(s) {
			t.Errorf("isValidOpaqueIdentifier(%q) = false, want true", s)
		}
	}

	invalid := []string{
		"",
		"has spaces",
		"semi;colon",
		"slash/path",
		"newline\n",
		"https://example.com/metadata.json",
	}
	for _, s := range invalid {
		if isValidOpaqueIdentifier(s) {
			t.Errorf("isValidOpaqueIdentifier(%q) = true, want false", s)
		}
	}
}

func TestValidateScopeFormat(t *testing.T) {
	if err := validateScopeFormat("read:repo"); err != nil {
		t.Errorf("validateScopeFormat() error = %v", err)
	}

	invalid := map[string]string{
		"empty":     "",
		"space":     "read write",
		"quote":     `read"write`,
		"backslash": `read\write`,
		"non-ascii": "readé",
		"control":   "read\x01",
	}
	for name, scope := range invalid {
		if err := validateScopeFormat(scope); err == nil {
			t.Errorf("%s: validateScopeFormat(%q) should fail", name, scope)
		}
	}
}

func TestValidateCustomScheme(t *testing.T) {
	for _, dangerous := range []string{"javascript", "data", "file", "vbscript", "about", "blob"} {
		if err := validateCustomScheme(dangerous, nil); err == nil {
			t.Errorf("scheme %q should always be blocked", dangerous)
		}
	}

	if err := validateCustomScheme("myapp", nil); err != nil {
		t.Errorf("RFC 3986 compliant scheme should pass by default, got %v", err)
	}
	if err := validateCustomScheme("My App", nil); err == nil {
		t.Error("non-compliant scheme should fail")
	}

	if err := validateCustomScheme("myapp", []string{"^otherapp$"}); err == nil {
		t.Error("scheme outside the allow-list should fail")
	}
	if err := validateCustomScheme("myapp", []string{"^myapp$"}); err != nil {
		t.Errorf("allow-listed scheme should pass, got %v", err)
	}
}

func TestValidateRedirectURISecurityEnhanced(t *testing.T) {
	const httpsIssuer = "https://auth.example.com"

	tests := []struct {
		name    string
		uri     string
		issuer  string
		wantErr bool
	}{
		{"https redirect", "https://example.com/callback", httpsIssuer, false},
		{"fragment rejected", "https://example.com/callback#frag", httpsIssuer, true},
		{"javascript blocked", "javascript:alert(1)", httpsIssuer, true},
		{"data blocked", "data:text/html,x", httpsIssuer, true},
		{"custom scheme allowed", "myapp://callback", httpsIssuer, false},
		{"http loopback allowed", "http://127.0.0.1:8080/callback", httpsIssuer, false},
		{"http localhost allowed", "http://localhost:8080/callback", httpsIssuer, false},
		{"http non-loopback blocked under https issuer", "http://example.com/callback", httpsIssuer, true},
		{"http non-loopback allowed under http issuer", "http://example.com/callback", "http://localhost:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRedirectURISecurityEnhanced(tt.uri, tt.issuer, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURISecurityEnhanced(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}
