package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relayhq/agent-oauth/internal/testutil"
)

// newAssertionTestServer starts a metadata document server publishing a JWKS
// for a private_key_jwt client and returns the server, the URL-shaped
// client_id and the signing key.
func newAssertionTestServer(t *testing.T, config *Config) (*Server, string, *rsa.PrivateKey) {
	t.Helper()

	key := testutil.GenerateRSAKey(t)
	jwks := testutil.JWKSJSON(t, key, "key-1")

	var clientID string
	doc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"client_id":%q,"redirect_uris":["https://example.com/callback"],"token_endpoint_auth_method":"private_key_jwt","jwks":%s}`,
			clientID, jwks)
	}))
	t.Cleanup(doc.Close)
	clientID = doc.URL + "/client-metadata.json"

	if config == nil {
		config = &Config{}
	}
	config.EnableClientIDMetadataDocuments = true
	config.AllowLocalhostCIMD = true

	srv, _ := newTestServer(t, config)
	return srv, clientID, key
}

func TestAuthenticateClientAssertion(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()
	audience := srv.Config.TokenEndpoint()

	assertion := testutil.SignAssertion(t, key, "key-1", clientID, audience, testutil.AssertionClaims{})
	err := auth.AuthenticateClientAssertion(context.Background(), clientID, assertion, ClientAssertionTypeJWTBearer)
	if err != nil {
		t.Fatalf("AuthenticateClientAssertion() error = %v", err)
	}

	if size := auth.ReplayStoreSize(); size != 1 {
		t.Errorf("ReplayStoreSize() = %d, want 1", size)
	}
}

func TestAuthenticateClientAssertion_NoKid(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()

	// Without a kid the first key matching the algorithm family is used
	assertion := testutil.SignAssertion(t, key, "", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{})
	if err := auth.AuthenticateClientAssertion(context.Background(), clientID, assertion, ClientAssertionTypeJWTBearer); err != nil {
		t.Fatalf("AuthenticateClientAssertion() error = %v", err)
	}
}

func TestAuthenticateClientAssertion_WrongAssertionType(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()

	assertion := testutil.SignAssertion(t, key, "key-1", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{})
	err := auth.AuthenticateClientAssertion(context.Background(), clientID, assertion, "urn:ietf:params:oauth:grant-type:saml2-bearer")
	if !errors.Is(err, ErrInvalidAssertionType) {
		t.Errorf("error = %v, want ErrInvalidAssertionType", err)
	}
}

func TestAuthenticateClientAssertion_EmptyAssertion(t *testing.T) {
	srv, clientID, _ := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()

	err := auth.AuthenticateClientAssertion(context.Background(), clientID, "", ClientAssertionTypeJWTBearer)
	if err == nil {
		t.Fatal("expected error for empty assertion")
	}
}

// HS* and "none" are rejected during header screening, before any key lookup.
func TestAuthenticateClientAssertion_SymmetricAndNoneRejected(t *testing.T) {
	srv, clientID, _ := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()
	ctx := context.Background()

	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": srv.Config.TokenEndpoint(),
		"jti": "symmetric-jti",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(2 * time.Minute).Unix(),
	}

	hmacAssertion, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("failed to sign HS256 assertion: %v", err)
	}
	if err := auth.AuthenticateClientAssertion(ctx, clientID, hmacAssertion, ClientAssertionTypeJWTBearer); err == nil {
		t.Error("HS256 assertion must be rejected")
	}

	noneAssertion, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build unsigned assertion: %v", err)
	}
	if err := auth.AuthenticateClientAssertion(ctx, clientID, noneAssertion, ClientAssertionTypeJWTBearer); err == nil {
		t.Error("unsigned assertion must be rejected")
	}

	// Neither rejection burned a jti
	if size := auth.ReplayStoreSize(); size != 0 {
		t.Errorf("ReplayStoreSize() = %d, want 0", size)
	}
}

func TestAuthenticateClientAssertion_AlgorithmNotInAllowList(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, &Config{
		AllowedAssertionAlgorithms: []string{"ES256"},
	})
	auth := srv.ClientAuthenticator()

	// RS256-signed assertion against an ES256-only allow-list
	assertion := testutil.SignAssertion(t, key, "key-1", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{})
	err := auth.AuthenticateClientAssertion(context.Background(), clientID, assertion, ClientAssertionTypeJWTBearer)
	if err == nil {
		t.Fatal("expected RS256 to be rejected by the allow-list")
	}
	if !strings.Contains(err.Error(), "not allowed") {
		t.Errorf("error = %v, want algorithm rejection", err)
	}
}

func TestAuthenticateClientAssertion_UnknownKid(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()

	assertion := testutil.SignAssertion(t, key, "other-key", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{})
	err := auth.AuthenticateClientAssertion(context.Background(), clientID, assertion, ClientAssertionTypeJWTBearer)
	if err == nil {
		t.Fatal("expected error for unknown kid")
	}
	if !strings.Contains(err.Error(), "no usable verification key") {
		t.Errorf("error = %v, want key selection failure", err)
	}
}

func TestAuthenticateClientAssertion_WrongKey(t *testing.T) {
	srv, clientID, _ := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()

	// Signed with a key the client never published
	rogue := testutil.GenerateRSAKey(t)
	assertion := testutil.SignAssertion(t, rogue, "key-1", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{})
	if err := auth.AuthenticateClientAssertion(context.Background(), clientID, assertion, ClientAssertionTypeJWTBearer); err == nil {
		t.Fatal("expected signature verification to fail")
	}
}

func TestAuthenticateClientAssertion_WrongAudience(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()

	assertion := testutil.SignAssertion(t, key, "key-1", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{
		Audience: "https://other-server.example.com/token",
	})
	if err := auth.AuthenticateClientAssertion(context.Background(), clientID, assertion, ClientAssertionTypeJWTBearer); err == nil {
		t.Fatal("expected audience mismatch to fail")
	}
}

func TestAuthenticateClientAssertion_WrongIssuer(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()

	assertion := testutil.SignAssertion(t, key, "key-1", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{
		Issuer: "https://someone-else.example.com/client.json",
	})
	if err := auth.AuthenticateClientAssertion(context.Background(), clientID, assertion, ClientAssertionTypeJWTBearer); err == nil {
		t.Fatal("expected issuer mismatch to fail")
	}
}

func TestAuthenticateClientAssertion_Expired(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()

	assertion := testutil.SignAssertion(t, key, "key-1", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{
		IssuedAt:  time.Now().Add(-10 * time.Minute),
		ExpiresAt: time.Now().Add(-5 * time.Minute),
	})
	err := auth.AuthenticateClientAssertion(context.Background(), clientID, assertion, ClientAssertionTypeJWTBearer)
	if !errors.Is(err, ErrAssertionExpired) {
		t.Errorf("error = %v, want ErrAssertionExpired", err)
	}
}

// An assertion whose exp is fine but whose iat is older than MaxAssertionAge
// is stale.
func TestAuthenticateClientAssertion_StaleIssuedAt(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()

	assertion := testutil.SignAssertion(t, key, "key-1", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{
		IssuedAt:  time.Now().Add(-10 * time.Minute),
		ExpiresAt: time.Now().Add(2 * time.Minute),
	})
	err := auth.AuthenticateClientAssertion(context.Background(), clientID, assertion, ClientAssertionTypeJWTBearer)
	if !errors.Is(err, ErrAssertionExpired) {
		t.Errorf("error = %v, want ErrAssertionExpired", err)
	}
}

func TestAuthenticateClientAssertion_MissingClaims(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()
	ctx := context.Background()
	audience := srv.Config.TokenEndpoint()

	tests := []struct {
		name   string
		claims testutil.AssertionClaims
	}{
		{"missing_jti", testutil.AssertionClaims{OmitJTI: true}},
		{"missing_iat", testutil.AssertionClaims{OmitIssuedAt: true}},
		{"missing_exp", testutil.AssertionClaims{OmitExpiresAt: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertion := testutil.SignAssertion(t, key, "key-1", clientID, audience, tt.claims)
			if err := auth.AuthenticateClientAssertion(ctx, clientID, assertion, ClientAssertionTypeJWTBearer); err == nil {
				t.Error("expected assertion with missing claim to fail")
			}
		})
	}
}

func TestAuthenticateClientAssertion_Replay(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()
	ctx := context.Background()

	assertion := testutil.SignAssertion(t, key, "key-1", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{})

	if err := auth.AuthenticateClientAssertion(ctx, clientID, assertion, ClientAssertionTypeJWTBearer); err != nil {
		t.Fatalf("first use error = %v", err)
	}

	err := auth.AuthenticateClientAssertion(ctx, clientID, assertion, ClientAssertionTypeJWTBearer)
	if !errors.Is(err, ErrAssertionReplayed) {
		t.Errorf("error = %v, want ErrAssertionReplayed", err)
	}
}

// A jti is recorded only after every other check has passed: a failed
// assertion must not block a later valid assertion with the same jti.
func TestAuthenticateClientAssertion_FailedCheckDoesNotBurnJTI(t *testing.T) {
	srv, clientID, key := newAssertionTestServer(t, nil)
	auth := srv.ClientAuthenticator()
	ctx := context.Background()

	bad := testutil.SignAssertion(t, key, "key-1", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{
		Audience: "https://wrong.example.com/token",
		JTI:      "shared-jti",
	})
	if err := auth.AuthenticateClientAssertion(ctx, clientID, bad, ClientAssertionTypeJWTBearer); err == nil {
		t.Fatal("expected wrong-audience assertion to fail")
	}
	if size := auth.ReplayStoreSize(); size != 0 {
		t.Fatalf("ReplayStoreSize() = %d after failed check, want 0", size)
	}

	good := testutil.SignAssertion(t, key, "key-1", clientID, srv.Config.TokenEndpoint(), testutil.AssertionClaims{
		JTI: "shared-jti",
	})
	if err := auth.AuthenticateClientAssertion(ctx, clientID, good, ClientAssertionTypeJWTBearer); err != nil {
		t.Errorf("valid assertion with previously failed jti should succeed, got %v", err)
	}
}
