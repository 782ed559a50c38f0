// Package testutil holds shared test fixtures: random credentials, PKCE
// pairs, and signed private_key_jwt assertions.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"
)

// GenerateRandomString returns a random URL-safe string of the given length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GenerateTestToken returns an upstream-shaped oauth2 token valid for an
// hour.
func GenerateTestToken() *oauth2.Token {
	return GenerateTestTokenWithExpiry(time.Now().Add(1 * time.Hour))
}

// GenerateTestTokenWithExpiry returns an oauth2 token with the given expiry.
func GenerateTestTokenWithExpiry(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       expiry,
	}
}

// GeneratePKCEPair returns a matching (challenge, verifier) pair where the
// challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// GenerateRSAKey creates an RSA signing key for client assertion tests.
func GenerateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return key
}

// JWKSJSON renders the public half of an RSA key as a JWKS document with the
// given kid, the shape a client publishes in its metadata document.
func JWKSJSON(t *testing.T, key *rsa.PrivateKey, kid string) []byte {
	t.Helper()

	pub, err := jwk.Import(key.Public())
	if err != nil {
		t.Fatalf("failed to import public key: %v", err)
	}
	if kid != "" {
		if err := pub.Set(jwk.KeyIDKey, kid); err != nil {
			t.Fatalf("failed to set kid: %v", err)
		}
	}

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("failed to add key to set: %v", err)
	}

	data, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("failed to marshal JWKS: %v", err)
	}
	return data
}

// AssertionClaims are the claims of a signed client assertion. Zero values
// get sensible defaults from SignAssertion; set them explicitly to produce
// invalid assertions.
type AssertionClaims struct {
	Issuer    string
	Subject   string
	Audience  string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time

	// OmitJTI / OmitIssuedAt / OmitExpiresAt drop the claim entirely
	OmitJTI       bool
	OmitIssuedAt  bool
	OmitExpiresAt bool
}

// SignAssertion builds and signs a private_key_jwt client assertion.
// clientID fills issuer and subject unless the claims override them.
func SignAssertion(t *testing.T, key *rsa.PrivateKey, kid, clientID, audience string, claims AssertionClaims) string {
	t.Helper()

	if claims.Issuer == "" {
		claims.Issuer = clientID
	}
	if claims.Subject == "" {
		claims.Subject = clientID
	}
	if claims.Audience == "" {
		claims.Audience = audience
	}
	if claims.JTI == "" {
		claims.JTI = GenerateRandomString(16)
	}
	if claims.IssuedAt.IsZero() {
		claims.IssuedAt = time.Now()
	}
	if claims.ExpiresAt.IsZero() {
		claims.ExpiresAt = time.Now().Add(2 * time.Minute)
	}

	mapClaims := jwt.MapClaims{
		"iss": claims.Issuer,
		"sub": claims.Subject,
		"aud": claims.Audience,
	}
	if !claims.OmitJTI {
		mapClaims["jti"] = claims.JTI
	}
	if !claims.OmitIssuedAt {
		mapClaims["iat"] = claims.IssuedAt.Unix()
	}
	if !claims.OmitExpiresAt {
		mapClaims["exp"] = claims.ExpiresAt.Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	if kid != "" {
		token.Header["kid"] = kid
	}

	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign assertion: %v", err)
	}
	return signed
}
