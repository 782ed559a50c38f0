package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/relayhq/agent-oauth/internal/util"
	"github.com/relayhq/agent-oauth/security"
)

// ClientAssertionTypeJWTBearer is the assertion type for private_key_jwt
// client authentication (RFC 7523 Section 2.2).
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Assertion verification errors. Replay and expiry are deliberately distinct:
// a replayed assertion is an attack signal, an expired one is usually clock
// drift on the client.
var (
	// ErrInvalidAssertionType indicates an unsupported client_assertion_type
	ErrInvalidAssertionType = errors.New("unsupported client assertion type")

	// ErrAssertionExpired indicates the assertion's exp has passed
	ErrAssertionExpired = errors.New("client assertion expired")

	// ErrAssertionReplayed indicates the assertion's jti was already used
	ErrAssertionReplayed = errors.New("client assertion already used")
)

// JWTClientAuthenticator verifies private_key_jwt client assertions
// (RFC 7523) against the keys published in the client's metadata document.
//
// Verification order is fixed: header inspection and algorithm screening
// happen before any key material is touched, and the jti is recorded only
// after every other check has passed, so a rejected assertion never burns
// its jti.
type JWTClientAuthenticator struct {
	cimd    *CIMDFetcher
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	replay  *security.ReplayStore
}

// NewJWTClientAuthenticator creates an assertion authenticator backed by the
// given metadata fetcher.
func NewJWTClientAuthenticator(cimd *CIMDFetcher, config *Config, logger *slog.Logger) *JWTClientAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTClientAuthenticator{
		cimd:   cimd,
		config: config,
		logger: logger,
		replay: security.NewReplayStore(logger),
	}
}

// SetAuditor wires the security auditor for assertion events.
func (a *JWTClientAuthenticator) SetAuditor(aud *security.Auditor) {
	a.auditor = aud
}

// Stop shuts down the replay store's pruning goroutine.
func (a *JWTClientAuthenticator) Stop() {
	a.replay.Stop()
}

// ReplayStoreSize returns the number of tracked jti records (for tests and
// operational visibility).
func (a *JWTClientAuthenticator) ReplayStoreSize() int {
	return a.replay.Size()
}

// clockSkew returns the configured assertion leeway.
func (a *JWTClientAuthenticator) clockSkew() time.Duration {
	if a.config.AssertionClockSkew > 0 {
		return a.config.AssertionClockSkew
	}
	return 60 * time.Second
}

// maxAge returns the configured maximum assertion age.
func (a *JWTClientAuthenticator) maxAge() time.Duration {
	if a.config.MaxAssertionAge > 0 {
		return a.config.MaxAssertionAge
	}
	return 5 * time.Minute
}

// allowedAlgorithms returns the asymmetric algorithm allow-list.
func (a *JWTClientAuthenticator) allowedAlgorithms() []string {
	if len(a.config.AllowedAssertionAlgorithms) > 0 {
		return a.config.AllowedAssertionAlgorithms
	}
	return DefaultAssertionAlgorithms
}

// AuthenticateClientAssertion verifies a private_key_jwt client assertion.
// On success the client named by clientID is authenticated for this request.
func (a *JWTClientAuthenticator) AuthenticateClientAssertion(ctx context.Context, clientID, assertion, assertionType string) error {
	if assertionType != ClientAssertionTypeJWTBearer {
		return fmt.Errorf("%w: %q", ErrInvalidAssertionType, assertionType)
	}
	if assertion == "" {
		return fmt.Errorf("client_assertion is required")
	}

	// Read the header without verifying anything. The declared algorithm is
	// screened before any key lookup so an attacker cannot steer verification
	// toward a symmetric or unsigned path.
	alg, kid, err := readAssertionHeader(assertion)
	if err != nil {
		a.rejectAssertion(clientID, "malformed assertion header")
		return fmt.Errorf("malformed client assertion: %w", err)
	}

	if err := a.screenAlgorithm(clientID, alg); err != nil {
		return err
	}

	keys, err := a.cimd.GetJWKS(ctx, clientID)
	if err != nil {
		a.rejectAssertion(clientID, "jwks unavailable")
		return fmt.Errorf("failed to load client keys: %w", err)
	}

	key, err := selectVerificationKey(keys, alg, kid)
	if err != nil {
		a.rejectAssertion(clientID, "no usable key")
		return fmt.Errorf("no usable verification key: %w", err)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		a.rejectAssertion(clientID, "key export failed")
		return fmt.Errorf("failed to export verification key: %w", err)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(assertion, claims,
		func(t *jwt.Token) (interface{}, error) { return rawKey, nil },
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuer(clientID),
		jwt.WithSubject(clientID),
		jwt.WithAudience(a.config.TokenEndpoint()),
		jwt.WithLeeway(a.clockSkew()),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			a.rejectAssertion(clientID, "expired")
			return fmt.Errorf("%w: %v", ErrAssertionExpired, err)
		}
		a.rejectAssertion(clientID, "verification failed")
		return fmt.Errorf("client assertion verification failed: %w", err)
	}
	if !token.Valid {
		a.rejectAssertion(clientID, "invalid token")
		return fmt.Errorf("client assertion verification failed")
	}

	// iat is required; WithIssuedAt only validates it when present
	issuedAt, err := claims.GetIssuedAt()
	if err != nil || issuedAt == nil {
		a.rejectAssertion(clientID, "missing iat")
		return fmt.Errorf("client assertion must carry an iat claim")
	}
	if time.Since(issuedAt.Time) > a.maxAge()+a.clockSkew() {
		a.rejectAssertion(clientID, "assertion too old")
		return fmt.Errorf("%w: assertion issued too long ago", ErrAssertionExpired)
	}

	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		a.rejectAssertion(clientID, "missing exp")
		return fmt.Errorf("client assertion must carry an exp claim")
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		a.rejectAssertion(clientID, "missing jti")
		return fmt.Errorf("client assertion must carry a jti claim")
	}

	// Replay check goes LAST: recording the jti for an assertion that fails
	// any later check would let an attacker exhaust a victim's jtis.
	retainUntil := expiresAt.Time.Add(a.clockSkew())
	if !a.replay.CheckAndRecord(clientID+":"+jti, retainUntil) {
		if a.auditor != nil {
			a.auditor.LogAssertionReplay(clientID, util.SafeTruncate(jti, 8))
		}
		return fmt.Errorf("%w", ErrAssertionReplayed)
	}

	if a.auditor != nil {
		a.auditor.LogEvent(security.Event{
			Type:     security.EventAssertionVerified,
			ClientID: clientID,
			Details:  map[string]any{"alg": alg},
		})
	}

	a.logger.Debug("Client assertion verified",
		"client_id", clientID,
		"alg", alg,
		"jti_prefix", util.SafeTruncate(jti, 8))

	return nil
}

// screenAlgorithm rejects blocklisted algorithms outright, then enforces the
// asymmetric allow-list.
func (a *JWTClientAuthenticator) screenAlgorithm(clientID, alg string) error {
	upper := strings.ToUpper(alg)

	// Symmetric algorithms and unsigned tokens are always rejected before any
	// key lookup, independent of configuration. A shared-secret MAC proves
	// nothing about a client whose keys are public.
	if upper == "NONE" || strings.HasPrefix(upper, "HS") {
		if a.auditor != nil {
			a.auditor.LogEvent(security.Event{
				Type:     security.EventAssertionAlgorithmBlocked,
				ClientID: clientID,
				Details:  map[string]any{"alg": alg},
			})
		}
		return fmt.Errorf("assertion algorithm %q is not allowed", alg)
	}

	for _, allowed := range a.allowedAlgorithms() {
		if upper == allowed {
			return nil
		}
	}

	a.rejectAssertion(clientID, "algorithm not in allow-list")
	return fmt.Errorf("assertion algorithm %q is not allowed", alg)
}

// readAssertionHeader extracts alg and kid from the JOSE header without any
// signature or claims verification.
func readAssertionHeader(assertion string) (alg, kid string, err error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return "", "", err
	}

	alg, _ = token.Header["alg"].(string)
	if alg == "" {
		return "", "", fmt.Errorf("assertion header has no alg")
	}
	kid, _ = token.Header["kid"].(string)
	return alg, kid, nil
}

// selectVerificationKey picks the key the assertion should verify against:
// by kid when the header names one, otherwise the first key whose type
// matches the algorithm family and whose use is "sig" or unset.
func selectVerificationKey(keys jwk.Set, alg, kid string) (jwk.Key, error) {
	if kid != "" {
		key, ok := keys.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("no key with kid %q", kid)
		}
		if !keyUsableForAlg(key, alg) {
			return nil, fmt.Errorf("key %q does not match assertion algorithm %s", kid, alg)
		}
		return key, nil
	}

	for i := 0; i < keys.Len(); i++ {
		key, ok := keys.Key(i)
		if !ok {
			continue
		}
		if keyUsableForAlg(key, alg) {
			return key, nil
		}
	}
	return nil, fmt.Errorf("no key matches assertion algorithm %s", alg)
}

// keyUsableForAlg reports whether a JWK can verify signatures made with alg:
// the key type must match the algorithm family and the key use, when set,
// must be "sig".
func keyUsableForAlg(key jwk.Key, alg string) bool {
	wantType, ok := keyTypeForAlgorithm(alg)
	if !ok {
		return false
	}
	if key.KeyType() != wantType {
		return false
	}
	if usage, ok := key.KeyUsage(); ok && usage != "" && usage != "sig" {
		return false
	}
	return true
}

// keyTypeForAlgorithm maps a JWS algorithm to the JWK key type that carries it.
func keyTypeForAlgorithm(alg string) (jwa.KeyType, bool) {
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		return jwa.RSA(), true
	case strings.HasPrefix(alg, "ES"):
		return jwa.EC(), true
	default:
		return jwa.KeyType{}, false
	}
}

// rejectAssertion records an assertion rejection audit event.
func (a *JWTClientAuthenticator) rejectAssertion(clientID, reason string) {
	if a.auditor != nil {
		a.auditor.LogEvent(security.Event{
			Type:     security.EventAssertionRejected,
			ClientID: clientID,
			Details:  map[string]any{"reason": reason},
		})
	}
}
