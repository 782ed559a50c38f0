package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/relayhq/agent-oauth/storage"
)

// PKCE and URI validation constants duplicated from the root package, which
// imports this one. Keep both copies in sync.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"

	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// AllowedHTTPSchemes lists the HTTP-based redirect URI schemes.
	AllowedHTTPSchemes = []string{SchemeHTTP, SchemeHTTPS}

	// DefaultBlockedRedirectSchemes lists URI schemes that are never valid in
	// a redirect URI regardless of configuration.
	DefaultBlockedRedirectSchemes = []string{"javascript", "data", "file", "vbscript", "about", "blob"}

	// DefaultRFC3986SchemePattern matches any syntactically valid custom
	// scheme (RFC 3986 section 3.1) when no allowlist is configured.
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}

	// LoopbackAddresses lists recognized loopback hosts for development.
	LoopbackAddresses = []string{"localhost", "127.0.0.1", "::1", "[::1]"}
)

const oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

// opaqueIdentifierPattern is the character set permitted for client_id and
// device_code values proxied to the upstream. Anything outside this set is
// rejected before the value appears in an upstream request.
var opaqueIdentifierPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

// isValidOpaqueIdentifier reports whether a client_id or device_code consists
// only of unreserved URI characters.
func isValidOpaqueIdentifier(s string) bool {
	return s != "" && opaqueIdentifierPattern.MatchString(s)
}

// validateHTTPSEnforcement rejects a plaintext issuer outside of local
// development. HTTPS issuers always pass, HTTP on a loopback host passes
// with a warning, and HTTP anywhere else is an error unless
// AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	// An empty issuer fails elsewhere with a clearer message.
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		// handled below
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauth21SecurityBestPracticesURL)
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"OAuth over HTTP exposes tokens and credentials to interception. "+
				"To run on localhost for development, set AllowInsecureHTTP=true. "+
				"For production, use HTTPS",
			issuerURL.Scheme, hostname)
	}

	s.Logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"action_required", "Switch to HTTPS immediately",
		"learn_more", oauth21SecurityBestPracticesURL)
	return nil
}

// isLocalhostHostname reports whether a hostname refers to the local machine:
// "localhost", "0.0.0.0", any 127.0.0.0/8 address, or ::1.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	// url.Hostname() may keep IPv6 brackets that net.ParseIP rejects.
	trimmed := hostname
	if len(trimmed) > 2 && trimmed[0] == '[' && trimmed[len(trimmed)-1] == ']' {
		trimmed = trimmed[1 : len(trimmed)-1]
	}
	if ip := net.ParseIP(trimmed); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateRedirectURI checks that a redirect URI is registered for the client
// and passes the security checks.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		return fmt.Errorf("redirect URI not registered for client")
	}
	return validateRedirectURISecurityEnhanced(redirectURI, s.Config.Issuer, s.Config.AllowedCustomSchemes)
}

// normalizeScopes produces a canonical scope set from the forms scope data
// arrives in: a string slice, a space-separated string, a JSON array string,
// or a JSON array of interface{} values (decoded upstream bodies). The result
// is deduplicated and sorted; entries failing RFC 6749 scope syntax are
// dropped. An empty or entirely malformed input yields nil.
func normalizeScopes(raw interface{}) []string {
	var parts []string

	switch v := raw.(type) {
	case nil:
		return nil
	case []string:
		parts = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		// A JSON array string ("[\"read\",\"write\"]") decodes first; anything
		// else is treated as space-separated.
		if strings.HasPrefix(trimmed, "[") {
			var decoded []string
			if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
				parts = decoded
				break
			}
		}
		parts = strings.Fields(trimmed)
	default:
		return nil
	}

	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		if err := validateScopeFormat(p); err != nil {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// scopeString joins a scope set back into the space-separated wire form.
func scopeString(scopes []string) string {
	return strings.Join(scopes, " ")
}

// scopesSubset reports whether every requested scope appears in granted.
func scopesSubset(requested, granted []string) bool {
	for _, r := range requested {
		if !slices.Contains(granted, r) {
			return false
		}
	}
	return true
}

// validateScopes checks a requested scope string against the server's
// SupportedScopes. An empty configuration allows everything, as does an
// empty request.
func (s *Server) validateScopes(scope string) error {
	if len(s.Config.SupportedScopes) == 0 || scope == "" {
		return nil
	}

	if s.Config.MaxScopeLength > 0 && len(scope) > s.Config.MaxScopeLength {
		return fmt.Errorf("scope exceeds maximum length of %d characters", s.Config.MaxScopeLength)
	}

	for _, reqScope := range strings.Fields(scope) {
		if !slices.Contains(s.Config.SupportedScopes, reqScope) {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}
	return nil
}

// validateClientScopes layers per-client scope restriction on top of
// validateScopes. A client with no scope list may request anything the
// server supports; otherwise the request must be a subset of the client's
// list.
func (s *Server) validateClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 || requestedScope == "" {
		return nil
	}

	if !scopesSubset(strings.Fields(requestedScope), clientScopes) {
		// Deliberately vague: naming the offending scope would let a caller
		// enumerate the client's allowed set.
		return fmt.Errorf("client is not authorized for one or more requested scopes")
	}
	return nil
}

// validatePKCE checks a code_verifier against the stored challenge per
// RFC 7636.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if s.Config.RequirePKCE {
			return fmt.Errorf("code_challenge is required")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636 limits the verifier to the unreserved set. This also rejects
	// null bytes, control characters, and anything non-ASCII.
	for _, ch := range verifier {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computedChallenge string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])

	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed (configure AllowPKCEPlain=true if needed for legacy clients)", PKCEMethodPlain)
		}
		computedChallenge = verifier
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "Upgrade client to use S256")

	default:
		supported := "S256"
		if s.Config.AllowPKCEPlain {
			supported = "S256, plain"
		}
		return fmt.Errorf("unsupported code_challenge_method: %s (supported: %s)", method, supported)
	}

	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateCustomScheme checks a custom redirect URI scheme against the
// blocklist and then the configured allow patterns. With no patterns
// configured, any RFC 3986 compliant scheme passes.
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	schemeLower := strings.ToLower(scheme)

	if slices.Contains(DefaultBlockedRedirectSchemes, schemeLower) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}
	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, schemeLower)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
		scheme, allowedSchemes)
}

// isLoopbackAddress reports whether a redirect URI hostname is a loopback
// address, including the whole 127.0.0.0/8 range.
func isLoopbackAddress(hostname string) bool {
	hostname = strings.TrimSpace(strings.Trim(hostname, "[]"))

	if slices.Contains(LoopbackAddresses, hostname) {
		return true
	}
	return strings.HasPrefix(hostname, "127.") || strings.HasPrefix(hostname, "localhost:")
}

// validateRedirectURISecurityEnhanced applies the OAuth 2.0 Security BCP
// checks shared by registration-time and authorization-time validation:
// no fragments, no dangerous schemes, and HTTPS for non-loopback web URIs
// when the server itself runs over HTTPS.
func validateRedirectURISecurityEnhanced(redirectURI, serverIssuer string, allowedCustomSchemes []string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments (security risk)")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !slices.Contains(AllowedHTTPSchemes, scheme) {
		// Custom scheme, used by native and CLI apps.
		return validateCustomScheme(scheme, allowedCustomSchemes)
	}

	hostname := strings.ToLower(parsed.Hostname())
	if isLoopbackAddress(hostname) || scheme == SchemeHTTPS {
		return nil
	}

	// Plain HTTP to a non-loopback host: reject when the server itself is
	// HTTPS, since a production deployment has no business with HTTP
	// callbacks.
	if serverParsed, err := url.Parse(serverIssuer); err == nil && serverParsed.Scheme == SchemeHTTPS {
		return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
	}
	return nil
}
