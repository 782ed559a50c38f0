package server

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/relayhq/agent-oauth/internal/util"
)

// RedirectURISecurityError carries the internal reason for operators while the
// Error() string stays generic enough to hand back to clients.
type RedirectURISecurityError struct {
	Category      string // category for logging and metrics
	URI           string // offending URI, sanitized
	Reason        string // internal detail, log-only
	ClientMessage string // safe to return to the registering client
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Redirect URI rejection categories.
const (
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryPrivateIP       = "private_ip"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryLoopback        = "loopback_not_allowed"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryDNSPrivateIP    = "dns_resolves_to_private_ip"
	RedirectURIErrorCategoryDNSLinkLocal    = "dns_resolves_to_link_local"
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
)

func redirectURIError(category, uri, reason, clientMessage string) *RedirectURISecurityError {
	return &RedirectURISecurityError{
		Category:      category,
		URI:           sanitizeURIForLogging(uri),
		Reason:        reason,
		ClientMessage: clientMessage,
	}
}

// ValidateRedirectURIForRegistration applies the full set of redirect URI
// security controls at registration time: scheme blocking, fragment rejection,
// SSRF protection for IP literals, and optional DNS-rebinding checks for
// hostnames. Behavior is tunable through Config so internal or development
// deployments can relax individual controls.
func (s *Server) ValidateRedirectURIForRegistration(ctx context.Context, redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURIError(RedirectURIErrorCategoryInvalidFormat, redirectURI,
			fmt.Sprintf("URL parse error: %v", err),
			"redirect_uri: invalid URI format")
	}

	// Fragments are forbidden on redirect URIs (OAuth 2.0 Security BCP 4.1.3).
	if parsed.Fragment != "" {
		return redirectURIError(RedirectURIErrorCategoryFragment, redirectURI,
			"URI contains a fragment",
			"redirect_uri: fragments are not allowed (OAuth 2.0 Security BCP)")
	}

	scheme := strings.ToLower(parsed.Scheme)

	// Blocked schemes are rejected before anything else, in every mode.
	for _, blocked := range s.Config.BlockedRedirectSchemes {
		if scheme == strings.ToLower(blocked) {
			return redirectURIError(RedirectURIErrorCategoryBlockedScheme, "",
				fmt.Sprintf("scheme '%s' is in blocked list", scheme),
				fmt.Sprintf("redirect_uri: scheme '%s' is blocked for security reasons", scheme))
		}
	}

	if scheme == SchemeHTTP || scheme == SchemeHTTPS {
		return s.checkWebRedirectURI(ctx, parsed)
	}

	// Anything else is a custom scheme for a native app.
	if err := validateCustomScheme(scheme, s.Config.AllowedCustomSchemes); err != nil {
		return redirectURIError(RedirectURIErrorCategoryBlockedScheme, redirectURI,
			err.Error(),
			fmt.Sprintf("redirect_uri: scheme '%s' is not allowed", scheme))
	}
	return nil
}

// checkWebRedirectURI handles http and https redirect URIs.
func (s *Server) checkWebRedirectURI(ctx context.Context, parsed *url.URL) error {
	scheme := strings.ToLower(parsed.Scheme)
	hostname := parsed.Hostname()

	if isLoopbackAddress(hostname) {
		// RFC 8252 7.3 permits plain HTTP for loopback listeners.
		if !s.Config.AllowLocalhostRedirectURIs {
			return redirectURIError(RedirectURIErrorCategoryLoopback, parsed.String(),
				"loopback addresses disabled via AllowLocalhostRedirectURIs=false",
				"redirect_uri: loopback addresses are not allowed")
		}
		return nil
	}

	if s.Config.ProductionMode && scheme == SchemeHTTP {
		return redirectURIError(RedirectURIErrorCategoryHTTPNotAllowed, parsed.String(),
			"ProductionMode requires HTTPS for non-loopback URIs",
			"redirect_uri: HTTPS is required in production (HTTP only allowed for localhost)")
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return s.checkRedirectIP(ip, hostname)
	}

	if s.Config.DNSValidation {
		return s.checkResolvedHost(ctx, hostname, parsed.String())
	}
	return nil
}

// checkRedirectIP rejects IP literals that would let a hostile registration
// point redirects at internal infrastructure or cloud metadata endpoints.
func (s *Server) checkRedirectIP(ip net.IP, hostname string) error {
	switch util.ClassifyIP(ip) {
	case util.IPClassificationUnspecified:
		return redirectURIError(RedirectURIErrorCategoryUnspecifiedAddr, "",
			fmt.Sprintf("IP %s is unspecified", hostname),
			"redirect_uri: unspecified addresses (0.0.0.0, ::) are not allowed")
	case util.IPClassificationPrivate:
		if !s.Config.AllowPrivateIPRedirectURIs {
			return redirectURIError(RedirectURIErrorCategoryPrivateIP, "",
				fmt.Sprintf("IP %s is in a private range", hostname),
				"redirect_uri: private IP addresses are not allowed (SSRF protection)")
		}
	case util.IPClassificationLinkLocal:
		if !s.Config.AllowLinkLocalRedirectURIs {
			return redirectURIError(RedirectURIErrorCategoryLinkLocal, "",
				fmt.Sprintf("IP %s is link-local", hostname),
				"redirect_uri: link-local addresses are not allowed (cloud SSRF protection)")
		}
	}
	return nil
}

// checkResolvedHost resolves the hostname and vets every returned address.
// Attackers who control DNS can otherwise pass validation with a public
// record and later repoint it at an internal one.
func (s *Server) checkResolvedHost(ctx context.Context, hostname, fullURI string) error {
	resolveCtx, cancel := context.WithTimeout(ctx, s.Config.DNSValidationTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(resolveCtx, "ip", hostname)
	if err != nil {
		if s.Config.DNSValidationStrict {
			// Fail closed: an unresolvable hostname cannot be vetted.
			return redirectURIError(RedirectURIErrorCategoryInvalidFormat, fullURI,
				fmt.Sprintf("DNS resolution failed for hostname '%s': %v", hostname, err),
				"redirect_uri: hostname could not be resolved")
		}
		s.Logger.Warn("DNS resolution failed during redirect URI validation",
			"hostname", hostname,
			"error", err,
			"action", "allowing_registration")
		return nil
	}

	for _, ip := range ips {
		switch util.ClassifyIP(ip) {
		case util.IPClassificationPrivate:
			if !s.Config.AllowPrivateIPRedirectURIs {
				return redirectURIError(RedirectURIErrorCategoryDNSPrivateIP, fullURI,
					fmt.Sprintf("hostname '%s' resolves to private IP %s", hostname, ip),
					"redirect_uri: hostname resolves to private IP address (DNS rebinding protection)")
			}
		case util.IPClassificationLinkLocal:
			if !s.Config.AllowLinkLocalRedirectURIs {
				return redirectURIError(RedirectURIErrorCategoryDNSLinkLocal, fullURI,
					fmt.Sprintf("hostname '%s' resolves to link-local IP %s", hostname, ip),
					"redirect_uri: hostname resolves to link-local address (cloud SSRF protection)")
			}
		}
	}
	return nil
}

// ValidateRedirectURIsForRegistration validates a registration's full redirect
// URI list, stopping at the first failure.
func (s *Server) ValidateRedirectURIsForRegistration(ctx context.Context, redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("redirect_uri: at least one redirect URI is required")
	}
	for _, uri := range redirectURIs {
		if err := s.ValidateRedirectURIForRegistration(ctx, uri); err != nil {
			return err
		}
	}
	return nil
}

// sanitizeURIForLogging strips query, fragment, and userinfo so the URI can be
// logged without leaking codes or credentials embedded in it.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}

// IsRedirectURISecurityError reports whether err came from redirect URI
// security validation.
func IsRedirectURISecurityError(err error) bool {
	_, ok := err.(*RedirectURISecurityError)
	return ok
}

// GetRedirectURIErrorCategory returns the rejection category, or "" when err
// is not a RedirectURISecurityError.
func GetRedirectURIErrorCategory(err error) string {
	if secErr, ok := err.(*RedirectURISecurityError); ok {
		return secErr.Category
	}
	return ""
}
