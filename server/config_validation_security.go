package server

import (
	"log/slog"
	"slices"
	"strings"
	"time"
)

// applySecurityDefaults turns on every security feature that was not
// explicitly disabled: PKCE, refresh token rotation, production mode for
// redirect URIs, and DNS validation in strict (fail-closed) form. A bool
// zero value cannot distinguish unset from deliberately false, so the
// positive features are forced on and the Disable* knobs are the only way
// out; the resulting posture is logged afterward.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	config.AllowRefreshTokenRotation = true
	config.RequirePKCE = true

	config.ProductionMode = !config.DisableProductionMode
	config.DNSValidation = !config.DisableDNSValidation
	config.DNSValidationStrict = !config.DisableDNSValidationStrict

	// Canonical blocklist lives in validation.go.
	if len(config.BlockedRedirectSchemes) == 0 {
		config.BlockedRedirectSchemes = DefaultBlockedRedirectSchemes
	}

	// When unauthenticated registration via trusted schemes is configured,
	// every redirect URI must use a trusted scheme, otherwise a client could
	// mix trusted and untrusted schemes to bypass authentication.
	if len(config.TrustedPublicRegistrationSchemes) > 0 && !config.DisableStrictSchemeMatching {
		config.StrictSchemeMatching = true
	}

	applyDNSTimeoutDefaults(config, logger)
	validateTrustedPublicRegistrationSchemes(config, logger)
	logSecurityWarnings(config, logger)
}

// applyDNSTimeoutDefaults bounds the DNS validation timeout. The 2 second
// default covers most resolvers; the 30 second cap keeps a misconfigured
// timeout from stalling every registration.
func applyDNSTimeoutDefaults(config *Config, logger *slog.Logger) {
	const (
		defaultDNSTimeout = 2 * time.Second
		maxDNSTimeout     = 30 * time.Second
	)

	switch {
	case config.DNSValidationTimeout == 0:
		config.DNSValidationTimeout = defaultDNSTimeout
	case config.DNSValidationTimeout > maxDNSTimeout:
		logger.Warn("DNS validation timeout exceeds maximum, capping to prevent slow registrations",
			"configured", config.DNSValidationTimeout,
			"corrected_to", maxDNSTimeout)
		config.DNSValidationTimeout = maxDNSTimeout
	case config.DNSValidationTimeout < 0:
		logger.Warn("DNS validation timeout cannot be negative, using default",
			"configured", config.DNSValidationTimeout,
			"corrected_to", defaultDNSTimeout)
		config.DNSValidationTimeout = defaultDNSTimeout
	}
}

// validateTrustedPublicRegistrationSchemes builds the trusted-scheme lookup
// map. These schemes grant unauthenticated client registration, so web and
// dangerous schemes never make it into the map regardless of configuration.
func validateTrustedPublicRegistrationSchemes(config *Config, logger *slog.Logger) {
	if len(config.TrustedPublicRegistrationSchemes) == 0 {
		return
	}

	config.trustedSchemesMap = make(map[string]bool, len(config.TrustedPublicRegistrationSchemes))

	for i, scheme := range config.TrustedPublicRegistrationSchemes {
		if scheme == "" {
			logger.Warn("Empty scheme in TrustedPublicRegistrationSchemes",
				"index", i,
				"recommendation", "Remove empty entries from the list")
			continue
		}

		schemeLower := strings.ToLower(scheme)

		// RFC 3986: scheme = ALPHA *( ALPHA / DIGIT / "+" / "-" / "." )
		for j, c := range schemeLower {
			if !isValidSchemeChar(c, j == 0) {
				logger.Warn("Invalid character in TrustedPublicRegistrationSchemes scheme",
					"scheme", scheme,
					"index", i,
					"char_position", j,
					"valid_chars", "a-z, 0-9, +, -, . (first char must be a letter)")
				break
			}
		}

		// HTTP/HTTPS redirect URIs can be hijacked; they are never safe for
		// unauthenticated registration.
		if schemeLower == SchemeHTTP || schemeLower == SchemeHTTPS {
			logger.Error("SECURITY ERROR: HTTP/HTTPS schemes in TrustedPublicRegistrationSchemes",
				"scheme", scheme,
				"risk", "HTTP/HTTPS redirect URIs can be hijacked by attackers",
				"action", "Remove http/https from TrustedPublicRegistrationSchemes")
			continue
		}

		if slices.Contains(DefaultBlockedRedirectSchemes, schemeLower) {
			logger.Error("SECURITY ERROR: Dangerous scheme in TrustedPublicRegistrationSchemes",
				"scheme", scheme,
				"action", "Remove this scheme from TrustedPublicRegistrationSchemes")
			continue
		}

		config.trustedSchemesMap[schemeLower] = true
	}

	logger.Info("TrustedPublicRegistrationSchemes configured",
		"schemes", config.TrustedPublicRegistrationSchemes,
		"strict_matching", config.StrictSchemeMatching)

	if !config.StrictSchemeMatching {
		logger.Warn("StrictSchemeMatching disabled for TrustedPublicRegistrationSchemes",
			"risk", "Clients can mix trusted and untrusted redirect URI schemes",
			"recommendation", "Enable StrictSchemeMatching for maximum security")
	}
	if config.AllowPublicClientRegistration {
		logger.Warn("TrustedPublicRegistrationSchemes is redundant when AllowPublicClientRegistration=true",
			"recommendation", "Set AllowPublicClientRegistration=false and use TrustedPublicRegistrationSchemes for controlled access")
	}
}

// isValidSchemeChar reports whether c may appear in a URI scheme per
// RFC 3986 (first char must be a letter).
func isValidSchemeChar(c rune, isFirst bool) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case isFirst:
		return false
	case c >= '0' && c <= '9':
		return true
	default:
		return c == '+' || c == '-' || c == '.'
	}
}

// logSecurityWarnings surfaces every insecure setting still in effect after
// defaults were applied.
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is DISABLED",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-7.6")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowPublicClientRegistration {
		logger.Warn("SECURITY WARNING: Public client registration is ENABLED",
			"risk", "DoS attacks via unlimited client registration",
			"recommendation", "Set AllowPublicClientRegistration=false and use RegistrationAccessToken")
	}
	if !config.AllowPublicClientRegistration &&
		config.RegistrationAccessToken == "" &&
		len(config.TrustedPublicRegistrationSchemes) == 0 {
		logger.Warn("CONFIGURATION WARNING: RegistrationAccessToken not configured",
			"risk", "Client registration will fail",
			"recommendation", "Set RegistrationAccessToken or enable AllowPublicClientRegistration")
	}
	if config.AllowInsecureHTTP {
		logger.Error("CRITICAL SECURITY WARNING: HTTP is explicitly allowed",
			"risk", "All OAuth tokens and credentials exposed to network interception",
			"recommendation", "Use HTTPS in all environments",
			"compliance", "OAuth 2.1 requires HTTPS for all endpoints")
	}

	logRedirectURISecurityStatus(config, logger)
}

// logRedirectURISecurityStatus reports the redirect URI validation posture
// and warns about each relaxation.
func logRedirectURISecurityStatus(config *Config, logger *slog.Logger) {
	logger.Info("Redirect URI security status",
		"production_mode", config.ProductionMode,
		"dns_validation", config.DNSValidation,
		"dns_validation_strict", config.DNSValidationStrict,
		"dns_timeout", config.DNSValidationTimeout)

	if config.DisableProductionMode {
		logger.Warn("SECURITY WARNING: ProductionMode is DISABLED",
			"risk", "HTTP allowed on non-loopback hosts, relaxed redirect URI validation",
			"recommendation", "Only disable for local development environments")
	}
	if config.DisableDNSValidation {
		logger.Warn("SECURITY WARNING: DNS validation is DISABLED",
			"risk", "DNS rebinding attacks possible - hostnames not validated",
			"recommendation", "Only disable if DNS lookup latency is unacceptable")
	}
	if config.DisableDNSValidationStrict {
		logger.Warn("SECURITY WARNING: DNS validation strict mode is DISABLED",
			"risk", "DNS failures allow registration (fail-open) - potential bypass")
	}
	if config.AllowLocalhostRedirectURIs {
		logger.Info("Localhost redirect URIs are ALLOWED (RFC 8252 native app support)",
			"note", "HTTP allowed on loopback for native apps")
	}
	if config.AllowPrivateIPRedirectURIs {
		logger.Warn("SECURITY WARNING: Private IP redirect URIs are ALLOWED",
			"risk", "SSRF attacks to internal networks (10.x, 172.16.x, 192.168.x)",
			"recommendation", "Only enable for internal/VPN deployments with proper network controls")
	}
	if config.AllowLinkLocalRedirectURIs {
		logger.Warn("SECURITY WARNING: Link-local redirect URIs are ALLOWED",
			"risk", "SSRF to cloud metadata services (169.254.169.254 - AWS/GCP/Azure)",
			"impact", "Could expose cloud instance credentials and sensitive metadata")
	}
}
