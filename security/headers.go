package security

import (
	"net/http"
	"net/url"
	"strings"
)

// Header values applied to every endpoint response. Token, introspection and
// registration responses carry credentials, so caching is disabled outright
// and framing/sniffing protections are unconditional.
var baseSecurityHeaders = map[string]string{
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"X-XSS-Protection":        "1; mode=block",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store, no-cache, must-revalidate, private",
	"Pragma":                  "no-cache",
}

// SetSecurityHeaders applies the standard header set to a response. HSTS is
// added only when the issuer itself runs over HTTPS; advertising it from an
// HTTP development issuer would lock browsers out of the endpoint.
func SetSecurityHeaders(w http.ResponseWriter, issuerURL string) {
	for name, value := range baseSecurityHeaders {
		w.Header().Set(name, value)
	}

	if issuerUsesHTTPS(issuerURL) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

func issuerUsesHTTPS(issuerURL string) bool {
	parsed, err := url.Parse(issuerURL)
	return err == nil && strings.EqualFold(parsed.Scheme, "https")
}
