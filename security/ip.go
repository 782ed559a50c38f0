package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the caller's IP for rate limiting and audit events.
// Forwarding headers are consulted only when trustProxy is set; otherwise the
// connection's RemoteAddr wins, since anything a client can set itself is
// worthless for limiting.
//
// trustedProxyCount says how many proxies at the right end of
// X-Forwarded-For belong to the deployment. The client IP is the entry just
// left of them, which keeps a spoofed left-most entry from being picked in
// multi-hop setups.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseIPHeader(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromForwardedFor picks the client entry out of an X-Forwarded-For
// list of the form "client, proxyN, ..., proxy1". With trustedProxyCount
// proxies trusted from the right, the client sits at
// len(entries)-trustedProxyCount-1; a count of 0 is treated as 1 so a bare
// TrustProxy=true still behaves sanely behind a single proxy.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	entries := strings.Split(xff, ",")

	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	idx := len(entries) - proxyCount - 1
	if idx < 0 {
		idx = 0
	}

	return parseIPHeader(entries[idx])
}

// parseIPHeader returns the trimmed value when it is a literal IP, else "".
func parseIPHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || net.ParseIP(value) == nil {
		return ""
	}
	return value
}
