// Package util holds small helpers shared across packages: string and URL
// normalization plus IP classification for SSRF checks.
package util

import "strings"

// SafeTruncate returns at most maxLen leading bytes of s. Used when logging
// token prefixes so an over-short value never causes a slice panic. A
// negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so resource identifiers and audiences
// (RFC 8707) compare equal regardless of a trailing "/".
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
