// Package util provides common utility functions used across the library.
//
// This package contains helper functions for string manipulation, URL
// normalization, and IP classification that don't fit into domain-specific
// packages. These utilities are used internally by multiple packages to avoid
// code duplication and maintain consistent behavior across the codebase.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - NormalizeURL: Normalizes URLs for comparison
//   - ClassifyIP: Classifies IP addresses for SSRF protection (public, private, loopback, etc.)
//   - IsLinkLocal: Checks if an IP is link-local (cloud metadata SSRF protection)
//   - IsLoopbackHostname: Checks if a hostname represents a loopback address
package util
