// Package security provides security-related functionality for the OAuth server,
// including rate limiting, replay protection, encryption, IP validation, and
// audit logging.
//
// # Rate Limiting
//
// Two limiters cover different needs:
//
//   - RateLimiter: per-identifier token bucket (golang.org/x/time/rate) used for
//     general per-IP throttling of HTTP endpoints.
//   - WindowLimiter: per-identifier sliding window that can also report how long
//     a blocked caller must wait (RetryAfter). Used where the protocol requires
//     a retry hint, such as device flow polling (slow_down) and registration.
//
// Both bound memory through LRU eviction plus periodic cleanup of idle entries.
//
// Default configuration:
//   - MaxEntries: 10,000 unique identifiers
//   - CleanupInterval: 5 minutes
//
// ## Example Usage
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    return http.StatusTooManyRequests
//	}
//
//	poll := security.NewWindowLimiter(12, time.Minute, logger)
//	defer poll.Stop()
//
//	if !poll.Allow(deviceCode) {
//	    retryAfter := poll.RetryAfter(deviceCode)
//	    // return slow_down with Retry-After
//	}
//
// ## Monitoring and Alerting
//
// GetStats() on either limiter provides metrics for monitoring. Set up alerts
// when MemoryPressure is consistently above 80% or TotalEvictions increases
// rapidly (possible distributed attack).
//
// # Replay Protection
//
// ReplayStore records jti claims from private_key_jwt client assertions so each
// assertion is accepted at most once. Records are retained until the matching
// assertion would fail its own expiry check, then pruned.
//
// The LRU eviction strategy in the limiters ensures that legitimate users (who
// make repeated requests) are less likely to be evicted, while one-time attack
// IPs are evicted first.
package security
