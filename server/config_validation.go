package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// setIfZero fills in a default for any config field left at its zero value.
func setIfZero[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// applySecureDefaults is the entry point for configuration validation and
// default application. Validation runs before defaults so that invalid
// explicit values are reported rather than silently papered over; the rule
// throughout is secure by default, opt-in for anything less.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	validateProviderRevocationConfig(config, logger)
	validateClientIDMetadataDocumentsConfig(config, logger)
	validateAssertionConfig(config, logger)

	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets defaults for lifetime and interval configuration.
func applyTimeDefaults(config *Config) {
	setIfZero(&config.AuthorizationCodeTTL, 600)
	setIfZero(&config.AccessTokenTTL, 3600)
	setIfZero(&config.RefreshTokenTTL, 7776000) // 90 days
	setIfZero(&config.DefaultUpstreamTokenTTL, 3600)
	setIfZero(&config.TrustedProxyCount, 1)
	setIfZero(&config.ClockSkewGracePeriod, 5)
	setIfZero(&config.TokenRefreshThreshold, 300)

	applyProviderRevocationDefaults(config)
	applyRateLimitDefaults(config)
	applyDeviceFlowDefaults(config)
	applyCleanupIntervalDefaults(config)
}

// applyProviderRevocationDefaults sets defaults for upstream revocation and
// clamps out-of-range values to their floors (the warning was already logged
// by validateProviderRevocationConfig).
func applyProviderRevocationDefaults(config *Config) {
	switch {
	case config.ProviderRevocationTimeout == 0:
		config.ProviderRevocationTimeout = 10 // seconds per token
	case config.ProviderRevocationTimeout < 1:
		config.ProviderRevocationTimeout = 5
	}

	if config.ProviderRevocationMaxRetries <= 0 {
		config.ProviderRevocationMaxRetries = 3
	}

	if t := config.ProviderRevocationFailureThreshold; t == 0 || t < 0.0 || t > 1.0 {
		config.ProviderRevocationFailureThreshold = 0.5
	}

	switch {
	case config.RevokedFamilyRetentionDays == 0:
		config.RevokedFamilyRetentionDays = 90
	case config.RevokedFamilyRetentionDays < 1:
		config.RevokedFamilyRetentionDays = 7
	}
}

// applyRateLimitDefaults sets defaults for registration rate limiting.
func applyRateLimitDefaults(config *Config) {
	setIfZero(&config.MaxClientsPerIP, 10)
	setIfZero(&config.MaxRegistrationsPerHour, 10)
	setIfZero(&config.RegistrationRateLimitWindow, 3600)
	setIfZero(&config.MaxScopeLength, 1000)
}

// applyDeviceFlowDefaults sets defaults for the device flow sliding-window
// limiters.
func applyDeviceFlowDefaults(config *Config) {
	setIfZero(&config.DeviceCodeRateLimit, 10)
	setIfZero(&config.DevicePollRateLimit, 30)
	setIfZero(&config.DeviceRateWindow, time.Minute)
}

// applyCleanupIntervalDefaults sets defaults for background cleanup loops.
func applyCleanupIntervalDefaults(config *Config) {
	setIfZero(&config.StorageCleanupInterval, time.Minute)
	setIfZero(&config.RateLimiterCleanupInterval, 5*time.Minute)
}

// validateProviderRevocationConfig logs a warning for every provider
// revocation value that applyProviderRevocationDefaults will correct.
func validateProviderRevocationConfig(config *Config, logger *slog.Logger) {
	if config.ProviderRevocationTimeout != 0 && config.ProviderRevocationTimeout < 1 {
		logger.Warn("CONFIGURATION WARNING: Invalid ProviderRevocationTimeout corrected",
			"provided_value", config.ProviderRevocationTimeout,
			"corrected_to", 5,
			"reason", "timeout must be at least 1 second")
	}
	if config.ProviderRevocationMaxRetries < 0 {
		logger.Warn("CONFIGURATION WARNING: Invalid ProviderRevocationMaxRetries corrected",
			"provided_value", config.ProviderRevocationMaxRetries,
			"corrected_to", 3,
			"reason", "retries cannot be negative")
	}
	if t := config.ProviderRevocationFailureThreshold; t != 0 && (t < 0.0 || t > 1.0) {
		logger.Warn("CONFIGURATION WARNING: Invalid ProviderRevocationFailureThreshold corrected",
			"provided_value", t,
			"corrected_to", 0.5,
			"reason", "threshold must be between 0.0 and 1.0")
	}
	if config.RevokedFamilyRetentionDays != 0 && config.RevokedFamilyRetentionDays < 1 {
		logger.Warn("CONFIGURATION WARNING: Invalid RevokedFamilyRetentionDays corrected",
			"provided_value", config.RevokedFamilyRetentionDays,
			"corrected_to", 7,
			"reason", "retention must be at least 1 day")
	}
}

// validateClientIDMetadataDocumentsConfig checks the client metadata document
// settings (draft-ietf-oauth-client-id-metadata-document). The cache TTL gets
// a floor of 1 minute, since rapid expiry turns every token request into a
// metadata fetch, and a ceiling of 48 hours to bound how long revoked or
// rotated metadata can keep serving.
func validateClientIDMetadataDocumentsConfig(config *Config, logger *slog.Logger) {
	if !config.EnableClientIDMetadataDocuments {
		return
	}

	const (
		minTTL = 1 * time.Minute
		maxTTL = 48 * time.Hour
	)

	if config.ClientMetadataCacheTTL < 0 {
		logger.Error("CONFIGURATION ERROR: ClientMetadataCacheTTL cannot be negative",
			"value", config.ClientMetadataCacheTTL,
			"fix", "Set ClientMetadataCacheTTL to a positive duration or 0 for default (24 hours)")
		config.ClientMetadataCacheTTL = 24 * time.Hour
	}
	if config.ClientMetadataCacheTTL > 0 && config.ClientMetadataCacheTTL < minTTL {
		logger.Warn("CONFIGURATION WARNING: ClientMetadataCacheTTL is very short",
			"value", config.ClientMetadataCacheTTL,
			"minimum_recommended", minTTL,
			"risk", "Excessive metadata fetches may cause performance issues and rate limiting")
	}
	if config.ClientMetadataCacheTTL > maxTTL {
		logger.Warn("CONFIGURATION WARNING: ClientMetadataCacheTTL is very long",
			"value", config.ClientMetadataCacheTTL,
			"maximum_recommended", maxTTL,
			"risk", "Stale client metadata may be cached for extended periods")
	}

	validateClientMetadataFetchTimeout(config, logger)

	if config.AllowLocalhostCIMD {
		logger.Warn("SECURITY WARNING: Localhost client_id URLs are ALLOWED",
			"risk", "Any local process can impersonate a client",
			"recommendation", "Only enable AllowLocalhostCIMD in development environments")
	}

	logger.Debug("Client ID Metadata Documents configuration validated",
		"cache_ttl", config.ClientMetadataCacheTTL,
		"fetch_timeout", config.ClientMetadataFetchTimeout,
		"allow_localhost", config.AllowLocalhostCIMD)
}

// validateClientMetadataFetchTimeout bounds the per-fetch timeout for client
// metadata documents.
func validateClientMetadataFetchTimeout(config *Config, logger *slog.Logger) {
	const (
		minTimeout = 1 * time.Second
		maxTimeout = 30 * time.Second
	)

	if config.ClientMetadataFetchTimeout < 0 {
		logger.Error("CONFIGURATION ERROR: ClientMetadataFetchTimeout cannot be negative",
			"value", config.ClientMetadataFetchTimeout,
			"fix", "Set ClientMetadataFetchTimeout to a positive duration or 0 for default (10 seconds)")
		config.ClientMetadataFetchTimeout = 10 * time.Second
	}
	if config.ClientMetadataFetchTimeout > 0 && config.ClientMetadataFetchTimeout < minTimeout {
		logger.Warn("CONFIGURATION WARNING: ClientMetadataFetchTimeout is very short",
			"value", config.ClientMetadataFetchTimeout,
			"minimum_recommended", minTimeout,
			"risk", "Metadata fetches may timeout prematurely for slow servers")
	}
	if config.ClientMetadataFetchTimeout > maxTimeout {
		logger.Warn("CONFIGURATION WARNING: ClientMetadataFetchTimeout is very long",
			"value", config.ClientMetadataFetchTimeout,
			"maximum_recommended", maxTimeout,
			"risk", "Slow or malicious servers may cause connection hangs")
	}
}

// validateAssertionConfig normalizes the client assertion algorithm
// allow-list. Symmetric algorithms and "none" are removed with an error log;
// they are rejected at verification time regardless, but configuring them
// signals a misunderstanding worth surfacing early.
func validateAssertionConfig(config *Config, logger *slog.Logger) {
	if len(config.AllowedAssertionAlgorithms) == 0 {
		return
	}

	filtered := make([]string, 0, len(config.AllowedAssertionAlgorithms))
	for _, alg := range config.AllowedAssertionAlgorithms {
		upper := strings.ToUpper(strings.TrimSpace(alg))
		if upper == "" {
			continue
		}
		if upper == "NONE" || strings.HasPrefix(upper, "HS") {
			logger.Error("SECURITY ERROR: Forbidden algorithm in AllowedAssertionAlgorithms",
				"algorithm", alg,
				"risk", "Symmetric and unsigned assertions defeat private_key_jwt authentication",
				"action", "Algorithm removed from allow-list")
			continue
		}
		filtered = append(filtered, upper)
	}
	config.AllowedAssertionAlgorithms = filtered
}

// validateScopeFormat checks a single scope token against RFC 6749 section
// 3.3: printable ASCII excluding space, double-quote, and backslash
// (%x21 / %x23-5B / %x5D-7E).
func validateScopeFormat(scope string) error {
	if scope == "" {
		return fmt.Errorf("scope cannot be empty")
	}

	for i, c := range scope {
		switch {
		case c == ' ':
			return fmt.Errorf("scope cannot contain space at position %d (use separate scopes instead)", i)
		case c == '"':
			return fmt.Errorf("scope cannot contain double-quote at position %d", i)
		case c == '\\':
			return fmt.Errorf("scope cannot contain backslash at position %d", i)
		case c < 0x21 || c > 0x7E:
			return fmt.Errorf("scope contains invalid character at position %d (only printable ASCII allowed)", i)
		}
	}
	return nil
}
