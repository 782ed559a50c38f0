package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the authorization server.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant processing
	DeviceAuthorizationStarted metric.Int64Counter
	DeviceCodeExchanged        metric.Int64Counter
	CodeExchanged              metric.Int64Counter
	TokenRefreshed             metric.Int64Counter
	TokenRevoked               metric.Int64Counter
	ClientRegistered           metric.Int64Counter
	ClientMetadataFetched      metric.Int64Counter

	// Security
	RateLimitExceeded      metric.Int64Counter
	PKCEValidationFailed   metric.Int64Counter
	CodeReuseDetected      metric.Int64Counter
	TokenReuseDetected     metric.Int64Counter
	AssertionVerifications metric.Int64Counter
	RedirectURIRejected    metric.Int64Counter
	AuditEventsTotal       metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Storage size gauges, observed through callbacks registered by the store
	StorageTokensCount        metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageClientsCount       metric.Int64ObservableGauge
	StorageFlowsCount         metric.Int64ObservableGauge
	StorageFamiliesCount      metric.Int64ObservableGauge

	// Upstream provider
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Token encryption at rest
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

// newMetrics registers every instrument. The first registration failure is
// returned after all instruments have been attempted.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	var firstErr error

	counter := func(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to create %s counter: %w", name, err)
		}
		return c
	}
	histogram := func(meter metric.Meter, name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to create %s histogram: %w", name, err)
		}
		return h
	}
	gauge := func(meter metric.Meter, name, desc string) metric.Int64ObservableGauge {
		g, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit("{entry}"))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to create %s gauge: %w", name, err)
		}
		return g
	}

	m := &Metrics{
		HTTPRequestsTotal: counter(inst.httpMeter, "oauth.http.requests.total",
			"Total number of HTTP requests", "{request}"),
		HTTPRequestDuration: histogram(inst.httpMeter, "oauth.http.request.duration",
			"HTTP request duration in milliseconds"),

		DeviceAuthorizationStarted: counter(inst.serverMeter, "oauth.device.authorization.started",
			"Number of device authorization flows started", "{flow}"),
		DeviceCodeExchanged: counter(inst.serverMeter, "oauth.device.code.exchanged",
			"Number of device code poll attempts that reached the upstream", "{exchange}"),
		CodeExchanged: counter(inst.serverMeter, "oauth.code.exchanged",
			"Number of authorization codes exchanged for tokens", "{exchange}"),
		TokenRefreshed: counter(inst.serverMeter, "oauth.token.refreshed",
			"Number of tokens refreshed", "{refresh}"),
		TokenRevoked: counter(inst.serverMeter, "oauth.token.revoked",
			"Number of tokens revoked", "{revocation}"),
		ClientRegistered: counter(inst.serverMeter, "oauth.client.registered",
			"Number of clients registered", "{client}"),
		ClientMetadataFetched: counter(inst.serverMeter, "oauth.client_metadata.fetched",
			"Number of client metadata document fetch attempts", "{fetch}"),

		RateLimitExceeded: counter(inst.securityMeter, "oauth.rate_limit.exceeded",
			"Number of rate limit violations", "{violation}"),
		PKCEValidationFailed: counter(inst.securityMeter, "oauth.pkce.validation_failed",
			"Number of PKCE validation failures", "{failure}"),
		CodeReuseDetected: counter(inst.securityMeter, "oauth.code.reuse_detected",
			"Number of authorization code reuse attempts detected", "{attempt}"),
		TokenReuseDetected: counter(inst.securityMeter, "oauth.token.reuse_detected",
			"Number of refresh token reuse attempts detected", "{attempt}"),
		AssertionVerifications: counter(inst.securityMeter, "oauth.assertion.verifications",
			"Number of private_key_jwt client assertion verifications", "{verification}"),
		RedirectURIRejected: counter(inst.securityMeter, "oauth.redirect_uri.rejected",
			"Number of redirect URIs rejected by security validation", "{rejection}"),
		AuditEventsTotal: counter(inst.securityMeter, "oauth.audit.events.total",
			"Total number of audit events", "{event}"),

		StorageOperationTotal: counter(inst.storageMeter, "storage.operation.total",
			"Total number of storage operations", "{operation}"),
		StorageOperationDuration: histogram(inst.storageMeter, "storage.operation.duration",
			"Storage operation duration in milliseconds"),
		StorageTokensCount: gauge(inst.storageMeter, "storage.tokens.count",
			"Current number of stored access tokens"),
		StorageRefreshTokensCount: gauge(inst.storageMeter, "storage.refresh_tokens.count",
			"Current number of stored refresh tokens"),
		StorageClientsCount: gauge(inst.storageMeter, "storage.clients.count",
			"Current number of registered clients"),
		StorageFlowsCount: gauge(inst.storageMeter, "storage.flows.count",
			"Current number of pending device authorizations"),
		StorageFamiliesCount: gauge(inst.storageMeter, "storage.token_families.count",
			"Current number of refresh token families"),

		ProviderAPICallsTotal: counter(inst.providerMeter, "provider.api.calls.total",
			"Total number of provider API calls", "{call}"),
		ProviderAPIDuration: histogram(inst.providerMeter, "provider.api.duration",
			"Provider API call duration in milliseconds"),
		ProviderAPIErrors: counter(inst.providerMeter, "provider.api.errors.total",
			"Total number of provider API errors", "{error}"),

		EncryptionOperationsTotal: counter(inst.securityMeter, "oauth.encryption.operations.total",
			"Total number of encryption/decryption operations", "{operation}"),
		EncryptionDuration: histogram(inst.securityMeter, "oauth.encryption.duration",
			"Encryption/decryption operation duration in milliseconds"),
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return m, nil
}

// Recording helpers. Attribute cardinality is kept low on purpose: client IDs
// and provider names are bounded by registration, everything else is an enum.

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

func (m *Metrics) RecordDeviceAuthorizationStarted(ctx context.Context, clientID string) {
	m.DeviceAuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

func (m *Metrics) RecordDeviceCodeExchange(ctx context.Context, clientID string, success bool) {
	m.DeviceCodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordClientMetadataFetch tags each metadata document fetch with its outcome
// and whether it was served from cache.
func (m *Metrics) RecordClientMetadataFetch(ctx context.Context, result string, cacheHit bool) {
	m.ClientMetadataFetched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.Bool("cache_hit", cacheHit),
	))
}

func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

func (m *Metrics) RecordAssertionVerification(ctx context.Context, success bool) {
	m.AssertionVerifications.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordRedirectURISecurityRejected tags rejections with the category and the
// surface (registration or authorization) they were caught on.
func (m *Metrics) RecordRedirectURISecurityRejected(ctx context.Context, reason, surface string) {
	m.RedirectURIRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("surface", surface),
	))
}

func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records an upstream call and, when err is set,
// classifies it by status code class.
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err == nil {
		return
	}
	errorType := "unknown"
	switch {
	case statusCode >= 500:
		errorType = "server_error"
	case statusCode >= 400:
		errorType = "client_error"
	}
	m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("error_type", errorType),
	))
}

func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
