package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// Attributes carry metadata only. Never attach credential material (access
// or refresh tokens, authorization or device codes, client secrets, signed
// assertions) to a span: traces outlive requests, replicate across
// monitoring infrastructure, and are readable by a wider audience than the
// server itself. Use presence booleans or lengths instead.
const (
	// Grant processing
	AttrClientID        = "oauth.client_id"
	AttrClientType      = "oauth.client_type"
	AttrUserID          = "oauth.user_id"
	AttrScope           = "oauth.scope"
	AttrGrantType       = "oauth.grant_type"
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrTokenFamilyID   = "oauth.token.family_id"  //nolint:gosec // rotation-family identifier, not a token
	AttrTokenGeneration = "oauth.token.generation" //nolint:gosec // counter, not a token
	AttrTokenReuse      = "oauth.token.reuse"      //nolint:gosec // boolean reuse-detection flag
	AttrError           = "oauth.error"

	// Device flow
	AttrDeviceFlowStage = "oauth.device.stage" // issue | poll

	// Client metadata documents
	AttrMetadataURL      = "cimd.metadata_url"
	AttrMetadataCacheHit = "cimd.cache_hit"

	// Client assertions
	AttrAssertionAlg = "assertion.alg"
	AttrAssertionKid = "assertion.kid"

	// Storage
	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	// Upstream provider
	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"
	AttrProviderErrorType = "provider.error_type"

	// Security
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP, beyond the standard semantic conventions
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records err on the span and marks it failed. Nil-safe.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as completed successfully. Nil-safe.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status without an error value. Nil-safe.
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on the span. Nil-safe.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes attaches the common grant-processing attributes,
// skipping empty values. Nil-safe.
func AddGrantAttributes(span trace.Span, grantType, clientID, scope string) {
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddTokenFamilyAttributes attaches rotation-family tracking attributes.
// Nil-safe.
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Int(AttrTokenGeneration, generation),
		)
	}
}

// AddProviderAttributes attaches upstream-call attributes. Nil-safe.
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, providerName),
		attribute.String(AttrProviderOperation, operation),
	)
}

// AddSecurityAttributes attaches the caller IP. IPs can be PII; callers gate
// this on ShouldLogClientIPs. Nil-safe.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
