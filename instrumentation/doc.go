// Package instrumentation provides OpenTelemetry metrics and tracing for the
// agent-oauth authorization server.
//
// # Usage
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "agent-oauth",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	server.SetInstrumentation(inst)
//
// With Enabled false (or no instrumentation set at all) every recording call
// goes through no-op providers and costs nothing.
//
// # Metrics
//
// HTTP layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Grant processing:
//   - oauth.device.authorization.started{client_id}
//   - oauth.device.code.exchanged{client_id, success}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{client_id}
//   - oauth.client.registered{client_type}
//   - oauth.client_metadata.fetched{result, cache_hit}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.reuse_detected
//   - oauth.assertion.verifications{success}
//   - oauth.redirect_uri.rejected{reason, surface}
//   - oauth.audit.events.total{event_type}
//
// Storage and provider:
//   - storage.operation.total{operation, result} and storage.operation.duration{operation}
//   - storage.*.count gauges for tokens, refresh tokens, clients, flows, families
//   - provider.api.calls.total / provider.api.duration / provider.api.errors.total
//
// # Tracing
//
// Spans cover the token endpoint grants, device flow bridging, metadata
// document fetches, storage operations, and upstream provider calls. The
// helpers in tracing.go attach consistent attributes and are nil-safe so call
// sites do not need to guard against missing instrumentation.
//
// # Cardinality
//
// client_id is the only unbounded label and is capped in practice by
// registration rate limits. Deployments with very large client populations
// should pre-aggregate by client_type in their metrics backend rather than
// per client.
//
// # What never goes into telemetry
//
// Token values, authorization and device codes, client secrets, PKCE
// verifiers, and signed assertions are never attached to spans or metric
// labels; only metadata about them is (lengths, presence flags, family IDs,
// validation results). Traces and metrics persist in observability backends
// far longer than any token lifetime and are visible to a wider audience than
// the server itself. Client IPs are treated as PII and are only attached when
// Config.LogClientIPs is set.
package instrumentation
