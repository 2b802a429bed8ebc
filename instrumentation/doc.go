// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the oauth-grants engine.
//
// This package enables observability across all layers through:
// - Metrics: Counters, histograms, and gauges for grant processing and storage
// - Traces: Spans for every grant request and storage operation
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-auth-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// # Prometheus Metrics
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	http.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// Grants:
//   - oauth.grant.requests.total{grant_type, result} - Token endpoint requests
//   - oauth.grant.request.duration{grant_type} - Grant processing duration in milliseconds
//   - oauth.token.issued{grant_type, token_kind} - Issued tokens
//   - oauth.code.issued{client_id, pkce_method} - Issued authorization codes
//   - oauth.device.authorizations{client_id} - Device authorizations started
//   - oauth.device.verifications{approved} - Device verifications completed
//   - oauth.token.revoked{client_id, token_kind} - Revoked tokens
//   - oauth.authorization.commit_conflicts{grant_type} - Compare-and-commit conflicts
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type} - Device polling slow_down responses
//   - oauth.pkce.validation_failed{method} - PKCE validation failures
//   - oauth.code.reuse_detected - Authorization code reuse attempts
//   - oauth.token.reuse_detected - Refresh token reuse attempts
//   - oauth.audit.events.total{event_type} - Security audit events
//
// Storage:
//   - storage.operation.total{storage, operation, result} - Storage operations
//   - storage.operation.duration{storage, operation} - Operation duration in milliseconds
//   - storage.authorizations.count, storage.clients.count, storage.tokens.count - Current sizes
//   - storage.registry_cache.lookups{result} - Client registry cache hits and misses
//
// # Security Considerations
//
// Never record token values, client secrets or PKCE verifiers in spans or
// metric attributes. Only record metadata such as token kinds, expiry times and
// validation results.
package instrumentation
