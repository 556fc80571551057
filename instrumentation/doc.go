// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the oauth-grants library.
//
// It enables observability across all layers through metrics (counters,
// histograms, gauges), distributed traces, and structured logs carrying
// trace context.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-auth-service",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	eng.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// # Available Metrics
//
// HTTP layer:
//   - oauth.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - oauth.http.request.duration{endpoint} - Request duration in milliseconds
//
// Grant engine:
//   - oauth.grants.total{grant_type, client_id, result} - Grants processed
//   - oauth.token.rotations.total{client_id} - Refresh token rotations
//   - oauth.family.revocations.total{reason} - Family revocations
//   - oauth.tokens.revoked.total{reason} - Tokens invalidated by revocations
//
// Security:
//   - oauth.security.events.total{event_type} - Security events emitted
//   - oauth.rate_limit.exceeded{limiter_type} - Rate limit violations
//
// Storage:
//   - storage.operation.total{operation, result} - Storage operations
//   - storage.operation.duration{operation} - Operation duration in milliseconds
//   - storage.size.{refresh_tokens,access_tokens,families,clients} - Store sizes
//
// # Distributed Tracing
//
// Spans are created for HTTP requests, engine operations (grant, redeem,
// revoke_family, revoke_token) and every storage operation. When
// instrumentation is disabled, no-op providers keep the overhead at zero.
package instrumentation
