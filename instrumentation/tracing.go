package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (access tokens,
// refresh tokens, client secrets) in traces or metrics. Only log metadata
// such as token types, expiry times, family IDs, and validation results.
// Traces are persisted for extended periods, accessible to wider audiences
// than production systems, and replicated across monitoring infrastructure.
const (
	// Grant flow attributes - metadata only
	AttrClientID        = "oauth.client_id"        // Client identifier (non-secret)
	AttrPrincipalID     = "oauth.principal_id"     // Principal identifier (non-secret)
	AttrScope           = "oauth.scope"            // Requested scopes
	AttrGrantType       = "oauth.grant_type"       // OAuth grant type
	AttrClientType      = "oauth.client_type"      // Client type (public/confidential)
	AttrTokenFamilyID   = "oauth.token.family_id"  //nolint:gosec // Token family identifier for rotation tracking
	AttrTokenGeneration = "oauth.token.generation" //nolint:gosec // Token generation number
	AttrTokenRotated    = "oauth.token.rotated"    //nolint:gosec // Whether the token was rotated (boolean)
	AttrReplayDetected  = "oauth.replay_detected"  // Whether replay was detected (boolean)
	AttrTokenType       = "oauth.token_type"       //nolint:gosec // Token type (Bearer) - NOT the actual token
	AttrExpiresIn       = "oauth.expires_in"       // Token expiry duration
	AttrError           = "oauth.error"            // Error code

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds common grant attributes to a span (nil-safe)
func AddGrantAttributes(span trace.Span, grantType, clientID string) {
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
}

// AddTokenFamilyAttributes adds token family tracking attributes to a span (nil-safe)
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Int(AttrTokenGeneration, generation),
		)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
