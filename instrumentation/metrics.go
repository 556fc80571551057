package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the token-grant engine
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant engine
	GrantsTotal            metric.Int64Counter
	TokenRotationsTotal    metric.Int64Counter
	FamilyRevocationsTotal metric.Int64Counter
	RevokedTokensTotal     metric.Int64Counter

	// Security
	SecurityEventsTotal metric.Int64Counter
	RateLimitExceeded   metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageFamiliesCount      metric.Int64ObservableGauge
	StorageClientsCount       metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	engineMeter := inst.Meter("engine")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.GrantsTotal, err = engineMeter.Int64Counter(
		"oauth.grants.total",
		metric.WithDescription("Token grants processed, by grant type and result"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.total counter: %w", err)
	}

	m.TokenRotationsTotal, err = engineMeter.Int64Counter(
		"oauth.token.rotations.total",
		metric.WithDescription("Refresh token rotations performed"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.rotations.total counter: %w", err)
	}

	m.FamilyRevocationsTotal, err = engineMeter.Int64Counter(
		"oauth.family.revocations.total",
		metric.WithDescription("Token family revocations, by reason"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create family.revocations.total counter: %w", err)
	}

	m.RevokedTokensTotal, err = engineMeter.Int64Counter(
		"oauth.tokens.revoked.total",
		metric.WithDescription("Individual tokens invalidated by family revocations"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.revoked.total counter: %w", err)
	}

	m.SecurityEventsTotal, err = securityMeter.Int64Counter(
		"oauth.security.events.total",
		metric.WithDescription("Security events emitted, by event type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.events.total counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Rate limit violations, by limiter type"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Storage operations, by operation and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageRefreshTokensCount, err = storageMeter.Int64ObservableGauge(
		"storage.size.refresh_tokens",
		metric.WithDescription("Current number of refresh token records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.refresh_tokens gauge: %w", err)
	}

	m.StorageAccessTokensCount, err = storageMeter.Int64ObservableGauge(
		"storage.size.access_tokens",
		metric.WithDescription("Current number of access token records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.access_tokens gauge: %w", err)
	}

	m.StorageFamiliesCount, err = storageMeter.Int64ObservableGauge(
		"storage.size.families",
		metric.WithDescription("Current number of tracked token families"),
		metric.WithUnit("{family}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.families gauge: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"storage.size.clients",
		metric.WithDescription("Current number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.clients gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its duration
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs,
		metric.WithAttributes(attribute.String(AttrHTTPEndpoint, endpoint)))
}

// RecordGrant records a processed grant
func (m *Metrics) RecordGrant(ctx context.Context, grantType, clientID, result string) {
	m.GrantsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.String(AttrClientID, clientID),
		attribute.String("result", result),
	))
}

// RecordRotation records a refresh token rotation
func (m *Metrics) RecordRotation(ctx context.Context, clientID string) {
	m.TokenRotationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
	))
}

// RecordFamilyRevocation records a family revocation and the number of
// tokens it invalidated
func (m *Metrics) RecordFamilyRevocation(ctx context.Context, reason string, tokensRevoked int) {
	m.FamilyRevocationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.RevokedTokensTotal.Add(ctx, int64(tokensRevoked), metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordSecurityEvent records an emitted security event
func (m *Metrics) RecordSecurityEvent(ctx context.Context, eventType string) {
	m.SecurityEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAuditEventType, eventType),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrRateLimiterType, limiterType),
	))
}

// RecordStorageOperation records a storage operation with count and duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs,
		metric.WithAttributes(attribute.String(AttrStorageOperation, operation)))
}
