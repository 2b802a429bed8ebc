package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the grant engine
type Metrics struct {
	// Grant Metrics
	GrantRequestsTotal   metric.Int64Counter
	GrantRequestDuration metric.Float64Histogram
	TokensIssued         metric.Int64Counter
	CodesIssued          metric.Int64Counter
	DeviceAuthorizations metric.Int64Counter
	DeviceVerifications  metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	CommitConflicts      metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal      metric.Int64Counter
	StorageOperationDuration   metric.Float64Histogram
	StorageAuthorizationsCount metric.Int64ObservableGauge
	StorageClientsCount        metric.Int64ObservableGauge
	StorageTokensCount         metric.Int64ObservableGauge
	RegistryCacheLookups       metric.Int64Counter

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

type counterSpec struct {
	target      *metric.Int64Counter
	scope       string
	name        string
	description string
	unit        string
}

type histogramSpec struct {
	target      *metric.Float64Histogram
	scope       string
	name        string
	description string
}

type gaugeSpec struct {
	target      *metric.Int64ObservableGauge
	name        string
	description string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.GrantRequestsTotal, "server", "oauth.grant.requests.total", "Number of token endpoint grant requests", "{request}"},
		{&m.TokensIssued, "server", "oauth.token.issued", "Number of tokens issued", "{token}"},
		{&m.CodesIssued, "server", "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.DeviceAuthorizations, "server", "oauth.device.authorizations", "Number of device authorizations started", "{authorization}"},
		{&m.DeviceVerifications, "server", "oauth.device.verifications", "Number of device verifications completed", "{verification}"},
		{&m.TokenRevoked, "server", "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.CommitConflicts, "server", "oauth.authorization.commit_conflicts", "Number of authorization commits rejected by a concurrent update", "{conflict}"},
		{&m.RateLimitExceeded, "security", "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, "security", "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.CodeReuseDetected, "security", "oauth.code.reuse_detected", "Number of authorization code reuse attempts", "{attempt}"},
		{&m.TokenReuseDetected, "security", "oauth.token.reuse_detected", "Number of refresh token reuse attempts", "{attempt}"},
		{&m.StorageOperationTotal, "storage", "storage.operation.total", "Number of storage operations", "{operation}"},
		{&m.RegistryCacheLookups, "storage", "storage.registry_cache.lookups", "Number of client registry cache lookups", "{lookup}"},
		{&m.AuditEventsTotal, "security", "oauth.audit.events.total", "Number of security audit events", "{event}"},
		{&m.EncryptionOperationsTotal, "security", "oauth.encryption.operations.total", "Number of encryption operations", "{operation}"},
	}
	for _, c := range counters {
		counter, err := inst.Meter(c.scope).Int64Counter(
			c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	histograms := []histogramSpec{
		{&m.GrantRequestDuration, "server", "oauth.grant.request.duration", "Grant request duration in milliseconds"},
		{&m.StorageOperationDuration, "storage", "storage.operation.duration", "Storage operation duration in milliseconds"},
		{&m.EncryptionDuration, "security", "oauth.encryption.duration", "Encryption operation duration in milliseconds"},
	}
	for _, h := range histograms {
		histogram, err := inst.Meter(h.scope).Float64Histogram(
			h.name,
			metric.WithDescription(h.description),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.target = histogram
	}

	gauges := []gaugeSpec{
		{&m.StorageAuthorizationsCount, "storage.authorizations.count", "Current number of stored authorizations"},
		{&m.StorageClientsCount, "storage.clients.count", "Current number of registered clients"},
		{&m.StorageTokensCount, "storage.tokens.count", "Current number of indexed token values"},
	}
	for _, g := range gauges {
		gauge, err := inst.Meter("storage").Int64ObservableGauge(
			g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{item}"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.target = gauge
	}

	return m, nil
}

// RecordGrantRequest records a token endpoint grant request. result is
// "success" or the OAuth error code.
func (m *Metrics) RecordGrantRequest(ctx context.Context, grantType, result string, durationMs float64) {
	m.GrantRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("result", result),
	))
	m.GrantRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenIssued records an issued token of the given kind
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, tokenKind string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("token_kind", tokenKind),
	))
}

// RecordCodeIssued records an issued authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID, pkceMethod string) {
	if pkceMethod == "" {
		pkceMethod = "none"
	}
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordDeviceAuthorization records a started device authorization
func (m *Metrics) RecordDeviceAuthorization(ctx context.Context, clientID string) {
	m.DeviceAuthorizations.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordDeviceVerification records a completed device verification
func (m *Metrics) RecordDeviceVerification(ctx context.Context, approved bool) {
	m.DeviceVerifications.Add(ctx, 1, metric.WithAttributes(attribute.Bool("approved", approved)))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, tokenKind string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("token_kind", tokenKind),
	))
}

// RecordCommitConflict records a compare-and-commit conflict
func (m *Metrics) RecordCommitConflict(ctx context.Context, grantType string) {
	m.CommitConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, storageType, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("storage", storageType),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("storage", storageType),
		attribute.String("operation", operation),
	))
}

// RecordRegistryCacheLookup records a client registry cache hit or miss
func (m *Metrics) RecordRegistryCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.RegistryCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordAuditEvent records a security audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordEncryptionOperation records an encryption or decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}
