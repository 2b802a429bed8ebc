package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-grants/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetInstrumentation counts every logged event in the audit metric.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		a.metrics = nil
		return
	}
	a.metrics = inst.Metrics()
}

// Enabled reports whether events are written.
func (a *Auditor) Enabled() bool {
	return a != nil && a.enabled
}

// Event represents a security audit event
type Event struct {
	Type            string
	Principal       string
	ClientID        string
	AuthorizationID string
	Details         map[string]any
	Timestamp       time.Time
}

// LogEvent logs a security event. The principal is hashed.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if !a.Enabled() {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	attrs := []any{
		"event_type", event.Type,
		"principal_hash", hashForLogging(event.Principal),
		"client_id", event.ClientID,
		"authorization_id", event.AuthorizationID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	a.logger.InfoContext(ctx, "security_audit", attrs...)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(ctx, event.Type)
	}
}

// LogTokenIssued logs an access token minted by a grant
func (a *Auditor) LogTokenIssued(ctx context.Context, authorizationID, principal, clientID, grantType, scope string) {
	a.LogEvent(ctx, Event{
		Type:            EventTokenIssued,
		Principal:       principal,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a successful refresh token grant
func (a *Auditor) LogTokenRefreshed(ctx context.Context, authorizationID, principal, clientID string, rotated bool) {
	a.LogEvent(ctx, Event{
		Type:            EventTokenRefreshed,
		Principal:       principal,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs a client-initiated revocation
func (a *Auditor) LogTokenRevoked(ctx context.Context, authorizationID, clientID, tokenKind string) {
	a.LogEvent(ctx, Event{
		Type:            EventTokenRevoked,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
		Details: map[string]any{
			"token_kind": tokenKind,
		},
	})
}

// LogAuthorizationRevoked logs that every token of an authorization was invalidated
func (a *Auditor) LogAuthorizationRevoked(ctx context.Context, authorizationID, clientID, reason string) {
	a.LogEvent(ctx, Event{
		Type:            EventAuthorizationRevoked,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeIssued logs an authorization code being stored
func (a *Auditor) LogCodeIssued(ctx context.Context, authorizationID, principal, clientID, pkceMethod string) {
	a.LogEvent(ctx, Event{
		Type:            EventAuthorizationCodeIssued,
		Principal:       principal,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
		Details: map[string]any{
			"pkce_method": pkceMethod,
		},
	})
}

// LogCodeReuse logs replay of an exchanged authorization code
func (a *Auditor) LogCodeReuse(ctx context.Context, authorizationID, clientID string) {
	a.LogEvent(ctx, Event{
		Type:            EventAuthorizationCodeReuseDetected,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
	})
}

// LogRefreshTokenReuse logs replay of a rotated refresh token
func (a *Auditor) LogRefreshTokenReuse(ctx context.Context, authorizationID, clientID string) {
	a.LogEvent(ctx, Event{
		Type:            EventRefreshTokenReuseDetected,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
	})
}

// LogPKCEFailure logs a code_verifier mismatch
func (a *Auditor) LogPKCEFailure(ctx context.Context, authorizationID, clientID, method string) {
	a.LogEvent(ctx, Event{
		Type:            EventPKCEValidationFailed,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
		Details: map[string]any{
			"method": method,
		},
	})
}

// LogDeviceAuthorizationStarted logs a new device/user code pair
func (a *Auditor) LogDeviceAuthorizationStarted(ctx context.Context, authorizationID, clientID string) {
	a.LogEvent(ctx, Event{
		Type:            EventDeviceAuthorizationStarted,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
	})
}

// LogDeviceVerification logs the resource owner's decision on a user code
func (a *Auditor) LogDeviceVerification(ctx context.Context, authorizationID, principal, clientID string, approved bool) {
	a.LogEvent(ctx, Event{
		Type:            EventDeviceVerificationCompleted,
		Principal:       principal,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
		Details: map[string]any{
			"approved": approved,
		},
	})
}

// LogScopeEscalation logs a request for scopes beyond what was authorized
func (a *Auditor) LogScopeEscalation(ctx context.Context, authorizationID, clientID, requested, authorized string) {
	a.LogEvent(ctx, Event{
		Type:            EventScopeEscalationAttempt,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
		Details: map[string]any{
			"requested":  requested,
			"authorized": authorized,
		},
	})
}

// LogAuthFailure logs a failed client authentication
func (a *Auditor) LogAuthFailure(ctx context.Context, clientID, reason string) {
	a.LogEvent(ctx, Event{
		Type:     EventAuthFailure,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a request rejected by a limiter: "device_poll"
// for a device polling too fast, "client_auth" for a client locked out after
// failed authentications
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, limiter, authorizationID, clientID string) {
	a.LogEvent(ctx, Event{
		Type:            EventRateLimitExceeded,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
		Details: map[string]any{
			"limiter": limiter,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
