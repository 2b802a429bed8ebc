package security

// Event types written by the Auditor.
const (
	// Token lifecycle

	// EventTokenIssued is logged when an access token is minted by any grant.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token grant succeeds.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by its client.
	EventTokenRevoked = "token_revoked"

	// EventAuthorizationRevoked is logged when a whole authorization is revoked
	// after a replay was detected.
	EventAuthorizationRevoked = "authorization_revoked"

	// Authorization code

	// EventAuthorizationCodeIssued is logged when an authorization code is stored.
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an already exchanged
	// code is presented again.
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventPKCEValidationFailed is logged when a code_verifier does not match
	// the recorded challenge.
	EventPKCEValidationFailed = "pkce_validation_failed"

	// Refresh token

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is
	// presented again.
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// Device authorization

	// EventDeviceAuthorizationStarted is logged when a device/user code pair is issued.
	EventDeviceAuthorizationStarted = "device_authorization_started"

	// EventDeviceVerificationCompleted is logged when the resource owner approves
	// or denies a user code.
	EventDeviceVerificationCompleted = "device_verification_completed"

	// Violations

	// EventScopeEscalationAttempt is logged when a refresh asks for scopes
	// outside the authorized set.
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventAuthFailure is logged when client authentication fails.
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a device polls faster than its interval.
	EventRateLimitExceeded = "rate_limit_exceeded"
)
