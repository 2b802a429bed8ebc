package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Default lifetimes and limits. Issuer and AccessTokenTTL have no default.
const (
	DefaultAuthorizationCodeTTL = 5 * time.Minute
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultDeviceCodeTTL        = 30 * time.Minute
	DefaultDevicePollInterval   = 5 * time.Second
	DefaultMaxCommitAttempts    = 3
)

// Default endpoint paths, relative to the issuer
const (
	DefaultAuthorizationEndpoint       = "/oauth2/authorize"
	DefaultTokenEndpoint               = "/oauth2/token"
	DefaultDeviceAuthorizationEndpoint = "/oauth2/device_authorization"
	DefaultDeviceVerificationEndpoint  = "/oauth2/device_verification"
	DefaultJWKSEndpoint                = "/oauth2/jwks"
	DefaultRevocationEndpoint          = "/oauth2/revoke"
	DefaultIntrospectionEndpoint       = "/oauth2/introspect"
)

var (
	// ErrIssuerRequired is returned by Validate when no issuer is configured
	ErrIssuerRequired = errors.New("issuer is required")

	// ErrAccessTokenTTLRequired is returned by Validate when no access token lifetime is configured
	ErrAccessTokenTTLRequired = errors.New("access token TTL is required")
)

// Endpoints are the endpoint paths advertised in server metadata. Relative
// paths are resolved against the issuer; absolute URLs are used as-is.
type Endpoints struct {
	Authorization       string `yaml:"authorization"`
	Token               string `yaml:"token"`
	DeviceAuthorization string `yaml:"device_authorization"`
	DeviceVerification  string `yaml:"device_verification"`
	JWKS                string `yaml:"jwks"`
	Revocation          string `yaml:"revocation"`
	Introspection       string `yaml:"introspection"`
}

// Config holds grant engine configuration
type Config struct {
	// Issuer is the iss claim of every access token. Required.
	Issuer string `yaml:"issuer"`

	// AccessTokenTTL is the default access token lifetime. Required.
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`

	// RefreshTokenTTL is the default refresh token lifetime
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"` // default: 30 days

	// AuthorizationCodeTTL is how long authorization codes are redeemable.
	// It is independent of AccessTokenTTL.
	AuthorizationCodeTTL time.Duration `yaml:"authorization_code_ttl"` // default: 5 minutes

	// DeviceCodeTTL is how long device and user codes stay valid
	DeviceCodeTTL time.Duration `yaml:"device_code_ttl"` // default: 30 minutes

	// DevicePollInterval is the minimum polling interval announced to devices
	DevicePollInterval time.Duration `yaml:"device_poll_interval"` // default: 5 seconds

	// DeviceVerificationURI is where users enter their user code.
	// Default: Issuer + Endpoints.DeviceVerification
	DeviceVerificationURI string `yaml:"device_verification_uri"`

	// AllowPKCEPlain accepts the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: false
	AllowPKCEPlain bool `yaml:"allow_pkce_plain"`

	// RevokeOnCodeReuse revokes the whole authorization when an already
	// redeemed authorization code is presented again
	RevokeOnCodeReuse bool `yaml:"revoke_on_code_reuse"`

	// RevokeOnRefreshReuse revokes the whole authorization when a rotated
	// refresh token is presented again
	RevokeOnRefreshReuse bool `yaml:"revoke_on_refresh_reuse"`

	// MaxCommitAttempts bounds how often a grant re-fetches and re-validates
	// after losing a concurrent commit
	MaxCommitAttempts int `yaml:"max_commit_attempts"` // default: 3

	// AllowInsecureHTTP allows an http issuer outside localhost
	AllowInsecureHTTP bool `yaml:"allow_insecure_http"`

	// ScopesSupported is advertised in server metadata when set
	ScopesSupported []string `yaml:"scopes_supported"`

	Endpoints Endpoints `yaml:"endpoints"`
}

// applyDefaults fills in unset optional values
func applyDefaults(config *Config) {
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = DefaultDeviceCodeTTL
	}
	if config.DevicePollInterval == 0 {
		config.DevicePollInterval = DefaultDevicePollInterval
	}
	if config.MaxCommitAttempts == 0 {
		config.MaxCommitAttempts = DefaultMaxCommitAttempts
	}
	applyEndpointDefaults(&config.Endpoints)
	if config.DeviceVerificationURI == "" && config.Issuer != "" {
		config.DeviceVerificationURI = resolveEndpoint(config.Issuer, config.Endpoints.DeviceVerification)
	}
}

func applyEndpointDefaults(e *Endpoints) {
	defaults := []struct {
		field *string
		value string
	}{
		{&e.Authorization, DefaultAuthorizationEndpoint},
		{&e.Token, DefaultTokenEndpoint},
		{&e.DeviceAuthorization, DefaultDeviceAuthorizationEndpoint},
		{&e.DeviceVerification, DefaultDeviceVerificationEndpoint},
		{&e.JWKS, DefaultJWKSEndpoint},
		{&e.Revocation, DefaultRevocationEndpoint},
		{&e.Introspection, DefaultIntrospectionEndpoint},
	}
	for _, d := range defaults {
		if *d.field == "" {
			*d.field = d.value
		}
	}
}

// Validate checks the configuration after defaults were applied
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return ErrIssuerRequired
	}
	if c.AccessTokenTTL <= 0 {
		return ErrAccessTokenTTLRequired
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"refresh token TTL", c.RefreshTokenTTL},
		{"authorization code TTL", c.AuthorizationCodeTTL},
		{"device code TTL", c.DeviceCodeTTL},
		{"device poll interval", c.DevicePollInterval},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}
	if c.DevicePollInterval%time.Second != 0 {
		return fmt.Errorf("device poll interval must be a whole number of seconds, got %s", c.DevicePollInterval)
	}
	if c.MaxCommitAttempts < 1 {
		return fmt.Errorf("max commit attempts must be at least 1, got %d", c.MaxCommitAttempts)
	}
	if c.DeviceVerificationURI != "" {
		if _, err := url.ParseRequestURI(c.DeviceVerificationURI); err != nil {
			return fmt.Errorf("invalid device verification URI: %w", err)
		}
	}
	return nil
}

// logSecurityWarnings logs configuration choices that weaken security
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if !config.RevokeOnCodeReuse {
		logger.Info("Authorization code reuse is rejected without revoking issued tokens",
			"recommendation", "Set RevokeOnCodeReuse=true to revoke the authorization on replay",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.2")
	}
	if config.AccessTokenTTL > 24*time.Hour {
		logger.Warn("⚠️  SECURITY NOTICE: Long-lived access tokens",
			"access_token_ttl", config.AccessTokenTTL,
			"risk", "Stolen bearer tokens stay usable for a long time",
			"recommendation", "Prefer short access tokens with refresh")
	}
}

// validateHTTPSEnforcement rejects an http issuer outside localhost unless
// AllowInsecureHTTP is set
func validateHTTPSEnforcement(config *Config, logger *slog.Logger) error {
	issuerURL, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		hostname := issuerURL.Hostname()
		if isLocalhostHostname(hostname) {
			if !config.AllowInsecureHTTP {
				logger.Warn("⚠️  DEVELOPMENT WARNING: Issuer uses HTTP on localhost",
					"issuer", config.Issuer,
					"to_suppress", "Set AllowInsecureHTTP=true in Config")
			}
			return nil
		}
		if !config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS (got %s://%s); set AllowInsecureHTTP=true to override", issuerURL.Scheme, hostname)
		}
		logger.Error("🚨 CRITICAL SECURITY WARNING: Issuer uses HTTP",
			"issuer", config.Issuer,
			"hostname", hostname,
			"action_required", "Switch to HTTPS")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %q (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname reports whether hostname refers to the local machine
func isLocalhostHostname(hostname string) bool {
	switch strings.ToLower(hostname) {
	case "localhost", "::1", "0.0.0.0":
		return true
	}
	return strings.HasPrefix(hostname, "127.")
}

// resolveEndpoint joins a relative endpoint path onto the issuer
func resolveEndpoint(issuer, endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if u, err := url.Parse(endpoint); err == nil && u.IsAbs() {
		return endpoint
	}
	return strings.TrimSuffix(issuer, "/") + "/" + strings.TrimPrefix(endpoint, "/")
}
