package server

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	config := &Config{Issuer: "https://auth.example.com/", AccessTokenTTL: time.Hour}
	applyDefaults(config)

	if config.RefreshTokenTTL != DefaultRefreshTokenTTL {
		t.Errorf("RefreshTokenTTL = %v, want %v", config.RefreshTokenTTL, DefaultRefreshTokenTTL)
	}
	if config.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL {
		t.Errorf("AuthorizationCodeTTL = %v, want %v", config.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
	}
	if config.DeviceCodeTTL != DefaultDeviceCodeTTL {
		t.Errorf("DeviceCodeTTL = %v, want %v", config.DeviceCodeTTL, DefaultDeviceCodeTTL)
	}
	if config.DevicePollInterval != DefaultDevicePollInterval {
		t.Errorf("DevicePollInterval = %v, want %v", config.DevicePollInterval, DefaultDevicePollInterval)
	}
	if config.MaxCommitAttempts != DefaultMaxCommitAttempts {
		t.Errorf("MaxCommitAttempts = %d, want %d", config.MaxCommitAttempts, DefaultMaxCommitAttempts)
	}
	if config.Endpoints.Token != DefaultTokenEndpoint {
		t.Errorf("Endpoints.Token = %q, want %q", config.Endpoints.Token, DefaultTokenEndpoint)
	}
	want := "https://auth.example.com/oauth2/device_verification"
	if config.DeviceVerificationURI != want {
		t.Errorf("DeviceVerificationURI = %q, want %q", config.DeviceVerificationURI, want)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	config := &Config{
		Issuer:                "https://auth.example.com",
		AccessTokenTTL:        time.Hour,
		AuthorizationCodeTTL:  time.Minute,
		DeviceVerificationURI: "https://example.com/activate",
		Endpoints:             Endpoints{Token: "/token"},
	}
	applyDefaults(config)

	if config.AuthorizationCodeTTL != time.Minute {
		t.Errorf("AuthorizationCodeTTL = %v, want 1m", config.AuthorizationCodeTTL)
	}
	if config.DeviceVerificationURI != "https://example.com/activate" {
		t.Errorf("DeviceVerificationURI was overwritten: %q", config.DeviceVerificationURI)
	}
	if config.Endpoints.Token != "/token" {
		t.Errorf("Endpoints.Token was overwritten: %q", config.Endpoints.Token)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := &Config{Issuer: "https://auth.example.com", AccessTokenTTL: time.Hour}
		applyDefaults(c)
		return c
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr error
		wantMsg string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "missing issuer", modify: func(c *Config) { c.Issuer = "" }, wantErr: ErrIssuerRequired},
		{name: "missing access token TTL", modify: func(c *Config) { c.AccessTokenTTL = 0 }, wantErr: ErrAccessTokenTTLRequired},
		{name: "negative refresh TTL", modify: func(c *Config) { c.RefreshTokenTTL = -time.Second }, wantMsg: "refresh token TTL"},
		{name: "fractional poll interval", modify: func(c *Config) { c.DevicePollInterval = 1500 * time.Millisecond }, wantMsg: "whole number of seconds"},
		{name: "negative commit attempts", modify: func(c *Config) { c.MaxCommitAttempts = -1 }, wantMsg: "max commit attempts"},
		{name: "relative verification URI", modify: func(c *Config) { c.DeviceVerificationURI = "activate" }, wantMsg: "device verification URI"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(c)
			err := c.Validate()

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
				}
			case tt.wantMsg != "":
				if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
					t.Errorf("Validate() = %v, want error containing %q", err, tt.wantMsg)
				}
			default:
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			}
		})
	}
}

func TestValidateHTTPSEnforcement(t *testing.T) {
	tests := []struct {
		name      string
		issuer    string
		allowHTTP bool
		wantErr   bool
		wantLog   string
	}{
		{name: "https", issuer: "https://auth.example.com"},
		{name: "http localhost", issuer: "http://localhost:8080", wantLog: "DEVELOPMENT WARNING"},
		{name: "http loopback", issuer: "http://127.0.0.1:8080", wantLog: "DEVELOPMENT WARNING"},
		{name: "http remote", issuer: "http://auth.example.com", wantErr: true},
		{name: "http remote allowed", issuer: "http://auth.example.com", allowHTTP: true, wantLog: "CRITICAL SECURITY WARNING"},
		{name: "unsupported scheme", issuer: "ftp://auth.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			err := validateHTTPSEnforcement(&Config{Issuer: tt.issuer, AllowInsecureHTTP: tt.allowHTTP}, logger)

			if (err != nil) != tt.wantErr {
				t.Fatalf("validateHTTPSEnforcement() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(strings.ToLower(err.Error()), "http") {
				t.Errorf("error should mention the scheme: %v", err)
			}
			if tt.wantLog != "" && !strings.Contains(buf.String(), tt.wantLog) {
				t.Errorf("expected log containing %q, got %q", tt.wantLog, buf.String())
			}
		})
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	logSecurityWarnings(&Config{AllowPKCEPlain: true, AccessTokenTTL: 48 * time.Hour}, logger)

	output := buf.String()
	for _, want := range []string{"Plain PKCE method is ALLOWED", "Long-lived access tokens"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected warning %q in %q", want, output)
		}
	}
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		issuer   string
		endpoint string
		want     string
	}{
		{"https://auth.example.com", "/oauth2/token", "https://auth.example.com/oauth2/token"},
		{"https://auth.example.com/", "/oauth2/token", "https://auth.example.com/oauth2/token"},
		{"https://auth.example.com/tenant", "token", "https://auth.example.com/tenant/token"},
		{"https://auth.example.com", "https://other.example.com/token", "https://other.example.com/token"},
		{"https://auth.example.com", "", ""},
	}

	for _, tt := range tests {
		if got := resolveEndpoint(tt.issuer, tt.endpoint); got != tt.want {
			t.Errorf("resolveEndpoint(%q, %q) = %q, want %q", tt.issuer, tt.endpoint, got, tt.want)
		}
	}
}

func TestIsLocalhostHostname(t *testing.T) {
	tests := map[string]bool{
		"localhost":        true,
		"LOCALHOST":        true,
		"127.0.0.1":        true,
		"127.1.2.3":        true,
		"::1":              true,
		"auth.example.com": false,
		"localhost.evil":   false,
	}
	for host, want := range tests {
		if got := isLocalhostHostname(host); got != want {
			t.Errorf("isLocalhostHostname(%q) = %v, want %v", host, got, want)
		}
	}
}
