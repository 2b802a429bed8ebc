package storage

import (
	"errors"
	"fmt"
	"slices"
	"time"

	oauth "github.com/giantswarm/oauth-grants"
)

// Client types
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token endpoint authentication methods
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"
)

// ClientSettings are per-client protocol settings
type ClientSettings struct {
	// RequireProofKey requires PKCE on the authorization code grant
	RequireProofKey bool `json:"require_proof_key" yaml:"require_proof_key"`
}

// TokenSettings are per-client token lifetimes. Zero durations fall back to
// the engine defaults.
type TokenSettings struct {
	AccessTokenTTL       time.Duration `json:"access_token_ttl" yaml:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `json:"refresh_token_ttl" yaml:"refresh_token_ttl"`
	AuthorizationCodeTTL time.Duration `json:"authorization_code_ttl" yaml:"authorization_code_ttl"`
	DeviceCodeTTL        time.Duration `json:"device_code_ttl" yaml:"device_code_ttl"`

	// ReuseRefreshTokens keeps the same refresh token on refresh instead of rotating
	ReuseRefreshTokens bool `json:"reuse_refresh_tokens" yaml:"reuse_refresh_tokens"`
}

// Client is a registered OAuth client. It is immutable for the duration of a request.
type Client struct {
	ClientID                string            `json:"client_id"`
	ClientSecretHash        string            `json:"client_secret_hash,omitempty"` // bcrypt hash
	ClientType              string            `json:"client_type"`                  // "public" or "confidential"
	ClientName              string            `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string            `json:"token_endpoint_auth_method"`
	GrantTypes              []oauth.GrantType `json:"grant_types"`
	RedirectURIs            []string          `json:"redirect_uris,omitempty"`
	Scopes                  []string          `json:"scopes,omitempty"`
	ClientSettings          ClientSettings    `json:"client_settings"`
	TokenSettings           TokenSettings     `json:"token_settings"`
	CreatedAt               time.Time         `json:"created_at"`
}

// IsPublic reports whether the client cannot hold a secret
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// AllowsGrant reports whether the client may use the grant type
func (c *Client) AllowsGrant(gt oauth.GrantType) bool {
	return slices.Contains(c.GrantTypes, gt)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// Validate checks the registration for internal consistency
func (c *Client) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	switch c.ClientType {
	case ClientTypeConfidential:
		if c.ClientSecretHash == "" {
			return fmt.Errorf("client %s: confidential clients require a secret", c.ClientID)
		}
	case ClientTypePublic:
		if c.ClientSecretHash != "" {
			return fmt.Errorf("client %s: public clients must not have a secret", c.ClientID)
		}
		if c.AllowsGrant(oauth.GrantTypeClientCredentials) {
			return fmt.Errorf("client %s: public clients cannot use client_credentials", c.ClientID)
		}
	default:
		return fmt.Errorf("client %s: invalid client_type %q", c.ClientID, c.ClientType)
	}
	switch c.TokenEndpointAuthMethod {
	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
		if c.IsPublic() {
			return fmt.Errorf("client %s: public clients must use auth method %q", c.ClientID, AuthMethodNone)
		}
	case AuthMethodNone:
		if !c.IsPublic() {
			return fmt.Errorf("client %s: confidential clients cannot use auth method %q", c.ClientID, AuthMethodNone)
		}
	default:
		return fmt.Errorf("client %s: invalid token_endpoint_auth_method %q", c.ClientID, c.TokenEndpointAuthMethod)
	}
	if len(c.GrantTypes) == 0 {
		return fmt.Errorf("client %s: at least one grant type is required", c.ClientID)
	}
	if c.AllowsGrant(oauth.GrantTypeAuthorizationCode) && len(c.RedirectURIs) == 0 {
		return fmt.Errorf("client %s: authorization_code requires a redirect URI", c.ClientID)
	}
	ts := c.TokenSettings
	if ts.AccessTokenTTL < 0 || ts.RefreshTokenTTL < 0 || ts.AuthorizationCodeTTL < 0 || ts.DeviceCodeTTL < 0 {
		return fmt.Errorf("client %s: token TTLs must not be negative", c.ClientID)
	}
	return nil
}

// Clone returns a deep copy
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}
