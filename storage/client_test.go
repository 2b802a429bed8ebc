package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	oauth "github.com/giantswarm/oauth-grants"
)

func TestClient_Validate(t *testing.T) {
	valid := func() *Client {
		return &Client{
			ClientID:                "client-1",
			ClientSecretHash:        "$2a$10$hash",
			ClientType:              ClientTypeConfidential,
			TokenEndpointAuthMethod: AuthMethodClientSecretBasic,
			GrantTypes:              []oauth.GrantType{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeClientCredentials},
			RedirectURIs:            []string{"https://app.example.com/cb"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Client)
		wantErr bool
	}{
		{"valid confidential", func(*Client) {}, false},
		{"missing id", func(c *Client) { c.ClientID = "" }, true},
		{"confidential without secret", func(c *Client) { c.ClientSecretHash = "" }, true},
		{"unknown type", func(c *Client) { c.ClientType = "hybrid" }, true},
		{"no grant types", func(c *Client) { c.GrantTypes = nil }, true},
		{"code grant without redirect", func(c *Client) { c.RedirectURIs = nil }, true},
		{"negative ttl", func(c *Client) { c.TokenSettings.AccessTokenTTL = -1 }, true},
		{"confidential with none", func(c *Client) { c.TokenEndpointAuthMethod = AuthMethodNone }, true},
		{
			name: "valid public",
			mutate: func(c *Client) {
				c.ClientType = ClientTypePublic
				c.ClientSecretHash = ""
				c.TokenEndpointAuthMethod = AuthMethodNone
				c.GrantTypes = []oauth.GrantType{oauth.GrantTypeAuthorizationCode}
			},
		},
		{
			name: "public with client_credentials",
			mutate: func(c *Client) {
				c.ClientType = ClientTypePublic
				c.ClientSecretHash = ""
				c.TokenEndpointAuthMethod = AuthMethodNone
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClient_Helpers(t *testing.T) {
	c := &Client{
		ClientType:   ClientTypePublic,
		GrantTypes:   []oauth.GrantType{oauth.GrantTypeDeviceCode},
		RedirectURIs: []string{"https://app.example.com/cb"},
	}
	assert.True(t, c.IsPublic())
	assert.True(t, c.AllowsGrant(oauth.GrantTypeDeviceCode))
	assert.False(t, c.AllowsGrant(oauth.GrantTypeRefreshToken))
	assert.True(t, c.HasRedirectURI("https://app.example.com/cb"))
	assert.False(t, c.HasRedirectURI("https://app.example.com/cb/"))
}
