package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/storage"
)

// initialTokens runs the code grant for the confidential client with scope "read write"
func initialTokens(t *testing.T, env *testEnv) *oauth.TokenResponse {
	t.Helper()
	code := issueCode(t, env, testConfidential, "", "")
	resp, err := exchange(env, confidentialPrincipal(), code, testRedirectURI, "")
	require.NoError(t, err)
	require.NotEmpty(t, resp.RefreshToken)
	return resp
}

func refresh(env *testEnv, refreshToken, scope string) (*oauth.TokenResponse, error) {
	return env.srv.Token(context.Background(), confidentialPrincipal(), &oauth.GrantRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		Scope:        scope,
	})
}

func TestRefreshToken_Rotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	initial := initialTokens(t, env)

	env.clock.Advance(time.Minute)
	resp, err := refresh(env, initial.RefreshToken, "")
	require.NoError(t, err)
	assert.NotEqual(t, initial.RefreshToken, resp.RefreshToken)
	assert.NotEqual(t, initial.AccessToken, resp.AccessToken)
	assert.Equal(t, "read write", resp.Scope)

	a, err := env.store.Backend.FindByToken(ctx, resp.RefreshToken, storage.TokenKindRefresh)
	require.NoError(t, err)
	old := a.FindToken(initial.RefreshToken, storage.TokenKindRefresh)
	require.NotNil(t, old)
	assert.True(t, old.Invalidated, "the rotated refresh token is invalidated")
	assert.True(t, a.FindToken(initial.AccessToken, storage.TokenKindAccess).Invalidated,
		"only one access token is current")
	assert.Equal(t, 1, auditEvents(env, "token_refreshed"))

	// Replaying the rotated token fails and is audited
	_, err = refresh(env, initial.RefreshToken, "")
	requireOAuthError(t, err, oauth.ErrorCodeInvalidGrant)
	assert.Equal(t, 1, auditEvents(env, "refresh_token_reuse_detected"))

	// The current token keeps working without revocation configured
	_, err = refresh(env, resp.RefreshToken, "")
	require.NoError(t, err)
}

func TestRefreshToken_ReuseRevokesWhenConfigured(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RevokeOnRefreshReuse = true })
	initial := initialTokens(t, env)

	rotated, err := refresh(env, initial.RefreshToken, "")
	require.NoError(t, err)

	_, err = refresh(env, initial.RefreshToken, "")
	requireOAuthError(t, err, oauth.ErrorCodeInvalidGrant)

	_, err = refresh(env, rotated.RefreshToken, "")
	requireOAuthError(t, err, oauth.ErrorCodeInvalidGrant)
	assert.Equal(t, 1, auditEvents(env, "authorization_revoked"))
}

func TestRefreshToken_ReplayBeyondHistory(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RevokeOnRefreshReuse = true })
	ctx := context.Background()
	initial := initialTokens(t, env)

	current := initial.RefreshToken
	var previous string
	for i := 0; i < storage.MaxInvalidatedTokens; i++ {
		resp, err := refresh(env, current, "")
		require.NoError(t, err)
		previous, current = current, resp.RefreshToken
	}

	_, err := env.store.Backend.FindByToken(ctx, initial.RefreshToken, storage.TokenKindRefresh)
	require.ErrorIs(t, err, storage.ErrAuthorizationNotFound, "the oldest refresh token left the history")

	// A token dropped from the history is unknown: no reuse response
	_, err = refresh(env, initial.RefreshToken, "")
	requireOAuthError(t, err, oauth.ErrorCodeInvalidGrant)
	assert.Equal(t, 0, auditEvents(env, "refresh_token_reuse_detected"))
	assert.Equal(t, 0, auditEvents(env, "authorization_revoked"))

	// A token still in the history is detected as reuse
	_, err = refresh(env, previous, "")
	requireOAuthError(t, err, oauth.ErrorCodeInvalidGrant)
	assert.Equal(t, 1, auditEvents(env, "refresh_token_reuse_detected"))
	assert.Equal(t, 1, auditEvents(env, "authorization_revoked"))
}

func TestRefreshToken_ReuseRefreshTokens(t *testing.T) {
	env := newTestEnv(t)
	env.confidential.TokenSettings.ReuseRefreshTokens = true
	env.registry.Add(env.confidential)
	initial := initialTokens(t, env)

	first, err := refresh(env, initial.RefreshToken, "")
	require.NoError(t, err)
	assert.Equal(t, initial.RefreshToken, first.RefreshToken)

	second, err := refresh(env, initial.RefreshToken, "")
	require.NoError(t, err)
	assert.Equal(t, initial.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
}

func TestRefreshToken_ScopeNarrowing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	initial := initialTokens(t, env)

	narrowed, err := refresh(env, initial.RefreshToken, "read")
	require.NoError(t, err)
	assert.Equal(t, "read", narrowed.Scope)
	claims, err := env.signer.Verify(narrowed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "read", claims["scope"])

	// Narrowing one token does not shrink the authorization
	full, err := refresh(env, narrowed.RefreshToken, "")
	require.NoError(t, err)
	assert.Equal(t, "read write", full.Scope)

	_, err = refresh(env, full.RefreshToken, "read admin")
	requireOAuthError(t, err, oauth.ErrorCodeInvalidScope)
	assert.Equal(t, 1, auditEvents(env, "scope_escalation_attempt"))

	a, err := env.store.Backend.FindByToken(ctx, full.RefreshToken, storage.TokenKindRefresh)
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, a.AuthorizedScopes)
	assert.False(t, a.Token(storage.TokenKindRefresh).Invalidated, "a rejected refresh changes nothing")
}

func TestRefreshToken_Rejections(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := refresh(env, "", "")
		requireOAuthError(t, err, oauth.ErrorCodeInvalidRequest)
	})

	t.Run("unknown token", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := refresh(env, "unknown", "")
		requireOAuthError(t, err, oauth.ErrorCodeInvalidGrant)
	})

	t.Run("expired token", func(t *testing.T) {
		env := newTestEnv(t)
		initial := initialTokens(t, env)
		env.clock.Advance(DefaultRefreshTokenTTL + time.Second)
		_, err := refresh(env, initial.RefreshToken, "")
		requireOAuthError(t, err, oauth.ErrorCodeInvalidGrant)
	})

	t.Run("access token presented as refresh token", func(t *testing.T) {
		env := newTestEnv(t)
		initial := initialTokens(t, env)
		_, err := refresh(env, initial.AccessToken, "")
		requireOAuthError(t, err, oauth.ErrorCodeInvalidGrant)
	})

	t.Run("token of another client", func(t *testing.T) {
		env := newTestEnv(t)
		initial := initialTokens(t, env)
		_, err := env.srv.Token(context.Background(), publicPrincipal(), &oauth.GrantRequest{
			GrantType:    "refresh_token",
			RefreshToken: initial.RefreshToken,
		})
		requireOAuthError(t, err, oauth.ErrorCodeInvalidGrant)
	})
}
