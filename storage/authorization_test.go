package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/giantswarm/oauth-grants"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newToken(kind TokenKind, value string, ttl time.Duration) *Token {
	return &Token{Kind: kind, Value: value, IssuedAt: testNow, ExpiresAt: testNow.Add(ttl)}
}

func TestAuthorization_SetTokenInvalidatesPrevious(t *testing.T) {
	a := NewAuthorization("client-1", "alice", oauth.GrantTypeAuthorizationCode, testNow)
	a.SetToken(newToken(TokenKindRefresh, "r1", time.Hour), testNow)
	a.SetToken(newToken(TokenKindRefresh, "r2", time.Hour), testNow.Add(time.Minute))

	current := a.Token(TokenKindRefresh)
	require.NotNil(t, current)
	assert.Equal(t, "r2", current.Value)
	assert.False(t, current.Invalidated)

	old := a.FindToken("r1", TokenKindRefresh)
	require.NotNil(t, old, "superseded token must remain findable")
	assert.True(t, old.Invalidated)
	assert.Equal(t, testNow.Add(time.Minute), old.InvalidatedAt)
	assert.Len(t, a.InvalidatedTokens, 1)
}

func TestAuthorization_SetSameTokenKeepsHistoryEmpty(t *testing.T) {
	a := NewAuthorization("client-1", "alice", oauth.GrantTypeAuthorizationCode, testNow)
	tok := newToken(TokenKindRefresh, "r1", time.Hour)
	a.SetToken(tok, testNow)
	a.SetToken(tok, testNow)

	assert.Empty(t, a.InvalidatedTokens)
	assert.False(t, a.Token(TokenKindRefresh).Invalidated)
}

func TestAuthorization_HistoryIsBounded(t *testing.T) {
	a := NewAuthorization("client-1", "alice", oauth.GrantTypeAuthorizationCode, testNow)
	for i := 0; i < MaxInvalidatedTokens+5; i++ {
		a.SetToken(newToken(TokenKindAccess, fmt.Sprintf("at-%d", i), time.Hour), testNow)
	}
	assert.Len(t, a.InvalidatedTokens, MaxInvalidatedTokens)
}

func TestAuthorization_FindTokenKindHint(t *testing.T) {
	a := NewAuthorization("client-1", "alice", oauth.GrantTypeAuthorizationCode, testNow)
	a.SetToken(newToken(TokenKindAuthorizationCode, "same", time.Minute), testNow)

	assert.NotNil(t, a.FindToken("same", ""))
	assert.NotNil(t, a.FindToken("same", TokenKindAuthorizationCode))
	assert.Nil(t, a.FindToken("same", TokenKindRefresh))
	assert.Nil(t, a.FindToken("", ""))
}

func TestAuthorization_Clone(t *testing.T) {
	a := NewAuthorization("client-1", "alice", oauth.GrantTypeAuthorizationCode, testNow)
	a.AuthorizedScopes = []string{"read"}
	a.Attributes["k"] = "v"
	tok := newToken(TokenKindAccess, "at", time.Hour)
	tok.Metadata = map[string]string{TokenMetadataScope: "read"}
	a.SetToken(tok, testNow)

	cp := a.Clone()
	cp.AuthorizedScopes[0] = "write"
	cp.Attributes["k"] = "changed"
	cp.Token(TokenKindAccess).Invalidated = true
	cp.Token(TokenKindAccess).Metadata[TokenMetadataScope] = "write"

	assert.Equal(t, "read", a.AuthorizedScopes[0])
	assert.Equal(t, "v", a.Attributes["k"])
	assert.False(t, a.Token(TokenKindAccess).Invalidated)
	assert.Equal(t, "read", a.Token(TokenKindAccess).Metadata[TokenMetadataScope])
}

func TestAuthorization_ScopesImmutableAfterIssue(t *testing.T) {
	a := NewAuthorization("client-1", "alice", oauth.GrantTypeAuthorizationCode, testNow)
	require.NoError(t, a.SetAuthorizedScopes([]string{"read", "write"}))

	a.SetToken(newToken(TokenKindAuthorizationCode, "code", time.Minute), testNow)
	require.NoError(t, a.SetAuthorizedScopes([]string{"read"}), "code alone does not freeze scopes")

	a.SetToken(newToken(TokenKindAccess, "at", time.Hour), testNow)
	require.ErrorIs(t, a.SetAuthorizedScopes([]string{"read", "write"}), ErrScopesImmutable)
	assert.Equal(t, []string{"read"}, a.AuthorizedScopes)
}

func TestAuthorization_CodeState(t *testing.T) {
	a := NewAuthorization("client-1", "alice", oauth.GrantTypeAuthorizationCode, testNow)
	assert.Equal(t, CodeStateRequested, a.CodeState(testNow))

	a.SetToken(newToken(TokenKindAuthorizationCode, "code", 5*time.Minute), testNow)
	assert.Equal(t, CodeStateIssued, a.CodeState(testNow))
	assert.Equal(t, CodeStateExpired, a.CodeState(testNow.Add(5*time.Minute)))

	a.InvalidateToken(TokenKindAuthorizationCode, testNow)
	a.SetToken(newToken(TokenKindAccess, "at", time.Hour), testNow)
	assert.Equal(t, CodeStateExchanged, a.CodeState(testNow))

	a.Revoke(testNow)
	assert.Equal(t, CodeStateRevoked, a.CodeState(testNow))
	assert.True(t, a.Token(TokenKindAccess).Invalidated)
	assert.True(t, a.IsDormant(testNow))
}

func TestAuthorization_InvalidateToken(t *testing.T) {
	a := NewAuthorization("client-1", "alice", oauth.GrantTypeDeviceCode, testNow)
	assert.False(t, a.InvalidateToken(TokenKindDeviceCode, testNow))

	a.SetToken(newToken(TokenKindDeviceCode, "dc", time.Minute), testNow)
	assert.True(t, a.InvalidateToken(TokenKindDeviceCode, testNow))
	assert.False(t, a.InvalidateToken(TokenKindDeviceCode, testNow), "second invalidation is a no-op")
	assert.Equal(t, "dc", a.Token(TokenKindDeviceCode).Value)
}

func TestAuthorization_LatestExpiry(t *testing.T) {
	a := NewAuthorization("client-1", "alice", oauth.GrantTypeAuthorizationCode, testNow)
	a.SetToken(newToken(TokenKindAccess, "at", time.Hour), testNow)
	a.SetToken(newToken(TokenKindRefresh, "rt", 24*time.Hour), testNow)
	assert.Equal(t, testNow.Add(24*time.Hour), a.LatestExpiry())
}

func TestGrantState(t *testing.T) {
	t.Run("code grant", func(t *testing.T) {
		a := NewAuthorization("client-1", "alice", oauth.GrantTypeAuthorizationCode, testNow)
		in := &CodeGrantState{
			Request: oauth.AuthorizationRequest{
				ClientID:    "client-1",
				RedirectURI: "https://app.example.com/cb",
				Scope:       "read",
				State:       "xyz",
			},
			CodeChallenge:       "challenge",
			CodeChallengeMethod: "S256",
		}
		require.NoError(t, a.SetGrantState(in))
		assert.Equal(t, "S256", a.Attributes[AttrCodeChallengeMethod])

		out, err := a.GrantState()
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("code grant without pkce drops challenge attributes", func(t *testing.T) {
		a := NewAuthorization("client-1", "alice", oauth.GrantTypeAuthorizationCode, testNow)
		a.Attributes[AttrCodeChallenge] = "stale"
		require.NoError(t, a.SetGrantState(&CodeGrantState{}))
		_, ok := a.Attributes[AttrCodeChallenge]
		assert.False(t, ok)
	})

	t.Run("device grant", func(t *testing.T) {
		a := NewAuthorization("client-1", "", oauth.GrantTypeDeviceCode, testNow)
		require.NoError(t, a.SetGrantState(&DeviceGrantState{Status: DeviceStatusPending, Interval: 5 * time.Second}))

		out, err := a.GrantState()
		require.NoError(t, err)
		ds, ok := out.(*DeviceGrantState)
		require.True(t, ok)
		assert.Equal(t, DeviceStatusPending, ds.Status)
		assert.Equal(t, 5*time.Second, ds.Interval)
	})

	t.Run("mismatched variant", func(t *testing.T) {
		a := NewAuthorization("client-1", "", oauth.GrantTypeClientCredentials, testNow)
		require.Error(t, a.SetGrantState(&DeviceGrantState{Status: DeviceStatusPending}))
	})

	t.Run("invalid device status", func(t *testing.T) {
		a := NewAuthorization("client-1", "", oauth.GrantTypeDeviceCode, testNow)
		require.Error(t, a.SetGrantState(&DeviceGrantState{Status: "maybe"}))

		a.Attributes[AttrDeviceStatus] = "maybe"
		a.Attributes[AttrDeviceInterval] = "5"
		_, err := a.GrantState()
		require.Error(t, err)
	})

	t.Run("missing code snapshot", func(t *testing.T) {
		a := NewAuthorization("client-1", "alice", oauth.GrantTypeAuthorizationCode, testNow)
		_, err := a.GrantState()
		require.Error(t, err)
	})
}

func TestCheckCommit(t *testing.T) {
	a := &Authorization{Version: 3, CommitID: "c-4"}

	applied, err := CheckCommit(3, "c-3", a)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = CheckCommit(4, "c-4", a)
	require.NoError(t, err)
	assert.True(t, applied, "same commit already stored is a retry")

	_, err = CheckCommit(4, "other", a)
	require.ErrorIs(t, err, ErrConflict)

	_, err = CheckCommit(5, "c-4", a)
	require.ErrorIs(t, err, ErrConflict)
}

func TestHashToken(t *testing.T) {
	h := HashToken("value")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("value"))
	assert.NotEqual(t, h, HashToken("other"))
}
