package signer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEd25519Signer(t *testing.T) *JWTSigner {
	t.Helper()
	key, err := GenerateEd25519Key()
	require.NoError(t, err)
	s, err := NewEd25519Signer("test-kid", key)
	require.NoError(t, err)
	return s
}

func testClaims(now time.Time) *Claims {
	return &Claims{
		Issuer:    "https://auth.example.com",
		Subject:   "client-1",
		Audience:  []string{"client-1"},
		IssuedAt:  now,
		NotBefore: now,
		ExpiresAt: now.Add(time.Hour),
		Scope:     []string{"read", "write"},
		ClientID:  "client-1",
	}
}

func TestJWTSigner_SignAndVerify(t *testing.T) {
	s := newEd25519Signer(t)
	now := time.Now()

	signed, err := s.Sign(context.Background(), testClaims(now))
	require.NoError(t, err)
	require.NotEmpty(t, signed.Value)
	assert.True(t, signed.ExpiresAt.After(signed.IssuedAt))
	assert.Equal(t, now.Truncate(time.Second), signed.IssuedAt)

	claims, err := s.Verify(signed.Value)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", claims["iss"])
	assert.Equal(t, "client-1", claims["sub"])
	assert.Equal(t, "read write", claims["scope"])
	assert.Equal(t, "client-1", claims["client_id"])
	assert.NotEmpty(t, claims["jti"])
	assert.Equal(t, "EdDSA", s.Algorithm())
}

func TestJWTSigner_UniqueTokens(t *testing.T) {
	s := newEd25519Signer(t)
	now := time.Now()

	a, err := s.Sign(context.Background(), testClaims(now))
	require.NoError(t, err)
	b, err := s.Sign(context.Background(), testClaims(now))
	require.NoError(t, err)
	assert.NotEqual(t, a.Value, b.Value, "identical claims must still yield distinct tokens")
}

func TestJWTSigner_RejectsInvertedWindow(t *testing.T) {
	s := newEd25519Signer(t)
	now := time.Now()
	c := testClaims(now)
	c.ExpiresAt = now.Add(-time.Minute)

	_, err := s.Sign(context.Background(), c)
	require.Error(t, err)
}

func TestJWTSigner_ExtraClaimsCannotOverrideRegistered(t *testing.T) {
	s := newEd25519Signer(t)
	c := testClaims(time.Now())
	c.Extra = map[string]any{"sub": "attacker", "tenant": "acme"}

	signed, err := s.Sign(context.Background(), c)
	require.NoError(t, err)

	claims, err := s.Verify(signed.Value)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims["sub"])
	assert.Equal(t, "acme", claims["tenant"])
}

func TestJWTSigner_CancelledContext(t *testing.T) {
	s := newEd25519Signer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Sign(ctx, testClaims(time.Now()))
	require.ErrorIs(t, err, context.Canceled)
}

func TestJWTSigner_VerifyRejectsOtherKey(t *testing.T) {
	a := newEd25519Signer(t)
	b := newEd25519Signer(t)

	signed, err := a.Sign(context.Background(), testClaims(time.Now()))
	require.NoError(t, err)

	_, err = b.Verify(signed.Value)
	require.Error(t, err)
}

func TestNewSigners(t *testing.T) {
	t.Run("hmac secret too short", func(t *testing.T) {
		_, err := NewHMACSigner("k", []byte("short"))
		require.Error(t, err)
	})

	t.Run("hmac round trip", func(t *testing.T) {
		s, err := NewHMACSigner("k", []byte("0123456789abcdef0123456789abcdef"))
		require.NoError(t, err)
		assert.Nil(t, s.PublicKey())

		signed, err := s.Sign(context.Background(), testClaims(time.Now()))
		require.NoError(t, err)
		_, err = s.Verify(signed.Value)
		require.NoError(t, err)
	})

	t.Run("rsa", func(t *testing.T) {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		s, err := NewRSASigner("rsa-1", key)
		require.NoError(t, err)
		assert.Equal(t, "RS256", s.Algorithm())
		assert.NotNil(t, s.PublicKey())
	})

	t.Run("invalid ed25519 key", func(t *testing.T) {
		_, err := NewEd25519Signer("k", []byte("nope"))
		require.Error(t, err)
	})
}

func TestEd25519PEMRoundTrip(t *testing.T) {
	key, err := GenerateEd25519Key()
	require.NoError(t, err)

	pemBytes, err := EncodeEd25519PrivateKeyPEM(key)
	require.NoError(t, err)

	parsed, err := ParseEd25519PrivateKeyPEM(pemBytes)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	_, err = ParseEd25519PrivateKeyPEM([]byte("not pem"))
	require.Error(t, err)
}

func TestFunc(t *testing.T) {
	called := false
	var s Signer = Func(func(_ context.Context, c *Claims) (*Signed, error) {
		called = true
		return &Signed{Value: "v", IssuedAt: c.IssuedAt, ExpiresAt: c.ExpiresAt}, nil
	})
	_, err := s.Sign(context.Background(), testClaims(time.Now()))
	require.NoError(t, err)
	assert.True(t, called)
}
