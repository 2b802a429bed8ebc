package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-grants/internal/testutil"
)

func TestVerifyPKCE(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()
	plain := strings.Repeat("a", MinCodeVerifierLength)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   error
	}{
		{name: "S256 match", challenge: challenge, method: PKCEMethodS256, verifier: verifier},
		{name: "S256 mismatch", challenge: challenge, method: PKCEMethodS256, verifier: strings.Repeat("b", 43), wantErr: errVerifierMismatch},
		{name: "plain match", challenge: plain, method: PKCEMethodPlain, verifier: plain},
		{name: "plain mismatch", challenge: plain, method: PKCEMethodPlain, verifier: strings.Repeat("b", 43), wantErr: errVerifierMismatch},
		{name: "missing verifier", challenge: challenge, method: PKCEMethodS256, wantErr: errVerifierRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyPKCE(tt.challenge, tt.method, tt.verifier)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyPKCE_MalformedVerifier(t *testing.T) {
	challenge, _ := testutil.GeneratePKCEPair()

	for _, verifier := range []string{
		"short",
		strings.Repeat("a", MaxCodeVerifierLength+1),
		strings.Repeat("a", 42) + "!",
	} {
		assert.Error(t, verifyPKCE(challenge, PKCEMethodS256, verifier), verifier)
	}
}

func TestResolveChallengeMethod(t *testing.T) {
	env := newTestEnv(t)

	method, err := env.srv.resolveChallengeMethod(PKCEMethodS256)
	require.NoError(t, err)
	assert.Equal(t, PKCEMethodS256, method)

	_, err = env.srv.resolveChallengeMethod("")
	assert.Error(t, err, "an absent method means plain")
	_, err = env.srv.resolveChallengeMethod("S512")
	assert.Error(t, err)

	env.srv.Config.AllowPKCEPlain = true
	method, err = env.srv.resolveChallengeMethod("")
	require.NoError(t, err)
	assert.Equal(t, PKCEMethodPlain, method)
}

func TestGenerateUserCode(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		code, err := generateUserCode()
		require.NoError(t, err)
		assert.Regexp(t, userCodePattern, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 90, "codes should not repeat in practice")
}

func TestNormalizeUserCode(t *testing.T) {
	tests := map[string]string{
		"BCDF-GHJK":    "BCDF-GHJK",
		"bcdfghjk":     "BCDF-GHJK",
		"bcdf ghjk":    "BCDF-GHJK",
		" Bc-Df-Gh-Jk": "BCDF-GHJK",
		"bcd":          "BCD",
	}
	for input, want := range tests {
		assert.Equal(t, want, normalizeUserCode(input), input)
	}
}

func TestGenerateRandomToken(t *testing.T) {
	a, b := generateRandomToken(), generateRandomToken()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}
