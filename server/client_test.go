package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

func TestAuthenticateClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		secret   string
		want     ClientPrincipal
		wantCode string
	}{
		{
			name:     "confidential client with valid secret",
			clientID: testConfidential,
			secret:   testutil.TestClientSecret,
			want: ClientPrincipal{
				ClientID:      testConfidential,
				Authenticated: true,
				AuthMethod:    storage.AuthMethodClientSecretBasic,
			},
		},
		{
			name:     "confidential client with wrong secret",
			clientID: testConfidential,
			secret:   "wrong",
			wantCode: oauth.ErrorCodeInvalidClient,
		},
		{
			name:     "confidential client without secret",
			clientID: testConfidential,
			wantCode: oauth.ErrorCodeInvalidClient,
		},
		{
			name:     "public client without secret",
			clientID: testPublic,
			want:     ClientPrincipal{ClientID: testPublic, AuthMethod: storage.AuthMethodNone},
		},
		{
			name:     "public client presenting a secret",
			clientID: testPublic,
			secret:   "anything",
			wantCode: oauth.ErrorCodeInvalidClient,
		},
		{
			name:     "unknown client",
			clientID: "unknown",
			secret:   "test",
			wantCode: oauth.ErrorCodeInvalidClient,
		},
		{
			name:     "missing client id",
			wantCode: oauth.ErrorCodeInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.srv.AuthenticateClient(ctx, tt.clientID, tt.secret)
			if tt.wantCode != "" {
				requireOAuthError(t, err, tt.wantCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticateClient_AuditsFailures(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.srv.AuthenticateClient(context.Background(), testConfidential, "wrong")
	require.Error(t, err)
	assert.Equal(t, 1, auditEvents(env, "auth_failure"))
}

func TestAuthenticateClient_RegistryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.registry.FindByClientIDFunc = func(context.Context, string) (*storage.Client, error) {
		return nil, errors.New("registry unavailable")
	}

	_, err := env.srv.AuthenticateClient(context.Background(), testConfidential, testutil.TestClientSecret)
	requireOAuthError(t, err, oauth.ErrorCodeServerError)
}

func TestAuthenticateClient_PrincipalIsAcceptedByToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	principal, err := env.srv.AuthenticateClient(ctx, testConfidential, testutil.TestClientSecret)
	require.NoError(t, err)

	resp, err := env.srv.Token(ctx, principal, &oauth.GrantRequest{GrantType: "client_credentials"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestAuthenticateClient_LockoutAfterFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	limiter := security.NewClientAuthLimiterWithConfig(2, time.Minute, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(limiter.Stop)
	limiter.SetClock(env.clock.Now)
	env.srv.SetAuthLimiter(limiter)

	for i := 0; i < 2; i++ {
		_, err := env.srv.AuthenticateClient(ctx, testConfidential, "wrong")
		requireOAuthError(t, err, oauth.ErrorCodeInvalidClient)
	}

	// The right secret is refused while the client is locked out
	_, err := env.srv.AuthenticateClient(ctx, testConfidential, testutil.TestClientSecret)
	oauthErr := requireOAuthError(t, err, oauth.ErrorCodeInvalidClient)
	assert.Contains(t, oauthErr.Description, "too many")
	assert.Equal(t, 1, auditEvents(env, "rate_limit_exceeded"))

	// Other clients are unaffected
	_, err = env.srv.AuthenticateClient(ctx, testPublic, "")
	require.NoError(t, err)

	env.clock.Advance(time.Minute + time.Second)
	_, err = env.srv.AuthenticateClient(ctx, testConfidential, testutil.TestClientSecret)
	require.NoError(t, err)
}

func TestAuthenticateClient_SuccessResetsFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	limiter := security.NewClientAuthLimiterWithConfig(2, time.Minute, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(limiter.Stop)
	env.srv.SetAuthLimiter(limiter)

	_, err := env.srv.AuthenticateClient(ctx, testConfidential, "wrong")
	require.Error(t, err)
	_, err = env.srv.AuthenticateClient(ctx, testConfidential, testutil.TestClientSecret)
	require.NoError(t, err)
	assert.Equal(t, 0, limiter.GetStats().CurrentEntries)

	_, err = env.srv.AuthenticateClient(ctx, testConfidential, "wrong")
	require.Error(t, err)
	_, err = env.srv.AuthenticateClient(ctx, testConfidential, testutil.TestClientSecret)
	require.NoError(t, err, "a single failure after a reset does not lock the client out")
}
