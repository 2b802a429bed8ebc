package server

import (
	"context"
	"errors"
	"time"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/storage"
)

// refreshResult carries what the refresh mutation decided out of the commit loop
type refreshResult struct {
	resp    *oauth.TokenResponse
	auth    *storage.Authorization
	rotated bool
}

// refreshToken issues a new access token from a refresh token. The refresh
// token is rotated unless the client reuses refresh tokens. Requested scopes
// may only narrow the authorized set.
func (s *Server) refreshToken(ctx context.Context, gr *grantRequest) (*oauth.TokenResponse, error) {
	req, client := gr.req, gr.client
	if req.RefreshToken == "" {
		return nil, oauth.ErrInvalidRequest("refresh_token is required")
	}
	requested := scope.Parse(req.Scope)
	invalidGrant := oauth.ErrInvalidGrant(invalidGrantDescription(storage.TokenKindRefresh))

	result, err := commit(ctx, s, oauth.GrantTypeRefreshToken.String(),
		func(ctx context.Context) (*storage.Authorization, error) {
			return s.findByToken(ctx, req.RefreshToken, storage.TokenKindRefresh)
		},
		func(ctx context.Context, a *storage.Authorization, _ int) (*refreshResult, error) {
			presented := a.FindToken(req.RefreshToken, storage.TokenKindRefresh)
			if presented == nil {
				return nil, invalidGrant
			}
			if a.ClientID != client.ClientID {
				s.logRefreshRejected("client_id_mismatch", client.ClientID, req.RefreshToken)
				s.Auditor.LogAuthFailure(ctx, client.ClientID, "client_id_mismatch")
				return nil, invalidGrant
			}
			now := s.now()
			if a.Revoked {
				s.logRefreshRejected("authorization_revoked", client.ClientID, req.RefreshToken)
				return nil, invalidGrant
			}
			if current := a.Token(storage.TokenKindRefresh); current == nil || current.Value != presented.Value {
				return nil, s.rejectRefreshReuse(ctx, a, now, invalidGrant)
			}
			if !presented.IsActive(now) {
				s.logRefreshRejected("inactive", client.ClientID, req.RefreshToken)
				return nil, invalidGrant
			}

			scopes, err := scope.Narrow(requested, a.AuthorizedScopes)
			if errors.Is(err, scope.ErrExceedsGrant) {
				s.Auditor.LogScopeEscalation(ctx, a.ID, client.ClientID, req.Scope, scope.Format(a.AuthorizedScopes))
				return nil, oauth.ErrInvalidScope("requested scope exceeds the scope originally granted")
			}
			if err != nil {
				return nil, oauth.ErrInvalidScope(err.Error())
			}

			access, err := s.mintAccessToken(ctx, client, a.PrincipalName, scopes, now)
			if err != nil {
				return nil, err
			}
			a.SetToken(access, now)

			refresh := presented
			rotated := !client.TokenSettings.ReuseRefreshTokens
			if rotated {
				refresh = newOpaqueToken(storage.TokenKindRefresh, now, s.refreshTokenTTL(client))
				a.SetToken(refresh, now)
			}

			return &refreshResult{
				resp:    tokenResponse(access, refresh, scopes, now),
				auth:    a,
				rotated: rotated,
			}, nil
		})
	if err != nil {
		return nil, err
	}

	a := result.auth
	s.Auditor.LogTokenRefreshed(ctx, a.ID, a.PrincipalName, a.ClientID, result.rotated)
	if s.metrics != nil {
		s.metrics.RecordTokenIssued(ctx, oauth.GrantTypeRefreshToken.String(), string(storage.TokenKindAccess))
		if result.rotated {
			s.metrics.RecordTokenIssued(ctx, oauth.GrantTypeRefreshToken.String(), string(storage.TokenKindRefresh))
		}
	}
	return result.resp, nil
}

// rejectRefreshReuse handles a replayed rotated refresh token. With
// RevokeOnRefreshReuse the authorization is revoked before the rejection is
// returned.
func (s *Server) rejectRefreshReuse(ctx context.Context, a *storage.Authorization, now time.Time, rejection error) error {
	s.Logger.Warn("Refresh token reuse detected",
		"authorization_id", a.ID,
		"client_id", a.ClientID,
		"revoke", s.Config.RevokeOnRefreshReuse)
	s.Auditor.LogRefreshTokenReuse(ctx, a.ID, a.ClientID)
	if s.metrics != nil {
		s.metrics.RecordTokenReuseDetected(ctx)
	}
	if !s.Config.RevokeOnRefreshReuse {
		return rejection
	}
	a.Revoke(now)
	s.Auditor.LogAuthorizationRevoked(ctx, a.ID, a.ClientID, "refresh_token_reuse")
	return &commitThenFail{err: rejection}
}

func (s *Server) logRefreshRejected(reason, clientID, token string) {
	s.Logger.Debug("Refresh token validation failed",
		"reason", reason,
		"client_id", clientID,
		"token_prefix", util.SafeTruncate(token, tokenLogLength))
}
