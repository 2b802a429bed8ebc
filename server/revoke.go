package server

import (
	"context"
	"errors"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/storage"
)

// RevokeToken revokes an access or refresh token (RFC 7009). Revoking a
// refresh token revokes the whole authorization. Unknown, already invalid and
// non-revocable tokens succeed silently. hint is "access_token",
// "refresh_token" or empty.
func (s *Server) RevokeToken(ctx context.Context, principal ClientPrincipal, token, hint string) error {
	ctx, span := s.tracer.Start(ctx, "oauth.revoke")
	defer span.End()

	err := s.revokeToken(ctx, principal, token, hint)
	if err != nil {
		oauthErr := oauth.AsOAuthError(err)
		instrumentation.AddErrorAttributes(span, oauthErr.Code, oauthErr.Description)
		instrumentation.SetSpanError(span, oauthErr.Code)
		return oauthErr
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

func (s *Server) revokeToken(ctx context.Context, principal ClientPrincipal, token, hint string) error {
	client, err := s.resolveClient(ctx, principal)
	if err != nil {
		return err
	}
	if token == "" {
		return oauth.ErrInvalidRequest("token is required")
	}

	var kind storage.TokenKind
	switch storage.TokenKind(hint) {
	case storage.TokenKindAccess, storage.TokenKindRefresh:
		kind = storage.TokenKind(hint)
	}

	var (
		revoked *storage.Token
		authID  string
	)
	_, err = commit(ctx, s, "revocation",
		func(ctx context.Context) (*storage.Authorization, error) {
			return s.findForRevocation(ctx, token, kind)
		},
		func(ctx context.Context, a *storage.Authorization, _ int) (struct{}, error) {
			revoked, authID = nil, ""
			if a == nil {
				return struct{}{}, errNothingToCommit
			}
			if a.ClientID != client.ClientID {
				s.Auditor.LogAuthFailure(ctx, client.ClientID, "revocation_client_mismatch")
				return struct{}{}, oauth.ErrInvalidClient("token was not issued to this client")
			}
			t := a.FindToken(token, "")
			if t == nil || t.Invalidated {
				return struct{}{}, errNothingToCommit
			}
			now := s.now()
			switch t.Kind {
			case storage.TokenKindRefresh:
				a.Revoke(now)
			case storage.TokenKindAccess:
				a.InvalidateToken(storage.TokenKindAccess, now)
			default:
				return struct{}{}, errNothingToCommit
			}
			revoked, authID = t, a.ID
			return struct{}{}, nil
		})
	if err != nil {
		return err
	}
	if revoked == nil {
		return nil
	}

	s.Auditor.LogTokenRevoked(ctx, authID, client.ClientID, string(revoked.Kind))
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, client.ClientID, string(revoked.Kind))
	}
	s.Logger.Info("Token revoked",
		"authorization_id", authID,
		"client_id", client.ClientID,
		"token_kind", revoked.Kind)
	return nil
}

// findForRevocation looks the token up with the hint first and falls back to
// any kind. A nil Authorization means the token is unknown.
func (s *Server) findForRevocation(ctx context.Context, token string, kind storage.TokenKind) (*storage.Authorization, error) {
	a, err := s.store.FindByToken(ctx, token, kind)
	if errors.Is(err, storage.ErrAuthorizationNotFound) && kind != "" {
		a, err = s.store.FindByToken(ctx, token, "")
	}
	if errors.Is(err, storage.ErrAuthorizationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oauth.ErrServerError("failed to load authorization").WithCause(err)
	}
	return a, nil
}
