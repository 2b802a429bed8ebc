package server

import (
	"context"
	"errors"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/storage"
)

// clientCredentials issues an access token to a client acting on its own
// behalf. Every request creates an independent Authorization.
func (s *Server) clientCredentials(ctx context.Context, gr *grantRequest) (*oauth.TokenResponse, error) {
	client := gr.client
	if !gr.principal.Authenticated || client.IsPublic() {
		s.Auditor.LogAuthFailure(ctx, client.ClientID, "client_credentials_requires_authentication")
		return nil, oauth.ErrInvalidClient("client authentication required")
	}

	scopes, err := s.negotiateScopes(ctx, client, gr.req.Scope)
	if err != nil {
		return nil, err
	}

	now := s.now()
	access, err := s.mintAccessToken(ctx, client, client.ClientID, scopes, now)
	if err != nil {
		return nil, err
	}

	a := storage.NewAuthorization(client.ClientID, client.ClientID, oauth.GrantTypeClientCredentials, now)
	if err := a.SetAuthorizedScopes(scopes); err != nil {
		return nil, oauth.ErrServerError("failed to record scopes").WithCause(err)
	}
	if err := a.SetGrantState(&storage.ClientCredentialsState{}); err != nil {
		return nil, oauth.ErrServerError("failed to record grant state").WithCause(err)
	}
	a.SetToken(access, now)

	if err := s.insert(ctx, a); err != nil {
		return nil, err
	}

	resp := tokenResponse(access, nil, scopes, now)
	s.recordIssued(ctx, a, oauth.GrantTypeClientCredentials, resp)
	s.Logger.Info("Issued client credentials token",
		"authorization_id", a.ID,
		"client_id", client.ClientID,
		"scope", resp.Scope)
	return resp, nil
}

// negotiateScopes grants the requested scopes for a new authorization
func (s *Server) negotiateScopes(ctx context.Context, client *storage.Client, requested string) ([]string, error) {
	scopes, err := scope.Negotiate(scope.Parse(requested), client.Scopes)
	if errors.Is(err, scope.ErrNotRegistered) {
		s.Auditor.LogScopeEscalation(ctx, "", client.ClientID, requested, scope.Format(client.Scopes))
		return nil, oauth.ErrInvalidScope("requested scope is not registered for the client")
	}
	if err != nil {
		return nil, oauth.ErrInvalidScope(err.Error())
	}
	return scopes, nil
}
