package server

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

// IssueAuthorizationCode issues an authorization code for a request the
// resource owner principalName has consented to. The redirect URI must
// exactly match one registered for the client.
func (s *Server) IssueAuthorizationCode(ctx context.Context, principalName string, req *oauth.AuthorizationRequest) (*oauth.AuthorizationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.authorize")
	defer span.End()

	resp, err := s.issueAuthorizationCode(ctx, principalName, req)
	if err != nil {
		oauthErr := oauth.AsOAuthError(err)
		instrumentation.AddErrorAttributes(span, oauthErr.Code, oauthErr.Description)
		instrumentation.SetSpanError(span, oauthErr.Code)
		return nil, oauthErr
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (s *Server) issueAuthorizationCode(ctx context.Context, principalName string, req *oauth.AuthorizationRequest) (*oauth.AuthorizationResponse, error) {
	if req == nil || req.ClientID == "" {
		return nil, oauth.ErrInvalidRequest("client_id is required")
	}
	if principalName == "" {
		return nil, oauth.ErrInvalidRequest("resource owner is required")
	}

	client, err := s.registry.FindByClientID(ctx, req.ClientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return nil, oauth.ErrInvalidClient("unknown client")
	}
	if err != nil {
		return nil, oauth.ErrServerError("failed to resolve client").WithCause(err)
	}
	if !client.AllowsGrant(oauth.GrantTypeAuthorizationCode) {
		return nil, oauth.ErrUnauthorizedClient("client is not authorized for the authorization_code grant")
	}

	redirectURI, err := resolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		return nil, err
	}

	scopes, err := s.negotiateScopes(ctx, client, req.Scope)
	if err != nil {
		return nil, err
	}

	state := &storage.CodeGrantState{Request: *req}
	if req.CodeChallenge != "" {
		method, err := s.resolveChallengeMethod(req.CodeChallengeMethod)
		if err != nil {
			return nil, oauth.ErrInvalidRequest(err.Error())
		}
		if err := validatePKCEParameter("code_challenge", req.CodeChallenge); err != nil {
			return nil, oauth.ErrInvalidRequest(err.Error())
		}
		state.CodeChallenge = req.CodeChallenge
		state.CodeChallengeMethod = method
		instrumentation.AddPKCEAttributes(trace.SpanFromContext(ctx), method)
	} else if client.ClientSettings.RequireProofKey || client.IsPublic() {
		return nil, oauth.ErrInvalidRequest("code_challenge is required")
	}

	now := s.now()
	a := storage.NewAuthorization(client.ClientID, principalName, oauth.GrantTypeAuthorizationCode, now)
	if err := a.SetAuthorizedScopes(scopes); err != nil {
		return nil, oauth.ErrServerError("failed to record scopes").WithCause(err)
	}
	if err := a.SetGrantState(state); err != nil {
		return nil, oauth.ErrServerError("failed to record grant state").WithCause(err)
	}
	code := newOpaqueToken(storage.TokenKindAuthorizationCode, now, s.authorizationCodeTTL(client))
	a.SetToken(code, now)

	if err := s.insert(ctx, a); err != nil {
		return nil, err
	}

	s.Auditor.LogCodeIssued(ctx, a.ID, principalName, client.ClientID, state.CodeChallengeMethod)
	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, client.ClientID, state.CodeChallengeMethod)
	}
	s.Logger.Debug("Issued authorization code",
		"authorization_id", a.ID,
		"client_id", client.ClientID,
		"code_prefix", util.SafeTruncate(code.Value, tokenLogLength))

	return &oauth.AuthorizationResponse{
		Code:        code.Value,
		State:       req.State,
		RedirectURI: redirectURI,
	}, nil
}

// resolveRedirectURI returns the redirect URI to send the code to. An absent
// redirect_uri is allowed only when exactly one URI is registered.
func resolveRedirectURI(client *storage.Client, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", oauth.ErrInvalidRequest("redirect_uri is required")
	}
	if !client.HasRedirectURI(requested) {
		return "", oauth.ErrInvalidRequest("redirect_uri does not match a registered redirect URI")
	}
	return requested, nil
}

// redirectURIMatches checks the redirect_uri of a code exchange against the
// authorization request. When the request omitted it, the exchange may omit
// it too or repeat the single registered URI the code was sent to.
func redirectURIMatches(cs *storage.CodeGrantState, client *storage.Client, given string) bool {
	if cs.Request.RedirectURI != "" {
		return cs.Request.RedirectURI == given
	}
	return given == "" || (len(client.RedirectURIs) == 1 && client.RedirectURIs[0] == given)
}

// exchangeAuthorizationCode redeems an authorization code. Every credential
// failure is reported with the same invalid_grant description.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, gr *grantRequest) (*oauth.TokenResponse, error) {
	req, client := gr.req, gr.client
	if req.Code == "" {
		return nil, oauth.ErrInvalidRequest("code is required")
	}
	invalidGrant := oauth.ErrInvalidGrant(invalidGrantDescription(storage.TokenKindAuthorizationCode))

	var issued *storage.Authorization
	resp, err := commit(ctx, s, oauth.GrantTypeAuthorizationCode.String(),
		func(ctx context.Context) (*storage.Authorization, error) {
			return s.findByToken(ctx, req.Code, storage.TokenKindAuthorizationCode)
		},
		func(ctx context.Context, a *storage.Authorization, _ int) (*oauth.TokenResponse, error) {
			code := a.FindToken(req.Code, storage.TokenKindAuthorizationCode)
			if code == nil {
				return nil, invalidGrant
			}
			if a.ClientID != client.ClientID {
				s.logCodeRejected("client_id_mismatch", client.ClientID, req.Code)
				s.Auditor.LogAuthFailure(ctx, client.ClientID, "client_id_mismatch")
				return nil, invalidGrant
			}
			now := s.now()
			if code.Invalidated || a.Revoked {
				return nil, s.rejectCodeReuse(ctx, a, now, invalidGrant)
			}
			if code.IsExpired(now) {
				s.logCodeRejected("expired", client.ClientID, req.Code)
				return nil, invalidGrant
			}

			state, err := a.GrantState()
			if err != nil {
				return nil, oauth.ErrServerError("failed to decode grant state").WithCause(err)
			}
			cs, ok := state.(*storage.CodeGrantState)
			if !ok {
				return nil, invalidGrant
			}
			if !redirectURIMatches(cs, client, req.RedirectURI) {
				s.logCodeRejected("redirect_uri_mismatch", client.ClientID, req.Code)
				s.Auditor.LogAuthFailure(ctx, client.ClientID, "redirect_uri_mismatch")
				return nil, invalidGrant
			}
			if err := s.checkProofKey(ctx, a, cs, req.CodeVerifier); err != nil {
				return nil, invalidGrant
			}

			a.InvalidateToken(storage.TokenKindAuthorizationCode, now)
			resp, err := s.issueTokens(ctx, a, client, now)
			if err != nil {
				return nil, err
			}
			issued = a
			return resp, nil
		})
	if err != nil {
		return nil, err
	}

	s.recordIssued(ctx, issued, oauth.GrantTypeAuthorizationCode, resp)
	return resp, nil
}

// checkProofKey verifies the code_verifier against the stored challenge. A
// verifier sent for a code issued without a challenge is rejected.
func (s *Server) checkProofKey(ctx context.Context, a *storage.Authorization, cs *storage.CodeGrantState, verifier string) error {
	if cs.CodeChallenge == "" {
		if verifier != "" {
			return errors.New("code_verifier sent without code_challenge")
		}
		return nil
	}
	instrumentation.AddPKCEAttributes(trace.SpanFromContext(ctx), cs.CodeChallengeMethod)
	if err := verifyPKCE(cs.CodeChallenge, cs.CodeChallengeMethod, verifier); err != nil {
		s.Logger.Debug("PKCE validation failed",
			"authorization_id", a.ID,
			"client_id", a.ClientID,
			"reason", err.Error())
		s.Auditor.LogPKCEFailure(ctx, a.ID, a.ClientID, cs.CodeChallengeMethod)
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, cs.CodeChallengeMethod)
		}
		return err
	}
	return nil
}

// rejectCodeReuse handles a replayed authorization code. With
// RevokeOnCodeReuse the authorization is revoked before the rejection is
// returned.
func (s *Server) rejectCodeReuse(ctx context.Context, a *storage.Authorization, now time.Time, rejection error) error {
	s.Logger.Warn("Authorization code reuse detected",
		"authorization_id", a.ID,
		"client_id", a.ClientID,
		"revoke", s.Config.RevokeOnCodeReuse)
	s.Auditor.LogCodeReuse(ctx, a.ID, a.ClientID)
	if s.metrics != nil {
		s.metrics.RecordCodeReuseDetected(ctx)
	}
	if !s.Config.RevokeOnCodeReuse || a.Revoked {
		return rejection
	}
	a.Revoke(now)
	s.Auditor.LogAuthorizationRevoked(ctx, a.ID, a.ClientID, "authorization_code_reuse")
	return &commitThenFail{err: rejection}
}

func (s *Server) logCodeRejected(reason, clientID, code string) {
	s.Logger.Debug("Authorization code validation failed",
		"reason", reason,
		"client_id", clientID,
		"code_prefix", util.SafeTruncate(code, tokenLogLength))
}
