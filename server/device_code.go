package server

import (
	"context"
	"errors"
	"net/url"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

// maxUserCodeAttempts bounds regeneration when a fresh user code is already in use
const maxUserCodeAttempts = 5

// AuthorizeDevice starts a device authorization (RFC 8628 Section 3.1). The
// returned device code is polled at the token endpoint while the user enters
// the user code at the verification URI.
func (s *Server) AuthorizeDevice(ctx context.Context, principal ClientPrincipal, requestedScope string) (*oauth.DeviceAuthorizationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.device_authorization")
	defer span.End()
	instrumentation.AddGrantAttributes(span, oauth.GrantTypeDeviceCode.String(), principal.ClientID, requestedScope)

	resp, err := s.authorizeDevice(ctx, principal, requestedScope)
	if err != nil {
		oauthErr := oauth.AsOAuthError(err)
		instrumentation.AddErrorAttributes(span, oauthErr.Code, oauthErr.Description)
		instrumentation.SetSpanError(span, oauthErr.Code)
		return nil, oauthErr
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (s *Server) authorizeDevice(ctx context.Context, principal ClientPrincipal, requestedScope string) (*oauth.DeviceAuthorizationResponse, error) {
	client, err := s.resolveClient(ctx, principal)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(oauth.GrantTypeDeviceCode) {
		return nil, oauth.ErrUnauthorizedClient("client is not authorized for the device_code grant")
	}
	scopes, err := s.negotiateScopes(ctx, client, requestedScope)
	if err != nil {
		return nil, err
	}

	userCode, err := s.uniqueUserCode(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ttl := s.deviceCodeTTL(client)
	a := storage.NewAuthorization(client.ClientID, "", oauth.GrantTypeDeviceCode, now)
	if err := a.SetAuthorizedScopes(scopes); err != nil {
		return nil, oauth.ErrServerError("failed to record scopes").WithCause(err)
	}
	if err := a.SetGrantState(&storage.DeviceGrantState{
		Status:   storage.DeviceStatusPending,
		Interval: s.Config.DevicePollInterval,
	}); err != nil {
		return nil, oauth.ErrServerError("failed to record grant state").WithCause(err)
	}
	deviceCode := newOpaqueToken(storage.TokenKindDeviceCode, now, ttl)
	a.SetToken(deviceCode, now)
	a.SetToken(&storage.Token{
		Kind:      storage.TokenKindUserCode,
		Value:     userCode,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, now)

	if err := s.insert(ctx, a); err != nil {
		return nil, err
	}

	s.Auditor.LogDeviceAuthorizationStarted(ctx, a.ID, client.ClientID)
	if s.metrics != nil {
		s.metrics.RecordDeviceAuthorization(ctx, client.ClientID)
	}
	s.Logger.Debug("Started device authorization",
		"authorization_id", a.ID,
		"client_id", client.ClientID)

	resp := &oauth.DeviceAuthorizationResponse{
		DeviceCode:      deviceCode.Value,
		UserCode:        userCode,
		VerificationURI: s.Config.DeviceVerificationURI,
		ExpiresIn:       util.TimeToSeconds(now, deviceCode.ExpiresAt),
		Interval:        int64(s.Config.DevicePollInterval.Seconds()),
	}
	if resp.VerificationURI != "" {
		resp.VerificationURIComplete = resp.VerificationURI + "?user_code=" + url.QueryEscape(userCode)
	}
	return resp, nil
}

// uniqueUserCode generates a user code that no stored authorization holds
func (s *Server) uniqueUserCode(ctx context.Context) (string, error) {
	for range maxUserCodeAttempts {
		code, err := generateUserCode()
		if err != nil {
			return "", oauth.ErrServerError("failed to generate user code").WithCause(err)
		}
		_, err = s.store.FindByToken(ctx, code, storage.TokenKindUserCode)
		if errors.Is(err, storage.ErrAuthorizationNotFound) {
			return code, nil
		}
		if err != nil {
			return "", oauth.ErrServerError("failed to load authorization").WithCause(err)
		}
	}
	return "", oauth.ErrServerError("failed to allocate a unique user code")
}

// VerifyDevice records the resource owner's decision for the device
// authorization identified by userCode. The user code is single-use.
func (s *Server) VerifyDevice(ctx context.Context, userCode, principalName string, approve bool) error {
	ctx, span := s.tracer.Start(ctx, "oauth.device_verification")
	defer span.End()

	err := s.verifyDevice(ctx, userCode, principalName, approve)
	if err != nil {
		oauthErr := oauth.AsOAuthError(err)
		instrumentation.AddErrorAttributes(span, oauthErr.Code, oauthErr.Description)
		instrumentation.SetSpanError(span, oauthErr.Code)
		return oauthErr
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

func (s *Server) verifyDevice(ctx context.Context, userCode, principalName string, approve bool) error {
	if userCode == "" {
		return oauth.ErrInvalidRequest("user_code is required")
	}
	if principalName == "" {
		return oauth.ErrInvalidRequest("resource owner is required")
	}
	userCode = normalizeUserCode(userCode)
	invalidGrant := oauth.ErrInvalidGrant(invalidGrantDescription(storage.TokenKindUserCode))

	a, err := commit(ctx, s, oauth.GrantTypeDeviceCode.String(),
		func(ctx context.Context) (*storage.Authorization, error) {
			return s.findByToken(ctx, userCode, storage.TokenKindUserCode)
		},
		func(_ context.Context, a *storage.Authorization, _ int) (*storage.Authorization, error) {
			code := a.FindToken(userCode, storage.TokenKindUserCode)
			now := s.now()
			if code == nil || !code.IsActive(now) || a.Revoked {
				return nil, invalidGrant
			}
			state, err := a.GrantState()
			if err != nil {
				return nil, oauth.ErrServerError("failed to decode grant state").WithCause(err)
			}
			ds, ok := state.(*storage.DeviceGrantState)
			if !ok || ds.Status != storage.DeviceStatusPending {
				return nil, invalidGrant
			}

			ds.Status = storage.DeviceStatusDenied
			if approve {
				ds.Status = storage.DeviceStatusApproved
			}
			if err := a.SetGrantState(ds); err != nil {
				return nil, oauth.ErrServerError("failed to record grant state").WithCause(err)
			}
			a.PrincipalName = principalName
			a.InvalidateToken(storage.TokenKindUserCode, now)
			return a, nil
		})
	if err != nil {
		return err
	}

	s.Auditor.LogDeviceVerification(ctx, a.ID, principalName, a.ClientID, approve)
	if s.metrics != nil {
		s.metrics.RecordDeviceVerification(ctx, approve)
	}
	s.Logger.Info("Device authorization verified",
		"authorization_id", a.ID,
		"client_id", a.ClientID,
		"approved", approve)
	return nil
}

// pollDeviceCode answers a device polling the token endpoint. Tokens are
// issued once the authorization is approved and the device code is then
// invalidated in the same commit.
func (s *Server) pollDeviceCode(ctx context.Context, gr *grantRequest) (*oauth.TokenResponse, error) {
	req, client := gr.req, gr.client
	if req.DeviceCode == "" {
		return nil, oauth.ErrInvalidRequest("device_code is required")
	}
	invalidGrant := oauth.ErrInvalidGrant(invalidGrantDescription(storage.TokenKindDeviceCode))

	var issued *storage.Authorization
	resp, err := commit(ctx, s, oauth.GrantTypeDeviceCode.String(),
		func(ctx context.Context) (*storage.Authorization, error) {
			return s.findByToken(ctx, req.DeviceCode, storage.TokenKindDeviceCode)
		},
		func(ctx context.Context, a *storage.Authorization, attempt int) (*oauth.TokenResponse, error) {
			code := a.FindToken(req.DeviceCode, storage.TokenKindDeviceCode)
			if code == nil || a.ClientID != client.ClientID {
				return nil, invalidGrant
			}
			now := s.now()
			if code.Invalidated || a.Revoked {
				return nil, invalidGrant
			}
			if code.IsExpired(now) {
				return nil, oauth.ErrExpiredToken("device code has expired")
			}

			state, err := a.GrantState()
			if err != nil {
				return nil, oauth.ErrServerError("failed to decode grant state").WithCause(err)
			}
			ds, ok := state.(*storage.DeviceGrantState)
			if !ok {
				return nil, invalidGrant
			}

			// A retry after a lost commit is the same poll
			if attempt == 1 && s.pacer != nil && !s.pacer.AllowPoll(a.ID, ds.Interval) {
				s.Auditor.LogRateLimitExceeded(ctx, "device_poll", a.ID, client.ClientID)
				if s.metrics != nil {
					s.metrics.RecordRateLimitExceeded(ctx, "device_poll")
				}
				return nil, oauth.ErrSlowDown("polling too frequently")
			}

			switch ds.Status {
			case storage.DeviceStatusPending:
				return nil, oauth.ErrAuthorizationPending("the user has not completed verification")
			case storage.DeviceStatusDenied:
				return nil, oauth.ErrAccessDenied("the user denied the authorization request")
			}

			a.InvalidateToken(storage.TokenKindDeviceCode, now)
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

	if forgetter, ok := s.pacer.(PollForgetter); ok {
		forgetter.Forget(issued.ID)
	}
	s.recordIssued(ctx, issued, oauth.GrantTypeDeviceCode, resp)
	return resp, nil
}
