package server

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/storage"
)

// dummySecretHash is compared against when the client does not exist so that
// unknown and known client ids take the same time (bcrypt hash of "test")
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ClientPrincipal is the result of client authentication at the token endpoint
type ClientPrincipal struct {
	ClientID string

	// Authenticated is true when the client proved possession of its secret.
	// Public clients are never authenticated and rely on PKCE.
	Authenticated bool

	// AuthMethod is the token endpoint authentication method that was used
	AuthMethod string
}

// AuthenticateClient verifies client credentials and returns the principal to
// pass to Token. Public clients must present no secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (ClientPrincipal, error) {
	if clientID == "" {
		return ClientPrincipal{}, oauth.ErrInvalidClient("client authentication failed")
	}
	if s.limiter != nil && !s.limiter.Allow(clientID) {
		s.Auditor.LogRateLimitExceeded(ctx, "client_auth", "", clientID)
		if s.metrics != nil {
			s.metrics.RecordRateLimitExceeded(ctx, "client_auth")
		}
		return ClientPrincipal{}, oauth.ErrInvalidClient("too many failed authentication attempts")
	}

	client, err := s.registry.FindByClientID(ctx, clientID)
	if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		return ClientPrincipal{}, oauth.ErrServerError("failed to resolve client").WithCause(err)
	}

	if client != nil && client.IsPublic() {
		if clientSecret != "" {
			s.Auditor.LogAuthFailure(ctx, clientID, "public_client_presented_secret")
			s.recordAuthFailure(clientID)
			return ClientPrincipal{}, oauth.ErrInvalidClient("client authentication failed")
		}
		return ClientPrincipal{ClientID: clientID, AuthMethod: storage.AuthMethodNone}, nil
	}

	hashToCompare := dummySecretHash
	if client != nil {
		hashToCompare = client.ClientSecretHash
	}
	// Always run bcrypt so unknown clients cost the same as known ones
	compareErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))
	if client == nil || compareErr != nil {
		s.Auditor.LogAuthFailure(ctx, clientID, "invalid_client_credentials")
		s.recordAuthFailure(clientID)
		return ClientPrincipal{}, oauth.ErrInvalidClient("client authentication failed")
	}

	if s.limiter != nil {
		s.limiter.Reset(clientID)
	}
	return ClientPrincipal{
		ClientID:      clientID,
		Authenticated: true,
		AuthMethod:    client.TokenEndpointAuthMethod,
	}, nil
}

func (s *Server) recordAuthFailure(clientID string) {
	if s.limiter != nil {
		s.limiter.RecordFailure(clientID)
	}
}

// resolveClient loads the principal's client. Confidential clients must be
// authenticated.
func (s *Server) resolveClient(ctx context.Context, principal ClientPrincipal) (*storage.Client, error) {
	if principal.ClientID == "" {
		return nil, oauth.ErrInvalidClient("client authentication required")
	}
	client, err := s.registry.FindByClientID(ctx, principal.ClientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		s.Auditor.LogAuthFailure(ctx, principal.ClientID, "unknown_client")
		return nil, oauth.ErrInvalidClient("client authentication failed")
	}
	if err != nil {
		return nil, oauth.ErrServerError("failed to resolve client").WithCause(err)
	}
	if !client.IsPublic() && !principal.Authenticated {
		s.Auditor.LogAuthFailure(ctx, principal.ClientID, "client_not_authenticated")
		return nil, oauth.ErrInvalidClient("client authentication required")
	}
	return client, nil
}
