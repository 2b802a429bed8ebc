package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/signer"
	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// userCodeCharset excludes vowels and look-alike characters
	userCodeCharset = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeLength  = 8
)

// errNothingToCommit ends a mutation successfully without saving
var errNothingToCommit = errors.New("nothing to commit")

// commitThenFail is returned by a mutation whose changes must be committed
// before err is reported, such as revoking an authorization on replay
type commitThenFail struct {
	err error
}

func (c *commitThenFail) Error() string { return c.err.Error() }

// mutation validates and changes a freshly fetched Authorization
type mutation[T any] func(ctx context.Context, a *storage.Authorization, attempt int) (T, error)

// commit runs fetch-validate-mutate-commit for operation (a grant type or
// "revocation"). A lost compare-and-commit race
// re-fetches and re-validates, up to Config.MaxCommitAttempts times.
func commit[T any](
	ctx context.Context,
	s *Server,
	operation string,
	fetch func(ctx context.Context) (*storage.Authorization, error),
	mutate mutation[T],
) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		a, err := fetch(ctx)
		if err != nil {
			return zero, err
		}
		if a != nil {
			instrumentation.AddAuthorizationAttributes(trace.SpanFromContext(ctx), a.ID, attempt)
		}

		out, err := mutate(ctx, a, attempt)
		var deferred *commitThenFail
		switch {
		case errors.Is(err, errNothingToCommit):
			return out, nil
		case errors.As(err, &deferred):
		case err != nil:
			return zero, err
		}

		a.BeginCommit()
		err = s.store.Save(ctx, a)
		if err == nil {
			if deferred != nil {
				return zero, deferred.err
			}
			return out, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return zero, oauth.ErrServerError("failed to store authorization").WithCause(err)
		}

		if s.metrics != nil {
			s.metrics.RecordCommitConflict(ctx, operation)
		}
		if attempt >= s.Config.MaxCommitAttempts {
			return zero, oauth.ErrServerError("authorization was modified concurrently").WithCause(err)
		}
		s.Logger.Debug("Authorization changed concurrently, retrying",
			"authorization_id", a.ID,
			"operation", operation,
			"attempt", attempt)
	}
}

// insert saves a new Authorization. A conflict means the generated ID
// collided, which is reported as a server error.
func (s *Server) insert(ctx context.Context, a *storage.Authorization) error {
	a.BeginCommit()
	if err := s.store.Save(ctx, a); err != nil {
		return oauth.ErrServerError("failed to store authorization").WithCause(err)
	}
	return nil
}

// findByToken fetches the Authorization holding value. Unknown values are
// reported as invalid_grant.
func (s *Server) findByToken(ctx context.Context, value string, kind storage.TokenKind) (*storage.Authorization, error) {
	a, err := s.store.FindByToken(ctx, value, kind)
	if errors.Is(err, storage.ErrAuthorizationNotFound) {
		s.Logger.Debug("Token lookup failed",
			"token_kind", kind,
			"token_prefix", util.SafeTruncate(value, tokenLogLength))
		return nil, oauth.ErrInvalidGrant(invalidGrantDescription(kind))
	}
	if err != nil {
		return nil, oauth.ErrServerError("failed to load authorization").WithCause(err)
	}
	return a, nil
}

// invalidGrantDescription is the uniform description for every rejection of
// a credential of the given kind
func invalidGrantDescription(kind storage.TokenKind) string {
	switch kind {
	case storage.TokenKindAuthorizationCode:
		return "authorization code is invalid, expired, or revoked"
	case storage.TokenKindRefresh:
		return "refresh token is invalid, expired, or revoked"
	case storage.TokenKindDeviceCode:
		return "device code is invalid or was already used"
	case storage.TokenKindUserCode:
		return "user code is invalid or expired"
	default:
		return "grant is invalid"
	}
}

// mintAccessToken signs an access token for subject. Signer failures are
// server errors.
func (s *Server) mintAccessToken(ctx context.Context, client *storage.Client, subject string, scopes []string, now time.Time) (*storage.Token, error) {
	claims := &signer.Claims{
		Issuer:    s.Config.Issuer,
		Subject:   subject,
		Audience:  []string{client.ClientID},
		IssuedAt:  now,
		NotBefore: now,
		ExpiresAt: now.Add(s.accessTokenTTL(client)),
		Scope:     scopes,
		ClientID:  client.ClientID,
	}
	signed, err := s.signer.Sign(ctx, claims)
	if err != nil {
		return nil, oauth.ErrServerError("failed to issue access token").WithCause(err)
	}
	if signed == nil || signed.Value == "" || !signed.ExpiresAt.After(signed.IssuedAt) {
		return nil, oauth.ErrServerError("failed to issue access token").
			WithCause(fmt.Errorf("signer returned an invalid token window"))
	}

	return &storage.Token{
		Kind:      storage.TokenKindAccess,
		Value:     signed.Value,
		IssuedAt:  signed.IssuedAt,
		ExpiresAt: signed.ExpiresAt,
		Metadata:  map[string]string{storage.TokenMetadataScope: scope.Format(scopes)},
	}, nil
}

// newOpaqueToken creates a random credential of the given kind
func newOpaqueToken(kind storage.TokenKind, now time.Time, ttl time.Duration) *storage.Token {
	return &storage.Token{
		Kind:      kind,
		Value:     generateRandomToken(),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// generateRandomToken returns a URL-safe 256-bit random string
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// generateUserCode returns a user code formatted XXXX-XXXX
func generateUserCode() (string, error) {
	// Rejection sampling keeps the distribution uniform over the charset
	limit := byte(256 - 256%len(userCodeCharset))
	code := make([]byte, 0, userCodeLength)
	buf := make([]byte, userCodeLength*2)
	for len(code) < userCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			code = append(code, userCodeCharset[int(b)%len(userCodeCharset)])
			if len(code) == userCodeLength {
				break
			}
		}
	}
	return formatUserCode(string(code)), nil
}

func formatUserCode(code string) string {
	half := len(code) / 2
	return code[:half] + "-" + code[half:]
}

// normalizeUserCode accepts user input in any case, with or without
// separators, and returns the canonical XXXX-XXXX form
func normalizeUserCode(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		if r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	if b.Len() != userCodeLength {
		return b.String()
	}
	return formatUserCode(b.String())
}

// issueTokens is the shared tail of the code and device grants: mint an
// access token for the resource owner, add a refresh token when the client
// may refresh, and build the response. The caller commits.
func (s *Server) issueTokens(ctx context.Context, a *storage.Authorization, client *storage.Client, now time.Time) (*oauth.TokenResponse, error) {
	access, err := s.mintAccessToken(ctx, client, a.PrincipalName, a.AuthorizedScopes, now)
	if err != nil {
		return nil, err
	}
	a.SetToken(access, now)

	var refresh *storage.Token
	if client.AllowsGrant(oauth.GrantTypeRefreshToken) {
		refresh = newOpaqueToken(storage.TokenKindRefresh, now, s.refreshTokenTTL(client))
		a.SetToken(refresh, now)
	}
	return tokenResponse(access, refresh, a.AuthorizedScopes, now), nil
}

func tokenResponse(access, refresh *storage.Token, scopes []string, now time.Time) *oauth.TokenResponse {
	resp := &oauth.TokenResponse{
		AccessToken: access.Value,
		TokenType:   oauth.TokenTypeBearer,
		ExpiresIn:   util.TimeToSeconds(now, access.ExpiresAt),
		Scope:       scope.Format(scopes),
	}
	if refresh != nil {
		resp.RefreshToken = refresh.Value
	}
	return resp
}

// recordIssued emits audit and metrics for tokens issued by a grant
func (s *Server) recordIssued(ctx context.Context, a *storage.Authorization, grantType oauth.GrantType, resp *oauth.TokenResponse) {
	s.Auditor.LogTokenIssued(ctx, a.ID, a.PrincipalName, a.ClientID, grantType.String(), resp.Scope)
	if s.metrics == nil {
		return
	}
	s.metrics.RecordTokenIssued(ctx, grantType.String(), string(storage.TokenKindAccess))
	if resp.RefreshToken != "" {
		s.metrics.RecordTokenIssued(ctx, grantType.String(), string(storage.TokenKindRefresh))
	}
}
