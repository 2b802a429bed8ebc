package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"

	oauth "github.com/giantswarm/oauth-grants"
)

// MaxInvalidatedTokens bounds the invalidated token history kept per Authorization.
// Older entries are dropped first, and stores stop indexing them. Replay
// detection therefore covers roughly the last MaxInvalidatedTokens/2 refresh
// rotations; an older refresh token is unknown and is rejected without a
// reuse response.
const MaxInvalidatedTokens = 32

// ErrScopesImmutable is returned when changing the authorized scopes after a token was issued
var ErrScopesImmutable = errors.New("authorized scopes cannot change after a token was issued")

// CodeState is the lifecycle state of an authorization code grant
type CodeState string

// Authorization code lifecycle states
const (
	CodeStateRequested CodeState = "requested"
	CodeStateIssued    CodeState = "code_issued"
	CodeStateExchanged CodeState = "exchanged"
	CodeStateExpired   CodeState = "expired"
	CodeStateRevoked   CodeState = "revoked"
)

// Authorization records what a resource owner (or a client acting for itself)
// granted to a client and the tokens issued under that grant
type Authorization struct {
	ID               string          `json:"id"`
	ClientID         string          `json:"client_id"`
	PrincipalName    string          `json:"principal_name"`
	GrantType        oauth.GrantType `json:"grant_type"`
	AuthorizedScopes []string        `json:"authorized_scopes"`

	// Attributes holds grant-specific state. Use GrantState/SetGrantState
	// instead of reading keys directly.
	Attributes map[string]string `json:"attributes,omitempty"`

	Tokens            map[TokenKind]*Token `json:"tokens"`
	InvalidatedTokens []*Token             `json:"invalidated_tokens,omitempty"`

	Revoked   bool      `json:"revoked,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the committed version this copy was read at (0 = never saved)
	Version int64 `json:"version"`

	// CommitID identifies the pending commit for idempotent Save
	CommitID string `json:"commit_id,omitempty"`
}

// NewAuthorizationID returns a new opaque Authorization identifier
func NewAuthorizationID() string {
	return uuid.NewString()
}

// NewAuthorization creates an unsaved Authorization
func NewAuthorization(clientID, principalName string, grantType oauth.GrantType, now time.Time) *Authorization {
	return &Authorization{
		ID:            NewAuthorizationID(),
		ClientID:      clientID,
		PrincipalName: principalName,
		GrantType:     grantType,
		Attributes:    make(map[string]string),
		Tokens:        make(map[TokenKind]*Token),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Token returns the current token of the given kind, or nil
func (a *Authorization) Token(kind TokenKind) *Token {
	if a.Tokens == nil {
		return nil
	}
	return a.Tokens[kind]
}

// SetToken makes t the current token of its kind. A previous token of the same
// kind is invalidated and moved to the history.
func (a *Authorization) SetToken(t *Token, now time.Time) {
	if a.Tokens == nil {
		a.Tokens = make(map[TokenKind]*Token)
	}
	if prev := a.Tokens[t.Kind]; prev != nil && prev.Value != t.Value {
		prev.invalidate(now)
		a.pushHistory(prev)
	}
	a.Tokens[t.Kind] = t
	a.UpdatedAt = now
}

// InvalidateToken marks the current token of the given kind invalidated. The
// token stays in place so replays can be recognised.
func (a *Authorization) InvalidateToken(kind TokenKind, now time.Time) bool {
	t := a.Token(kind)
	if t == nil || t.Invalidated {
		return false
	}
	t.invalidate(now)
	a.UpdatedAt = now
	return true
}

// Revoke invalidates every current token and marks the Authorization revoked
func (a *Authorization) Revoke(now time.Time) {
	for _, t := range a.Tokens {
		t.invalidate(now)
	}
	a.Revoked = true
	a.UpdatedAt = now
}

// FindToken returns the token with the given value among current and
// invalidated tokens. A non-empty kind restricts the search.
func (a *Authorization) FindToken(value string, kind TokenKind) *Token {
	if value == "" {
		return nil
	}
	for k, t := range a.Tokens {
		if (kind == "" || kind == k) && t.Value == value {
			return t
		}
	}
	for _, t := range a.InvalidatedTokens {
		if (kind == "" || kind == t.Kind) && t.Value == value {
			return t
		}
	}
	return nil
}

// AllTokens returns current and invalidated tokens
func (a *Authorization) AllTokens() []*Token {
	out := make([]*Token, 0, len(a.Tokens)+len(a.InvalidatedTokens))
	for _, k := range TokenKinds {
		if t := a.Tokens[k]; t != nil {
			out = append(out, t)
		}
	}
	return append(out, a.InvalidatedTokens...)
}

// HasIssuedTokens reports whether an access or refresh token was ever issued
func (a *Authorization) HasIssuedTokens() bool {
	if a.Token(TokenKindAccess) != nil || a.Token(TokenKindRefresh) != nil {
		return true
	}
	for _, t := range a.InvalidatedTokens {
		if t.Kind == TokenKindAccess || t.Kind == TokenKindRefresh {
			return true
		}
	}
	return false
}

// SetAuthorizedScopes sets the authorized scopes. The set is fixed once an
// access or refresh token has been issued.
func (a *Authorization) SetAuthorizedScopes(scopes []string) error {
	if a.HasIssuedTokens() {
		return ErrScopesImmutable
	}
	a.AuthorizedScopes = append([]string(nil), scopes...)
	return nil
}

// LatestExpiry returns the latest expiry among all tokens
func (a *Authorization) LatestExpiry() time.Time {
	var latest time.Time
	for _, t := range a.AllTokens() {
		if t.ExpiresAt.After(latest) {
			latest = t.ExpiresAt
		}
	}
	return latest
}

// IsDormant reports whether no token of the Authorization can be used anymore
func (a *Authorization) IsDormant(now time.Time) bool {
	for _, t := range a.Tokens {
		if t.IsActive(now) {
			return false
		}
	}
	return true
}

// CodeState derives the authorization code lifecycle state
func (a *Authorization) CodeState(now time.Time) CodeState {
	if a.Revoked {
		return CodeStateRevoked
	}
	code := a.Token(TokenKindAuthorizationCode)
	switch {
	case code == nil:
		return CodeStateRequested
	case code.Invalidated && a.HasIssuedTokens():
		return CodeStateExchanged
	case code.Invalidated:
		return CodeStateRevoked
	case code.IsExpired(now):
		return CodeStateExpired
	default:
		return CodeStateIssued
	}
}

// BeginCommit assigns a fresh CommitID for the next Save
func (a *Authorization) BeginCommit() string {
	a.CommitID = uuid.NewString()
	return a.CommitID
}

// Clone returns a deep copy
func (a *Authorization) Clone() *Authorization {
	if a == nil {
		return nil
	}
	cp := *a
	cp.AuthorizedScopes = append([]string(nil), a.AuthorizedScopes...)
	if a.Attributes != nil {
		cp.Attributes = make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			cp.Attributes[k] = v
		}
	}
	cp.Tokens = make(map[TokenKind]*Token, len(a.Tokens))
	for k, t := range a.Tokens {
		cp.Tokens[k] = t.clone()
	}
	if a.InvalidatedTokens != nil {
		cp.InvalidatedTokens = make([]*Token, len(a.InvalidatedTokens))
		for i, t := range a.InvalidatedTokens {
			cp.InvalidatedTokens[i] = t.clone()
		}
	}
	return &cp
}

func (a *Authorization) pushHistory(t *Token) {
	a.InvalidatedTokens = append(a.InvalidatedTokens, t)
	if over := len(a.InvalidatedTokens) - MaxInvalidatedTokens; over > 0 {
		a.InvalidatedTokens = append([]*Token(nil), a.InvalidatedTokens[over:]...)
	}
}
