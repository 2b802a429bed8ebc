package storage

import (
	"time"
)

// TokenKind identifies the slot a token occupies in an Authorization
type TokenKind string

// Token kinds
const (
	TokenKindAccess            TokenKind = "access_token"
	TokenKindRefresh           TokenKind = "refresh_token"
	TokenKindAuthorizationCode TokenKind = "authorization_code"
	TokenKindDeviceCode        TokenKind = "device_code"
	TokenKindUserCode          TokenKind = "user_code"
)

// TokenKinds lists every token kind
var TokenKinds = []TokenKind{
	TokenKindAccess,
	TokenKindRefresh,
	TokenKindAuthorizationCode,
	TokenKindDeviceCode,
	TokenKindUserCode,
}

// Token metadata keys
const (
	TokenMetadataScope = "scope"
)

// Token is a credential held by an Authorization
type Token struct {
	Kind          TokenKind         `json:"kind"`
	Value         string            `json:"value"`
	IssuedAt      time.Time         `json:"issued_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Invalidated   bool              `json:"invalidated,omitempty"`
	InvalidatedAt time.Time         `json:"invalidated_at,omitzero"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether the token has reached its expiry
func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsActive reports whether the token can still be redeemed or presented
func (t *Token) IsActive(now time.Time) bool {
	return !t.Invalidated && !t.IsExpired(now)
}

func (t *Token) invalidate(now time.Time) {
	if t.Invalidated {
		return
	}
	t.Invalidated = true
	t.InvalidatedAt = now
}

func (t *Token) clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
