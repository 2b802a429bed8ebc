package signer

import (
	"context"
	"time"
)

// Claims is the claim set of an access token
type Claims struct {
	Issuer    string
	Subject   string
	Audience  []string
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time
	Scope     []string

	// ClientID is emitted as the client_id claim
	ClientID string

	// Extra holds additional claims. Registered claim names are ignored.
	Extra map[string]any
}

// Signed is a serialized token together with the validity window the signer
// actually applied
type Signed struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Signer signs access token claims
type Signer interface {
	Sign(ctx context.Context, claims *Claims) (*Signed, error)
}

// Func adapts a function to the Signer interface
type Func func(ctx context.Context, claims *Claims) (*Signed, error)

// Sign calls f
func (f Func) Sign(ctx context.Context, claims *Claims) (*Signed, error) {
	return f(ctx, claims)
}
