package signer

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var registeredClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "iat": {}, "nbf": {}, "exp": {}, "jti": {}, "scope": {}, "client_id": {},
}

// JWTSigner signs access tokens as JWTs
type JWTSigner struct {
	kid    string
	method jwtv5.SigningMethod
	key    any
	verify any
}

// NewEd25519Signer returns a signer using EdDSA with the given key
func NewEd25519Signer(kid string, key ed25519.PrivateKey) (*JWTSigner, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size %d", len(key))
	}
	return &JWTSigner{
		kid:    kid,
		method: jwtv5.SigningMethodEdDSA,
		key:    key,
		verify: key.Public(),
	}, nil
}

// NewRSASigner returns a signer using RS256 with the given key
func NewRSASigner(kid string, key *rsa.PrivateKey) (*JWTSigner, error) {
	if key == nil {
		return nil, errors.New("rsa private key is required")
	}
	if key.N.BitLen() < 2048 {
		return nil, fmt.Errorf("rsa key must be at least 2048 bits, got %d", key.N.BitLen())
	}
	return &JWTSigner{
		kid:    kid,
		method: jwtv5.SigningMethodRS256,
		key:    key,
		verify: &key.PublicKey,
	}, nil
}

// NewHMACSigner returns a signer using HS256. Intended for tests and single-party setups.
func NewHMACSigner(kid string, secret []byte) (*JWTSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("hmac secret must be at least 32 bytes, got %d", len(secret))
	}
	return &JWTSigner{
		kid:    kid,
		method: jwtv5.SigningMethodHS256,
		key:    secret,
		verify: secret,
	}, nil
}

// KeyID returns the kid header value
func (s *JWTSigner) KeyID() string {
	return s.kid
}

// Algorithm returns the JWS alg value
func (s *JWTSigner) Algorithm() string {
	return s.method.Alg()
}

// PublicKey returns the verification key. It is nil for HMAC signers.
func (s *JWTSigner) PublicKey() crypto.PublicKey {
	if _, ok := s.verify.([]byte); ok {
		return nil
	}
	return s.verify
}

// Sign implements Signer
func (s *JWTSigner) Sign(ctx context.Context, c *Claims) (*Signed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New("claims are required")
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		return nil, fmt.Errorf("expiry %s is not after issued-at %s", c.ExpiresAt, c.IssuedAt)
	}

	// JWT NumericDate has second precision; report the window the token carries.
	iat := c.IssuedAt.Truncate(time.Second)
	exp := c.ExpiresAt.Truncate(time.Second)
	if !exp.After(iat) {
		exp = iat.Add(time.Second)
	}
	nbf := c.NotBefore
	if nbf.IsZero() {
		nbf = iat
	}

	claims := jwtv5.MapClaims{
		"iss": c.Issuer,
		"sub": c.Subject,
		"aud": c.Audience,
		"iat": iat.Unix(),
		"nbf": nbf.Unix(),
		"exp": exp.Unix(),
		"jti": uuid.NewString(),
	}
	if len(c.Scope) > 0 {
		claims["scope"] = strings.Join(c.Scope, " ")
	}
	if c.ClientID != "" {
		claims["client_id"] = c.ClientID
	}
	for k, v := range c.Extra {
		if _, reserved := registeredClaims[k]; reserved {
			continue
		}
		claims[k] = v
	}

	tk := jwtv5.NewWithClaims(s.method, claims)
	tk.Header["typ"] = "at+jwt"
	if s.kid != "" {
		tk.Header["kid"] = s.kid
	}

	value, err := tk.SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Signed{
		Value:     value,
		IssuedAt:  iat,
		ExpiresAt: exp,
	}, nil
}

// Verify parses and validates a token produced by this signer and returns its claims
func (s *JWTSigner) Verify(value string) (jwtv5.MapClaims, error) {
	claims := jwtv5.MapClaims{}
	_, err := jwtv5.ParseWithClaims(value, claims, func(t *jwtv5.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); s.kid != "" && kid != s.kid {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return s.verify, nil
	}, jwtv5.WithValidMethods([]string{s.method.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

var _ Signer = (*JWTSigner)(nil)
