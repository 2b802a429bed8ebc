// Package signer turns access token claims into signed, serialized tokens.
//
// The grant engine only depends on the Signer interface. JWTSigner is the
// production implementation and signs RFC 9068 style JWT access tokens with
// EdDSA, RS256 or HS256 via github.com/golang-jwt/jwt/v5.
package signer
