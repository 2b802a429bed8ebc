package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// GenerateEd25519Key returns a new Ed25519 signing key
func GenerateEd25519Key() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return priv, nil
}

// EncodeEd25519PrivateKeyPEM encodes key as a PKCS#8 PEM block
func EncodeEd25519PrivateKeyPEM(key ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseEd25519PrivateKeyPEM decodes a PKCS#8 PEM encoded Ed25519 key
func ParseEd25519PrivateKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	key, err := jwtv5.ParseEdPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ed25519 private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", key)
	}
	return priv, nil
}

// ParseRSAPrivateKeyPEM decodes a PKCS#1 or PKCS#8 PEM encoded RSA key
func ParseRSAPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	key, err := jwtv5.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rsa private key: %w", err)
	}
	return key, nil
}
