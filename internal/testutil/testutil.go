package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/storage"
)

// TestClientSecret is the plaintext secret of clients created by the fixtures
const TestClientSecret = "test-client-secret"

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// HashSecret returns a low-cost bcrypt hash of secret
func HashSecret(t testing.TB, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	return string(hash)
}

// GenerateConfidentialClient creates a confidential client allowed every grant type.
// Its secret is TestClientSecret.
func GenerateConfidentialClient(t testing.TB, clientID string) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        HashSecret(t, TestClientSecret),
		ClientType:              storage.ClientTypeConfidential,
		ClientName:              "Test Client",
		TokenEndpointAuthMethod: storage.AuthMethodClientSecretBasic,
		GrantTypes:              append([]oauth.GrantType(nil), oauth.GrantTypes...),
		RedirectURIs:            []string{"https://app.example.com/callback"},
		Scopes:                  []string{"read", "write", "admin"},
		CreatedAt:               time.Now(),
	}
}

// GeneratePublicClient creates a public PKCE client for the code, refresh and device grants
func GeneratePublicClient(clientID string) *storage.Client {
	return &storage.Client{
		ClientID:                clientID,
		ClientType:              storage.ClientTypePublic,
		ClientName:              "Test Public Client",
		TokenEndpointAuthMethod: storage.AuthMethodNone,
		GrantTypes: []oauth.GrantType{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeRefreshToken,
			oauth.GrantTypeDeviceCode,
		},
		RedirectURIs:   []string{"http://127.0.0.1:8765/callback"},
		Scopes:         []string{"read", "write"},
		ClientSettings: storage.ClientSettings{RequireProofKey: true},
		CreatedAt:      time.Now(),
	}
}
