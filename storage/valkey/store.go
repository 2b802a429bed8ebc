package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth2:"

	// DefaultRetention is how long an authorization is kept after its last
	// token expires. Keys carry a TTL of latest expiry + retention.
	DefaultRetention = 24 * time.Hour

	// tokenLogLength is the number of characters to include when logging token values
	tokenLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxAuthorizationDataSize is the maximum size of a serialized authorization (64KB)
	MaxAuthorizationDataSize = 64 * 1024
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth2:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Retention is added to the latest token expiry to compute key TTLs
	// (default DefaultRetention)
	Retention time.Duration
}

// Store is a Valkey-backed AuthorizationStore and ClientStore.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time

	// encryptor seals authorization records at rest.
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex

	observer *storage.Observer
}

// Compile-time interface checks
var (
	_ storage.AuthorizationStore = (*Store)(nil)
	_ storage.ClientStore        = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)

	return s, nil
}

// NewWithClient wraps an existing client. cfg.Address is ignored.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetClock overrides the time source used for key TTLs
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetInstrumentation enables spans and storage metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer = storage.NewObserver("valkey", inst)
}

// SetEncryptor sets the encryptor for authorization records at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Authorization encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key Helpers
// ============================================================

// authorizationKey returns the hash key of an authorization: {prefix}authorization:{id}
func (s *Store) authorizationKey(id string) string {
	return fmt.Sprintf("%sauthorization:%s", s.prefix, id)
}

// tokenKey returns the index key of a token value: {prefix}token:{sha256(value)}
func (s *Store) tokenKey(value string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, storage.HashToken(value))
}

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// keyTTL returns how long the keys of a are kept, never less than one second
func (s *Store) keyTTL(a *storage.Authorization) time.Duration {
	last := a.LatestExpiry()
	if a.UpdatedAt.After(last) {
		last = a.UpdatedAt
	}
	ttl := last.Add(s.retention).Sub(s.now())
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
