package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/server"
	"github.com/giantswarm/oauth-grants/storage"
)

// Storage drivers
const (
	driverMemory   = "memory"
	driverValkey   = "valkey"
	driverPostgres = "postgres"
)

// Signing algorithms
const (
	algEd25519 = "ed25519"
	algRS256   = "rs256"
	algHMAC    = "hmac"
)

// Config is the grantctl configuration file
type Config struct {
	Server   server.Config  `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Signing  SigningConfig  `yaml:"signing"`
	Registry RegistryConfig `yaml:"registry"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Clients  []ClientConfig `yaml:"clients"`
}

type StorageConfig struct {
	// Driver is memory, valkey or postgres
	Driver string `yaml:"driver"`

	// EncryptionKey is a base64 AES-256 key sealing authorizations at rest.
	// Ignored by the memory driver.
	EncryptionKey string `yaml:"encryption_key"`

	// Retention keeps dormant authorizations around for replay detection
	Retention time.Duration `yaml:"retention"`

	Valkey struct {
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"valkey"`

	Postgres struct {
		DSN             string        `yaml:"dsn"`
		MaxConns        int32         `yaml:"max_conns"`
		MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	} `yaml:"postgres"`
}

type SigningConfig struct {
	// Algorithm is ed25519 (default), rs256 or hmac
	Algorithm string `yaml:"algorithm"`
	KeyID     string `yaml:"key_id"`

	// KeyFile is a PEM private key for ed25519 and rs256
	KeyFile string `yaml:"key_file"`

	// Secret is the shared key for hmac
	Secret string `yaml:"secret"`
}

type RegistryConfig struct {
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	NegativeCacheTTL time.Duration `yaml:"negative_cache_ttl"`
}

type MetricsConfig struct {
	// Address serves Prometheus metrics at /metrics while a command runs
	Address string `yaml:"address"`
}

// ClientConfig registers a client at startup
type ClientConfig struct {
	ClientID string `yaml:"client_id"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`

	// Secret is hashed with bcrypt on load. SecretHash takes a precomputed hash.
	Secret     string `yaml:"secret"`
	SecretHash string `yaml:"secret_hash"`

	AuthMethod     string                 `yaml:"auth_method"`
	GrantTypes     []oauth.GrantType      `yaml:"grant_types"`
	RedirectURIs   []string               `yaml:"redirect_uris"`
	Scopes         []string               `yaml:"scopes"`
	ClientSettings storage.ClientSettings `yaml:"client_settings"`
	TokenSettings  storage.TokenSettings  `yaml:"token_settings"`
}

// loadConfig reads .env (when present), the YAML file and environment
// overrides, in that order
func loadConfig(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(b), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envReference matches ${NAME}. Bare $NAME is left alone so bcrypt hashes survive.
var envReference = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(b []byte) []byte {
	return envReference.ReplaceAllFunc(b, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"GRANTCTL_ISSUER":            &c.Server.Issuer,
		"GRANTCTL_STORAGE_DRIVER":    &c.Storage.Driver,
		"GRANTCTL_ENCRYPTION_KEY":    &c.Storage.EncryptionKey,
		"GRANTCTL_VALKEY_ADDR":       &c.Storage.Valkey.Address,
		"GRANTCTL_VALKEY_PASSWORD":   &c.Storage.Valkey.Password,
		"GRANTCTL_POSTGRES_DSN":      &c.Storage.Postgres.DSN,
		"GRANTCTL_SIGNING_ALGORITHM": &c.Signing.Algorithm,
		"GRANTCTL_SIGNING_KEY_FILE":  &c.Signing.KeyFile,
		"GRANTCTL_SIGNING_SECRET":    &c.Signing.Secret,
		"GRANTCTL_METRICS_ADDR":      &c.Metrics.Address,
	}
	for key, field := range str {
		if v, ok := os.LookupEnv(key); ok {
			*field = v
		}
	}

	if v, ok := os.LookupEnv("GRANTCTL_ACCESS_TOKEN_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GRANTCTL_ACCESS_TOKEN_TTL: %w", err)
		}
		c.Server.AccessTokenTTL = d
	}
	if v, ok := os.LookupEnv("GRANTCTL_VALKEY_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRANTCTL_VALKEY_DB: %w", err)
		}
		c.Storage.Valkey.DB = db
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = driverMemory
	}
	if c.Signing.Algorithm == "" {
		c.Signing.Algorithm = algEd25519
	}
	if c.Signing.KeyID == "" {
		c.Signing.KeyID = "grantctl"
	}
}

// Validate checks the parts of the file the engine does not validate itself
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case driverMemory:
	case driverValkey:
		if c.Storage.Valkey.Address == "" {
			return errors.New("storage.valkey.address is required for the valkey driver")
		}
	case driverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Signing.Algorithm {
	case algEd25519, algRS256:
		if c.Signing.KeyFile == "" {
			return fmt.Errorf("signing.key_file is required for %s", c.Signing.Algorithm)
		}
	case algHMAC:
		if c.Signing.Secret == "" {
			return errors.New("signing.secret is required for hmac")
		}
	default:
		return fmt.Errorf("unknown signing algorithm %q", c.Signing.Algorithm)
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, cc := range c.Clients {
		if cc.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if seen[cc.ClientID] {
			return fmt.Errorf("clients[%d]: duplicate client_id %q", i, cc.ClientID)
		}
		seen[cc.ClientID] = true
	}
	return nil
}

// toClient builds the registered client, hashing a plaintext secret
func (cc ClientConfig) toClient(now time.Time) (*storage.Client, error) {
	client := &storage.Client{
		ClientID:                cc.ClientID,
		ClientName:              cc.Name,
		ClientType:              cc.Type,
		ClientSecretHash:        cc.SecretHash,
		TokenEndpointAuthMethod: cc.AuthMethod,
		GrantTypes:              cc.GrantTypes,
		RedirectURIs:            cc.RedirectURIs,
		Scopes:                  cc.Scopes,
		ClientSettings:          cc.ClientSettings,
		TokenSettings:           cc.TokenSettings,
		CreatedAt:               now,
	}
	if client.ClientType == "" {
		client.ClientType = storage.ClientTypeConfidential
		if cc.Secret == "" && cc.SecretHash == "" {
			client.ClientType = storage.ClientTypePublic
		}
	}
	if client.TokenEndpointAuthMethod == "" {
		client.TokenEndpointAuthMethod = storage.AuthMethodClientSecretBasic
		if client.IsPublic() {
			client.TokenEndpointAuthMethod = storage.AuthMethodNone
		}
	}
	if cc.Secret != "" && cc.SecretHash == "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cc.Secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("client %s: failed to hash secret: %w", cc.ClientID, err)
		}
		client.ClientSecretHash = string(hash)
	}
	if err := client.Validate(); err != nil {
		return nil, err
	}
	return client, nil
}
