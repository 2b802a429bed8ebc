// Package cached provides a caching ClientRegistry decorator. Lookups are
// served from an in-process TTL cache, and concurrent misses for the same
// client collapse into a single backend call.
package cached

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// DefaultTTL is how long a resolved client is served from cache
	DefaultTTL = 5 * time.Minute

	// DefaultNegativeTTL is how long an unknown client id is remembered
	DefaultNegativeTTL = 30 * time.Second

	defaultCleanupInterval = time.Minute
)

// notFound marks a cached negative lookup
type notFound struct{}

// Config configures the cache
type Config struct {
	// TTL of positive entries (default DefaultTTL)
	TTL time.Duration

	// NegativeTTL of unknown-client entries (default DefaultNegativeTTL,
	// negative disables negative caching)
	NegativeTTL time.Duration

	// CleanupInterval purges expired entries (default 1 minute)
	CleanupInterval time.Duration

	Logger *slog.Logger
}

// Registry is a storage.ClientRegistry backed by another registry
type Registry struct {
	next        storage.ClientRegistry
	cache       *gocache.Cache
	group       singleflight.Group
	negativeTTL time.Duration
	metrics     *instrumentation.Metrics
	logger      *slog.Logger
}

var _ storage.ClientStore = (*Registry)(nil)

// New wraps next
func New(next storage.ClientRegistry, cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.NegativeTTL == 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Registry{
		next:        next,
		cache:       gocache.New(cfg.TTL, cfg.CleanupInterval),
		negativeTTL: cfg.NegativeTTL,
		logger:      cfg.Logger,
	}
}

// SetInstrumentation records cache hits and misses
func (r *Registry) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		r.metrics = nil
		return
	}
	r.metrics = inst.Metrics()
}

// FindByClientID returns the client from cache or the wrapped registry.
// Callers get their own copy.
func (r *Registry) FindByClientID(ctx context.Context, clientID string) (*storage.Client, error) {
	if v, ok := r.cache.Get(clientID); ok {
		r.recordLookup(ctx, true)
		if _, missing := v.(notFound); missing {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return v.(*storage.Client).Clone(), nil
	}
	r.recordLookup(ctx, false)

	v, err, shared := r.group.Do(clientID, func() (any, error) {
		client, err := r.next.FindByClientID(ctx, clientID)
		if err != nil {
			if errors.Is(err, storage.ErrClientNotFound) && r.negativeTTL > 0 {
				r.cache.Set(clientID, notFound{}, r.negativeTTL)
			}
			return nil, err
		}
		r.cache.SetDefault(clientID, client.Clone())
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("Collapsed concurrent client lookup", "client_id", clientID)
	}
	return v.(*storage.Client).Clone(), nil
}

// SaveClient forwards to the wrapped registry when it accepts registrations
// and drops the cached entry
func (r *Registry) SaveClient(ctx context.Context, client *storage.Client) error {
	store, ok := r.next.(storage.ClientStore)
	if !ok {
		return errors.New("wrapped client registry is read-only")
	}
	if err := store.SaveClient(ctx, client); err != nil {
		return err
	}
	r.Invalidate(client.ClientID)
	return nil
}

// Invalidate drops a cached client
func (r *Registry) Invalidate(clientID string) {
	r.cache.Delete(clientID)
}

// Flush drops every cached client
func (r *Registry) Flush() {
	r.cache.Flush()
}

func (r *Registry) recordLookup(ctx context.Context, hit bool) {
	if r.metrics != nil {
		r.metrics.RecordRegistryCacheLookup(ctx, hit)
	}
}
