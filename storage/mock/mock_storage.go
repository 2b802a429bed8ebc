// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/memory"
)

// AuthorizationStore is a mock AuthorizationStore. Every method defaults to
// an in-memory store; set the Func fields to inject behaviour.
type AuthorizationStore struct {
	mu         sync.Mutex
	callCounts map[string]int

	// Backend serves calls whose Func field is nil
	Backend *memory.Store

	SaveFunc        func(ctx context.Context, a *storage.Authorization) error
	FindByIDFunc    func(ctx context.Context, id string) (*storage.Authorization, error)
	FindByTokenFunc func(ctx context.Context, value string, kind storage.TokenKind) (*storage.Authorization, error)
}

var _ storage.AuthorizationStore = (*AuthorizationStore)(nil)

// NewAuthorizationStore creates a mock backed by a fresh memory store.
// Call Stop when done.
func NewAuthorizationStore() *AuthorizationStore {
	return &AuthorizationStore{
		callCounts: make(map[string]int),
		Backend:    memory.New(),
	}
}

// Stop stops the backing store
func (m *AuthorizationStore) Stop() {
	m.Backend.Stop()
}

// CallCount returns how many times method was called
func (m *AuthorizationStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *AuthorizationStore) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// Save records the call and delegates
func (m *AuthorizationStore) Save(ctx context.Context, a *storage.Authorization) error {
	m.count("Save")
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, a)
	}
	return m.Backend.Save(ctx, a)
}

// FindByID records the call and delegates
func (m *AuthorizationStore) FindByID(ctx context.Context, id string) (*storage.Authorization, error) {
	m.count("FindByID")
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return m.Backend.FindByID(ctx, id)
}

// FindByToken records the call and delegates
func (m *AuthorizationStore) FindByToken(ctx context.Context, value string, kind storage.TokenKind) (*storage.Authorization, error) {
	m.count("FindByToken")
	if m.FindByTokenFunc != nil {
		return m.FindByTokenFunc(ctx, value, kind)
	}
	return m.Backend.FindByToken(ctx, value, kind)
}

// ClientRegistry is a mock ClientRegistry backed by a map
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*storage.Client

	FindByClientIDFunc func(ctx context.Context, clientID string) (*storage.Client, error)
}

var _ storage.ClientRegistry = (*ClientRegistry)(nil)

// NewClientRegistry creates a registry holding the given clients
func NewClientRegistry(clients ...*storage.Client) *ClientRegistry {
	r := &ClientRegistry{clients: make(map[string]*storage.Client)}
	for _, c := range clients {
		r.clients[c.ClientID] = c
	}
	return r
}

// Add registers a client
func (r *ClientRegistry) Add(c *storage.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ClientID] = c
}

// FindByClientID returns a copy of the registered client
func (r *ClientRegistry) FindByClientID(ctx context.Context, clientID string) (*storage.Client, error) {
	if r.FindByClientIDFunc != nil {
		return r.FindByClientIDFunc(ctx, clientID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return c.Clone(), nil
}
