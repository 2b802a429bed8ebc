package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// DefaultRetention is how long dormant authorizations are kept after their
	// last token expired or was invalidated
	DefaultRetention = 24 * time.Hour

	// tokenLogLength is the number of characters to include when logging token values
	tokenLogLength = 8
)

// Store is an in-memory implementation of AuthorizationStore and ClientStore
type Store struct {
	mu sync.RWMutex

	// authorizations holds committed copies; Version/CommitID are the stored values
	authorizations map[string]*storage.Authorization

	// tokenIndex maps token values (current and invalidated) to authorization IDs
	tokenIndex map[string]string

	clients map[string]*storage.Client

	// Instrumentation
	observer *storage.Observer

	// Atomic counters for metrics (lock-free access during metric collection)
	authorizationsCountAtomic atomic.Int64
	clientsCountAtomic        atomic.Int64
	tokensCountAtomic         atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	retention       time.Duration
	now             func() time.Time
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.AuthorizationStore = (*Store)(nil)
	_ storage.ClientStore        = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		authorizations:  make(map[string]*storage.Authorization),
		tokenIndex:      make(map[string]string),
		clients:         make(map[string]*storage.Client),
		cleanupInterval: cleanupInterval,
		retention:       DefaultRetention,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetRetention sets how long dormant authorizations are kept
func (s *Store) SetRetention(retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = retention
	s.logger.Info("Set dormant authorization retention", "retention", retention)
}

// SetClock overrides the time source used by cleanup
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.observer = storage.NewObserver("memory", inst)
	s.authorizationsCountAtomic.Store(int64(len(s.authorizations)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.tokensCountAtomic.Store(int64(len(s.tokenIndex)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.authorizationsCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// AuthorizationStore Implementation
// ============================================================

// Save commits an Authorization using compare-and-commit on its Version
func (s *Store) Save(ctx context.Context, a *storage.Authorization) error {
	ctx, span := s.observer.Start(ctx, "save_authorization")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.observer.Done(ctx, span, "save_authorization", err, startTime)
	}()

	if a == nil || a.ID == "" {
		err = fmt.Errorf("authorization ID cannot be empty")
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.authorizations[a.ID]
	switch {
	case !ok && a.Version != 0:
		err = fmt.Errorf("%w: authorization %s no longer exists", storage.ErrConflict, a.ID)
		return err
	case ok:
		applied, cerr := storage.CheckCommit(existing.Version, existing.CommitID, a)
		if cerr != nil {
			err = cerr
			s.logger.Debug("Rejected stale authorization commit",
				"authorization_id", a.ID,
				"stored_version", existing.Version,
				"version", a.Version)
			return err
		}
		if applied {
			a.Version = existing.Version
			return nil
		}
	}

	stored := a.Clone()
	stored.Version = a.Version + 1

	if ok {
		s.unindex(existing)
	} else {
		s.authorizationsCountAtomic.Add(1)
	}
	s.authorizations[a.ID] = stored
	s.index(stored)

	a.Version = stored.Version

	s.logger.Debug("Saved authorization",
		"authorization_id", a.ID,
		"client_id", a.ClientID,
		"version", stored.Version)

	return nil
}

// FindByID returns the Authorization with the given ID
func (s *Store) FindByID(ctx context.Context, id string) (*storage.Authorization, error) {
	ctx, span := s.observer.Start(ctx, "find_authorization_by_id")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.observer.Done(ctx, span, "find_authorization_by_id", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.authorizations[id]
	if !ok {
		err = storage.ErrAuthorizationNotFound
		return nil, err
	}
	return a.Clone(), nil
}

// FindByToken returns the Authorization holding the token value
func (s *Store) FindByToken(ctx context.Context, value string, kind storage.TokenKind) (*storage.Authorization, error) {
	ctx, span := s.observer.Start(ctx, "find_authorization_by_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.observer.Done(ctx, span, "find_authorization_by_token", err, startTime)
	}()

	if value == "" {
		err = storage.ErrAuthorizationNotFound
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokenIndex[value]
	if !ok {
		err = storage.ErrAuthorizationNotFound
		return nil, err
	}
	a, ok := s.authorizations[id]
	if !ok || a.FindToken(value, kind) == nil {
		s.logger.Debug("Token index miss",
			"token_prefix", util.SafeTruncate(value, tokenLogLength),
			"kind", kind)
		err = storage.ErrAuthorizationNotFound
		return nil, err
	}
	return a.Clone(), nil
}

// index must be called with s.mu held
func (s *Store) index(a *storage.Authorization) {
	for _, t := range a.AllTokens() {
		if _, exists := s.tokenIndex[t.Value]; !exists {
			s.tokensCountAtomic.Add(1)
		}
		s.tokenIndex[t.Value] = a.ID
	}
}

// unindex must be called with s.mu held
func (s *Store) unindex(a *storage.Authorization) {
	for _, t := range a.AllTokens() {
		if s.tokenIndex[t.Value] == a.ID {
			delete(s.tokenIndex, t.Value)
			s.tokensCountAtomic.Add(-1)
		}
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.observer.Start(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.observer.Done(ctx, span, "save_client", err, startTime)
	}()

	if client == nil {
		err = fmt.Errorf("client cannot be nil")
		return err
	}
	if err = client.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; !exists {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[client.ClientID] = client.Clone()

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// FindByClientID returns the registered client
func (s *Store) FindByClientID(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.observer.Start(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.observer.Done(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}
	return client.Clone(), nil
}

// ListClients lists all registered clients ordered by client ID
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client.Clone())
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes authorizations that have been dormant for longer than the retention period
func (s *Store) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for id, a := range s.authorizations {
		if !a.IsDormant(now) {
			continue
		}
		lastActivity := a.LatestExpiry()
		if a.UpdatedAt.After(lastActivity) {
			lastActivity = a.UpdatedAt
		}
		if now.Sub(lastActivity) < s.retention {
			continue
		}
		s.unindex(a)
		delete(s.authorizations, id)
		s.authorizationsCountAtomic.Add(-1)
		cleaned++
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up dormant authorizations", "count", cleaned)
	}
	return cleaned
}
