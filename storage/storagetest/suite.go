// Package storagetest provides a behavioural test suite shared by all
// AuthorizationStore implementations.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/storage"
)

// NewStoreFunc returns an empty store for a single subtest
type NewStoreFunc func(t *testing.T) storage.AuthorizationStore

// RunAuthorizationStoreTests runs the AuthorizationStore contract against newStore
func RunAuthorizationStoreTests(t *testing.T, newStore NewStoreFunc) {
	t.Helper()

	t.Run("save and find by id", func(t *testing.T) { testSaveAndFindByID(t, newStore(t)) })
	t.Run("find by token", func(t *testing.T) { testFindByToken(t, newStore(t)) })
	t.Run("find invalidated token", func(t *testing.T) { testFindInvalidatedToken(t, newStore(t)) })
	t.Run("stale version conflicts", func(t *testing.T) { testStaleVersionConflict(t, newStore(t)) })
	t.Run("duplicate insert conflicts", func(t *testing.T) { testDuplicateInsert(t, newStore(t)) })
	t.Run("retried save is idempotent", func(t *testing.T) { testIdempotentRetry(t, newStore(t)) })
	t.Run("returned copies are independent", func(t *testing.T) { testIndependentCopies(t, newStore(t)) })
	t.Run("concurrent commits", func(t *testing.T) { testConcurrentCommits(t, newStore(t)) })
	t.Run("grant state survives storage", func(t *testing.T) { testGrantStatePersisted(t, newStore(t)) })
}

func newCodeAuthorization(t *testing.T) *storage.Authorization {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	a := storage.NewAuthorization("client-"+testutil.GenerateRandomString(6), "alice", oauth.GrantTypeAuthorizationCode, now)
	a.AuthorizedScopes = []string{"read", "write"}
	require.NoError(t, a.SetGrantState(&storage.CodeGrantState{
		Request: oauth.AuthorizationRequest{
			ClientID:    a.ClientID,
			RedirectURI: "https://app.example.com/callback",
			Scope:       "read write",
		},
	}))
	a.SetToken(&storage.Token{
		Kind:      storage.TokenKindAuthorizationCode,
		Value:     "code-" + testutil.GenerateRandomString(32),
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
	}, now)
	a.BeginCommit()
	return a
}

func testSaveAndFindByID(t *testing.T, store storage.AuthorizationStore) {
	ctx := context.Background()
	a := newCodeAuthorization(t)

	require.NoError(t, store.Save(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	got, err := store.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.ClientID, got.ClientID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, []string{"read", "write"}, got.AuthorizedScopes)
	require.NotNil(t, got.Token(storage.TokenKindAuthorizationCode))
	assert.Equal(t, a.Token(storage.TokenKindAuthorizationCode).Value, got.Token(storage.TokenKindAuthorizationCode).Value)

	_, err = store.FindByID(ctx, storage.NewAuthorizationID())
	require.ErrorIs(t, err, storage.ErrAuthorizationNotFound)
}

func testFindByToken(t *testing.T, store storage.AuthorizationStore) {
	ctx := context.Background()
	a := newCodeAuthorization(t)
	code := a.Token(storage.TokenKindAuthorizationCode).Value
	require.NoError(t, store.Save(ctx, a))

	got, err := store.FindByToken(ctx, code, "")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got, err = store.FindByToken(ctx, code, storage.TokenKindAuthorizationCode)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = store.FindByToken(ctx, code, storage.TokenKindRefresh)
	require.ErrorIs(t, err, storage.ErrAuthorizationNotFound)

	_, err = store.FindByToken(ctx, "unknown-token", "")
	require.ErrorIs(t, err, storage.ErrAuthorizationNotFound)
}

func testFindInvalidatedToken(t *testing.T, store storage.AuthorizationStore) {
	ctx := context.Background()
	a := newCodeAuthorization(t)
	now := time.Now()
	a.SetToken(&storage.Token{Kind: storage.TokenKindRefresh, Value: "r1-" + testutil.GenerateRandomString(16), IssuedAt: now, ExpiresAt: now.Add(time.Hour)}, now)
	first := a.Token(storage.TokenKindRefresh).Value
	require.NoError(t, store.Save(ctx, a))

	a.SetToken(&storage.Token{Kind: storage.TokenKindRefresh, Value: "r2-" + testutil.GenerateRandomString(16), IssuedAt: now, ExpiresAt: now.Add(time.Hour)}, now)
	a.BeginCommit()
	require.NoError(t, store.Save(ctx, a))

	got, err := store.FindByToken(ctx, first, storage.TokenKindRefresh)
	require.NoError(t, err, "rotated token must remain findable for replay detection")
	tok := got.FindToken(first, storage.TokenKindRefresh)
	require.NotNil(t, tok)
	assert.True(t, tok.Invalidated)
}

func testStaleVersionConflict(t *testing.T, store storage.AuthorizationStore) {
	ctx := context.Background()
	a := newCodeAuthorization(t)
	require.NoError(t, store.Save(ctx, a))

	first, err := store.FindByID(ctx, a.ID)
	require.NoError(t, err)
	second, err := store.FindByID(ctx, a.ID)
	require.NoError(t, err)

	first.InvalidateToken(storage.TokenKindAuthorizationCode, time.Now())
	first.BeginCommit()
	require.NoError(t, store.Save(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Attributes["touched"] = "true"
	second.BeginCommit()
	require.ErrorIs(t, store.Save(ctx, second), storage.ErrConflict)

	got, err := store.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Token(storage.TokenKindAuthorizationCode).Invalidated)
	assert.NotContains(t, got.Attributes, "touched")
}

func testDuplicateInsert(t *testing.T, store storage.AuthorizationStore) {
	ctx := context.Background()
	a := newCodeAuthorization(t)
	require.NoError(t, store.Save(ctx, a))

	dup := a.Clone()
	dup.Version = 0
	dup.BeginCommit()
	require.ErrorIs(t, store.Save(ctx, dup), storage.ErrConflict)
}

func testIdempotentRetry(t *testing.T, store storage.AuthorizationStore) {
	ctx := context.Background()
	a := newCodeAuthorization(t)

	retry := a.Clone()
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, retry), "insert retried with the same commit id")
	assert.Equal(t, int64(1), retry.Version)

	a.InvalidateToken(storage.TokenKindAuthorizationCode, time.Now())
	a.BeginCommit()
	retry = a.Clone()
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, retry), "update retried with the same commit id")
	assert.Equal(t, int64(2), retry.Version)

	got, err := store.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func testIndependentCopies(t *testing.T, store storage.AuthorizationStore) {
	ctx := context.Background()
	a := newCodeAuthorization(t)
	require.NoError(t, store.Save(ctx, a))

	a.Attributes["local"] = "only"
	got, err := store.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Attributes, "local")

	got.Token(storage.TokenKindAuthorizationCode).Invalidated = true
	again, err := store.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, again.Token(storage.TokenKindAuthorizationCode).Invalidated)
}

func testConcurrentCommits(t *testing.T, store storage.AuthorizationStore) {
	ctx := context.Background()
	a := newCodeAuthorization(t)
	require.NoError(t, store.Save(ctx, a))

	const workers = 8
	copies := make([]*storage.Authorization, workers)
	for i := range copies {
		cp, err := store.FindByID(ctx, a.ID)
		require.NoError(t, err)
		cp.BeginCommit()
		copies[i] = cp
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for _, cp := range copies {
		wg.Add(1)
		go func(cp *storage.Authorization) {
			defer wg.Done()
			cp.InvalidateToken(storage.TokenKindAuthorizationCode, time.Now())
			err := store.Save(ctx, cp)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, storage.ErrConflict):
				conflicts++
			}
		}(cp)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)
}

func testGrantStatePersisted(t *testing.T, store storage.AuthorizationStore) {
	ctx := context.Background()
	now := time.Now()
	a := storage.NewAuthorization("device-client", "", oauth.GrantTypeDeviceCode, now)
	require.NoError(t, a.SetGrantState(&storage.DeviceGrantState{Status: storage.DeviceStatusPending, Interval: 5 * time.Second}))
	userCode := "BCDF-" + testutil.GenerateRandomString(4)
	a.SetToken(&storage.Token{Kind: storage.TokenKindUserCode, Value: userCode, IssuedAt: now, ExpiresAt: now.Add(time.Minute)}, now)
	a.BeginCommit()
	require.NoError(t, store.Save(ctx, a))

	got, err := store.FindByToken(ctx, userCode, storage.TokenKindUserCode)
	require.NoError(t, err)
	state, err := got.GrantState()
	require.NoError(t, err)
	ds, ok := state.(*storage.DeviceGrantState)
	require.True(t, ok)
	assert.Equal(t, storage.DeviceStatusPending, ds.Status)
	assert.Equal(t, 5*time.Second, ds.Interval)
}
