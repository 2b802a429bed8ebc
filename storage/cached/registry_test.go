package cached

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/testutil"
	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/memory"
)

// countingRegistry counts backend lookups and can hold them until released
type countingRegistry struct {
	next    storage.ClientRegistry
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (c *countingRegistry) FindByClientID(ctx context.Context, id string) (*storage.Client, error) {
	if c.calls.Add(1) == 1 && c.entered != nil {
		close(c.entered)
	}
	if c.release != nil {
		<-c.release
	}
	return c.next.FindByClientID(ctx, id)
}

func newBackend(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	require.NoError(t, store.SaveClient(context.Background(), testutil.GenerateConfidentialClient(t, "client-1")))
	return store
}

func TestRegistry_CachesHits(t *testing.T) {
	backend := &countingRegistry{next: newBackend(t)}
	r := New(backend, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c, err := r.FindByClientID(ctx, "client-1")
		require.NoError(t, err)
		assert.Equal(t, "client-1", c.ClientID)
	}
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r := New(newBackend(t), Config{})
	ctx := context.Background()

	first, err := r.FindByClientID(ctx, "client-1")
	require.NoError(t, err)
	first.Scopes[0] = "tampered"

	second, err := r.FindByClientID(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "read", second.Scopes[0])
}

func TestRegistry_NegativeCaching(t *testing.T) {
	backend := &countingRegistry{next: newBackend(t)}
	r := New(backend, Config{NegativeTTL: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.FindByClientID(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrClientNotFound)
	}
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestRegistry_NegativeCachingDisabled(t *testing.T) {
	backend := &countingRegistry{next: newBackend(t)}
	r := New(backend, Config{NegativeTTL: -1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.FindByClientID(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrClientNotFound)
	}
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestRegistry_CollapsesConcurrentMisses(t *testing.T) {
	backend := &countingRegistry{
		next:    newBackend(t),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := New(backend, Config{})
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.FindByClientID(ctx, "client-1")
			errs <- err
		}()
	}

	<-backend.entered
	time.Sleep(50 * time.Millisecond)
	close(backend.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestRegistry_SaveClientInvalidates(t *testing.T) {
	backend := newBackend(t)
	r := New(backend, Config{})
	ctx := context.Background()

	_, err := r.FindByClientID(ctx, "client-1")
	require.NoError(t, err)

	updated := testutil.GenerateConfidentialClient(t, "client-1")
	updated.Scopes = []string{"read"}
	require.NoError(t, r.SaveClient(ctx, updated))

	got, err := r.FindByClientID(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, got.Scopes)
}

func TestRegistry_SaveClientReadOnlyBackend(t *testing.T) {
	r := New(&countingRegistry{next: newBackend(t)}, Config{})
	err := r.SaveClient(context.Background(), testutil.GeneratePublicClient("p"))
	assert.Error(t, err)
}

func TestRegistry_FlushAndInstrumentation(t *testing.T) {
	backend := &countingRegistry{next: newBackend(t)}
	r := New(backend, Config{})
	ctx := context.Background()

	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	r.SetInstrumentation(inst)

	_, err = r.FindByClientID(ctx, "client-1")
	require.NoError(t, err)
	r.Flush()
	_, err = r.FindByClientID(ctx, "client-1")
	require.NoError(t, err)

	assert.Equal(t, int32(2), backend.calls.Load())
}
