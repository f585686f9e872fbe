package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/metrics"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type mockStore struct {
	mu       sync.Mutex
	getFn    func(ctx context.Context, hash string) (persistence.SchemaDefinition, error)
	upsertFn func(ctx context.Context, def persistence.SchemaDefinition) (persistence.SchemaDefinition, bool, error)
	getCalls int
}

func (m *mockStore) Get(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
	m.mu.Lock()
	m.getCalls++
	fn := m.getFn
	m.mu.Unlock()
	if fn == nil {
		panic("getFn not configured")
	}
	return fn(ctx, hash)
}

func (m *mockStore) Upsert(ctx context.Context, def persistence.SchemaDefinition) (persistence.SchemaDefinition, bool, error) {
	if m.upsertFn == nil {
		panic("upsertFn not configured")
	}
	return m.upsertFn(ctx, def)
}

func (m *mockStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls
}

func (m *mockStore) setGetFn(fn func(ctx context.Context, hash string) (persistence.SchemaDefinition, error)) {
	m.mu.Lock()
	m.getFn = fn
	m.mu.Unlock()
}

func definition(hash, name string) persistence.SchemaDefinition {
	return persistence.SchemaDefinition{
		SchemaHash: hash,
		Name:       name,
		Fields: []persistence.SchemaField{
			{Path: "status", Type: "string", Required: true},
		},
		Metadata:  map[string]any{},
		CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newCachedService(t *testing.T, store *mockStore, cfg Config, m *metrics.Metrics) (*service, *fakeClock) {
	t.Helper()
	svc := New(store, cfg, m).(*service)
	clock := newFakeClock()
	svc.cache.now = clock.Now
	return svc, clock
}

func TestGetCachesPositiveEntries(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.setGetFn(func(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
		return definition(hash, "pipeline"), nil
	})
	m := metrics.New(true)
	svc, clock := newCachedService(t, store, Config{TTL: time.Minute, RefreshInterval: 10 * time.Second}, m)

	def, err := svc.Get(context.Background(), "sha256:abc")
	require.NoError(t, err)
	require.Equal(t, "pipeline", def.Name)
	require.Equal(t, 1, store.calls())

	clock.Advance(30 * time.Second)
	_, err = svc.Get(context.Background(), "sha256:abc")
	require.NoError(t, err)
	require.Equal(t, 1, store.calls(), "a fresh hit never touches the store")

	require.Equal(t, float64(1), testutil.ToFloat64(m.SchemaCacheMisses.WithLabelValues("cold")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.SchemaCacheHits.WithLabelValues("positive")))
}

func TestGetCachesMisses(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.setGetFn(func(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
		return persistence.SchemaDefinition{}, persistence.ErrSchemaNotFound
	})
	m := metrics.New(true)
	svc, clock := newCachedService(t, store, Config{TTL: time.Minute, RefreshInterval: 10 * time.Second}, m)

	_, err := svc.Get(context.Background(), "sha256:unknown")
	requireStatus(t, err, 404)
	require.Equal(t, 1, store.calls())

	_, err = svc.Get(context.Background(), "sha256:unknown")
	requireStatus(t, err, 404)
	require.Equal(t, 1, store.calls(), "the negative entry answers repeat lookups")
	require.Equal(t, float64(1), testutil.ToFloat64(m.SchemaCacheHits.WithLabelValues("negative")))

	// Negative TTL defaults to min(ttl, 30s); past it the store is asked again.
	clock.Advance(31 * time.Second)
	_, err = svc.Get(context.Background(), "sha256:unknown")
	requireStatus(t, err, 404)
	require.Equal(t, 2, store.calls())
	require.Equal(t, float64(1), testutil.ToFloat64(m.SchemaCacheMisses.WithLabelValues("expired")))
}

func TestGetServesStaleWhileRevalidating(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.setGetFn(func(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
		return definition(hash, "v1"), nil
	})
	svc, clock := newCachedService(t, store, Config{
		TTL:             time.Minute,
		RefreshAhead:    50 * time.Second,
		RefreshInterval: 10 * time.Second,
	}, nil)

	_, err := svc.Get(context.Background(), "sha256:abc")
	require.NoError(t, err)

	store.setGetFn(func(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
		return definition(hash, "v2"), nil
	})

	// Past refreshAt (ttl - refreshAhead = 10s) but inside the TTL: the stale
	// value is served and one refresh runs in the background.
	clock.Advance(11 * time.Second)
	def, err := svc.Get(context.Background(), "sha256:abc")
	require.NoError(t, err)
	require.Equal(t, "v1", def.Name)

	require.Eventually(t, func() bool {
		return store.calls() == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		def, err := svc.Get(context.Background(), "sha256:abc")
		return err == nil && def.Name == "v2"
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, store.calls(), "the lookup after the refresh is a plain hit")
}

func TestBackgroundRefreshFailurePostponesExpiry(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.setGetFn(func(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
		return definition(hash, "v1"), nil
	})
	svc, clock := newCachedService(t, store, Config{
		TTL:             time.Minute,
		RefreshAhead:    50 * time.Second,
		RefreshInterval: 20 * time.Second,
	}, nil)

	_, err := svc.Get(context.Background(), "sha256:abc")
	require.NoError(t, err)

	store.setGetFn(func(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
		return persistence.SchemaDefinition{}, errors.New("registry unavailable")
	})

	clock.Advance(11 * time.Second)
	_, err = svc.Get(context.Background(), "sha256:abc")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.calls() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// The failed refresh pushed the deadline out by min(refreshInterval, ttl)
	// = 20s from the failure, so a lookup past the original refresh window
	// still serves the stale definition without a foreground load.
	clock.Advance(15 * time.Second)
	def, err := svc.Get(context.Background(), "sha256:abc")
	require.NoError(t, err)
	require.Equal(t, "v1", def.Name)
	require.Equal(t, 2, store.calls())
}

func TestConcurrentColdLookupsShareOneLoad(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	store := &mockStore{}
	store.setGetFn(func(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
		<-gate
		return definition(hash, "pipeline"), nil
	})
	svc, _ := newCachedService(t, store, Config{TTL: time.Minute, RefreshInterval: 10 * time.Second}, nil)

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Get(context.Background(), "sha256:abc")
		}(i)
	}

	// Give the goroutines a moment to pile onto the flight before release.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
	require.Equal(t, 1, store.calls(), "concurrent lookups coalesce into one load")
}

func TestGetRequiresHash(t *testing.T) {
	t.Parallel()

	svc := New(&mockStore{}, Config{TTL: time.Minute}, nil)
	_, err := svc.Get(context.Background(), "   ")
	requireStatus(t, err, 400)
}

func TestRegisterValidatesPayload(t *testing.T) {
	t.Parallel()

	svc := New(&mockStore{}, Config{TTL: time.Minute}, nil)

	cases := []struct {
		name    string
		payload string
	}{
		{"missing name", `{"schemaHash": "sha256:abc", "fields": []}`},
		{"bad hash characters", `{"schemaHash": "!!bad", "name": "x", "fields": []}`},
		{"unknown field type", `{"schemaHash": "sha256:abc", "name": "x", "fields": [{"path": "a", "type": "uuid"}]}`},
		{"field missing path", `{"schemaHash": "sha256:abc", "name": "x", "fields": [{"type": "string"}]}`},
		{"unexpected property", `{"schemaHash": "sha256:abc", "name": "x", "fields": [], "extra": true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := svc.Register(context.Background(), json.RawMessage(tc.payload))
			requireStatus(t, err, 400)
			var he *httperr.Error
			require.ErrorAs(t, err, &he)
			require.NotNil(t, he.Details, "validation failures carry instance paths")
		})
	}
}

func TestRegisterStoresAndPrimesCache(t *testing.T) {
	t.Parallel()

	store := &mockStore{
		upsertFn: func(ctx context.Context, def persistence.SchemaDefinition) (persistence.SchemaDefinition, bool, error) {
			require.Equal(t, "sha256:abc", def.SchemaHash)
			require.Equal(t, "pipeline", def.Name)
			require.Len(t, def.Fields, 1)
			require.True(t, def.Fields[0].Required)
			stored := def
			stored.CreatedAt = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
			stored.UpdatedAt = stored.CreatedAt
			return stored, true, nil
		},
	}
	svc := New(store, Config{TTL: time.Minute, RefreshInterval: 10 * time.Second}, nil)

	payload := `{
		"schemaHash": "sha256:abc",
		"name": "pipeline",
		"version": "1.2.0",
		"fields": [{"path": "status", "type": "string", "required": true}]
	}`
	result, err := svc.Register(context.Background(), json.RawMessage(payload))
	require.NoError(t, err)
	require.True(t, result.Created)
	require.Equal(t, "pipeline", result.Definition.Name)

	// The registration primes the cache, so the next read skips the store.
	def, err := svc.Get(context.Background(), "sha256:abc")
	require.NoError(t, err)
	require.Equal(t, "pipeline", def.Name)
	require.Equal(t, 0, store.calls())
}

func TestRegisterReplacesNegativeEntry(t *testing.T) {
	t.Parallel()

	store := &mockStore{
		upsertFn: func(ctx context.Context, def persistence.SchemaDefinition) (persistence.SchemaDefinition, bool, error) {
			return def, true, nil
		},
	}
	store.setGetFn(func(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
		return persistence.SchemaDefinition{}, persistence.ErrSchemaNotFound
	})
	svc := New(store, Config{TTL: time.Minute, RefreshInterval: 10 * time.Second}, nil)

	_, err := svc.Get(context.Background(), "sha256:abc")
	requireStatus(t, err, 404)

	payload := `{"schemaHash": "sha256:abc", "name": "pipeline", "fields": []}`
	_, err = svc.Register(context.Background(), json.RawMessage(payload))
	require.NoError(t, err)

	def, err := svc.Get(context.Background(), "sha256:abc")
	require.NoError(t, err)
	require.Equal(t, "pipeline", def.Name)
	require.Equal(t, 1, store.calls(), "no second store read after registration")
}

func TestDueMarksEntriesRefreshingOnce(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.setGetFn(func(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
		return definition(hash, "v1"), nil
	})
	svc, clock := newCachedService(t, store, Config{
		TTL:             time.Minute,
		RefreshAhead:    50 * time.Second,
		RefreshInterval: 10 * time.Second,
	}, nil)

	_, err := svc.Get(context.Background(), "sha256:abc")
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	first := svc.cache.due()
	require.Equal(t, []string{"sha256:abc"}, first)
	require.Empty(t, svc.cache.due(), "an in-flight refresh is not re-selected")

	svc.cache.refresh("sha256:abc")
	require.Equal(t, 2, store.calls())
	require.Empty(t, svc.cache.due(), "a refreshed entry is fresh again")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	svc := New(store, Config{TTL: time.Minute, RefreshInterval: 10 * time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	var he *httperr.Error
	require.ErrorAs(t, err, &he)
	require.Equal(t, status, he.StatusCode)
}
