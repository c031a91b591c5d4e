package searchcache

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func countingFetcher(calls *atomic.Int32, results []models.SearchResult) Fetcher {
	return func(context.Context, models.SearchFilter) ([]models.SearchResult, error) {
		calls.Add(1)
		return results, nil
	}
}

func TestLookupTTLBoundary(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	var calls atomic.Int32
	c := New(countingFetcher(&calls, []models.SearchResult{{ID: "r1"}}), WithClock(clock.Now), WithTTL(15*time.Minute))
	ctx := context.Background()
	filter := models.SearchFilter{Brand: "Toyota"}

	_, err := c.Lookup(ctx, filter)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	expiresAt := start.Add(15 * time.Minute)

	clock.Set(expiresAt.Add(-time.Millisecond))
	_, err = c.Lookup(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "lookup just before expiry must be served from cache")

	clock.Set(expiresAt.Add(time.Millisecond))
	_, err = c.Lookup(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "lookup just after expiry must refetch")
}

func TestLookupCachesEmptyResults(t *testing.T) {
	var calls atomic.Int32
	c := New(countingFetcher(&calls, nil))
	ctx := context.Background()
	filter := models.SearchFilter{Brand: "Lada", Model: "Niva", YearMin: 1990}

	for i := 0; i < 3; i++ {
		res, err := c.Lookup(ctx, filter)
		require.NoError(t, err)
		assert.Empty(t, res)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Stats{Hits: 2, Misses: 1, Fetches: 1}, c.Stats())
}

func TestLookupKeyedByFullFilter(t *testing.T) {
	var calls atomic.Int32
	c := New(countingFetcher(&calls, []models.SearchResult{{ID: "r1"}}))
	ctx := context.Background()

	_, _ = c.Lookup(ctx, models.SearchFilter{Brand: "BMW", PriceMax: 30000})
	_, _ = c.Lookup(ctx, models.SearchFilter{Brand: "bmw", PriceMax: 30000})
	_, _ = c.Lookup(ctx, models.SearchFilter{Brand: "BMW", PriceMax: 30001})

	assert.Equal(t, int32(2), calls.Load())
}

func TestLookupSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context, models.SearchFilter) ([]models.SearchResult, error) {
		calls.Add(1)
		<-release
		return []models.SearchResult{{ID: "r1"}}, nil
	}
	c := New(fetch)
	ctx := context.Background()
	filter := models.SearchFilter{Brand: "Kia"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Lookup(ctx, filter)
			assert.NoError(t, err)
			assert.Len(t, res, 1)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestLookupErrorNotCached(t *testing.T) {
	var calls atomic.Int32
	fail := true
	fetch := func(context.Context, models.SearchFilter) ([]models.SearchResult, error) {
		calls.Add(1)
		if fail {
			return nil, errors.New("upstream down")
		}
		return []models.SearchResult{{ID: "r1"}}, nil
	}
	c := New(fetch)
	ctx := context.Background()

	_, err := c.Lookup(ctx, models.SearchFilter{Brand: "Audi"})
	require.Error(t, err)

	fail = false
	res, err := c.Lookup(ctx, models.SearchFilter{Brand: "Audi"})
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPurgeDropsExpired(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	backend := NewMemoryBackend()
	var calls atomic.Int32
	c := New(countingFetcher(&calls, nil), WithClock(clock.Now), WithBackend(backend), WithTTL(time.Minute))
	ctx := context.Background()

	_, _ = c.Lookup(ctx, models.SearchFilter{Brand: "a"})
	_, _ = c.Lookup(ctx, models.SearchFilter{Brand: "b"})
	require.Equal(t, 2, backend.Len())

	clock.Set(clock.Now().Add(2 * time.Minute))
	n, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, backend.Len())
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	backend := NewRedisBackend(client, time.Minute)
	backend.prefix = "scenariopipe:test:" + t.Name() + ":"
	var calls atomic.Int32
	c := New(countingFetcher(&calls, []models.SearchResult{{ID: "r1", Brand: "Toyota"}}), WithBackend(backend))
	filter := models.SearchFilter{Brand: "Toyota"}

	first, err := c.Lookup(ctx, filter)
	require.NoError(t, err)
	second, err := c.Lookup(ctx, filter)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}
