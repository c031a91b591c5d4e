// Package searchcache provides a time-bounded, single-flight cache in front of the external
// inventory search. Entries are keyed by the canonical filter tuple and are never mutated:
// an expired entry is replaced by the next lookup for its key.
package searchcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched result set stays fresh.
const DefaultTTL = 15 * time.Minute

// Fetcher performs the uncached external search.
type Fetcher func(ctx context.Context, filter models.SearchFilter) ([]models.SearchResult, error)

// Entry is an immutable cached result set.
type Entry struct {
	Results   []models.SearchResult `json:"results"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// Fresh reports whether the entry may be served at now.
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}

// Backend stores entries. Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the entry for key, or (nil, nil) when absent.
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry Entry) error
	// Purge drops entries expired at now and returns how many were removed.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// Opts holds configuration options for Cache.
type Opts struct {
	TTL     time.Duration
	Backend Backend
	Now     func() time.Time
}

// Option defines a configuration option for Cache.
type Option func(*Opts)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.TTL = ttl
	}
}

// WithBackend replaces the in-process map backend, e.g. with a RedisBackend.
func WithBackend(b Backend) Option {
	return func(o *Opts) {
		o.Backend = b
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Stats counts cache traffic since construction.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Fetches int64 `json:"fetches"`
}

// Cache wraps a Fetcher with TTL caching and per-key single-flight fetches.
type Cache struct {
	fetch   Fetcher
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group

	hits    atomic.Int64
	misses  atomic.Int64
	fetches atomic.Int64
}

// New creates a Cache around fetch.
func New(fetch Fetcher, opts ...Option) *Cache {
	cfg := Opts{TTL: DefaultTTL, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Backend == nil {
		cfg.Backend = NewMemoryBackend()
	}
	return &Cache{fetch: fetch, backend: cfg.Backend, ttl: cfg.TTL, now: cfg.Now}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Lookup returns the cached results for filter while fresh, otherwise fetches, stores and
// returns a new result set. Empty result sets are cached too. Fetch errors are not cached.
func (c *Cache) Lookup(ctx context.Context, filter models.SearchFilter) ([]models.SearchResult, error) {
	key := filter.Key()
	if entry := c.get(ctx, key); entry.Fresh(c.now()) {
		c.hits.Add(1)
		return entry.Results, nil
	}
	c.misses.Add(1)

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// A concurrent flight for this key may have completed between our miss and this call.
		if entry := c.get(ctx, key); entry.Fresh(c.now()) {
			return entry.Results, nil
		}
		c.fetches.Add(1)
		results, err := c.fetch(ctx, filter.Normalize())
		if err != nil {
			return nil, fmt.Errorf("external search failed: %w", err)
		}
		if results == nil {
			results = []models.SearchResult{}
		}
		entry := Entry{Results: results, ExpiresAt: c.now().Add(c.ttl)}
		if err := c.backend.Set(ctx, key, entry); err != nil {
			slog.Warn("Cache.Lookup: failed to store entry", "key", key, "error", err)
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Cache.Lookup: miss", "key", key, "shared", shared)
	return v.([]models.SearchResult), nil
}

// Purge removes expired entries from the backend.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	return c.backend.Purge(ctx, c.now())
}

// Stats returns a snapshot of the traffic counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Fetches: c.fetches.Load()}
}

func (c *Cache) get(ctx context.Context, key string) *Entry {
	entry, err := c.backend.Get(ctx, key)
	if err != nil {
		slog.Warn("Cache.get: backend read failed", "key", key, "error", err)
		return nil
	}
	return entry
}
