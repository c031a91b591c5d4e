package searchcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryBackend keeps entries in a process-local map.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = entry
	return nil
}

func (b *MemoryBackend) Purge(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, e := range b.entries {
		if !e.Fresh(now) {
			delete(b.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, fresh or not.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// DefaultRedisKeyPrefix namespaces cache keys in a shared Redis.
const DefaultRedisKeyPrefix = "scenariopipe:search:"

// RedisBackend shares entries between replicas through Redis.
// Freshness is still decided from Entry.ExpiresAt; the Redis key TTL only reclaims memory.
type RedisBackend struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisBackend creates a backend over an existing client. retention bounds how long
// Redis keeps a key after it is written.
func NewRedisBackend(client redis.UniversalClient, retention time.Duration) *RedisBackend {
	if retention <= 0 {
		retention = 2 * DefaultTTL
	}
	return &RedisBackend{client: client, prefix: DefaultRedisKeyPrefix, retention: retention}
}

func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("redis entry decode failed: %w", err)
	}
	return &e, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis entry encode failed: %w", err)
	}
	if err := b.client.Set(ctx, b.prefix+key, raw, b.retention).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Purge is a no-op: Redis expires keys itself.
func (b *RedisBackend) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
